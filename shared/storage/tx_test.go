package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTxFromContext(t *testing.T) {
	ctx := context.Background()

	_, ok := TxFromContext(ctx)
	assert.False(t, ok)
	assert.False(t, HasTx(ctx))

	handle := &struct{ name string }{name: "tx"}
	txCtx := ContextWithTx(ctx, handle)

	got, ok := TxFromContext(txCtx)
	assert.True(t, ok)
	assert.Same(t, handle, got)
	assert.True(t, HasTx(txCtx))
}
