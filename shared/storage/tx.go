// Package storage defines the transaction primitive shared by every store.
//
// A TxRunner opens a transaction, places the backend handle on the context and
// runs the callback. Stores look the handle up with TxFromContext and join the
// transaction when it is present; otherwise they run on their own connection.
package storage

import "context"

// TxRunner executes fn atomically. When fn returns an error every write made
// through the context is rolled back. Calls nested inside an open transaction
// join it.
type TxRunner interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

// ContextWithTx returns a copy of ctx carrying the backend transaction handle.
func ContextWithTx(ctx context.Context, tx any) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction handle carried by ctx, if any.
func TxFromContext(ctx context.Context) (any, bool) {
	tx := ctx.Value(txKey{})
	if tx == nil {
		return nil, false
	}
	return tx, true
}

// HasTx reports whether ctx carries a transaction handle.
func HasTx(ctx context.Context) bool {
	_, ok := TxFromContext(ctx)
	return ok
}
