package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateUUID(t *testing.T) {
	a, b := GenerateUUID(), GenerateUUID()
	assert.False(t, a.IsEmpty())
	assert.NotEqual(t, a, b)
	assert.Len(t, a.String(), 36)
}

func TestMoney_String(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		expected string
	}{
		{name: "plan price", money: NewMoney(2990, "BRL"), expected: "29.90 BRL"},
		{name: "whole amount", money: NewMoney(10000, "USD"), expected: "100.00 USD"},
		{name: "negative", money: NewMoney(-5, "BRL"), expected: "-0.05 BRL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.money.String())
		})
	}
}

func TestVersion(t *testing.T) {
	v := FirstVersion()
	assert.True(t, v.IsFirst())

	next := v.Next()
	assert.Equal(t, 2, next.Value)
	assert.Equal(t, 1, next.Expected())
	assert.False(t, next.IsFirst())
	assert.Equal(t, 1, v.Value)
}

func TestTimestamps_Touch(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := NewTimestamps(created)

	later := ts.Touch(created.Add(time.Hour))
	assert.Equal(t, created, later.CreatedAt)
	assert.Equal(t, created.Add(time.Hour), later.UpdatedAt)

	assert.Equal(t, later, later.Touch(created), "UpdatedAt never moves backwards")
}
