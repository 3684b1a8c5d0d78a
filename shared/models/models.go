// Package models holds the value types shared by aggregates and stores.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID identifies aggregates, sagas and outbox events
type ID string

// GenerateUUID creates a new random ID
func GenerateUUID() ID {
	return ID(uuid.New().String())
}

func (id ID) String() string {
	return string(id)
}

// IsEmpty reports whether the ID was never set
func (id ID) IsEmpty() bool {
	return id == ""
}

// Now returns the current time truncated to microseconds, the precision Postgres keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Timestamps tracks when an aggregate was created and last changed
type Timestamps struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewTimestamps(at time.Time) Timestamps {
	return Timestamps{CreatedAt: at, UpdatedAt: at}
}

// Touch moves UpdatedAt forward to at
func (t Timestamps) Touch(at time.Time) Timestamps {
	if at.After(t.UpdatedAt) {
		t.UpdatedAt = at
	}
	return t
}

// Version is the optimistic-locking counter of an aggregate. The first
// persisted state is version 1 and every mutation advances it by one.
type Version struct {
	Value int
}

func FirstVersion() Version {
	return Version{Value: 1}
}

// Next returns the version a mutated aggregate is saved with
func (v Version) Next() Version {
	return Version{Value: v.Value + 1}
}

// IsFirst reports whether saving this version creates the row
func (v Version) IsFirst() bool {
	return v.Value <= 1
}

// Expected is the version the store must still hold for a save to apply
func (v Version) Expected() int {
	return v.Value - 1
}

// Money is an amount in cents of an ISO currency (BRL, USD, ...)
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

func (m Money) IsPositive() bool {
	return m.Amount > 0
}

// String formats the amount with two decimals, e.g. "29.90 BRL".
func (m Money) String() string {
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, m.Currency)
}
