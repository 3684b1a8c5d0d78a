package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidPeriod = errors.New("invalid billing period")
	ErrInvalidTerm   = errors.New("term start cannot be after the next billing date")
)

// BillingPeriod is how often a subscription is charged
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "MONTHLY"
	PeriodAnnual  BillingPeriod = "ANNUAL"
)

// ParseBillingPeriod accepts MONTHLY/ANNUAL and the MENSAL/ANUAL aliases, case-insensitively.
func ParseBillingPeriod(s string) (BillingPeriod, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MONTHLY", "MENSAL":
		return PeriodMonthly, nil
	case "ANNUAL", "ANUAL":
		return PeriodAnnual, nil
	default:
		return "", errors.Wrapf(ErrInvalidPeriod, "%q", s)
	}
}

func (p BillingPeriod) IsValid() bool {
	return p == PeriodMonthly || p == PeriodAnnual
}

// NextBillingFrom returns the billing date one period after t, using
// calendar arithmetic.
func (p BillingPeriod) NextBillingFrom(t time.Time) time.Time {
	if p == PeriodAnnual {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Term is the window a subscription is paid for.
type Term struct {
	Period        BillingPeriod `json:"period"`
	StartsAt      time.Time     `json:"startsAt"`
	NextBillingAt time.Time     `json:"nextBillingAt"`
}

// NewTerm starts a term at startsAt lasting one period.
func NewTerm(period BillingPeriod, startsAt time.Time) (Term, error) {
	return newTerm(period, startsAt, period.NextBillingFrom(startsAt))
}

func newTerm(period BillingPeriod, startsAt, nextBillingAt time.Time) (Term, error) {
	term := Term{Period: period, StartsAt: startsAt, NextBillingAt: nextBillingAt}
	if err := term.Validate(); err != nil {
		return Term{}, err
	}
	return term, nil
}

func (t Term) Validate() error {
	if !t.Period.IsValid() {
		return errors.Wrapf(ErrInvalidPeriod, "%q", t.Period)
	}
	if t.StartsAt.After(t.NextBillingAt) {
		return ErrInvalidTerm
	}
	return nil
}

// Renew returns the term that follows t. The new term starts at now and the
// next billing date advances one period from the previous one, skipping
// periods that already lapsed.
func (t Term) Renew(now time.Time) (Term, error) {
	next := t.Period.NextBillingFrom(t.NextBillingAt)
	for next.Before(now) {
		next = t.Period.NextBillingFrom(next)
	}
	return newTerm(t.Period, now, next)
}
