// Package checkout derives payment totals for a cart and gates the commit.
package checkout

import (
	"errors"
	"strings"
	"time"

	"retailpos/backend/internal/domain"
)

// CreditTerm is the fixed settlement window for credit sales.
const CreditTerm = 7 * 24 * time.Hour

var (
	ErrEmptyCart                = errors.New("cart is empty")
	ErrUnderpayment             = errors.New("payment amount is less than total")
	ErrMissingTransferReference = errors.New("transfer reference is required")
	ErrUnsupportedPaymentType   = errors.New("unsupported payment type")
)

type Payment struct {
	Type        domain.PaymentType
	AmountCents int64
	Reference   string
}

type Totals struct {
	TotalCents   int64
	PaidCents    int64
	ChangeCents  int64
	PointsEarned int
	DueDate      *time.Time
}

// Change returns the cash change, never negative.
func Change(totalCents int64, paidCents int64) int64 {
	if paidCents <= totalCents {
		return 0
	}
	return paidCents - totalCents
}

func DueDate(committedAt time.Time) time.Time {
	return committedAt.Add(CreditTerm)
}

// Validate is the commit gate: a non-empty cart, full cash payment and a
// reference for transfers.
func Validate(lineCount int, totalCents int64, p Payment) error {
	if lineCount == 0 {
		return ErrEmptyCart
	}
	switch p.Type {
	case domain.PaymentCash:
		if p.AmountCents < totalCents {
			return ErrUnderpayment
		}
	case domain.PaymentTransfer:
		if strings.TrimSpace(p.Reference) == "" {
			return ErrMissingTransferReference
		}
	case domain.PaymentCredit:
	default:
		return ErrUnsupportedPaymentType
	}
	return nil
}

func Calculate(lineCount int, totalCents int64, points int, p Payment, at time.Time) (Totals, error) {
	if err := Validate(lineCount, totalCents, p); err != nil {
		return Totals{}, err
	}

	totals := Totals{
		TotalCents:   totalCents,
		PaidCents:    totalCents,
		PointsEarned: points,
	}
	switch p.Type {
	case domain.PaymentCash:
		totals.PaidCents = p.AmountCents
		totals.ChangeCents = Change(totalCents, p.AmountCents)
	case domain.PaymentCredit:
		due := DueDate(at)
		totals.DueDate = &due
	}
	return totals, nil
}
