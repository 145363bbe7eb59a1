// Package payment implements the x402 pay-per-call flow: challenge issuance,
// settlement through a facilitator, and entitlement checks for paid routes.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/pkg/x402"
)

// Status is the lifecycle state of a payment.
type Status string

// Payment statuses. Settled is terminal; Failed may be retried with a new
// payment header for the same payment id.
const (
	StatusUnpaid          Status = "UNPAID"
	StatusChallengeIssued Status = "CHALLENGE_ISSUED"
	StatusSettled         Status = "SETTLED"
	StatusFailed          Status = "FAILED"
)

var (
	ErrNotFound        = errors.New("payment: not found")
	ErrExpired         = errors.New("payment: challenge expired")
	ErrVerifyFailed    = errors.New("payment: verification failed")
	ErrSettleFailed    = errors.New("payment: settlement failed")
	ErrUnknownResource = errors.New("payment: resource has no price")
	ErrDuplicateID     = errors.New("payment: duplicate payment id")
)

// Record is the persisted state of one payment id.
type Record struct {
	PaymentID     string     `json:"paymentId"`
	Resource      string     `json:"resource"`
	Amount        string     `json:"amount"`
	Asset         string     `json:"asset"`
	PayTo         string     `json:"payTo"`
	Network       string     `json:"network"`
	Status        Status     `json:"status"`
	Settled       bool       `json:"settled"`
	TxHash        string     `json:"txHash,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
}

// Expired reports whether an unsettled record is past its deadline.
func (r *Record) Expired(now time.Time) bool {
	return !r.Settled && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Requirements rebuilds the payment requirements the challenge advertised.
func (r *Record) Requirements(resourceURL, description string) x402.PaymentRequirements {
	timeout := int(r.ExpiresAt.Sub(r.CreatedAt).Seconds())
	if timeout <= 0 {
		timeout = int(DefaultChallengeTTL.Seconds())
	}
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           r.Network,
		PayTo:             r.PayTo,
		Asset:             r.Asset,
		MaxAmountRequired: r.Amount,
		MaxTimeoutSeconds: timeout,
		Description:       description,
		Resource:          resourceURL,
		MimeType:          "application/json",
		Extra:             x402.Extra{PaymentID: r.PaymentID},
	}
}

// SettleResult is the outcome of a successful settlement.
type SettleResult struct {
	PaymentID string
	TxHash    string
	// Replayed is true when the payment was already settled and no
	// facilitator call was made.
	Replayed bool
}

// Store persists payment records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, paymentID string) (*Record, error)
	// MarkSettled sets the record settled with txHash unless it already is.
	// It returns the tx hash that ended up stored and whether this call won.
	MarkSettled(ctx context.Context, paymentID, txHash string, at time.Time) (string, bool, error)
	// MarkFailed records a failed attempt. It never touches a settled record.
	MarkFailed(ctx context.Context, paymentID, reason string) error
	// DeleteExpired removes unsettled records that expired before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Facilitator verifies and settles payment headers on chain.
type Facilitator interface {
	Verify(ctx context.Context, header string, req x402.PaymentRequirements) (bool, string, error)
	Settle(ctx context.Context, header string, req x402.PaymentRequirements) (string, error)
}
