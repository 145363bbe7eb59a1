// Package x402 implements the wire types of the x402 payment protocol:
// the 402 challenge body, payment requirements, and settlement messages.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Version is the protocol version this package speaks.
const Version = 1

// SchemeExact is the only payment scheme issued by this service.
const SchemeExact = "exact"

// Header names.
const (
	HeaderPaymentID = "X-Payment-Id"
	HeaderPayment   = "X-PAYMENT"
)

// Error codes carried in ErrorBody.Code.
const (
	CodePaymentRequired = "payment_required"
	CodeVerifyFailed    = "verify_failed"
	CodeSettleFailed    = "settle_failed"
	CodeUnknownPayment  = "unknown_payment"
	CodePaymentExpired  = "payment_expired"
	CodeInvalidRequest  = "invalid_request"
)

// PaymentRequirements describes one acceptable way to pay for a resource.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Description       string `json:"description,omitempty"`
	Resource          string `json:"resource"`
	MimeType          string `json:"mimeType,omitempty"`
	Extra             Extra  `json:"extra"`
}

// Extra carries service-specific fields alongside the requirements.
type Extra struct {
	PaymentID string `json:"paymentId"`
}

// Challenge is the body of an HTTP 402 response.
type Challenge struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Message     string                `json:"message"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentID returns the payment identifier of the first accepted option.
func (c *Challenge) PaymentID() string {
	if len(c.Accepts) == 0 {
		return ""
	}
	return c.Accepts[0].Extra.PaymentID
}

// SettleRequest is posted by clients to settle a challenge.
type SettleRequest struct {
	PaymentID           string              `json:"paymentId" binding:"required"`
	PaymentHeader       string              `json:"paymentHeader" binding:"required"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleResponse reports a successful settlement. Both ok and success are
// set for clients of either convention.
type SettleResponse struct {
	OK        bool   `json:"ok"`
	Success   bool   `json:"success"`
	PaymentID string `json:"paymentId"`
	TxHash    string `json:"txHash"`
}

// ErrorBody is the JSON error shape used by all endpoints.
type ErrorBody struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *ErrorBody) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FacilitatorRequest is the body sent to a facilitator's /verify and /settle.
type FacilitatorRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentHeader       string              `json:"paymentHeader"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is a facilitator's answer to /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// FacilitatorSettleResponse is a facilitator's answer to /settle.
type FacilitatorSettleResponse struct {
	Success     bool   `json:"success"`
	Event       string `json:"event,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Hash returns the settlement transaction hash under either field name.
func (r *FacilitatorSettleResponse) Hash() string {
	if r.TxHash != "" {
		return r.TxHash
	}
	return r.Transaction
}

// Reason returns the most specific failure reason reported.
func (r *FacilitatorSettleResponse) Reason() string {
	if r.ErrorReason != "" {
		return r.ErrorReason
	}
	return r.Error
}

// PaymentPayload is the decoded form of a payment header. Only the fields
// needed for sanity checks are modelled; the facilitator validates the rest.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// DecodePaymentHeader decodes a base64 JSON payment header.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("x402: empty payment header")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(header)
		if err != nil {
			return nil, fmt.Errorf("x402: payment header is not base64: %w", err)
		}
	}
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("x402: payment header is not JSON: %w", err)
	}
	return &p, nil
}

// EncodePaymentHeader encodes a payload as a base64 JSON payment header.
func EncodePaymentHeader(p *PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("x402: marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Is402Response checks if an HTTP response is a 402 Payment Required
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseChallenge extracts the challenge from a 402 response.
func ParseChallenge(resp *http.Response) (*Challenge, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("failed to parse challenge: %w", err)
	}
	if len(c.Accepts) == 0 {
		return nil, fmt.Errorf("challenge has no accepted payment options")
	}
	return &c, nil
}
