// Package auth authenticates requests signed by the wallet that owns the
// funds they spend.
//
// A client signs, with personal_sign (EIP-191), a message binding the
// request method, URI, body hash, a single-use nonce and an expiry, and
// sends the signature in headers. The server recovers the signing address
// and treats it as the caller.
package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/idgen"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Request headers carrying the signature.
const (
	HeaderSignature = "X-Shield-Signature"
	HeaderNonce     = "X-Shield-Nonce"
	HeaderExpires   = "X-Shield-Expires"
)

// DefaultMaxAge bounds how far in the future a signature may expire.
const DefaultMaxAge = 5 * time.Minute

const maxNonceLen = 128

var (
	ErrMissingSignature = errors.New("auth: request is not signed")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrExpired          = errors.New("auth: signature expired or expiry out of range")
	ErrReplayed         = errors.New("auth: nonce already used")
)

// Message returns the text a wallet signs for a request. uri is the path
// plus query string.
func Message(method, uri string, body []byte, nonce string, expires int64) string {
	return fmt.Sprintf("Cronos Shield request\nmethod: %s\nuri: %s\nbody: %s\nnonce: %s\nexpires: %d",
		strings.ToUpper(method), uri, crypto.Keccak256Hash(body).Hex(), nonce, expires)
}

// Sign signs msg with key as personal_sign does (V is 27 or 28).
func Sign(key *ecdsa.PrivateKey, msg string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Recover returns the address that produced signature over msg.
func Recover(msg, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignRequest sets the auth headers on req for body, with a fresh nonce
// and the given expiry.
func SignRequest(req *http.Request, body []byte, key *ecdsa.PrivateKey, expires time.Time) error {
	nonce := idgen.Hex(16)
	exp := expires.Unix()
	sig, err := Sign(key, Message(req.Method, req.URL.RequestURI(), body, nonce, exp))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderExpires, strconv.FormatInt(exp, 10))
	return nil
}

// Verifier checks request signatures and consumes their nonces.
type Verifier struct {
	nonces NonceStore
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier. maxAge <= 0 uses DefaultMaxAge.
func NewVerifier(nonces NonceStore, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Verifier{nonces: nonces, maxAge: maxAge, now: time.Now}
}

// Verify returns the address that signed the request. The nonce is
// consumed only once the signature checks out.
func (v *Verifier) Verify(ctx context.Context, method, uri string, body []byte, signature, nonce, expires string) (common.Address, error) {
	if signature == "" {
		return common.Address{}, ErrMissingSignature
	}
	if nonce == "" || len(nonce) > maxNonceLen {
		return common.Address{}, fmt.Errorf("%w: nonce must be 1-%d characters", ErrInvalidSignature, maxNonceLen)
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: expiry must be unix seconds", ErrInvalidSignature)
	}
	now := v.now()
	expiresAt := time.Unix(exp, 0)
	if !now.Before(expiresAt) || expiresAt.After(now.Add(v.maxAge)) {
		return common.Address{}, ErrExpired
	}

	addr, err := Recover(Message(method, uri, body, nonce, exp), signature)
	if err != nil {
		return common.Address{}, err
	}

	fresh, err := v.nonces.Use(ctx, addr, nonce, expiresAt)
	if err != nil {
		return common.Address{}, fmt.Errorf("auth: record nonce: %w", err)
	}
	if !fresh {
		return common.Address{}, ErrReplayed
	}
	return addr, nil
}
