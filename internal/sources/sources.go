// Package sources adapts the upstream data providers a risk assessment draws
// on: a block explorer REST API, the chain's JSON-RPC endpoint, and a DEX
// pair index. Every adapter takes a context and returns a plain value or an
// error; callers decide what to fall back to.
package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Source names, used for circuit breaker keys and metrics labels.
const (
	NameExplorer = "explorer"
	NameRPC      = "rpc"
	NameDex      = "dex"
	NameCEX      = "cex"
)

var (
	// ErrNoData means the source answered but has nothing for this address.
	ErrNoData = errors.New("sources: no data")
	// ErrRangeTooLarge means an RPC provider rejected a log query window.
	ErrRangeTooLarge = errors.New("sources: block range too large")
)

// FetchError records which source and operation failed.
type FetchError struct {
	Source string
	Op     string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func wrap(source, op string, err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Source: source, Op: op, Err: err}
}

// CodeSource returns deployed bytecode. Empty code with a nil error means
// the address is not a contract.
type CodeSource interface {
	Code(ctx context.Context, addr common.Address) ([]byte, error)
}

// HolderSource counts distinct token holders.
type HolderSource interface {
	HolderCount(ctx context.Context, addr common.Address) (int64, error)
}

// AgeSource reports when the contract first appeared on chain.
type AgeSource interface {
	CreatedAt(ctx context.Context, addr common.Address) (time.Time, error)
}

// VerificationSource reports whether verified source code is published.
type VerificationSource interface {
	Verified(ctx context.Context, addr common.Address) (bool, error)
}

// LiquiditySource estimates USD liquidity for a token.
type LiquiditySource interface {
	Liquidity(ctx context.Context, addr common.Address) (decimal.Decimal, error)
}

// isRangeError matches the provider-specific phrasings of a rejected log window.
func isRangeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRangeTooLarge) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"range too large",
		"block range",
		"limit exceeded",
		"query returned more than",
		"too many blocks",
		"exceed maximum block range",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
