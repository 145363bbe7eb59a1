// Package divergence compares a token's centralized exchange price with its
// on-chain DEX price.
package divergence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/sources"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidToken  = errors.New("divergence: invalid token address")
	ErrInvalidSymbol = errors.New("divergence: invalid symbol")
	ErrUnavailable   = errors.New("divergence: price unavailable")
)

// Direction names which venue quotes the token higher.
type Direction string

const (
	DirectionCEXPremium Direction = "cex_premium"
	DirectionDEXPremium Direction = "dex_premium"
	DirectionAligned    Direction = "aligned"
)

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,16}$`)

// CEXPricer quotes a symbol against USD on an exchange.
type CEXPricer interface {
	PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// DEXPricer quotes a token against USD from DEX pairs.
type DEXPricer interface {
	PriceUSD(ctx context.Context, token common.Address) (decimal.Decimal, sources.DexPair, error)
}

// Report is one price comparison. Prices are decimal strings.
type Report struct {
	Symbol        string    `json:"symbol"`
	Token         string    `json:"token"`
	CEXPrice      string    `json:"cexPrice"`
	DEXPrice      string    `json:"dexPrice"`
	DEXPair       string    `json:"dexPair,omitempty"`
	DivergencePct string    `json:"divergencePct"`
	Direction     Direction `json:"direction"`
	Timestamp     int64     `json:"timestamp"`
}

// Service computes divergence reports.
type Service struct {
	cex CEXPricer
	dex DEXPricer
	now func() time.Time
}

// NewService creates a divergence service.
func NewService(cex CEXPricer, dex DEXPricer) *Service {
	return &Service{cex: cex, dex: dex, now: time.Now}
}

// Compare fetches both prices concurrently. DivergencePct is
// |dex - cex| / cex * 100, rounded to four decimal places.
func (s *Service) Compare(ctx context.Context, token, symbol string) (*Report, error) {
	if !common.IsHexAddress(token) {
		return nil, ErrInvalidToken
	}
	if !symbolPattern.MatchString(symbol) {
		return nil, ErrInvalidSymbol
	}
	addr := common.HexToAddress(token)
	symbol = strings.ToUpper(symbol)

	var (
		cexPrice, dexPrice decimal.Decimal
		pair               sources.DexPair
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.cex.PriceUSD(gctx, symbol)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		cexPrice = p
		return nil
	})
	g.Go(func() error {
		p, dp, err := s.dex.PriceUSD(gctx, addr)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		dexPrice, pair = p, dp
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if !cexPrice.IsPositive() {
		return nil, fmt.Errorf("%w: exchange price is zero", ErrUnavailable)
	}

	diff := dexPrice.Sub(cexPrice)
	pct := diff.Abs().Div(cexPrice).Mul(decimal.NewFromInt(100)).Round(4)

	dir := DirectionAligned
	switch diff.Sign() {
	case 1:
		dir = DirectionDEXPremium
	case -1:
		dir = DirectionCEXPremium
	}

	return &Report{
		Symbol:        symbol,
		Token:         strings.ToLower(addr.Hex()),
		CEXPrice:      cexPrice.String(),
		DEXPrice:      dexPrice.String(),
		DEXPair:       pair.PairAddress,
		DivergencePct: pct.StringFixed(4),
		Direction:     dir,
		Timestamp:     s.now().Unix(),
	}, nil
}
