// Package scoring turns a fact set into a 0-100 risk score. Higher is riskier.
// Scoring is deterministic: the same facts always yield the same score and
// warnings.
package scoring

import (
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/aggregator"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/sources"
)

const (
	baseScore = 50
	minScore  = 0
	maxScore  = 100
)

// Warning texts.
const (
	WarnNotContract   = "address is not a contract"
	WarnLowLiquidity  = "low liquidity: less than $1,000 available"
	WarnNewContract   = "contract is less than 7 days old"
	WarnUnverified    = "contract source code is not verified"
	WarnSelfDestruct  = "contract can self-destruct"
	WarnFewHolders    = "fewer than 10 token holders"
	lowLiquidityLimit = 1000
)

// RiskScore is the outcome of scoring one contract.
type RiskScore struct {
	Contract       string         `json:"contract"`
	Score          int            `json:"score"`
	Warnings       []string       `json:"warnings"`
	Factors        map[string]int `json:"factors,omitempty"`
	ComputedAtUnix int64          `json:"computedAt"`
}

// Score computes the risk score for facts. now stamps ComputedAtUnix only;
// it never influences the score.
func Score(facts aggregator.RiskFactSet, now time.Time) RiskScore {
	out := RiskScore{
		Contract:       facts.Contract,
		Warnings:       []string{},
		ComputedAtUnix: now.Unix(),
	}

	if !facts.HasCode {
		out.Score = maxScore
		out.Warnings = []string{WarnNotContract}
		return out
	}

	factors := map[string]int{
		"holders":      holdersFactor(facts.HolderCount),
		"age":          ageFactor(facts.AgeDays),
		"verified":     verifiedFactor(facts.IsVerified),
		"liquidity":    liquidityFactor(facts.LiquidityEstimate),
		"complexity":   complexityFactor(facts.BytecodeComplexity),
		"proxy":        flag(facts.IsProxy, 5),
		"selfdestruct": flag(facts.HasSelfDestruct, 20),
	}

	score := baseScore
	for _, v := range factors {
		score += v
	}
	out.Score = clamp(score)
	out.Factors = factors
	out.Warnings = warnings(facts)
	return out
}

func holdersFactor(n int64) int {
	switch {
	case n > 1000:
		return -10
	case n > 100:
		return -5
	case n < 10:
		return 15
	default:
		return 0
	}
}

func ageFactor(days int64) int {
	switch {
	case days > 365:
		return -10
	case days > 90:
		return -5
	case days < 7:
		return 10
	default:
		return 0
	}
}

func verifiedFactor(verified bool) int {
	if verified {
		return -10
	}
	return 10
}

func liquidityFactor(l float64) int {
	switch {
	case l > 100000:
		return -15
	case l > 10000:
		return -5
	case l > 0 && l < lowLiquidityLimit:
		return 15
	case l == 0:
		return 20
	default:
		return 0
	}
}

func complexityFactor(c sources.Complexity) int {
	switch c {
	case sources.ComplexityHigh:
		return 10
	case sources.ComplexityMedium:
		return 5
	default:
		return 0
	}
}

func flag(set bool, weight int) int {
	if set {
		return weight
	}
	return 0
}

// warnings are independent of the numeric score.
func warnings(f aggregator.RiskFactSet) []string {
	w := []string{}
	if f.LiquidityEstimate < lowLiquidityLimit {
		w = append(w, WarnLowLiquidity)
	}
	if f.AgeDays < 7 {
		w = append(w, WarnNewContract)
	}
	if !f.IsVerified {
		w = append(w, WarnUnverified)
	}
	if f.HasSelfDestruct {
		w = append(w, WarnSelfDestruct)
	}
	if f.HolderCount < 10 {
		w = append(w, WarnFewHolders)
	}
	return w
}

func clamp(s int) int {
	if s < minScore {
		return minScore
	}
	if s > maxScore {
		return maxScore
	}
	return s
}
