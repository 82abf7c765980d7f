package retrieval

import (
	"fmt"
	"math"
)

// Budget tracks token allocation for one retrieval.
type Budget struct {
	Total     int
	Allocated int
}

// NewBudget creates a budget with the given total.
func NewBudget(total int) *Budget {
	return &Budget{Total: total}
}

// Remaining returns unallocated tokens.
func (b *Budget) Remaining() int {
	return b.Total - b.Allocated
}

// CanFit returns true if the given number of tokens can fit.
func (b *Budget) CanFit(tokens int) bool {
	return b.Remaining() >= tokens
}

// Allocate reserves tokens, failing if they do not fit.
func (b *Budget) Allocate(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("negative allocation %d", tokens)
	}
	if !b.CanFit(tokens) {
		return fmt.Errorf("allocation of %d tokens exceeds budget (used: %d, total: %d)",
			tokens, b.Allocated, b.Total)
	}
	b.Allocated += tokens
	return nil
}

// TokenEstimator estimates token counts with a characters-per-token ratio.
type TokenEstimator struct {
	charsPerToken float64
}

// NewTokenEstimator returns an estimator using roughly 4 characters per token.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{charsPerToken: 4.0}
}

// Estimate returns an estimated token count. Non-empty text costs at least one token.
func (e *TokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Max(1, math.Ceil(float64(len(text))/e.charsPerToken)))
}
