// Package backoff computes retry delays.
package backoff

import (
	"math"
	"time"
)

// Strategy returns the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt: Initial * 2^(attempt-1),
// capped at Max when Max is set.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) Exponential {
	return Exponential{Initial: initial, Max: maxDelay}
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	f := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && f >= float64(e.Max) {
		return e.Max
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

// Linear grows by Step each attempt: Step * attempt.
type Linear struct {
	Step time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return l.Step * time.Duration(attempt)
}
