// Package dispatcher drains the delivery queue with a pool of workers. Each
// worker claims one task, sends the email and resolves the claim, retrying
// transient failures with exponential backoff.
package dispatcher

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/nuetzliches/newsletterd/internal/mailer"
)

type RetryConfig struct {
	// Max is the number of attempts a task gets before it is dropped.
	Max    int
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Max:    8,
		Base:   2 * time.Second,
		Cap:    5 * time.Minute,
		Jitter: 0.2,
	}
}

// Outcome is what happened to one claimed task.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRetry     Outcome = "retry"
	OutcomeDropped   Outcome = "dropped"
	OutcomeAbandoned Outcome = "abandoned"
)

const (
	ReasonInvalidAddress   = "invalid_address"
	ReasonPermanentFailure = "permanent_failure"
	ReasonMaxRetries       = "max_retries"
)

type decision struct {
	outcome Outcome
	reason  string
	delay   time.Duration
}

// decide maps a send result to what happens with the task. attempt is the
// 1-based attempt that just ran.
func decide(sendErr error, attempt int, retry RetryConfig) decision {
	if sendErr == nil {
		return decision{outcome: OutcomeDelivered}
	}
	if errors.Is(sendErr, mailer.ErrInvalidAddress) {
		return decision{outcome: OutcomeDropped, reason: ReasonInvalidAddress}
	}
	if mailer.IsPermanent(sendErr) {
		return decision{outcome: OutcomeDropped, reason: ReasonPermanentFailure}
	}
	if attempt < retry.Max {
		return decision{outcome: OutcomeRetry, delay: retryDelay(attempt, retry)}
	}
	return decision{outcome: OutcomeDropped, reason: ReasonMaxRetries}
}

func retryDelay(attempt int, retry RetryConfig) time.Duration {
	if retry.Base <= 0 {
		return 0
	}
	exp := float64(attempt - 1)
	base := float64(retry.Base)
	delay := base * math.Pow(2, exp)
	if retry.Cap > 0 {
		capVal := float64(retry.Cap)
		if delay > capVal {
			delay = capVal
		}
	}
	if retry.Jitter > 0 {
		j := retry.Jitter
		if j > 1 {
			j = 1
		}
		delta := (rand.Float64()*2 - 1) * j
		delay = delay * (1 + delta)
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}
