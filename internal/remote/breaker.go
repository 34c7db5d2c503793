// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

package remote

import (
	"context"
	"errors"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/verselab/recall/internal/logging"
	"github.com/verselab/recall/internal/metrics"
)

// BreakerStore wraps a Store with a circuit breaker so a flapping remote does
// not absorb every sync attempt. When the circuit is open, calls fail fast
// with an UnavailableError; the queue keeps the entries and the next explicit
// sync retries them.
//
// The breaker uses real time for its interval and timeout calculations. That
// is intentional: the timing decides when to probe for recovery, never data
// integrity. Tests exercise the wrapped Store directly.
type BreakerStore struct {
	store Store
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

// NewBreakerStore wraps store with a circuit breaker. The breaker opens after
// a 60% failure rate over at least 5 requests and probes recovery after the
// timeout configured in the settings below.
func NewBreakerStore(store Store) *BreakerStore {
	name := "remote-store"
	metrics.BreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.6
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", breakerStateString(from)).
				Str("to", breakerStateString(to)).
				Msg("remote circuit breaker state change")
			metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})

	return &BreakerStore{store: store, cb: cb, name: name}
}

func (s *BreakerStore) execute(op string, fn func() (any, error)) (any, error) {
	result, err := s.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.BreakerRequests.WithLabelValues(s.name, "rejected").Inc()
			return nil, Unavailable(op, err)
		}
		metrics.BreakerRequests.WithLabelValues(s.name, "failure").Inc()
		return nil, err
	}
	metrics.BreakerRequests.WithLabelValues(s.name, "success").Inc()
	return result, nil
}

// Batch submits the batch through the breaker.
func (s *BreakerStore) Batch(ctx context.Context, stmts []Statement) ([]Result, error) {
	result, err := s.execute("batch", func() (any, error) {
		return s.store.Batch(ctx, stmts)
	})
	if err != nil {
		return nil, err
	}
	return result.([]Result), nil
}

// Query runs the query through the breaker.
func (s *BreakerStore) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	result, err := s.execute("query", func() (any, error) {
		return s.store.Query(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return result.([]Row), nil
}

// Exists probes through the breaker. A missing table is a successful probe
// result, not a breaker failure.
func (s *BreakerStore) Exists(ctx context.Context, table string) error {
	result, err := s.execute("exists", func() (any, error) {
		err := s.store.Exists(ctx, table)
		if errors.Is(err, ErrTableNotFound) {
			return err, nil
		}
		return nil, err
	})
	if err != nil {
		return err
	}
	if probeErr, ok := result.(error); ok {
		return probeErr
	}
	return nil
}

func breakerStateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
