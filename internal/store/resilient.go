package store

import (
	"context"
	"errors"
	"fmt"

	ordererrors "github.com/abgdnv/farmorders/internal/errors"
	"github.com/abgdnv/farmorders/pkg/config"
	"github.com/sony/gobreaker/v2"
)

// ResilientTree wraps a Tree in a circuit breaker. While the breaker is open calls fail
// fast with ErrStoreUnavailable instead of waiting on a store that is down.
type ResilientTree struct {
	inner Tree
	cb    *gobreaker.CircuitBreaker[any]
}

// NewResilientTree creates a ResilientTree around inner.
func NewResilientTree(inner Tree, cfg config.CircuitBreakerConfig) *ResilientTree {
	st := gobreaker.Settings{
		Name:        "store-cb",
		MaxRequests: 3,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.ConsecutiveFailures ||
				(counts.TotalSuccesses+counts.TotalFailures > cfg.ConsecutiveFailures &&
					float64(counts.TotalFailures)/float64(counts.TotalSuccesses+counts.TotalFailures)*100 > float64(cfg.ErrorRatePercent))
		},
		IsSuccessful: func(err error) bool {
			// a missing node or an abandoned call says nothing about store health
			return err == nil ||
				errors.Is(err, ordererrors.ErrNodeNotFound) ||
				errors.Is(err, context.Canceled)
		},
	}
	return &ResilientTree{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[any](st),
	}
}

// State returns the breaker state, for health reporting.
func (r *ResilientTree) State() gobreaker.State {
	return r.cb.State()
}

func (r *ResilientTree) Read(ctx context.Context, path string) ([]byte, error) {
	return execute(r.cb, func() ([]byte, error) { return r.inner.Read(ctx, path) })
}

func (r *ResilientTree) ReadChildren(ctx context.Context, path string) (map[string][]byte, error) {
	return execute(r.cb, func() (map[string][]byte, error) { return r.inner.ReadChildren(ctx, path) })
}

func (r *ResilientTree) ListKeys(ctx context.Context, path string) ([]string, error) {
	return execute(r.cb, func() ([]string, error) { return r.inner.ListKeys(ctx, path) })
}

func (r *ResilientTree) Write(ctx context.Context, path string, value []byte) error {
	_, err := execute(r.cb, func() (struct{}, error) { return struct{}{}, r.inner.Write(ctx, path, value) })
	return err
}

func (r *ResilientTree) Delete(ctx context.Context, path string) error {
	_, err := execute(r.cb, func() (struct{}, error) { return struct{}{}, r.inner.Delete(ctx, path) })
	return err
}

func (r *ResilientTree) WatchChildren(ctx context.Context, path string) (<-chan map[string][]byte, error) {
	return execute(r.cb, func() (<-chan map[string][]byte, error) { return r.inner.WatchChildren(ctx, path) })
}

func (r *ResilientTree) NewKey() string {
	return r.inner.NewKey()
}

func execute[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %w", ordererrors.ErrStoreUnavailable, err)
		}
		if res == nil {
			return zero, err
		}
		return res.(T), err
	}
	return res.(T), nil
}
