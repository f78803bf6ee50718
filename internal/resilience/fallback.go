package resilience

import (
	"errors"
	"fmt"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or
// was rejected by its breaker.
var ErrAllFailed = errors.New("all segmenters failed")

// FallbackConfig configures the breaker created for each group member. The
// breaker's Name is replaced by the member name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// MemberStatus describes one member of a [FallbackGroup].
type MemberStatus struct {
	Name  string
	State State
}

// FallbackGroup tries its members in registration order, skipping those whose
// breaker is open. Members are added before the group is shared; after that
// the group is safe for concurrent use.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first member.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a member tried after all previously added ones.
func (g *FallbackGroup[T]) AddFallback(name string, v T) {
	cbCfg := g.cfg.CircuitBreaker
	cbCfg.Name = name
	g.members = append(g.members, member[T]{
		name:    name,
		value:   v,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of members.
func (g *FallbackGroup[T]) Len() int { return len(g.members) }

// Status reports every member's breaker state in registration order.
func (g *FallbackGroup[T]) Status() []MemberStatus {
	out := make([]MemberStatus, len(g.members))
	for i, m := range g.members {
		out[i] = MemberStatus{Name: m.name, State: m.breaker.State()}
	}
	return out
}

// Execute calls fn on each member until one returns nil.
func (g *FallbackGroup[T]) Execute(fn func(name string, v T) error) error {
	_, _, err := ExecuteWithResult(g, func(name string, v T) (struct{}, error) {
		return struct{}{}, fn(name, v)
	})
	return err
}

// ExecuteWithResult calls fn on each member of g until one succeeds and
// returns its result together with the serving member's name. When every
// member fails the error wraps [ErrAllFailed] and the last member error.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(name string, v T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.members {
		m := &g.members[i]
		var res R
		err := m.breaker.Execute(func() error {
			var err error
			res, err = fn(m.name, m.value)
			return err
		})
		if err == nil {
			return res, m.name, nil
		}
		lastErr = err
		log := m.breaker.cfg.Logger
		if errors.Is(err, ErrCircuitOpen) {
			log.Debug("skipping segmenter with open circuit", "segmenter", m.name)
		} else {
			log.Warn("segmenter failed, trying next", "segmenter", m.name, "err", err)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("empty group")
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
