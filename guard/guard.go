// Package guard gives a shared value mutually exclusive, scoped access.
package guard

import (
	"context"
	"sync"
)

// Guard owns a value of type T. The value is only reachable while holding the guard.
type Guard[T any] struct {
	sem   chan struct{}
	value T
}

func New[T any](value T) *Guard[T] {
	return &Guard[T]{
		sem:   make(chan struct{}, 1),
		value: value,
	}
}

// Scope is one exclusive access to the guarded value
type Scope[T any] struct {
	g    *Guard[T]
	once sync.Once
}

// Value must not be retained after Release
func (s *Scope[T]) Value() *T {
	return &s.g.value
}

// Release can be called more than once, only the first call unlocks
func (s *Scope[T]) Release() {
	s.once.Do(func() {
		<-s.g.sem
	})
}

// Acquire blocks until the guard is free or ctx is done
func (g *Guard[T]) Acquire(ctx context.Context) (*Scope[T], error) {
	select {
	case g.sem <- struct{}{}:
		return &Scope[T]{g: g}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs fn with exclusive access, the guard is released on every exit path including panics
func (g *Guard[T]) Do(fn func(v *T) error) error {
	return g.DoContext(context.Background(), fn)
}

func (g *Guard[T]) DoContext(ctx context.Context, fn func(v *T) error) error {
	s, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s.Value())
}

// TryDo runs fn only if the guard is free right now
func (g *Guard[T]) TryDo(fn func(v *T) error) (bool, error) {
	select {
	case g.sem <- struct{}{}:
	default:
		return false, nil
	}
	s := &Scope[T]{g: g}
	defer s.Release()
	return true, fn(s.Value())
}

// With is Do for callers that need a result back
func With[T, R any](g *Guard[T], fn func(v *T) R) R {
	s, _ := g.Acquire(context.Background())
	defer s.Release()
	return fn(s.Value())
}
