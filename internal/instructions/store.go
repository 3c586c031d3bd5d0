// Package instructions resolves the system instruction for an incoming
// call: the prompt text that defines the answering agent's persona and
// what it knows about the business being called.
package instructions

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no instruction exists for a call.
var ErrNotFound = errors.New("instructions: not found")

// Instruction is the provisioned prompt material for one call.
type Instruction struct {
	// CompanyName identifies the business the agent answers for.
	CompanyName string

	// Content is the full system instruction handed to the AI session.
	Content string
}

// Store resolves the instruction for a call. Implementations must be safe
// for concurrent use; lookups sit on the call-setup path and must be fast.
type Store interface {
	// Get returns the instruction for the given call identifier, or
	// ErrNotFound when none is provisioned.
	Get(ctx context.Context, callID string) (Instruction, error)
}

// WithDefault wraps a Store so that misses resolve to a static fallback
// instruction instead of failing the call. A nil inner store always
// misses: every lookup returns the fallback.
func WithDefault(inner Store, fallback Instruction) Store {
	return &defaultStore{inner: inner, fallback: fallback}
}

type defaultStore struct {
	inner    Store
	fallback Instruction
}

func (s *defaultStore) Get(ctx context.Context, callID string) (Instruction, error) {
	if s.inner == nil {
		return s.fallback, nil
	}
	inst, err := s.inner.Get(ctx, callID)
	if err == nil {
		return inst, nil
	}
	if errors.Is(err, ErrNotFound) {
		return s.fallback, nil
	}
	return Instruction{}, err
}
