// Package lobbycode produces short human-typable lobby codes.
//
// Codes are a reversible permutation of a monotonic counter, not sampled
// randomness: a single linear-congruential step maps the counter through
// the full code space bijectively, so codes look unrelated to each other
// but never collide until the counter wraps the whole space.
package lobbycode

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Alphabet is the 33-symbol digit set: A-Z without the ambiguous I and O,
// plus 1-9 (no 0). Digit zero is 'A'.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ123456789"

// Length is the fixed code length.
const Length = 6

// Space is the size of the code space: len(Alphabet)^Length.
const Space uint64 = 33 * 33 * 33 * 33 * 33 * 33 // 1_291_467_969

// LCG parameters. mult must be coprime to Space (= 3^6 * 11^6) so that
// k -> (mult*k + inc + seed) mod Space is a bijection on [0, Space).
const (
	mult uint64 = 48271
	inc  uint64 = 2531011
)

// CounterStore persists the allocation counter across process lifetimes.
type CounterStore interface {
	LoadCounter(ctx context.Context) (uint64, error)
	SaveCounter(ctx context.Context, counter uint64) error
}

// Generator allocates lobby codes. Safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	counter uint64
	seed    uint64
	store   CounterStore
	logger  zerolog.Logger
}

// New loads the persisted counter and returns a ready generator. The seed
// is process-scoped; it offsets the permutation but does not affect
// Encode/Decode.
func New(ctx context.Context, store CounterStore, seed uint64, logger zerolog.Logger) (*Generator, error) {
	counter, err := store.LoadCounter(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading code counter: %w", err)
	}
	g := &Generator{
		counter: counter % Space,
		seed:    seed % Space,
		store:   store,
		logger:  logger.With().Str("component", "lobbycode").Logger(),
	}
	return g, nil
}

// Next allocates the next code. The counter is persisted after each
// allocation; a persist failure is returned and the allocation is not
// considered issued.
func (g *Generator) Next(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := (mult*g.counter + inc + g.seed) % Space
	code := Encode(t)

	next := g.counter + 1
	if next >= Space {
		// From here on codes repeat the first cycle.
		g.logger.Warn().
			Uint64("space", Space).
			Msg("Code counter wrapped, collisions with earlier codes are now possible")
		next = 0
	}
	if err := g.store.SaveCounter(ctx, next); err != nil {
		return "", fmt.Errorf("persisting code counter: %w", err)
	}
	g.counter = next
	return code, nil
}

// Counter returns the current counter value, for diagnostics.
func (g *Generator) Counter() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counter
}

// Encode renders n mod Space as six alphabet digits, most significant
// first, left-padded with the zero digit 'A'.
func Encode(n uint64) string {
	n %= Space
	base := uint64(len(Alphabet))
	var digits [Length]byte
	for i := Length - 1; i >= 0; i-- {
		digits[i] = Alphabet[n%base]
		n /= base
	}
	return string(digits[:])
}

// Decode is the inverse of Encode.
func Decode(s string) (uint64, error) {
	if len(s) != Length {
		return 0, fmt.Errorf("code %q: want %d characters, got %d", s, Length, len(s))
	}
	base := uint64(len(Alphabet))
	var n uint64
	for i := 0; i < Length; i++ {
		d := strings.IndexByte(Alphabet, s[i])
		if d < 0 {
			return 0, fmt.Errorf("code %q: character %q not in alphabet", s, s[i])
		}
		n = n*base + uint64(d)
	}
	return n, nil
}

// Valid checks length and alphabet membership.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < Length; i++ {
		if strings.IndexByte(Alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

// MemoryCounter is a CounterStore that lives only for the process. Used
// when no persistent store is configured, and by tests.
type MemoryCounter struct {
	mu      sync.Mutex
	counter uint64
}

func (m *MemoryCounter) LoadCounter(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter, nil
}

func (m *MemoryCounter) SaveCounter(_ context.Context, counter uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter = counter
	return nil
}
