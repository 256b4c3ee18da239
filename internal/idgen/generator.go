// Package idgen produces short alphanumeric identifiers that are unique within
// a namespace (groups, products, tasks).
//
// Uniqueness is never decided by the generator alone: every candidate is
// claimed atomically in a Namespace, so two concurrent generators can never
// return the same value. Collisions are retried with a fresh draw up to a
// fixed ceiling.
package idgen

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/rs/zerolog/log"

	"ctlflow/internal/domain"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultMaxRetries bounds the number of draws per NewID call.
const DefaultMaxRetries = 16

type Kind string

const (
	KindGroup   Kind = "group"
	KindProduct Kind = "product"
	KindTask    Kind = "task"
)

// Source is the randomness a Generator draws from. *rand.Rand from
// math/rand/v2 satisfies it, which lets tests seed a deterministic sequence.
type Source interface {
	IntN(n int) int
}

// Namespace atomically reserves a value for a kind. Claim returns false when
// the value is already taken.
type Namespace interface {
	Claim(ctx context.Context, kind Kind, value string) (bool, error)
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

type Generator struct {
	ns         Namespace
	src        Source
	maxRetries int
}

type Option func(*Generator)

// WithSource replaces the default source. The source must be safe for
// concurrent use if the Generator is shared.
func WithSource(src Source) Option {
	return func(g *Generator) { g.src = src }
}

func WithMaxRetries(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxRetries = n
		}
	}
}

func New(ns Namespace, opts ...Option) *Generator {
	g := &Generator{ns: ns, src: globalSource{}, maxRetries: DefaultMaxRetries}
	for _, o := range opts {
		o(g)
	}
	return g
}

// NewID returns a fresh identifier of the given length claimed in the kind's
// namespace. Once half of the allowed retries are spent on collisions the
// draw widens by one character. When they run out the error wraps
// domain.ErrExhaustedIdentifierSpace.
func (g *Generator) NewID(ctx context.Context, kind Kind, length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("idgen: invalid length %d", length)
	}
	n := length
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 && attempt == g.maxRetries/2 {
			n++
		}
		candidate := g.draw(n)
		ok, err := g.ns.Claim(ctx, kind, candidate)
		if err != nil {
			return "", fmt.Errorf("idgen: claim %s id: %w", kind, err)
		}
		if ok {
			return candidate, nil
		}
		log.Debug().Str("kind", string(kind)).Int("attempt", attempt+1).Msg("identifier collision")
	}
	return "", fmt.Errorf("%w: %s after %d attempts", domain.ErrExhaustedIdentifierSpace, kind, g.maxRetries)
}

func (g *Generator) draw(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[g.src.IntN(len(alphabet))]
	}
	return string(b)
}
