// Package auth gates every remote interaction behind a validated api key.
package auth

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	minKeyLen = 24
	maxKeyLen = 256
)

// Result is the outcome of a key check.
type Result int

const (
	// Unchecked means no check has run yet.
	Unchecked Result = iota
	Valid
	Invalid
	// Unreachable means the validation endpoint could not be consulted.
	Unreachable
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Unreachable:
		return "unreachable"
	default:
		return "unchecked"
	}
}

// Validator performs the remote validation round trip.
type Validator interface {
	ValidateAPIKey(ctx context.Context, key string) (bool, error)
}

// ValidateFormat reports whether token has an acceptable shape: 24 to 256
// ASCII letters or digits.
func ValidateFormat(token string) bool {
	if len(token) < minKeyLen || len(token) > maxKeyLen {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// Gate remembers the last check result.
type Gate struct {
	mu     sync.RWMutex
	v      Validator
	result Result
}

// NewGate returns a Gate validating through v.
func NewGate(v Validator) *Gate {
	return &Gate{v: v}
}

// Check validates token locally, then remotely. A malformed token never
// reaches the validator.
func (g *Gate) Check(ctx context.Context, token string) Result {
	res := g.check(ctx, token)
	g.mu.Lock()
	g.result = res
	g.mu.Unlock()
	return res
}

func (g *Gate) check(ctx context.Context, token string) Result {
	if !ValidateFormat(token) {
		log.Warn().Str("component", "auth").Int("length", len(token)).Msg("api key has an invalid format")
		return Invalid
	}
	ok, err := g.v.ValidateAPIKey(ctx, token)
	if err != nil {
		log.Error().Err(err).Str("component", "auth").Msg("api key validation unreachable")
		return Unreachable
	}
	if !ok {
		log.Warn().Str("component", "auth").Msg("api key rejected")
		return Invalid
	}
	log.Info().Str("component", "auth").Msg("api key accepted")
	return Valid
}

// Allowed is true only after a successful check.
func (g *Gate) Allowed() bool {
	return g.Status() == Valid
}

// Status returns the raw result of the last check.
func (g *Gate) Status() Result {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.result
}

// Reported is the status shown to users: an unreachable validator counts as
// an invalid key.
func (g *Gate) Reported() Result {
	r := g.Status()
	if r == Unreachable {
		return Invalid
	}
	return r
}
