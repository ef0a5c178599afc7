// Package jobid generates collision-resistant job identifiers.
package jobid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/mkarlsen/kmergate/internal/search"
)

// randomBytes yields 192 bits of entropy, which base64 encodes to exactly
// 32 characters at 6 bits per character.
const randomBytes = 24

// Generator creates TIMESTAMP-RANDOM32 identifiers: a fixed-width,
// lexically sortable local-time prefix followed by 32 characters of
// CSPRNG-derived suffix. Uniqueness is ultimately enforced by the ledger
// insert; callers retry on duplicates with a fresh identifier.
type Generator struct {
	clock search.Clock
}

// New creates a Generator using the provided clock.
func New(clock search.Clock) *Generator {
	return &Generator{clock: clock}
}

// NewJobID returns an identifier like 20250703T120000-<32 chars>. The
// randomness comes from crypto/rand only; if the CSPRNG is unavailable the
// error is surfaced rather than falling back to a weaker source.
func (g *Generator) NewJobID() (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read csprng: %w", err)
	}
	stamp := g.clock.Now().Local().Format("20060102T150405")
	return stamp + "-" + base64.RawURLEncoding.EncodeToString(buf), nil
}
