// Package ids generates the random hex identifiers used across every table.
package ids

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a 16-byte random hex identifier (32 hex characters).
func New() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
