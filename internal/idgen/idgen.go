// Package idgen provides ID generation for engine records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars (e.g. "esc_", "dsp_", "evd_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TransactionID returns a time-ordered transaction reference. UUIDv7 keeps
// references sortable by creation time, which helps when reading the ledger.
func TransactionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "txn_" + strings.ReplaceAll(id.String(), "-", "")
}
