// Package connid mints a short identifier per accepted peer connection
// and scopes a logger to it, so every log line a long-lived client
// channel emits can be correlated without threading the remote address
// through each call site.
package connid

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// validIDRegex validates connection ID format: 16 lowercase hex chars.
var validIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Generate creates a new time-sortable connection ID: 16 hex characters,
// a 4-byte unix-seconds prefix followed by 4 random bytes. The prefix
// keeps IDs sortable by accept time when grepping logs.
func Generate() string {
	ts := uint32(time.Now().Unix())

	id := make([]byte, 8)
	id[0] = byte(ts >> 24)
	id[1] = byte(ts >> 16)
	id[2] = byte(ts >> 8)
	id[3] = byte(ts)
	_, _ = rand.Read(id[4:])

	return hex.EncodeToString(id)
}

// IsValid reports whether s has the Generate format.
func IsValid(s string) bool {
	return validIDRegex.MatchString(s)
}

// Logger returns base with a fresh connection ID field attached. One
// call per accepted connection; the returned logger is handed to the
// connection's worker and everything below it.
func Logger(base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.With(zap.String("conn_id", Generate()))
}
