package agentd

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowMS returns current time as Unix milliseconds. All persisted
// timestamps in agentd use this resolution.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
