package ports

import "peerlink/internal/core/domain"

// RetryGovernor rate-limits reconnection attempts per logical key.
// Exhausted is terminal: the key stays blocked until an explicit Reset.
type RetryGovernor interface {
	ShouldAllow(key string) bool
	RecordAttempt(key string)
	Reset(key string)
	Record(key string) domain.RetryRecord
	Exhausted(key string) bool
}
