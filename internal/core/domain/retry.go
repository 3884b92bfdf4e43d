package domain

import "time"

// RetryRecord tracks reconnection attempts for one logical key, typically a
// remote peer id or "<peer>:<reason>". Attempts only grow until a success
// resets them or the window cap blocks the key for a cooldown.
type RetryRecord struct {
	Key           string
	Attempts      int
	LastAttemptAt time.Time
	Blocked       bool
	BlockReason   string
	BlockedUntil  time.Time
}
