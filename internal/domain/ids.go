package domain

import "github.com/google/uuid"

// NewID returns a time-ordered 128-bit identifier (UUIDv7) suitable for
// event_id, attempt_id, endpoint_id and subscription_id. UUIDv7 embeds a
// millisecond timestamp in its high bits, so ids generated in the same
// partition sort lexicographically (and numerically) in creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the global random source errors; fall back
		// to a random v4 rather than panicking on a hot path.
		return uuid.NewString()
	}
	return id.String()
}
