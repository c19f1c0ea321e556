package realtime

import (
	"time"

	"secrets/cmd/identity/ids"
)

// NewConnectionID returns a ULID used as the feed connection id.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newEnvelopeID never fails the caller: an envelope without an id is still
// deliverable, so a generator error just leaves it blank.
func newEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
