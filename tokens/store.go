package tokens

import (
	"context"
	"time"
)

// DefaultRetention bounds how long an abandoned session record is kept.
const DefaultRetention = 30 * 24 * time.Hour

// Store maps an opaque session id to its TokenSet. Writes are last-write-wins.
type Store interface {
	Save(ctx context.Context, sid string, ts TokenSet) error
	Get(ctx context.Context, sid string) (TokenSet, bool, error)
	Delete(ctx context.Context, sid string) error
}

// ShortSID trims a session id for log output.
func ShortSID(sid string) string {
	if len(sid) <= 8 {
		return sid
	}
	return sid[:8]
}
