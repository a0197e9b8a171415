package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ClaimKey derives the cluster-wide claim identity for one (job, scheduled
// fire time) pair. The scheduled time is truncated to the whole minute
// before hashing so that a node re-deriving a tick after a pause lands on
// the same key and cannot fire the same scheduled time twice.
func ClaimKey(jobID string, scheduled time.Time) string {
	payload := jobID + "@" + scheduled.UTC().Truncate(time.Minute).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
