package redisx

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sydneyDK/rearview/internal/jobs"
)

// Claimer is the cluster-wide mutual-exclusion primitive. Claim returns
// true to exactly one caller per (job, scheduled time) key within the
// lease window; the lease expiring bounds how long a crashed claimant can
// block a retry of that exact key.
type Claimer struct {
	rdb      *redis.Client
	prefix   string
	instance string
}

func NewClaimer(rdb *redis.Client, prefix, instanceID string) *Claimer {
	if prefix == "" {
		prefix = "rearview:claim"
	}
	if instanceID == "" {
		instanceID = hostname()
	}
	return &Claimer{rdb: rdb, prefix: prefix, instance: instanceID}
}

func (c *Claimer) key(jobID string, scheduled time.Time) string {
	return c.prefix + ":" + jobs.ClaimKey(jobID, scheduled)
}

// Claim attempts to reserve (jobID, scheduled) for lease. False means a
// peer already holds it; that is expected, not an error.
func (c *Claimer) Claim(ctx context.Context, jobID string, scheduled time.Time, lease time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.key(jobID, scheduled), c.instance, lease).Result()
}

// Only the holder may delete its claim; a plain DEL could release a claim
// re-acquired by a peer after lease expiry.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// Release drops the claim if this instance still holds it.
func (c *Claimer) Release(ctx context.Context, jobID string, scheduled time.Time) error {
	return releaseScript.Run(ctx, c.rdb, []string{c.key(jobID, scheduled)}, c.instance).Err()
}

// Extend renews the lease while a run is still in flight.
func (c *Claimer) Extend(ctx context.Context, jobID string, scheduled time.Time, lease time.Duration) error {
	return c.rdb.PExpire(ctx, c.key(jobID, scheduled), lease).Err()
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "instance"
}
