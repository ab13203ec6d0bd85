package cache

import "github.com/google/uuid"

const namespace = "screener:"

// JobResultKey holds the cached outcome of a terminal screening job.
func JobResultKey(jobID uuid.UUID) string {
	return namespace + "result:" + jobID.String()
}

// RateLimitKey holds the request counter for one API key prefix.
func RateLimitKey(keyPrefix string) string {
	return namespace + "ratelimit:" + keyPrefix
}
