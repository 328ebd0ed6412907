package redis

import "strings"

const (
	// DefaultPrefix namespaces every key written by the gateway
	DefaultPrefix = "gateway:ratelimit"
)

// BucketKey returns the Redis key holding one token bucket.
// The prefix is a hash tag so every bucket of a request maps to one cluster slot.
func BucketKey(prefix, key string) string {
	return "{" + prefix + "}:bucket:" + key
}

// TotalStatsKey returns the hash holding cluster-wide decision totals
func TotalStatsKey(prefix string) string {
	return prefix + ":stats:total"
}

// ServiceStatsKey returns the hash holding decision totals for one service
func ServiceStatsKey(prefix, service string) string {
	return prefix + ":stats:service:" + service
}

// MinuteStatsKey returns the per-minute time series hash for a UTC minute stamp (200601021504)
func MinuteStatsKey(prefix, minute string) string {
	return prefix + ":stats:minute:" + minute
}

// ServicesKey returns the set of services that have recorded decisions
func ServicesKey(prefix string) string {
	return prefix + ":stats:services"
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}
