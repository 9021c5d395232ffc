package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billingcore/internal/config"
)

const keyUsageIngestOrg = "usage:ingest:org:%s"

// UsageLimiter throttles usage ingestion per organization. A nil limiter
// allows everything.
type UsageLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewUsageLimiter(cfg config.Config, client *redis.Client) (*UsageLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("rate limit redis addr is required")
	}
	return NewUsageLimiterWith(client, limitCfg.UsageIngestOrgRate, limitCfg.UsageIngestOrgBurst)
}

func NewUsageLimiterWith(client *redis.Client, rate float64, burst int) (*UsageLimiter, error) {
	if rate <= 0 || burst <= 0 {
		return nil, errors.New("usage ingest org rate limit must be positive")
	}
	return &UsageLimiter{
		bucket: NewTokenBucket(client),
		rate:   rate,
		burst:  burst,
	}, nil
}

func (l *UsageLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageLimiter) AllowOrg(ctx context.Context, orgID snowflake.ID) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestOrg, orgID.String()), l.rate, l.burst)
}
