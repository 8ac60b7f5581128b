package ratelimiter

import (
	"errors"
	"time"
)

// Tier names a static rate policy.
type Tier string

const (
	TierPublic       Tier = "public"
	TierAuth         Tier = "auth"
	TierAPI          Tier = "api"
	TierAdmin        Tier = "admin"
	TierUpload       Tier = "upload"
	TierSubscription Tier = "subscription"
)

var ErrUnknownTier = errors.New("unknown rate limit tier")

type Policy struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// DefaultPolicies is the tier table applied by the gate.
var DefaultPolicies = map[Tier]Policy{
	TierPublic:       {Requests: 100, Window: 15 * time.Minute},
	TierAuth:         {Requests: 5, Window: 15 * time.Minute},
	TierAPI:          {Requests: 1000, Window: time.Hour},
	TierAdmin:        {Requests: 200, Window: 15 * time.Minute},
	TierUpload:       {Requests: 10, Window: time.Hour},
	TierSubscription: {Requests: 20, Window: time.Hour},
}
