// Package cache holds entitlement lookups keyed by (organization, module).
//
// Entries store the raw persisted row rather than a verdict, so trial expiry
// is evaluated by the reader on every hit and a cached trial never outlives
// its expiry.
package cache

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL bounds how long an entry may be served after a write that
// bypassed invalidation.
const DefaultTTL = 5 * time.Minute

// Entry is a cached entitlement row. Found is false for a cached miss, which
// is as meaningful as a hit: it is the default-deny answer.
type Entry struct {
	Found          bool       `json:"found"`
	Status         string     `json:"status,omitempty"`
	TrialExpiresAt *time.Time `json:"trial_expires_at,omitempty"`
}

// EntitlementCache stores entries per organization. Implementations must be
// safe for concurrent use.
type EntitlementCache interface {
	Get(ctx context.Context, orgID int64, key string) (Entry, bool, error)
	Set(ctx context.Context, orgID int64, key string, entry Entry) error
	// InvalidateOrg drops every entry of the organization before returning
	InvalidateOrg(ctx context.Context, orgID int64) error
	Close() error
}

// Generational is implemented by caches shared between processes. A reader
// takes the generation before loading a row and fills with SetAt, so an
// invalidation issued anywhere in between discards the fill.
type Generational interface {
	Generation(ctx context.Context, orgID int64) (uint64, error)
	SetAt(ctx context.Context, orgID int64, gen uint64, key string, entry Entry) error
}

// Key builds the per-row cache key for a module or a module/submodule pair
func Key(module, submodule string) string {
	if submodule == "" {
		return module
	}
	return module + "." + submodule
}

func orgPrefix(orgID int64) string {
	return fmt.Sprintf("%d:", orgID)
}

// NoopCache never stores anything
type NoopCache struct{}

// NewNoopCache returns a cache that always misses
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (NoopCache) Get(context.Context, int64, string) (Entry, bool, error) { return Entry{}, false, nil }
func (NoopCache) Set(context.Context, int64, string, Entry) error         { return nil }
func (NoopCache) InvalidateOrg(context.Context, int64) error              { return nil }
func (NoopCache) Close() error                                            { return nil }
