// Package tokencache is C2: a lock-free read cache of broker access tokens,
// refreshed in the background before they expire. Reads happen on every
// broker call, so they use atomic.Pointer copy-on-write rather than a
// mutex — the one place in the engine where the teacher's usual
// sync.RWMutex pattern (internal/database, feeds) is deliberately swapped
// for something cheaper, per the §9 design note calling this out by name.
package tokencache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/justtrades/engine/internal/model"
	"github.com/justtrades/engine/internal/store"
)

type tokenEntry struct {
	accessToken string
	environment model.Environment
	expiry      time.Time
}

// Refresher exchanges a stored refresh token for a new access token. The
// broker's OAuth mechanics live outside this package; tokencache only
// orchestrates when to call it and what to do with the result.
type Refresher interface {
	Refresh(ctx context.Context, accountID, refreshToken string) (accessToken string, expiry time.Time, err error)
}

// Cache holds one entry per broker account behind an atomic.Pointer to a
// map, so AccessToken never blocks on the refresher goroutine.
type Cache struct {
	accounts *store.AccountRepo
	refresh  Refresher

	checkInterval     time.Duration
	refreshThreshold  time.Duration

	snapshot atomic.Pointer[map[string]tokenEntry]
	stopCh   chan struct{}
}

func New(accounts *store.AccountRepo, refresh Refresher, checkInterval, refreshThreshold time.Duration) *Cache {
	c := &Cache{
		accounts:         accounts,
		refresh:          refresh,
		checkInterval:    checkInterval,
		refreshThreshold: refreshThreshold,
		stopCh:           make(chan struct{}),
	}
	empty := make(map[string]tokenEntry)
	c.snapshot.Store(&empty)
	return c
}

// Load populates the cache from the store at startup.
func (c *Cache) Load() error {
	accts, err := c.accounts.ListAll()
	if err != nil {
		return err
	}
	next := make(map[string]tokenEntry, len(accts))
	for _, a := range accts {
		next[a.ID] = tokenEntry{accessToken: a.AccessToken, environment: a.Environment, expiry: a.TokenExpiry}
	}
	c.snapshot.Store(&next)
	return nil
}

// AccessToken returns the cached access token for accountID. False means no
// token is cached (never loaded, or cleared when a refresh failed and the
// account was marked for reauth).
func (c *Cache) AccessToken(accountID string) (string, bool) {
	m := *c.snapshot.Load()
	entry, ok := m[accountID]
	if !ok || entry.accessToken == "" {
		return "", false
	}
	return entry.accessToken, true
}

// Environment returns the account's broker environment, defaulting to demo
// if the account is unknown — callers that reach this path without a known
// account have a configuration bug, not a live-trading risk to swallow
// silently, so demo is the safe default rather than erroring.
func (c *Cache) Environment(accountID string) model.Environment {
	m := *c.snapshot.Load()
	if entry, ok := m[accountID]; ok {
		return entry.environment
	}
	return model.EnvDemo
}

// StartRefresher begins the background scan: every checkInterval, any
// account whose token expires within refreshThreshold gets refreshed.
func (c *Cache) StartRefresher(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.scanAndRefresh(ctx)
			}
		}
	}()
}

func (c *Cache) Stop() { close(c.stopCh) }

func (c *Cache) scanAndRefresh(ctx context.Context) {
	m := *c.snapshot.Load()
	now := time.Now()
	for accountID, entry := range m {
		if entry.expiry.After(now.Add(c.refreshThreshold)) {
			continue
		}
		c.refreshOne(ctx, accountID)
	}
}

func (c *Cache) refreshOne(ctx context.Context, accountID string) {
	if _, err := c.refreshOneErr(ctx, accountID); err != nil {
		log.Error().Err(err).Str("account", accountID).Msg("🔑 background token refresh failed")
	}
}

// RefreshNow forces an out-of-band refresh for accountID, bypassing the
// background scan's expiry check — the broker client calls this after a 401
// so the retried request goes out with a token that's actually current,
// rather than waiting for the next scheduled scan.
func (c *Cache) RefreshNow(ctx context.Context, accountID string) (string, bool) {
	token, err := c.refreshOneErr(ctx, accountID)
	if err != nil {
		log.Error().Err(err).Str("account", accountID).Msg("🔑 forced token refresh failed")
		return "", false
	}
	return token, true
}

func (c *Cache) refreshOneErr(ctx context.Context, accountID string) (string, error) {
	acct, err := c.accounts.Get(accountID)
	if err != nil {
		return "", err
	}

	accessToken, expiry, err := c.refresh.Refresh(ctx, accountID, acct.RefreshTok)
	if err != nil {
		if markErr := c.accounts.MarkNeedsReauth(accountID); markErr != nil {
			log.Error().Err(markErr).Str("account", accountID).Msg("failed to persist needs_reauth flag")
		}
		c.replace(accountID, tokenEntry{environment: acct.Environment, expiry: acct.TokenExpiry})
		return "", err
	}

	acct.AccessToken = accessToken
	acct.TokenExpiry = expiry
	if err := c.accounts.Upsert(*acct); err != nil {
		return "", err
	}

	c.replace(accountID, tokenEntry{accessToken: accessToken, environment: acct.Environment, expiry: expiry})
	log.Info().Str("account", accountID).Time("expiry", expiry).Msg("🔑 token refreshed")
	return accessToken, nil
}

// replace copies the current map, applies one entry's update, and swaps the
// pointer atomically — the copy-on-write half of the lock-free read path.
func (c *Cache) replace(accountID string, entry tokenEntry) {
	old := *c.snapshot.Load()
	next := make(map[string]tokenEntry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[accountID] = entry
	c.snapshot.Store(&next)
}
