// Package security enforces per-channel access lists, sliding-window
// rate limits, and message validation.
package security

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

const (
	// maxContentLength rejects pathological inputs before they reach
	// the agent runtime.
	maxContentLength = 10000

	// maxTrackedWindows bounds rate-limiter memory against user-ID
	// churn.
	maxTrackedWindows = 4096
)

// Manager answers the access, rate-limit, and validation questions the
// message pipeline asks. All methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	whitelists map[string]map[string]struct{} // channel -> allowed user IDs
	blacklists map[string]map[string]struct{} // channel -> denied user IDs
	limits     map[string]config.RateLimitConfig

	windows map[string][]time.Time // "channel:user" -> recent request times

	now func() time.Time
}

// NewManager builds a Manager from the channel sections of cfg.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
	m.load(cfg)
	return m
}

func (m *Manager) load(cfg *config.Config) {
	whitelists := make(map[string]map[string]struct{})
	blacklists := make(map[string]map[string]struct{})
	limits := make(map[string]config.RateLimitConfig)

	if cfg != nil {
		for name, ch := range cfg.Channels {
			if ch == nil {
				continue
			}
			if len(ch.Whitelist) > 0 {
				whitelists[name] = toSet(ch.Whitelist)
			}
			if len(ch.Blacklist) > 0 {
				blacklists[name] = toSet(ch.Blacklist)
			}
			limits[name] = ch.RateLimit
		}
	}

	m.whitelists = whitelists
	m.blacklists = blacklists
	m.limits = limits
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Reload swaps in lists and limits from a fresh config. Existing rate
// windows carry over so a reload cannot reset anyone's budget.
func (m *Manager) Reload(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load(cfg)
	slog.Info("security config reloaded",
		"whitelisted_channels", len(m.whitelists),
		"blacklisted_channels", len(m.blacklists))
}

// CheckAccess reports whether the user may talk to the channel. The
// blacklist wins over the whitelist; an absent list means no restriction.
func (m *Manager) CheckAccess(channel, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bl, ok := m.blacklists[channel]; ok {
		if _, denied := bl[userID]; denied {
			slog.Warn("user blacklisted", "channel", channel, "user_id", userID)
			return false
		}
	}
	if wl, ok := m.whitelists[channel]; ok {
		if _, allowed := wl[userID]; !allowed {
			slog.Warn("user not whitelisted", "channel", channel, "user_id", userID)
			return false
		}
	}
	return true
}

// CheckRateLimit records one request attempt and reports whether it fits
// the channel's sliding window. Denied attempts are not recorded, so a
// user's budget recovers as soon as they slow down.
func (m *Manager) CheckRateLimit(channel, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit, ok := m.limits[channel]
	if !ok {
		limit = config.RateLimitConfig{MaxRequests: 10, WindowSeconds: 60}
	}
	if limit.MaxRequests <= 0 {
		return true
	}

	now := m.now()
	windowDur := time.Duration(limit.WindowSeconds) * time.Second
	key := channel + ":" + userID

	recent := m.windows[key][:0]
	for _, ts := range m.windows[key] {
		if now.Sub(ts) < windowDur {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= limit.MaxRequests {
		m.windows[key] = recent
		slog.Warn("rate limit exceeded",
			"channel", channel,
			"user_id", userID,
			"requests", len(recent),
			"window_seconds", limit.WindowSeconds)
		return false
	}

	m.windows[key] = append(recent, now)

	if len(m.windows) > maxTrackedWindows {
		m.pruneWindows(now)
	}
	return true
}

// pruneWindows drops entries whose newest timestamp fell out of their
// channel's window. Only runs when tracked keys exceed the cap.
func (m *Manager) pruneWindows(now time.Time) {
	for key, times := range m.windows {
		if len(times) == 0 {
			delete(m.windows, key)
			continue
		}
		channel := key
		if i := strings.IndexByte(key, ':'); i >= 0 {
			channel = key[:i]
		}
		limit, ok := m.limits[channel]
		if !ok || limit.WindowSeconds <= 0 {
			limit.WindowSeconds = 60
		}
		windowDur := time.Duration(limit.WindowSeconds) * time.Second
		if now.Sub(times[len(times)-1]) >= windowDur {
			delete(m.windows, key)
		}
	}
}

// ValidateContent rejects content longer than maxContentLength
// characters. Empty content is fine; adapters decide what an
// attachment-only message means.
func (m *Manager) ValidateContent(content string) bool {
	if n := utf8.RuneCountInString(content); n > maxContentLength {
		slog.Warn("message content too long", "length", n)
		return false
	}
	return true
}

// SanitizeOutput scrubs model output before it reaches a transport.
// Currently a pass-through.
func (m *Manager) SanitizeOutput(content string) string {
	return content
}

// AddToWhitelist grants userID access on channel until the next reload.
func (m *Manager) AddToWhitelist(channel, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.whitelists[channel] == nil {
		m.whitelists[channel] = make(map[string]struct{})
	}
	m.whitelists[channel][userID] = struct{}{}
}

// RemoveFromWhitelist revokes a runtime whitelist grant. Removing the
// last entry removes the restriction entirely.
func (m *Manager) RemoveFromWhitelist(channel, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wl, ok := m.whitelists[channel]; ok {
		delete(wl, userID)
		if len(wl) == 0 {
			delete(m.whitelists, channel)
		}
	}
}

// AddToBlacklist denies userID on channel until the next reload.
func (m *Manager) AddToBlacklist(channel, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blacklists[channel] == nil {
		m.blacklists[channel] = make(map[string]struct{})
	}
	m.blacklists[channel][userID] = struct{}{}
}

// RemoveFromBlacklist lifts a runtime blacklist entry.
func (m *Manager) RemoveFromBlacklist(channel, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bl, ok := m.blacklists[channel]; ok {
		delete(bl, userID)
		if len(bl) == 0 {
			delete(m.blacklists, channel)
		}
	}
}
