package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/paymesh/backend/internal/cache"
	"github.com/paymesh/backend/internal/config"
	"github.com/paymesh/backend/pkg/logger"
	"github.com/paymesh/backend/pkg/utils"
)

// rateWindow is one fixed counting window. The slice below is checked
// shortest-first, so the tightest violated window is the one reported.
type rateWindow struct {
	name  string
	span  time.Duration
	limit func(config.RateRule) int
}

var rateWindows = []rateWindow{
	{"second", time.Second, func(r config.RateRule) int { return r.Second }},
	{"minute", time.Minute, func(r config.RateRule) int { return r.Minute }},
	{"hour", time.Hour, func(r config.RateRule) int { return r.Hour }},
	{"day", 24 * time.Hour, func(r config.RateRule) int { return r.Day }},
}

// RateLimiter enforces per-endpoint, per-address counters across the
// four windows. The counter store is advisory: when it cannot be
// reached the request is allowed and the outage logged, never turned
// into a client-facing failure.
func RateLimiter(store *cache.Cache, rules map[string]config.RateRule) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rule, endpoint, ok := matchRule(rules, c.Path())
		if !ok {
			return c.Next()
		}

		addr := ResolveClientAddress(c)
		if addr == AddrUnknown {
			logger.Warn("rate_limit_skipped", map[string]interface{}{
				"path":   c.Path(),
				"reason": "client address unknown",
			})
			return c.Next()
		}

		ctx := c.Context()
		tightestRemaining := -1
		var tightestWindow string
		var tightestLimit int

		for _, w := range rateWindows {
			limit := w.limit(rule)
			if limit <= 0 {
				continue
			}

			key := fmt.Sprintf("ratelimit:%s:%s:%s", endpoint, addr, w.name)

			count := 0
			val, err := store.Get(ctx, key)
			if err != nil && !errors.Is(err, cache.ErrNotFound) {
				return failOpen(c, err)
			}
			if err == nil {
				count, _ = strconv.Atoi(val)
			}

			// Denial reads the counter without bumping it, so a client
			// hammering a closed window cannot extend its own penalty.
			if count >= limit {
				retry := w.span
				if ttl, terr := store.TTL(ctx, key); terr == nil && ttl > 0 {
					retry = ttl
				}
				return deny(c, addr, w.name, limit, retry)
			}

			n, err := store.Incr(ctx, key)
			if err != nil {
				return failOpen(c, err)
			}
			if n == 1 {
				if err := store.Expire(ctx, key, w.span); err != nil {
					return failOpen(c, err)
				}
			}

			remaining := limit - int(n)
			if remaining < 0 {
				remaining = 0
			}
			if tightestRemaining < 0 || remaining < tightestRemaining {
				tightestRemaining = remaining
				tightestWindow = w.name
				tightestLimit = limit
			}
		}

		if tightestRemaining >= 0 {
			c.Set("X-RateLimit-Limit", strconv.Itoa(tightestLimit))
			c.Set("X-RateLimit-Remaining", strconv.Itoa(tightestRemaining))
			c.Set("X-RateLimit-Window", tightestWindow)
		}
		return c.Next()
	}
}

// matchRule finds the governing rule: an exact path match wins, then
// the longest configured prefix. No match means the endpoint is not
// limited at all.
func matchRule(rules map[string]config.RateRule, path string) (config.RateRule, string, bool) {
	if rule, ok := rules[path]; ok {
		return rule, path, true
	}

	bestLen := -1
	var bestRule config.RateRule
	var bestPath string
	for prefix, rule := range rules {
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestRule = rule
			bestPath = prefix
		}
	}
	if bestLen < 0 {
		return config.RateRule{}, "", false
	}
	return bestRule, bestPath, true
}

func deny(c *fiber.Ctx, addr, window string, limit int, retry time.Duration) error {
	retrySecs := int((retry + time.Second - 1) / time.Second)
	if retrySecs < 1 {
		retrySecs = 1
	}

	c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	c.Set("X-RateLimit-Remaining", "0")
	c.Set("X-RateLimit-Window", window)
	c.Set("Retry-After", strconv.Itoa(retrySecs))

	logger.Warn("rate_limit_exceeded", map[string]interface{}{
		"path":    c.Path(),
		"address": addr,
		"window":  window,
		"limit":   limit,
	})
	return utils.Error(c, fiber.StatusTooManyRequests,
		fmt.Sprintf("rate limit of %d per %s exceeded, retry in %s", limit, window, humanDelay(retrySecs)))
}

func humanDelay(secs int) string {
	switch {
	case secs < 60:
		return fmt.Sprintf("%d seconds", secs)
	case secs < 3600:
		return fmt.Sprintf("%d minutes", (secs+59)/60)
	default:
		return fmt.Sprintf("%d hours", (secs+3599)/3600)
	}
}

// failOpen lets the request through when the counter store is down and
// records the outage.
func failOpen(c *fiber.Ctx, err error) error {
	logger.Error("rate_limit_cache_unavailable", err, map[string]interface{}{
		"path": c.Path(),
	})
	return c.Next()
}
