// Package cache implements the Response Cache (C6): a normalized-prompt
// keyed cache with TTL+LRU eviction, an optional Redis L2 tier, and
// singleflight-style in-flight coalescing so concurrent misses for the same
// key compute the response exactly once. The LRU core and the optional
// Redis tier are adapted from the teacher's llm/cache.MultiLevelCache; the
// coalescing and normalization are new, required by §4.6 and invariant 5.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrMiss is returned by Get when no entry (local or remote) exists.
var ErrMiss = errors.New("cache miss")

// Entry is the Cache Entry of §3.
type Entry struct {
	Response     []byte    `json:"response"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
	TTL          time.Duration `json:"ttl"`
	AccessCount  int       `json:"access_count"`
}

// Config tunes the cache. Redis is optional; when nil only the local LRU
// tier is used.
type Config struct {
	MaxEntries int
	DefaultTTL time.Duration
	Redis      *redis.Client
	RedisTTL   time.Duration
	// BoilerplatePrefixes are the declared instruction-boilerplate
	// openings stripped from every prompt before hashing, so two requests
	// differing only by a standard preamble share a cache entry.
	BoilerplatePrefixes []string
}

// Cache is the Response Cache's contract.
type Cache interface {
	// Get returns an entry for key from the local tier or Redis, or
	// ErrMiss. It never computes anything; concurrent misses are coalesced
	// only through GetOrCompute.
	Get(ctx context.Context, key string) (Entry, error)
	// GetOrCompute is the coalescing entry point: on a miss it invokes
	// compute exactly once across all concurrent callers for key, stores
	// the result with ttl, and returns it to every waiter.
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (Entry, error)) (Entry, error)
	Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string)
	// Key normalizes and hashes a prompt for a given model into a cache
	// key, per §4.6. aggressive additionally strips line comments and
	// docstring-style triples.
	Key(prompt, modelID string, aggressive bool) string
}

type cache struct {
	logger *zap.Logger
	local  *lru
	cfg    Config
	group  singleflight.Group
}

// New constructs a Response Cache.
func New(cfg Config, logger *zap.Logger) Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = cfg.DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cache{logger: logger, local: newLRU(cfg.MaxEntries), cfg: cfg}
}

func (c *cache) redisKey(key string) string { return "llmcore:cache:" + key }

func (c *cache) Get(ctx context.Context, key string) (Entry, error) {
	if e, ok := c.local.get(key, time.Now()); ok {
		return e, nil
	}
	if c.cfg.Redis != nil {
		data, err := c.cfg.Redis.Get(ctx, c.redisKey(key)).Bytes()
		if err == nil {
			var e Entry
			if jerr := json.Unmarshal(data, &e); jerr == nil {
				c.local.set(key, e, c.cfg.DefaultTTL)
				return e, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
		}
	}
	return Entry{}, ErrMiss
}

// GetOrCompute implements invariant 5: at most one concurrent compute per
// key. golang.org/x/sync/singleflight.Group guarantees that of N concurrent
// callers sharing a key, exactly one runs compute and all N receive its
// result (shared, not duplicated).
func (c *cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (Entry, error)) (Entry, error) {
	if e, err := c.Get(ctx, key); err == nil {
		return e, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		e, cerr := compute(ctx)
		if cerr != nil {
			return Entry{}, cerr
		}
		if perr := c.Put(ctx, key, e, ttl); perr != nil {
			c.logger.Warn("cache put after compute failed", zap.Error(perr))
		}
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (c *cache) Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	entry.CreatedAt = time.Now()
	entry.TTL = ttl
	c.local.set(key, entry, ttl)

	if c.cfg.Redis != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := c.cfg.Redis.Set(ctx, c.redisKey(key), data, c.cfg.RedisTTL).Err(); err != nil {
			c.logger.Warn("redis set error", zap.Error(err))
			return err
		}
	}
	return nil
}

func (c *cache) Delete(ctx context.Context, key string) {
	c.local.delete(key)
	if c.cfg.Redis != nil {
		c.cfg.Redis.Del(ctx, c.redisKey(key))
	}
}

var (
	whitespaceRE  = regexp.MustCompile(`\s+`)
	lineCommentRE = regexp.MustCompile(`(?m)^\s*(//|#).*$`)
	tripleQuoteRE = regexp.MustCompile(`(?s)(""".*?"""|'''.*?''')`)
)

// Normalize canonicalizes a prompt before hashing, per §4.6: collapse
// internal whitespace, strip any declared instruction-boilerplate prefix,
// and lowercase only where safe. Aggressive mode additionally strips line
// comments and docstring-style triples; the first three steps apply
// unconditionally.
func Normalize(prompt string, boilerplatePrefixes []string, aggressive bool) string {
	if aggressive {
		prompt = lineCommentRE.ReplaceAllString(prompt, "")
		prompt = tripleQuoteRE.ReplaceAllString(prompt, "")
	}
	prompt = whitespaceRE.ReplaceAllString(strings.TrimSpace(prompt), " ")
	prompt = stripBoilerplatePrefix(prompt, boilerplatePrefixes)
	return safeLowercase(prompt)
}

// stripBoilerplatePrefix removes the first declared prefix that opens the
// prompt. Prefixes are compared whitespace-collapsed and case-insensitively
// so a declaration does not have to match the caller's formatting exactly.
func stripBoilerplatePrefix(prompt string, prefixes []string) string {
	for _, p := range prefixes {
		p = whitespaceRE.ReplaceAllString(strings.TrimSpace(p), " ")
		if p == "" || len(prompt) < len(p) {
			continue
		}
		if strings.EqualFold(prompt[:len(p)], p) {
			return strings.TrimSpace(prompt[len(p):])
		}
	}
	return prompt
}

// safeLowercase lowercases ASCII letters outside quoted or backticked
// spans. Quoted material is the part of a prompt where case is most likely
// to be load-bearing (identifiers, literals, code), so it is left intact;
// non-ASCII runes are never touched.
func safeLowercase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			b.WriteByte(ch)
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch {
		case ch == '"' || ch == '\'' || ch == '`':
			quote = ch
			b.WriteByte(ch)
		case ch >= 'A' && ch <= 'Z':
			b.WriteByte(ch + ('a' - 'A'))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func (c *cache) Key(prompt, modelID string, aggressive bool) string {
	normalized := Normalize(prompt, c.cfg.BoilerplatePrefixes, aggressive)
	h := sha256.Sum256([]byte(normalized + "\x00" + modelID))
	return hex.EncodeToString(h[:16])
}
