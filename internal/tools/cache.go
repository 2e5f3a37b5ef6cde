package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"geister/internal/llm"
)

// readOnlyTools are safe to cache: they query chain state without mutating it.
var readOnlyTools = map[string]bool{
	"db_get":        true,
	"realm_status":  true,
	"get_my_status": true,
}

type cacheEntry struct {
	result   string
	storedAt time.Time
}

// CachedTool wraps a read-only tool with an LRU result cache so repeated
// identical queries inside one polling cycle hit the chain only once.
type CachedTool struct {
	inner Tool
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
}

// WithCache decorates tool with an LRU cache when the tool is read-only.
// Mutating tools are returned unchanged.
func WithCache(tool Tool, size int, ttl time.Duration) Tool {
	if !readOnlyTools[tool.Name()] {
		return tool
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return tool
	}
	return &CachedTool{inner: tool, cache: cache, ttl: ttl}
}

func (c *CachedTool) Name() string { return c.inner.Name() }

func (c *CachedTool) Definition() llm.ToolDefinition { return c.inner.Definition() }

func (c *CachedTool) Call(ctx context.Context, args map[string]any, cc CallContext) (string, error) {
	key := c.cacheKey(args, cc)
	if entry, ok := c.cache.Get(key); ok {
		if time.Since(entry.storedAt) < c.ttl {
			return entry.result, nil
		}
		c.cache.Remove(key)
	}

	result, err := c.inner.Call(ctx, args, cc)
	if err != nil {
		return result, err
	}
	if !IsErrorResult(result) {
		c.cache.Add(key, cacheEntry{result: result, storedAt: time.Now()})
	}
	return result, nil
}

// cacheKey builds a deterministic key from the call arguments and identity.
// Map iteration order is not stable, so keys are sorted first.
func (c *CachedTool) cacheKey(args map[string]any, cc CallContext) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(c.inner.Name())
	sb.WriteByte('|')
	sb.WriteString(cc.Network)
	sb.WriteByte('|')
	sb.WriteString(cc.UserPrincipal)
	for _, k := range keys {
		fmt.Fprintf(&sb, "|%s=%v", k, args[k])
	}
	return sb.String()
}
