package bridge

import (
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/codeloom/codeloom/pkg/models"
)

// responseCache memoizes results for idempotent re-submits of analysis-style
// tasks. Generation tasks always go to a provider — their output mutates
// project state and must reflect the current tree.
type responseCache struct {
	lru *lru.Cache[string, *Result]
}

func newResponseCache(size int) *responseCache {
	if size <= 0 {
		return nil
	}
	c, err := lru.New[string, *Result](size)
	if err != nil {
		return nil
	}
	return &responseCache{lru: c}
}

// cacheable reports whether a task kind may be served from cache.
func cacheable(kind models.TaskKind) bool {
	switch kind {
	case models.TaskChat, models.TaskSecurityAudit:
		return true
	default:
		return false
	}
}

func cacheKey(task *models.Task) string {
	h := sha256.New()
	h.Write([]byte(task.Kind))
	h.Write([]byte{0})
	h.Write([]byte(task.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(task.TargetPath))
	h.Write([]byte{0})
	h.Write([]byte(task.Code))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *responseCache) get(task *models.Task) (*Result, bool) {
	if c == nil || !cacheable(task.Kind) {
		return nil, false
	}
	res, ok := c.lru.Get(cacheKey(task))
	if !ok {
		return nil, false
	}
	cp := *res
	cp.TaskID = task.ID
	cp.Cached = true
	return &cp, true
}

func (c *responseCache) put(task *models.Task, res *Result) {
	if c == nil || !cacheable(task.Kind) || res == nil {
		return
	}
	c.lru.Add(cacheKey(task), res)
}
