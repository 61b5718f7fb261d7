package rpc

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	idempotencyTTL        = 10 * time.Minute
	idempotencyMaxEntries = 1024
	idempotencyMaxKeyLen  = 128
)

// idempotencyCache remembers successful new_seed results by the key the
// client attached, so a retry after a lost response gets the original entry
// instead of a duplicate-tag error. Entries share one TTL, so insertion
// order is also expiry order.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type idempotencyRecord struct {
	key         string
	requestHash string
	result      any
	storedAt    time.Time
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// get returns the cached result for key. conflict reports that key was
// stored for a different request.
func (c *idempotencyCache) get(key, requestHash string, now time.Time) (result any, found, conflict bool) {
	if c == nil || key == "" {
		return nil, false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now)
	el, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	rec := el.Value.(*idempotencyRecord)
	if rec.requestHash != requestHash {
		return nil, false, true
	}
	return rec.result, true, false
}

func (c *idempotencyCache) set(key, requestHash string, result any, now time.Time) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now)
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
	}
	c.entries[key] = c.order.PushBack(&idempotencyRecord{
		key:         key,
		requestHash: requestHash,
		result:      result,
		storedAt:    now,
	})
	for c.order.Len() > idempotencyMaxEntries {
		c.removeLocked(c.order.Front())
	}
}

func (c *idempotencyCache) expireLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*idempotencyRecord).storedAt) <= idempotencyTTL {
			return
		}
		c.removeLocked(el)
	}
}

func (c *idempotencyCache) removeLocked(el *list.Element) {
	rec := c.order.Remove(el).(*idempotencyRecord)
	delete(c.entries, rec.key)
}

// normalizeIdempotencyKey trims raw; ok is false when it is too long.
func normalizeIdempotencyKey(raw string) (key string, ok bool) {
	key = strings.TrimSpace(raw)
	return key, len(key) <= idempotencyMaxKeyLen
}

// requestFingerprint identifies what a key was first used for: the method,
// api version and the raw params bytes.
func requestFingerprint(req rpcRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	if req.APIVersion != nil {
		h.Write([]byte(strconv.Itoa(*req.APIVersion)))
	}
	h.Write([]byte{0})
	h.Write(req.Params)
	return hex.EncodeToString(h.Sum(nil))
}
