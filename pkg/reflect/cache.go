package reflect

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Cache is a JSONL-backed store of reflection summaries keyed by prompt
// hash, guarded by a single lock since reflection traffic is low volume.
type Cache struct {
	storagePath string
	mu          sync.Mutex
	entries     map[string]CachedFields
}

// NewCache loads any existing entries from storagePath (tolerating
// partially-written or corrupt lines) and returns a ready Cache.
func NewCache(storagePath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(storagePath), 0o755); err != nil {
		return nil, fmt.Errorf("reflect: create cache dir: %w", err)
	}
	c := &Cache{storagePath: storagePath, entries: map[string]CachedFields{}}
	c.load()
	return c, nil
}

type cacheLine struct {
	PromptHash string          `json:"prompt_hash"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  float64         `json:"timestamp"`
}

func (c *Cache) load() {
	f, err := os.Open(c.storagePath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var line cacheLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil || line.PromptHash == "" {
			continue
		}
		var payload CachedFields
		if err := json.Unmarshal(line.Payload, &payload); err != nil {
			continue
		}
		c.entries[line.PromptHash] = payload
	}
}

// Get returns the cached fields for promptHash, if present.
func (c *Cache) Get(promptHash string) (CachedFields, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[promptHash]
	return v, ok
}

// Set stores payload under promptHash in memory and appends a record to
// the JSONL store. Append failures are swallowed: the cache stays
// correct in memory for the remainder of the process.
func (c *Cache) Set(promptHash string, payload CachedFields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[promptHash] = payload

	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	line, err := json.Marshal(map[string]any{
		"prompt_hash": promptHash,
		"payload":     json.RawMessage(raw),
		"timestamp":   float64(time.Now().Unix()),
	})
	if err != nil {
		return
	}
	f, err := os.OpenFile(c.storagePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}
