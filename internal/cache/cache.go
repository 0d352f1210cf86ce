// Package cache persists rendered unit audio on disk so an interrupted or
// repeated run never pays for the same synthesis call twice. Entries are
// zstd-compressed (raw PCM compresses hard) and tracked in a gob index
// that survives restarts.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
)

// ErrTooLarge is returned when a single entry exceeds the cache capacity.
var ErrTooLarge = errors.New("entry too large for cache")

const indexFile = "audio.index"

// Key derives the cache key for one synthesis unit. Two units share audio
// only when text, voice, and model all match.
func Key(text, voice, model string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(voice))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// Stats summarizes cache activity since Open.
type Stats struct {
	Size      int64
	Capacity  int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// entry is one row of the on-disk index. Fields are exported for gob.
type entry struct {
	Key        string
	File       string
	Size       int64 // bytes on disk, compressed
	RawSize    int64
	CreatedAt  time.Time
	LastAccess time.Time
	Hits       int64
	Compressed bool
}

// Audio is a disk-backed cache for rendered unit PCM. Safe for concurrent
// use. Writes go to a temp file and rename into place so a crash never
// leaves a half-written entry behind the index.
type Audio struct {
	mu       sync.Mutex
	dir      string
	capacity int64
	size     int64
	index    map[string]*entry
	stats    Stats

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open loads or creates a cache rooted at dir, bounded by capacity bytes.
func Open(dir string, capacity int64) (*Audio, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	c := &Audio{
		dir:      dir,
		capacity: capacity,
		index:    make(map[string]*entry),
		encoder:  encoder,
		decoder:  decoder,
	}

	if err := c.loadIndex(); err != nil {
		// A damaged index only costs re-synthesis of cached units.
		log.Warn("audio cache index unreadable, starting empty", "err", err)
		c.index = make(map[string]*entry)
	}
	for _, e := range c.index {
		c.size += e.Size
	}
	return c, nil
}

// Get returns the cached PCM for key, if present.
func (c *Audio) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	data, err := os.ReadFile(filepath.Join(c.dir, e.File))
	if err != nil {
		c.drop(e)
		c.stats.Misses++
		return nil, false
	}
	if e.Compressed {
		raw, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			c.drop(e)
			c.stats.Misses++
			return nil, false
		}
		data = raw
	}

	e.LastAccess = time.Now()
	e.Hits++
	c.stats.Hits++
	return data, true
}

// Put stores pcm under key, evicting least recently used entries as
// needed to stay under capacity.
func (c *Audio) Put(key string, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := pcm
	compressed := false
	if len(pcm) > 1024 {
		if packed := c.encoder.EncodeAll(pcm, nil); len(packed) < len(pcm) {
			data = packed
			compressed = true
		}
	}

	if int64(len(data)) > c.capacity {
		return ErrTooLarge
	}

	if old, ok := c.index[key]; ok {
		c.drop(old)
	}
	for c.size+int64(len(data)) > c.capacity && len(c.index) > 0 {
		c.evictOldest()
	}

	name := key + ".zst"
	if !compressed {
		name = key + ".pcm"
	}
	if err := atomicWrite(filepath.Join(c.dir, name), data); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}

	now := time.Now()
	c.index[key] = &entry{
		Key:        key,
		File:       name,
		Size:       int64(len(data)),
		RawSize:    int64(len(pcm)),
		CreatedAt:  now,
		LastAccess: now,
		Compressed: compressed,
	}
	c.size += int64(len(data))
	return nil
}

// Contains reports whether key is indexed without touching access state.
func (c *Audio) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[key]
	return ok
}

// Delete removes key and its file.
func (c *Audio) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index[key]; ok {
		c.drop(e)
	}
}

// Prune removes entries older than maxAge and returns how many went.
func (c *Audio) Prune(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range c.index {
		if e.CreatedAt.Before(cutoff) {
			c.drop(e)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (c *Audio) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = c.size
	s.Capacity = c.capacity
	s.Items = len(c.index)
	return s
}

// Close flushes the index to disk.
func (c *Audio) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveIndex()
}

// drop removes e from the index and disk. Caller holds the lock.
func (c *Audio) drop(e *entry) {
	os.Remove(filepath.Join(c.dir, e.File))
	c.size -= e.Size
	delete(c.index, e.Key)
}

func (c *Audio) evictOldest() {
	var oldest *entry
	for _, e := range c.index {
		if oldest == nil || e.LastAccess.Before(oldest.LastAccess) {
			oldest = e
		}
	}
	if oldest != nil {
		c.drop(oldest)
		c.stats.Evictions++
	}
}

func (c *Audio) loadIndex() error {
	f, err := os.Open(filepath.Join(c.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(&c.index)
}

func (c *Audio) saveIndex() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c.index); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(c.dir, indexFile), buf.Bytes())
}

// atomicWrite writes data via a temp file and rename.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		os.Remove(tmp)
		return werr
	}
	if cerr != nil {
		os.Remove(tmp)
		return cerr
	}
	return os.Rename(tmp, path)
}
