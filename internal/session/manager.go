package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Manager persists memories as JSONL files, one per key.
type Manager struct {
	dir      string
	maxTurns int
	cache    map[string]*Memory
	mu       sync.Mutex
}

// NewManager creates a manager storing files under dir.
func NewManager(dir string, maxTurns int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{dir: dir, maxTurns: maxTurns, cache: make(map[string]*Memory)}, nil
}

// GetOrCreate returns the cached memory for key, loading it from disk first
// if a file exists.
func (m *Manager) GetOrCreate(key string) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mem, ok := m.cache[key]; ok {
		return mem
	}
	mem := m.load(key)
	if mem == nil {
		mem = NewMemory(key, m.maxTurns)
	}
	m.cache[key] = mem
	return mem
}

// Save writes mem to disk. The first line carries metadata, each following
// line one turn.
func (m *Manager) Save(mem *Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.path(mem.Key)
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}

	mem.mu.RLock()
	meta := map[string]any{
		"_type":      "metadata",
		"key":        mem.Key,
		"created_at": mem.createdAt.Format(time.RFC3339),
		"updated_at": mem.updatedAt.Format(time.RFC3339),
	}
	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	err = enc.Encode(meta)
	for _, t := range mem.turns {
		if err != nil {
			break
		}
		err = enc.Encode(t)
	}
	mem.mu.RUnlock()

	if err == nil {
		err = w.Flush()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	m.cache[mem.Key] = mem
	return nil
}

// Delete removes a memory from cache and disk.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, key)
	return os.Remove(m.path(key)) == nil
}

// Info describes a stored session file.
type Info struct {
	Key       string
	UpdatedAt time.Time
	Path      string
}

// List returns the stored sessions, most recently updated first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var out []Info
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		info := Info{Key: unescapeKey(strings.TrimSuffix(entry.Name(), ".jsonl")), Path: path}
		if meta, ok := readMeta(path); ok {
			if k, _ := meta["key"].(string); k != "" {
				info.Key = k
			}
			if updated, ok := meta["updated_at"].(string); ok {
				info.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, escapeKey(key)+".jsonl")
}

// escapeKey maps key to a file name reversibly. Bytes other than ASCII
// letters, digits, '-' and '_' become %XX, so distinct keys never share
// a file and no name can leave the directory.
func escapeKey(key string) string {
	var sb strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

func unescapeKey(name string) string {
	key, err := url.PathUnescape(name)
	if err != nil {
		return name
	}
	return key
}

func readMeta(path string) (map[string]any, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return nil, false
	}
	var meta map[string]any
	if json.Unmarshal(sc.Bytes(), &meta) != nil || meta["_type"] != "metadata" {
		return nil, false
	}
	return meta, true
}

func (m *Manager) load(key string) *Memory {
	file, err := os.Open(m.path(key))
	if err != nil {
		return nil
	}
	defer file.Close()

	mem := NewMemory(key, m.maxTurns)
	dec := json.NewDecoder(file)
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			break
		}
		var head struct {
			Type      string `json:"_type"`
			CreatedAt string `json:"created_at"`
		}
		if json.Unmarshal(raw, &head) == nil && head.Type == "metadata" {
			if t, err := time.Parse(time.RFC3339, head.CreatedAt); err == nil {
				mem.createdAt = t
			}
			continue
		}
		var t Turn
		if json.Unmarshal(raw, &t) == nil {
			mem.Append(t)
		}
	}
	return mem
}
