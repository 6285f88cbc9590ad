package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// CommandSpec describes one allow-listed program.
type CommandSpec struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	AllowedFlags []string `json:"allowedFlags"`
}

// AllowsFlag reports whether flag is permitted for this program.
func (c CommandSpec) AllowsFlag(flag string) bool {
	for _, f := range c.AllowedFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// DefaultCommandSpecs returns the allow-list shipped with the assistant.
func DefaultCommandSpecs() []CommandSpec {
	return []CommandSpec{
		{Name: "ls", Description: "List directory contents", AllowedFlags: []string{"-l", "-a", "-h", "--help"}},
		{Name: "pwd", Description: "Print working directory", AllowedFlags: []string{"--help"}},
		{Name: "cat", Description: "Display file contents", AllowedFlags: []string{"-n", "--number"}},
		{Name: "grep", Description: "Search for patterns", AllowedFlags: []string{"-i", "-n", "-v", "-r"}},
		{Name: "echo", Description: "Display text", AllowedFlags: []string{"-n", "-e"}},
		{Name: "find", Description: "Search for files", AllowedFlags: []string{"-name", "-type", "-size"}},
	}
}

// AllowList is the set of programs the executor may spawn.
// It is read on every execution and only changes through Replace.
type AllowList struct {
	mu    sync.RWMutex
	specs map[string]CommandSpec
}

// NewAllowList builds an allow-list from specs. Later duplicates win.
func NewAllowList(specs []CommandSpec) *AllowList {
	a := &AllowList{}
	a.Replace(specs)
	return a
}

// DefaultAllowList returns an allow-list holding DefaultCommandSpecs.
func DefaultAllowList() *AllowList {
	return NewAllowList(DefaultCommandSpecs())
}

// LoadAllowListFile reads a JSON array of CommandSpec from path.
func LoadAllowListFile(path string) (*AllowList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allow-list: %w", err)
	}
	var specs []CommandSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse allow-list %s: %w", path, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("allow-list %s is empty", path)
	}
	return NewAllowList(specs), nil
}

// Replace swaps the whole allow-list. This is the administrative update path.
func (a *AllowList) Replace(specs []CommandSpec) {
	next := make(map[string]CommandSpec, len(specs))
	for _, s := range specs {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			continue
		}
		s.Name = name
		s.AllowedFlags = append([]string(nil), s.AllowedFlags...)
		next[name] = s
	}
	a.mu.Lock()
	a.specs = next
	a.mu.Unlock()
}

// Lookup returns the spec for a program name.
func (a *AllowList) Lookup(name string) (CommandSpec, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.specs[name]
	return s, ok
}

// Specs returns the allow-list sorted by program name.
func (a *AllowList) Specs() []CommandSpec {
	a.mu.RLock()
	out := make([]CommandSpec, 0, len(a.specs))
	for _, s := range a.specs {
		out = append(out, s)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe renders the allow-list as prompt text, one program per line.
func (a *AllowList) Describe() string {
	var sb strings.Builder
	for _, s := range a.Specs() {
		sb.WriteString("- ")
		sb.WriteString(s.Name)
		if s.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(s.Description)
		}
		if len(s.AllowedFlags) > 0 {
			sb.WriteString(" (flags: ")
			sb.WriteString(strings.Join(s.AllowedFlags, " "))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
