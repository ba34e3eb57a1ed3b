// Package phrases caches the per-scope phrase lists that drive rude/nice
// replies and self-descriptor substitution.
//
// Each list lives in {root}/{scope}/{kind}.txt, one entry per line. A missing
// file yields the built-in default for that kind.
package phrases

import (
	"bufio"
	"errors"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Kind names a phrase list.
type Kind string

const (
	Rude        Kind = "rude"
	RespondRude Kind = "respond_rude"
	Nice        Kind = "nice"
	RespondNice Kind = "respond_nice"
	Descriptor  Kind = "descriptor"
)

// Kinds lists every phrase list in load order.
var Kinds = []Kind{Rude, RespondRude, Nice, RespondNice, Descriptor}

// Defaults are used when a scope has no file for a kind.
var Defaults = map[Kind]string{
	Rude:        "shut up",
	RespondRude: "I will leave, my apologies.",
	Nice:        "good job",
	RespondNice: "Thanks, I aim to please!",
	Descriptor:  "your humble assistant",
}

// matchKinds are compared against lower-cased message text.
var matchKinds = map[Kind]bool{Rude: true, Nice: true}

type entry struct {
	lines   []string
	modTime time.Time
	present bool
}

// Cache holds loaded phrase lists keyed by scope. Lists are loaded on first
// use and reloaded only through RefreshIfStale or Invalidate.
type Cache struct {
	root string

	mu     sync.RWMutex
	scopes map[string]map[Kind]entry
}

// NewCache returns a Cache reading files under root.
func NewCache(root string) *Cache {
	return &Cache{root: root, scopes: make(map[string]map[Kind]entry)}
}

// Path returns the file backing kind for scope.
func (c *Cache) Path(scope string, kind Kind) string {
	return filepath.Join(c.root, scope, string(kind)+".txt")
}

// Get returns the list of kind for scope. The returned slice must not be
// modified.
func (c *Cache) Get(scope string, kind Kind) []string {
	c.mu.RLock()
	e, ok := c.scopes[scope][kind]
	c.mu.RUnlock()
	if ok {
		return e.lines
	}

	e = c.load(scope, kind)
	c.mu.Lock()
	if c.scopes[scope] == nil {
		c.scopes[scope] = make(map[Kind]entry)
	}
	c.scopes[scope][kind] = e
	c.mu.Unlock()
	return e.lines
}

// Random returns one entry of kind for scope.
func (c *Cache) Random(scope string, kind Kind, rnd *rand.Rand) string {
	lines := c.Get(scope, kind)
	if len(lines) == 0 {
		return Defaults[kind]
	}
	if rnd == nil {
		return lines[rand.Intn(len(lines))]
	}
	return lines[rnd.Intn(len(lines))]
}

// RefreshIfStale reloads every cached list of scope whose file changed,
// appeared or disappeared since it was loaded. It reports whether anything
// was reloaded.
func (c *Cache) RefreshIfStale(scope string) bool {
	c.mu.RLock()
	cached := c.scopes[scope]
	stale := make([]Kind, 0, len(cached))
	for kind, e := range cached {
		info, err := os.Stat(c.Path(scope, kind))
		switch {
		case err != nil:
			if e.present {
				stale = append(stale, kind)
			}
		case !e.present || !info.ModTime().Equal(e.modTime):
			stale = append(stale, kind)
		}
	}
	c.mu.RUnlock()

	if len(stale) == 0 {
		return false
	}
	for _, kind := range stale {
		e := c.load(scope, kind)
		c.mu.Lock()
		if c.scopes[scope] == nil {
			c.scopes[scope] = make(map[Kind]entry)
		}
		c.scopes[scope][kind] = e
		c.mu.Unlock()
	}
	slog.Debug("phrase lists reloaded", "scope", scope, "kinds", len(stale))
	return true
}

// Invalidate drops every cached list of scope.
func (c *Cache) Invalidate(scope string) {
	c.mu.Lock()
	delete(c.scopes, scope)
	c.mu.Unlock()
}

// Contains reports whether text contains any phrase of kind as a whole,
// space-delimited match, ignoring case.
func (c *Cache) Contains(scope string, kind Kind, text string) bool {
	lower := strings.ToLower(text)
	for _, p := range c.Get(scope, kind) {
		if p == "" {
			continue
		}
		if containsPhrase(lower, p) {
			return true
		}
	}
	return false
}

// containsPhrase matches phrase bounded by the start or end of text or by a
// single space on each side.
func containsPhrase(text, phrase string) bool {
	for from := 0; from <= len(text)-len(phrase); {
		i := strings.Index(text[from:], phrase)
		if i < 0 {
			return false
		}
		i += from
		end := i + len(phrase)
		if (i == 0 || text[i-1] == ' ') && (end == len(text) || text[end] == ' ') {
			return true
		}
		from = i + 1
	}
	return false
}

func (c *Cache) load(scope string, kind Kind) entry {
	path := c.Path(scope, kind)
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("phrase file unreadable, using default", "path", path, "err", err)
		}
		return entry{lines: []string{Defaults[kind]}}
	}

	lines, err := readLines(path, matchKinds[kind])
	if err != nil {
		slog.Warn("phrase file unreadable, using default", "path", path, "err", err)
		return entry{lines: []string{Defaults[kind]}}
	}
	if len(lines) == 0 {
		lines = []string{Defaults[kind]}
	}
	return entry{lines: lines, modTime: info.ModTime(), present: true}
}

func readLines(path string, lower bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if lower {
			line = strings.ToLower(line)
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
