package tool

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SanitizeName rewrites name so it only contains [A-Za-z0-9_].
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "tool"
	}
	return b.String()
}

// NameTable maps sanitized identifiers to the original wire names of one client.
// Collisions inside a table get a numeric suffix so the mapping stays bijective.
type NameTable struct {
	mu          sync.RWMutex
	toOriginal  map[string]string
	toSanitized map[string]string
}

// NewNameTable returns an empty table.
func NewNameTable() *NameTable {
	return &NameTable{
		toOriginal:  make(map[string]string),
		toSanitized: make(map[string]string),
	}
}

// Add registers original and returns its sanitized identifier.
// Adding the same original twice returns the same identifier.
func (t *NameTable) Add(original string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if safe, ok := t.toSanitized[original]; ok {
		return safe
	}
	base := SanitizeName(original)
	safe := base
	for n := 2; ; n++ {
		if _, taken := t.toOriginal[safe]; !taken {
			break
		}
		safe = fmt.Sprintf("%s_%d", base, n)
	}
	t.toOriginal[safe] = original
	t.toSanitized[original] = safe
	return safe
}

// Original resolves a sanitized identifier back to its wire name.
func (t *NameTable) Original(sanitized string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.toOriginal[sanitized]
	return name, ok
}

// Sanitized returns the identifier registered for original.
func (t *NameTable) Sanitized(original string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.toSanitized[original]
	return name, ok
}

// Len returns the number of registered names.
func (t *NameTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.toOriginal)
}

// Reset drops every mapping.
func (t *NameTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toOriginal = make(map[string]string)
	t.toSanitized = make(map[string]string)
}

// RewriteReferences replaces every original name found in text with its
// sanitized identifier. Longer names are matched first.
func (t *NameTable) RewriteReferences(text string) string {
	if text == "" {
		return text
	}
	t.mu.RLock()
	originals := make([]string, 0, len(t.toSanitized))
	for original, safe := range t.toSanitized {
		if original != safe && original != "" {
			originals = append(originals, original)
		}
	}
	pairs := make([]string, 0, len(originals)*2)
	sort.Slice(originals, func(i, j int) bool {
		if len(originals[i]) != len(originals[j]) {
			return len(originals[i]) > len(originals[j])
		}
		return originals[i] < originals[j]
	})
	for _, original := range originals {
		pairs = append(pairs, original, t.toSanitized[original])
	}
	t.mu.RUnlock()

	if len(pairs) == 0 {
		return text
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
