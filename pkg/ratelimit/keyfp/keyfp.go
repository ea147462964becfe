// Package keyfp derives stable, bounded-length key fingerprints from
// caller-supplied inputs: a literal string, a function of a context, or a
// list of named selectors.
package keyfp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const maxRawLength = 200

// Selector extracts one named value from a request context. Registered
// selectors (e.g. "client-address", "authenticated-principal", "path") are
// looked up by name when a Policy names them instead of supplying a
// literal or a function.
type Selector func(ctx context.Context) string

// Registry resolves named selectors to their implementation.
type Registry struct {
	selectors map[string]Selector
}

// NewRegistry creates an empty selector registry.
func NewRegistry() *Registry {
	return &Registry{selectors: make(map[string]Selector)}
}

// Register adds or replaces a named selector.
func (r *Registry) Register(name string, sel Selector) {
	r.selectors = cloneAndSet(r.selectors, name, sel)
}

func cloneAndSet(m map[string]Selector, name string, sel Selector) map[string]Selector {
	out := make(map[string]Selector, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[name] = sel
	return out
}

// Source describes how to derive a key: exactly one of Literal, Func or
// Selectors should be set.
type Source struct {
	Literal   string
	Func      func(ctx context.Context) string
	Selectors []string
}

// Fingerprint canonicalizes src into a single bounded, printable string. Two
// sources that reduce to the same raw bytes always yield the same
// fingerprint, since the hashing fallback is a pure function of those bytes.
func Fingerprint(ctx context.Context, src Source, reg *Registry) string {
	raw := canonicalize(ctx, src, reg)
	if len(raw) <= maxRawLength {
		return raw
	}
	sum := sha256.Sum256([]byte(raw))
	return "h:" + hex.EncodeToString(sum[:])
}

func canonicalize(ctx context.Context, src Source, reg *Registry) string {
	if src.Literal != "" {
		return src.Literal
	}
	if src.Func != nil {
		return src.Func(ctx)
	}
	if len(src.Selectors) > 0 {
		return canonicalizeSelectors(ctx, src.Selectors, reg)
	}
	return ""
}

// canonicalizeSelectors resolves each named selector (in the caller-given
// order, since order is part of the caller's intent) into "name=value" and
// joins the pairs with "|". Names and values are not escaped, so a "|" or
// "=" inside them can make two different selector lists join to the same
// string.
func canonicalizeSelectors(ctx context.Context, names []string, reg *Registry) string {
	parts := make([]string, 0, len(names))
	for _, name := range names {
		var sel Selector
		if reg != nil {
			sel = reg.selectors[name]
		}
		if sel == nil {
			parts = append(parts, name+"=")
			continue
		}
		parts = append(parts, name+"="+sel(ctx))
	}
	return strings.Join(parts, "|")
}

// SortedSelectors is a convenience for callers that want a canonical,
// order-independent key from an unordered set of selector names.
func SortedSelectors(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}
