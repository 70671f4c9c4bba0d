// Package contract implements the declared-effect model behind capability
// permissions. A Contract states, as pattern sets, what a capability may
// read, write, execute, or reach over the network, and whether it may spawn
// further capabilities or processes. Contracts are immutable once attached
// to a capability; narrowing produces a new contract via Intersect.
package contract

import (
	"fmt"
	"sort"
	"strings"
)

// Contract declares the potential effects of a capability. Empty pattern
// sets mean the corresponding effect class is not permitted.
type Contract struct {
	Reads    []string `json:"reads,omitempty"`
	Writes   []string `json:"writes,omitempty"`
	Executes []string `json:"executes,omitempty"`
	Network  []string `json:"network,omitempty"`
	Spawn    bool     `json:"spawn,omitempty"`
}

// Effects are the concrete effect patterns of a single operation call,
// produced by substituting call arguments into the operation's declared
// effect templates.
type Effects struct {
	Reads    []string
	Writes   []string
	Executes []string
	Network  []string
	Spawn    bool
}

// Empty reports whether the contract declares no effects at all.
func (c Contract) Empty() bool {
	return len(c.Reads) == 0 && len(c.Writes) == 0 &&
		len(c.Executes) == 0 && len(c.Network) == 0 && !c.Spawn
}

// Covers reports whether every effect of a call is covered by the
// contract's declared patterns.
func (c Contract) Covers(e Effects) error {
	if err := coversAll(c.Reads, e.Reads, "read"); err != nil {
		return err
	}
	if err := coversAll(c.Writes, e.Writes, "write"); err != nil {
		return err
	}
	if err := coversAll(c.Executes, e.Executes, "execute"); err != nil {
		return err
	}
	if err := coversAll(c.Network, e.Network, "network"); err != nil {
		return err
	}
	if e.Spawn && !c.Spawn {
		return fmt.Errorf("contract does not permit spawning")
	}
	return nil
}

func coversAll(patterns, targets []string, class string) error {
	for _, t := range targets {
		if !anyCovers(patterns, t) {
			return fmt.Errorf("%s %q not covered by contract", class, t)
		}
	}
	return nil
}

func anyCovers(patterns []string, target string) bool {
	for _, p := range patterns {
		if PatternCovers(p, target) {
			return true
		}
	}
	return false
}

// PatternCovers reports whether pattern covers target. Patterns are
// slash-and-colon segmented; "*" matches a single segment, "**" matches any
// remaining segments. A pattern also covers a target pattern that is
// strictly narrower (used for intersection).
func PatternCovers(pattern, target string) bool {
	return segmentsCover(splitPattern(pattern), splitPattern(target))
}

func splitPattern(p string) []string {
	// "file:/tmp/a.txt" -> ["file:", "tmp", "a.txt"]
	if i := strings.Index(p, ":"); i >= 0 {
		head := p[:i+1]
		rest := strings.Trim(p[i+1:], "/")
		if rest == "" {
			return []string{head}
		}
		return append([]string{head}, strings.Split(rest, "/")...)
	}
	return strings.Split(strings.Trim(p, "/"), "/")
}

func segmentsCover(pattern, target []string) bool {
	if len(pattern) == 0 {
		return len(target) == 0
	}
	if pattern[0] == "**" {
		// "**" may swallow zero or more target segments.
		for i := 0; i <= len(target); i++ {
			if segmentsCover(pattern[1:], target[i:]) {
				return true
			}
		}
		return false
	}
	if len(target) == 0 {
		return false
	}
	if target[0] == "**" || (target[0] == "*" && pattern[0] != "*") {
		// A concrete pattern segment cannot cover a broader wildcard.
		return false
	}
	if pattern[0] != "*" && pattern[0] != target[0] {
		return false
	}
	return segmentsCover(pattern[1:], target[1:])
}

// Intersect returns the contract permitting exactly what both contracts
// permit. For pattern sets this keeps, from each side, the patterns covered
// by the other side; the narrower pattern survives.
func (c Contract) Intersect(other Contract) Contract {
	return Contract{
		Reads:    intersectPatterns(c.Reads, other.Reads),
		Writes:   intersectPatterns(c.Writes, other.Writes),
		Executes: intersectPatterns(c.Executes, other.Executes),
		Network:  intersectPatterns(c.Network, other.Network),
		Spawn:    c.Spawn && other.Spawn,
	}
}

func intersectPatterns(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	keep := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range a {
		if anyCovers(b, p) {
			keep(p)
		}
	}
	for _, p := range b {
		if anyCovers(a, p) {
			keep(p)
		}
	}
	sort.Strings(out)
	return out
}

// String renders the contract for self-documentation.
func (c Contract) String() string {
	if c.Empty() {
		return "(no effects declared)"
	}
	var parts []string
	add := func(class string, patterns []string) {
		if len(patterns) > 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", class, strings.Join(patterns, ", ")))
		}
	}
	add("reads", c.Reads)
	add("writes", c.Writes)
	add("executes", c.Executes)
	add("network", c.Network)
	if c.Spawn {
		parts = append(parts, "may spawn")
	}
	return strings.Join(parts, "; ")
}

// Clone returns a deep copy, so callers can hold contracts without
// aliasing the registry's slices.
func (c Contract) Clone() Contract {
	return Contract{
		Reads:    append([]string(nil), c.Reads...),
		Writes:   append([]string(nil), c.Writes...),
		Executes: append([]string(nil), c.Executes...),
		Network:  append([]string(nil), c.Network...),
		Spawn:    c.Spawn,
	}
}
