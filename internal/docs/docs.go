// Package docs is a static, read-only documentation registry. Capabilities
// consult it while rendering their self-description; nothing in the system
// writes to it.
package docs

import "sort"

// Registry resolves documentation topics by name.
type Registry interface {
	Lookup(topic string) (string, bool)
	Topics() []string
}

// Static is an immutable in-memory registry.
type Static struct {
	entries map[string]string
}

// NewStatic copies the given entries into a registry.
func NewStatic(entries map[string]string) *Static {
	m := make(map[string]string, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return &Static{entries: m}
}

func (s *Static) Lookup(topic string) (string, bool) {
	text, ok := s.entries[topic]
	return text, ok
}

func (s *Static) Topics() []string {
	topics := make([]string, 0, len(s.entries))
	for t := range s.entries {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Builtin returns the registry shipped with the host: usage notes for the
// built-in capabilities and the relay calling convention.
func Builtin() *Static {
	return NewStatic(map[string]string{
		"relay": "Capability operations called from inside the environment are " +
			"relayed to the supervisor, checked against the capability's " +
			"permission strategy, and dispatched there. Positional arguments " +
			"are matched to declared parameters in order.",
		"clock": "Wall-clock access. now() returns an RFC 3339 timestamp; " +
			"sleep(seconds) blocks the current snippet.",
		"workspace": "File access rooted at the session workspace directory. " +
			"Paths outside the root are rejected.",
	})
}
