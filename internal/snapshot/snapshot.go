// Package snapshot persists and restores named session states. A snapshot is
// a versioned JSON document holding the environment's serializable contents
// plus the descriptors needed to rebuild capabilities and backend
// connections. Restore replays the document; items that cannot be replayed
// are reported, never silently dropped.
package snapshot

import (
	"time"

	"vessel/internal/capability"
	"vessel/internal/contract"
	"vessel/internal/protocol"
)

// Version of the document format. Loaders reject documents from a newer
// format than they understand.
const Version = 1

// CapabilityRecord captures how one installed capability is rebuilt on
// restore.
type CapabilityRecord struct {
	Descriptor capability.Descriptor `json:"descriptor"`
	Contract   contract.Contract     `json:"contract"`
	Strategy   string                `json:"strategy"`
	DerivedOf  string                `json:"derived_of,omitempty"`
}

// Document is one saved session state.
type Document struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	Functions    []protocol.ExportedFunction `json:"functions,omitempty"`
	Variables    map[string]*protocol.Value  `json:"variables,omitempty"`
	History      []string                    `json:"history,omitempty"`
	Capabilities map[string]CapabilityRecord `json:"capabilities,omitempty"`
	Backends     map[string]string           `json:"backends,omitempty"`
	Unsaved      []string                    `json:"unsaved,omitempty"`
}

// RestoreReport lists what a restore could not bring back. A non-empty
// report is informational; the restored session is usable.
type RestoreReport struct {
	Restored []string `json:"restored"`
	Skipped  []string `json:"skipped,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Skip records one item a restore pass had to leave behind.
func (r *RestoreReport) Skip(item, reason string) {
	r.Skipped = append(r.Skipped, item+": "+reason)
}

// Warn records a degradation that did not lose data.
func (r *RestoreReport) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}
