// Package state provides file-based persistence for the security log.
//
// The snapshot file holds the retained log entries, threats and failed
// sign-in attempts so they survive restarts. Writes are atomic, locked
// across processes and backed up.
package state

import (
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

// SchemaVersion is the current document version.
const SchemaVersion = "1"

// Document is the top-level structure persisted in the snapshot file.
type Document struct {
	// Version is the schema version for forward compatibility.
	Version string `json:"version"`

	// Snapshot is the persisted security log.
	Snapshot securitylog.Snapshot `json:"snapshot"`

	// UpdatedAt is when the document was last written.
	UpdatedAt time.Time `json:"updated_at"`
}
