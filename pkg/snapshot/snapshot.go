// Package snapshot holds serialized desired-state documents at a revision.
// Snapshots are only hashed and diffed, never mutated.
package snapshot

import (
	"bytes"

	"github.com/opencontainers/go-digest"
)

// Snapshot is the serialized desired-state document at one revision
type Snapshot struct {
	// Revision is the resolved revision the document was read at (a commit SHA for git
	// sources, empty for sources without revisions)
	Revision string

	// Data is the canonical JSON serialization of the document
	Data []byte
}

// New creates a snapshot, copying data so later changes to the caller's buffer are not observed
func New(revision string, data []byte) *Snapshot {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Snapshot{Revision: revision, Data: buf}
}

// Digest returns the content digest of the snapshot data
func (s *Snapshot) Digest() digest.Digest {
	if s == nil {
		return digest.FromBytes(nil)
	}
	return digest.FromBytes(s.Data)
}

// Identical returns true if both snapshots carry byte-identical data.
// Revisions are ignored: two commits with the same document are identical.
func (s *Snapshot) Identical(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return bytes.Equal(s.Data, other.Data)
}
