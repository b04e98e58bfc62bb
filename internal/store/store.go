// Package store defines the persistence surface for the security core.
// Every secret store keeps its whole dataset as one named blob; all backends
// (directory of files, SQLite, Badger, Redis, memory) satisfy the Store
// interface, so stores can swap backends without changing their logic.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/avaropoint/agentvault/internal/security"
)

// Blob names, one per store.
const (
	BlobAgentCredentials = "agent_credentials"
	BlobIdentity         = "identity"
	BlobCeilings         = "ceilings"
	BlobKeyRotation      = "key_rotation"
	BlobVault            = "vault_store"
	BlobGroupVault       = "group_vault"
)

// Store reads and writes named blobs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Read returns the blob's bytes. ok is false when the blob does not exist.
	Read(ctx context.Context, name string) (data []byte, ok bool, err error)
	// Write replaces the blob's bytes.
	Write(ctx context.Context, name string, data []byte) error
	// Close releases backend resources.
	Close() error
}

// LoadJSON decodes blob name into v. It reports false, leaving v untouched,
// only when the blob is absent. A blob that exists but cannot be read or
// decoded is an error: it is never mistaken for an empty dataset.
func LoadJSON(ctx context.Context, s Store, name string, v any) (bool, error) {
	data, ok, err := s.Read(ctx, name)
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %v", security.ErrIO, name, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", security.ErrMalformedInput, name, err)
	}
	return true, nil
}

// SaveJSON encodes v and overwrites blob name with the complete snapshot.
func SaveJSON(ctx context.Context, s Store, log *logrus.Logger, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := s.Write(ctx, name, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", security.ErrIO, name, err)
	}
	if log != nil {
		log.WithFields(logrus.Fields{
			"blob": name,
			"size": humanize.Bytes(uint64(len(data))),
		}).Debug("Snapshot written")
	}
	return nil
}
