// Package metadata provides the durable per-instance record. Exactly one
// record exists per instance directory; it is the single source of truth for
// configuration, installation status, and hardware identity, and every
// state-changing step persists it immediately.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kstrand/macvm/internal/config"
)

// FileName is the record's file name inside the instance directory.
const FileName = "metadata.json"

// ErrNotFound reports that the instance directory holds no record.
var ErrNotFound = errors.New("metadata: record not found")

// Metadata is the durable state of one VM instance.
//
// MachineIdentifier and HardwareModel are opaque identity blobs set exactly
// once at install time; MACAddress is generated once on first configuration
// build. The guest OS identifies its hardware by these values, so none of
// them may ever be regenerated for the lifetime of the instance directory.
type Metadata struct {
	Configuration *config.Configuration `json:"configuration,omitempty"`

	// Installed transitions false to true exactly once, after a completed
	// installation. Installed implies both identity blobs are present.
	Installed bool `json:"installed"`

	MachineIdentifier []byte `json:"machine_identifier,omitempty"`
	HardwareModel     []byte `json:"hardware_model,omitempty"`
	MACAddress        string `json:"mac_address,omitempty"`
}

// Store reads and writes the metadata record of one instance directory.
type Store struct {
	path string
}

// NewStore creates a store for the instance directory dir.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, FileName)}
}

// Path returns the record's file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the record from disk. It returns ErrNotFound when no record
// exists and a wrapped decode error when the record is unreadable.
func (s *Store) Load() (*Metadata, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata %s: %w", s.path, err)
	}
	return &meta, nil
}

// Save writes the record atomically: a crash mid-save leaves either the
// previous record or the fully-written new one, never a mixture.
func (s *Store) Save(meta *Metadata) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create instance dir: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("commit metadata: %w", err)
	}
	return nil
}
