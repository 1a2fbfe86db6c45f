// Copyright 2025 SirSeer, LLC
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://mariadb.com/bsl11
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoCheckpoint is returned by LoadCheckpoint when no checkpoint exists.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// CheckpointPath returns the checkpoint file for a source database URL.
// The name combines the database name with a short hash of the URL without
// credentials, so databases of the same name on different servers do not
// collide.
func CheckpointPath(stateDir, sourceURL string) string {
	name, key := checkpointKey(sourceURL)
	return filepath.Join(stateDir, name+"-"+key+".checkpoint")
}

func checkpointKey(sourceURL string) (name, key string) {
	u, err := url.Parse(strings.TrimRight(sourceURL, "/"))
	if err == nil {
		u.User = nil
		sourceURL = u.String()
		name = filepath.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = "database"
	}

	// Replace anything that is not filesystem safe
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)

	hash := sha256.Sum256([]byte(sourceURL))
	return name, hex.EncodeToString(hash[:4])
}

// SaveCheckpoint atomically saves the checkpoint to disk with integrity validation.
// It uses a write-to-temp-and-rename pattern to ensure atomicity.
func SaveCheckpoint(cp *ExportCheckpoint, path string) error {
	cp.Version = CurrentVersion

	checksum, err := calculateChecksum(cp)
	if err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}
	cp.Checksum = checksum

	if mkdirErr := os.MkdirAll(filepath.Dir(path), 0o755); mkdirErr != nil {
		return fmt.Errorf("failed to create state directory: %w", mkdirErr)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tempFile := path + ".tmp"
	file, err := os.OpenFile(tempFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to write temporary checkpoint file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// LoadCheckpoint reads and validates a checkpoint. It verifies the checksum
// and version compatibility.
func LoadCheckpoint(path string) (*ExportCheckpoint, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s. Run without --resume to start a new export", ErrNoCheckpoint, path)
		}
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	var cp ExportCheckpoint
	if unmarshalErr := json.Unmarshal(data, &cp); unmarshalErr != nil {
		return nil, fmt.Errorf("checkpoint is corrupted (invalid JSON): %w", unmarshalErr)
	}

	if cp.Version != CurrentVersion {
		return nil, fmt.Errorf("checkpoint version (%d) is incompatible with current version (%d)",
			cp.Version, CurrentVersion)
	}

	calculated, err := calculateChecksum(&cp)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate checksum for validation: %w", err)
	}
	if cp.Checksum != calculated {
		return nil, fmt.Errorf("checkpoint is corrupted (checksum mismatch)")
	}
	if cp.Offset < 0 {
		return nil, fmt.Errorf("checkpoint has negative offset %d", cp.Offset)
	}

	return &cp, nil
}

// DeleteCheckpoint removes a checkpoint file. A missing file is not an error.
func DeleteCheckpoint(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// calculateChecksum computes the SHA256 hash of the checkpoint content.
// The checksum field itself is excluded from the calculation.
func calculateChecksum(cp *ExportCheckpoint) (string, error) {
	cpCopy := *cp
	cpCopy.Checksum = ""

	data, err := json.Marshal(cpCopy)
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Store saves and clears the checkpoint of one export.
type Store struct {
	path     string
	database string
	exportID string
	now      func() time.Time
}

// NewStore creates a store for the database at sourceURL.
func NewStore(stateDir, sourceURL, exportID string) *Store {
	name, _ := checkpointKey(sourceURL)
	return &Store{
		path:     CheckpointPath(stateDir, sourceURL),
		database: name,
		exportID: exportID,
		now:      time.Now,
	}
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the saved checkpoint, or an error wrapping ErrNoCheckpoint.
func (s *Store) Load() (*ExportCheckpoint, error) {
	return LoadCheckpoint(s.path)
}

// Save records that offset rows of an export of docCount documents are done.
func (s *Store) Save(offset, docCount int) error {
	return SaveCheckpoint(&ExportCheckpoint{
		Database:  s.database,
		ExportID:  s.exportID,
		Offset:    offset,
		DocCount:  docCount,
		UpdatedAt: s.now().UTC(),
	}, s.path)
}

// Clear removes the checkpoint after a successful export.
func (s *Store) Clear() error {
	return DeleteCheckpoint(s.path)
}
