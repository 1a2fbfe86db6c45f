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

// Package metadata provides functionality for tracking and persisting metadata
// about export runs. It records statistics about each export including the
// number of documents and attachments written, API calls made, and the first
// and last document ids covered.
//
// The metadata system serves several purposes:
//   - Provides an audit trail of backups
//   - Enables troubleshooting by recording export parameters
//   - Records performance figures for tuning chunk sizes
//
// Metadata is saved as JSON files alongside checkpoint files, allowing
// external tools to analyze export history.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	dumperrors "github.com/sirseerhq/couchdump/internal/errors"
)

const (
	// FormatVersion identifies the layout of the output stream.
	FormatVersion = "multipart-mixed-v1"
)

// Tracker collects statistics during an export. It implements the request
// and document observer hooks of the client and exporter. It is safe for
// concurrent use.
type Tracker struct {
	mu           sync.Mutex
	startTime    time.Time
	now          func() time.Time
	apiCallCount int
	docStats     DocStats
}

// DocStats holds running statistics about exported documents.
type DocStats struct {
	TotalDocs       int
	FirstID         string
	LastID          string
	Attachments     int
	AttachmentBytes int64
}

// New creates a new metadata tracker and initializes it with the current time.
func New() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	return &Tracker{startTime: now(), now: now}
}

// ObserveRequest counts one API call.
func (t *Tracker) ObserveRequest(endpoint string, code int, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apiCallCount++
}

// ObserveDocument records one exported document. Documents arrive in index
// order, so the first and last ids bound the exported range.
func (t *Tracker) ObserveDocument(id string, attachments int, attachmentBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.docStats.TotalDocs++
	if t.docStats.FirstID == "" {
		t.docStats.FirstID = id
	}
	t.docStats.LastID = id
	t.docStats.Attachments += attachments
	t.docStats.AttachmentBytes += attachmentBytes
}

// Stats returns a snapshot of the document statistics.
func (t *Tracker) Stats() DocStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.docStats
}

// GenerateMetadata creates the metadata record of the export. exportErr is
// the error the export ended with, or nil.
func (t *Tracker) GenerateMetadata(toolVersion, exportID string, params ExportParams, docCount int, outputBytes int64, exportErr error) *ExportMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()

	completedAt := t.now()
	results := ExportResults{
		Status:          StatusComplete,
		DocCount:        docCount,
		Documents:       t.docStats.TotalDocs,
		FirstDocument:   t.docStats.FirstID,
		LastDocument:    t.docStats.LastID,
		Attachments:     t.docStats.Attachments,
		AttachmentBytes: t.docStats.AttachmentBytes,
		OutputBytes:     outputBytes,
		Duration:        completedAt.Sub(t.startTime).String(),
		APICallCount:    t.apiCallCount,
		StartedAt:       t.startTime,
		CompletedAt:     completedAt,
	}
	if exportErr != nil {
		results.Status = StatusFailed
		if errors.Is(exportErr, dumperrors.ErrInterrupted) {
			results.Status = StatusInterrupted
		}
		results.Error = exportErr.Error()
	}

	return &ExportMetadata{
		ToolVersion: toolVersion,
		Format:      FormatVersion,
		ExportID:    exportID,
		Parameters:  params,
		Results:     results,
	}
}

// SaveMetadata persists a metadata record to a JSON file in stateDir. The
// file is written to a temporary name and renamed into place.
//
// The metadata file will be named: export-metadata-{timestamp}.json
func SaveMetadata(metadata *ExportMetadata, stateDir string) (string, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}

	filename := fmt.Sprintf("export-metadata-%d.json", metadata.Results.StartedAt.Unix())
	path := filepath.Join(stateDir, filename)

	tmpFile := path + ".tmp"
	file, err := os.Create(tmpFile) // #nosec G304
	if err != nil {
		return "", fmt.Errorf("failed to create metadata file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(metadata); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpFile)
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpFile)
		return "", fmt.Errorf("failed to close metadata file: %w", err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		return "", fmt.Errorf("failed to save metadata file: %w", err)
	}
	return path, nil
}

// LoadLatestMetadata loads the most recent metadata record for database
// from stateDir. It returns nil when there is none.
func LoadLatestMetadata(stateDir, database string) (*ExportMetadata, error) {
	pattern := filepath.Join(stateDir, "export-metadata-*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata files: %w", err)
	}

	var latest *ExportMetadata
	for _, file := range files {
		data, err := os.ReadFile(file) // #nosec G304
		if err != nil {
			continue
		}
		var m ExportMetadata
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse metadata %s: %w", file, err)
		}
		if m.Parameters.Database != database {
			continue
		}
		if latest == nil || m.Results.StartedAt.After(latest.Results.StartedAt) {
			latest = &m
		}
	}
	return latest, nil
}
