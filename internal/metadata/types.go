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

// Package metadata types define the records written after an export.
package metadata

import (
	"time"
)

// Export outcomes recorded in ExportResults.Status.
const (
	StatusComplete    = "complete"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// ExportMetadata is the audit record of a single export run.
type ExportMetadata struct {
	ToolVersion string        `json:"tool_version"`
	Format      string        `json:"format"`
	ExportID    string        `json:"export_id"`
	Parameters  ExportParams  `json:"parameters"`
	Results     ExportResults `json:"results"`
}

// ExportParams captures the inputs of an export.
type ExportParams struct {
	Database    string `json:"database"`
	Source      string `json:"source"`
	ChunkSize   int    `json:"chunk_size"`
	IncludeDocs bool   `json:"include_docs"`
	Prefetch    bool   `json:"prefetch"`
	Resumed     bool   `json:"resumed"`
	StartOffset int    `json:"start_offset"`
	Output      string `json:"output"`
}

// ExportResults contains the statistics of a finished export.
type ExportResults struct {
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	DocCount        int       `json:"doc_count"`
	Documents       int       `json:"documents_exported"`
	FirstDocument   string    `json:"first_document,omitempty"`
	LastDocument    string    `json:"last_document,omitempty"`
	Attachments     int       `json:"attachments_exported"`
	AttachmentBytes int64     `json:"attachment_bytes"`
	OutputBytes     int64     `json:"output_bytes"`
	Duration        string    `json:"export_duration"`
	APICallCount    int       `json:"api_calls_made"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}
