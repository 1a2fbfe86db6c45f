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
	"time"
)

// CurrentVersion is the current checkpoint schema version.
// Increment this when making breaking changes to ExportCheckpoint.
const CurrentVersion = 1

// ExportCheckpoint is the persisted progress of one export.
type ExportCheckpoint struct {
	// Version indicates the schema version of this checkpoint file.
	Version int `json:"version"`

	// Checksum is the SHA256 hash of the checkpoint content (excluding this field).
	Checksum string `json:"checksum"`

	// Database is the database name, for operators reading the file.
	Database string `json:"database"`

	// ExportID identifies the export that wrote the checkpoint.
	ExportID string `json:"export_id"`

	// Offset is the number of _all_docs rows already exported; the next
	// chunk is requested with skip=Offset.
	Offset int `json:"offset"`

	// DocCount is the doc_count reported when the export started.
	DocCount int `json:"doc_count"`

	UpdatedAt time.Time `json:"updated_at"`
}
