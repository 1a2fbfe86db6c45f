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

package couchdb

import "encoding/json"

// DatabaseInfo contains the subset of GET /{db} used by the exporter.
type DatabaseInfo struct {
	Name           string `json:"db_name"`
	DocCount       int    `json:"doc_count"`
	DocDeleteCount int    `json:"doc_del_count"`
}

// DocumentSummary is one row of _all_docs. Doc is only set when the page
// was requested with include_docs.
type DocumentSummary struct {
	ID  string
	Doc json.RawMessage
}

// Field is a single top-level member of a document body. Value holds the
// raw JSON exactly as the server sent it.
type Field struct {
	Name  string
	Value json.RawMessage
}

// Document is a fetched document. Body keeps the server's field order and
// never contains _attachments; those are split out into Attachments, again
// in server order.
type Document struct {
	ID          string
	Revision    string
	Body        []Field
	Attachments []Attachment
}

// Attachment is inline attachment data as returned with attachments=true.
type Attachment struct {
	Name        string
	ContentType string
	// Data is the base64 payload as received. Decoding is left to the
	// encoder so that a bad payload fails the document at write time.
	Data string
}

// DefaultAttachmentType is used when an attachment carries no content type.
const DefaultAttachmentType = "application/octet-stream"
