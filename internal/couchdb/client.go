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

import "context"

// Client defines the interface for reading from a CouchDB database.
// This interface allows for easy mocking in tests.
type Client interface {
	// DatabaseInfo retrieves database metadata including the document count.
	// Used to drive progress reporting.
	DatabaseInfo(ctx context.Context) (*DatabaseInfo, error)

	// ListChunk requests one page of _all_docs starting at offset. The
	// returned iterator must be closed by the caller. When includeDocs is
	// set, every row carries the full document with inline attachments.
	ListChunk(ctx context.Context, offset, size int, includeDocs bool) (RowIterator, error)

	// FetchDocument retrieves a single document with inline attachments.
	FetchDocument(ctx context.Context, id string) (*Document, error)
}

// RowIterator is a lazy sequence of listing rows.
//
//	for it.Next() {
//	    s := it.Summary()
//	}
//	err := it.Err()
type RowIterator interface {
	// Next advances to the next row. It returns false at the end of the
	// page or on error; Err distinguishes the two.
	Next() bool

	// Summary returns the current row.
	Summary() DocumentSummary

	// Err returns the first error encountered by Next.
	Err() error

	// Close releases the underlying response body.
	Close() error
}
