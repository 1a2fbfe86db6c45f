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

// Package couchdb provides a client for the HTTP API of CouchDB and
// CouchDB-compatible databases, limited to what an export needs: the
// database document count, paginated listing of _all_docs and retrieval of
// single documents with inline attachments.
//
// The package includes:
//   - A Client interface and its HTTP implementation
//   - A pull-based RowIterator that decodes listing rows one at a time
//   - Document parsing that keeps the original field order of the body
//   - An in-memory MockClient for tests
//
// Basic usage:
//
//	client, err := couchdb.NewHTTPClient(couchdb.Options{BaseURL: "http://localhost:5984/mydb"})
//	if err != nil {
//	    // Handle error
//	}
//	rows, err := client.ListChunk(ctx, 0, 500, false)
//	if err != nil {
//	    // Handle error
//	}
//	defer rows.Close()
//	for rows.Next() {
//	    doc, err := client.FetchDocument(ctx, rows.Summary().ID)
//	    // ...
//	}
//	if err := rows.Err(); err != nil {
//	    // Handle error
//	}
package couchdb
