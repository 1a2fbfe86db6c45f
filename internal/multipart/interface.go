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

package multipart

import "github.com/sirseerhq/couchdump/internal/couchdb"

// DocumentWriter is the sink the exporter streams documents into.
type DocumentWriter interface {
	// Open starts the stream. Write and Close open it implicitly.
	Open() error

	// Write appends one document. Its bytes are final once Write returns.
	Write(doc *couchdb.Document) error

	// Stats reports what has been written so far.
	Stats() Stats

	// Close terminates the stream and releases the underlying writer.
	// Calling Close more than once is safe.
	Close() error
}

var _ DocumentWriter = (*Envelope)(nil)
