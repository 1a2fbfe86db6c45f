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

// Package multipart writes CouchDB documents as a single MIME multipart
// stream. The stream starts with a Content-Type header block naming the
// boundary, so a restore tool can read it without out-of-band information.
//
// Each document becomes one part. A document without attachments is a
// single application/json part; a document with attachments is a nested
// multipart/mixed part holding the JSON body followed by one sub-part per
// attachment. Every part carries the document id as Content-ID and the
// quoted revision as ETag.
//
// Example usage:
//
//	env, err := multipart.NewFileEnvelope("backup.mime")
//	if err != nil {
//	    return err
//	}
//	defer env.Close()
//
//	if err := env.Write(doc); err != nil {
//	    return err
//	}
//
//	fmt.Printf("Wrote %d documents\n", env.Stats().Documents)
package multipart
