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

// Package export drives a full database export.
//
// An Exporter reads the document count, opens the output envelope and then
// walks _all_docs one chunk at a time, fetching every listed document and
// appending it to the envelope in index order. The envelope is closed on
// every exit path, so even a failed export leaves a well-formed stream
// holding every document written before the failure.
//
//	exp, err := export.New(export.Options{
//	    Client:    client,
//	    Writer:    envelope,
//	    ChunkSize: 500,
//	    Logger:    logger,
//	})
//	if err != nil {
//	    return err
//	}
//	result, err := exp.Run(ctx)
package export
