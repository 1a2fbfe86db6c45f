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

// Package state provides atomic checkpoint persistence for resumable exports.
//
// A checkpoint records how far through _all_docs an export got: the offset
// of the next chunk and the doc_count seen when the export started. It is
// written after every completed chunk using a write-to-temp-and-rename
// pattern and carries a SHA256 checksum, so a crash mid-write never leaves a
// checkpoint that loads with a wrong offset.
//
// Checkpoints live in the state directory (~/.couchdump/state by default),
// one file per source database.
//
// Example usage:
//
//	store := state.NewStore(stateDir, "http://localhost:5984/orders", exportID)
//	if err := store.Save(1500, 12000); err != nil {
//	    return err
//	}
package state
