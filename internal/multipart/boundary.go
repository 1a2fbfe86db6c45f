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

import (
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

// BoundaryFunc returns a fresh multipart boundary.
type BoundaryFunc func() string

// NewBoundary returns a random boundary of the form ==<32 hex digits>==.
func NewBoundary() string {
	id := uuid.New()
	return "==" + hex.EncodeToString(id[:]) + "=="
}

// SequentialBoundaries returns a deterministic generator yielding
// ==<prefix>-0==, ==<prefix>-1== and so on. Two envelopes fed the same
// documents through fresh generators with the same prefix produce
// identical bytes.
func SequentialBoundaries(prefix string) BoundaryFunc {
	n := 0
	return func() string {
		b := "==" + prefix + "-" + strconv.Itoa(n) + "=="
		n++
		return b
	}
}
