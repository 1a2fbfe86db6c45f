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

// Package errors defines sentinel errors for consistent error handling across the application.
// The CLI exits 1 for all of them except ErrInterrupted, which exits 130.
package errors

import "errors"

// Sentinel errors for consistent error handling
var (
	// ErrConnectivity indicates the source database could not be reached
	// (DNS failure, refused connection, timeout, TLS failure).
	ErrConnectivity = errors.New("cannot reach database server")

	// ErrProtocol indicates a malformed or unexpected response from the
	// count, index or document endpoints.
	ErrProtocol = errors.New("unexpected response from database server")

	// ErrNotFound indicates the database or a listed document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAttachmentDecode indicates an attachment payload is not valid base64.
	ErrAttachmentDecode = errors.New("invalid attachment data")

	// ErrInterrupted indicates the export was cancelled by the operator.
	// Maps to exit code 130.
	ErrInterrupted = errors.New("export interrupted")
)
