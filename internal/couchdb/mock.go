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

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	dumperrors "github.com/sirseerhq/couchdump/internal/errors"
)

// MockClient is an in-memory implementation of the Client interface for testing.
type MockClient struct {
	mu sync.Mutex

	// Documents holds raw JSON documents in index order.
	Documents []json.RawMessage

	// DocCount overrides the reported doc_count when non-nil.
	DocCount *int

	// Error to return from every call
	Error error

	// FetchErrors fails FetchDocument for specific ids.
	FetchErrors map[string]error

	// OnFetch runs before each FetchDocument; tests use it to cancel a
	// context mid-chunk.
	OnFetch func(id string)

	// Track calls for verification
	InfoCalls  int
	ListCalls  []ListCall
	FetchCalls []string
}

// ListCall records the arguments of a ListChunk call.
type ListCall struct {
	Offset      int
	Size        int
	IncludeDocs bool
}

// NewMockClient creates a new mock client with default test data
func NewMockClient() *MockClient {
	return &MockClient{
		Documents: generateTestDocuments(),
	}
}

// DatabaseInfo implements the Client interface
func (m *MockClient) DatabaseInfo(ctx context.Context) (*DatabaseInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InfoCalls++

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Error != nil {
		return nil, m.Error
	}

	count := len(m.Documents)
	if m.DocCount != nil {
		count = *m.DocCount
	}
	return &DatabaseInfo{Name: "mock", DocCount: count}, nil
}

// ListChunk implements the Client interface
func (m *MockClient) ListChunk(ctx context.Context, offset, size int, includeDocs bool) (RowIterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls = append(m.ListCalls, ListCall{Offset: offset, Size: size, IncludeDocs: includeDocs})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Error != nil {
		return nil, m.Error
	}

	var rows []DocumentSummary
	for i := offset; i < len(m.Documents) && i < offset+size; i++ {
		id, err := rawID(m.Documents[i])
		if err != nil {
			return nil, err
		}
		row := DocumentSummary{ID: id}
		if includeDocs {
			row.Doc = m.Documents[i]
		}
		rows = append(rows, row)
	}
	return NewSliceIterator(rows, nil), nil
}

// FetchDocument implements the Client interface
func (m *MockClient) FetchDocument(ctx context.Context, id string) (*Document, error) {
	m.mu.Lock()
	onFetch := m.OnFetch
	m.FetchCalls = append(m.FetchCalls, id)
	m.mu.Unlock()

	if onFetch != nil {
		onFetch(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := m.FetchErrors[id]; ok {
		return nil, err
	}
	if m.Error != nil {
		return nil, m.Error
	}

	for _, raw := range m.Documents {
		docID, err := rawID(raw)
		if err != nil {
			return nil, err
		}
		if docID == id {
			return ParseDocument(raw)
		}
	}
	return nil, fmt.Errorf("document %q: %w", id, dumperrors.ErrNotFound)
}

func rawID(raw json.RawMessage) (string, error) {
	var head struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("mock document: %v: %w", err, dumperrors.ErrProtocol)
	}
	return head.ID, nil
}

// generateTestDocuments creates sample documents for testing
func generateTestDocuments() []json.RawMessage {
	logo := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nfake-image"))
	return []json.RawMessage{
		json.RawMessage(`{"_id":"_design/app","_rev":"1-a1","views":{"by_type":{"map":"function(doc){emit(doc.type)}"}}}`),
		json.RawMessage(`{"_id":"order-1001","_rev":"3-c9","type":"order","total":42.50,"items":["a","b"]}`),
		json.RawMessage(`{"_id":"user-alice","_rev":"2-b7","type":"user","name":"Alice","_attachments":{"avatar.png":{"content_type":"image/png","data":"` + logo + `"}}}`),
	}
}

// MockClientOption allows configuring the mock client
type MockClientOption func(*MockClient)

// WithDocuments sets the documents in index order.
func WithDocuments(docs ...json.RawMessage) MockClientOption {
	return func(m *MockClient) {
		m.Documents = docs
	}
}

// WithError makes the client return a specific error
func WithError(err error) MockClientOption {
	return func(m *MockClient) {
		m.Error = err
	}
}

// WithFetchError fails FetchDocument for one id.
func WithFetchError(id string, err error) MockClientOption {
	return func(m *MockClient) {
		if m.FetchErrors == nil {
			m.FetchErrors = make(map[string]error)
		}
		m.FetchErrors[id] = err
	}
}

// WithDocCount makes DatabaseInfo report count instead of len(Documents).
func WithDocCount(count int) MockClientOption {
	return func(m *MockClient) {
		m.DocCount = &count
	}
}

// NewMockClientWithOptions creates a mock client with options
func NewMockClientWithOptions(opts ...MockClientOption) *MockClient {
	mock := NewMockClient()
	for _, opt := range opts {
		opt(mock)
	}
	return mock
}

// GenerateDocuments builds n plain documents doc-0001 ... in index order.
func GenerateDocuments(n int) []json.RawMessage {
	docs := make([]json.RawMessage, 0, n)
	for i := 1; i <= n; i++ {
		docs = append(docs, json.RawMessage(fmt.Sprintf(
			`{"_id":"doc-%04d","_rev":"1-%04x","seq":%d,"title":"Document %d"}`, i, i, i, i)))
	}
	return docs
}
