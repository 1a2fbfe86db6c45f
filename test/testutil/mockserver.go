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

// Package testutil provides common test helpers for couchdump
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// DatabaseName is the database served by a CouchServer.
const DatabaseName = "db"

// CouchServer is a fake CouchDB serving one database from memory.
type CouchServer struct {
	*httptest.Server

	mu       sync.Mutex
	docs     []json.RawMessage
	ids      []string
	requests []RecordedRequest

	// DocCount overrides the reported doc_count when non-nil.
	DocCount *int
	// InfoStatus makes GET /db answer with this status when non-zero.
	InfoStatus int
	// InfoBody replaces the GET /db response body when non-empty.
	InfoBody string
	// DocStatus makes GET /db/{id} answer with a status for listed ids.
	DocStatus map[string]int
	// DropDocs closes the connection without a response for listed ids.
	DropDocs map[string]bool
	// OnDocument runs before a document response is written.
	OnDocument func(id string)
}

// RecordedRequest captures the parts of a request tests assert on.
type RecordedRequest struct {
	Path   string
	Query  map[string]string
	Accept string
}

// NewCouchServer starts a fake server holding docs in index order. The
// server is closed when the test ends.
func NewCouchServer(t *testing.T, docs ...json.RawMessage) *CouchServer {
	t.Helper()

	cs := &CouchServer{
		DocStatus: make(map[string]int),
		DropDocs:  make(map[string]bool),
	}
	for _, doc := range docs {
		cs.addDocument(t, doc)
	}
	cs.Server = httptest.NewServer(http.HandlerFunc(cs.handle))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *CouchServer) addDocument(t *testing.T, doc json.RawMessage) {
	t.Helper()
	var head struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		t.Fatalf("invalid fixture document %s: %v", doc, err)
	}
	cs.docs = append(cs.docs, doc)
	cs.ids = append(cs.ids, head.ID)
}

// DatabaseURL returns the URL of the served database.
func (cs *CouchServer) DatabaseURL() string {
	return cs.URL + "/" + DatabaseName
}

// Requests returns a copy of the requests received so far.
func (cs *CouchServer) Requests() []RecordedRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]RecordedRequest(nil), cs.requests...)
}

// DocumentRequests returns the ids of all fetched documents in order.
func (cs *CouchServer) DocumentRequests() []string {
	var ids []string
	for _, r := range cs.Requests() {
		if id, ok := strings.CutPrefix(r.Path, "/"+DatabaseName+"/"); ok && id != "_all_docs" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (cs *CouchServer) handle(w http.ResponseWriter, r *http.Request) {
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		query[k] = v[0]
	}
	cs.mu.Lock()
	cs.requests = append(cs.requests, RecordedRequest{
		Path:   r.URL.Path,
		Query:  query,
		Accept: r.Header.Get("Accept"),
	})
	cs.mu.Unlock()

	if r.Method != http.MethodGet {
		writeCouchError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET allowed")
		return
	}

	prefix := "/" + DatabaseName
	switch {
	case r.URL.Path == prefix || r.URL.Path == prefix+"/":
		cs.serveInfo(w)
	case r.URL.Path == prefix+"/_all_docs":
		cs.serveAllDocs(w, r)
	case strings.HasPrefix(r.URL.Path, prefix+"/"):
		cs.serveDocument(w, r, strings.TrimPrefix(r.URL.Path, prefix+"/"))
	default:
		writeCouchError(w, http.StatusNotFound, "not_found", "Database does not exist.")
	}
}

func (cs *CouchServer) serveInfo(w http.ResponseWriter) {
	if cs.InfoStatus != 0 {
		writeCouchError(w, cs.InfoStatus, "error", http.StatusText(cs.InfoStatus))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if cs.InfoBody != "" {
		_, _ = w.Write([]byte(cs.InfoBody))
		return
	}

	cs.mu.Lock()
	count := len(cs.docs)
	if cs.DocCount != nil {
		count = *cs.DocCount
	}
	cs.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"db_name":       DatabaseName,
		"doc_count":     count,
		"doc_del_count": 0,
		"update_seq":    fmt.Sprintf("%d-g1AAAA", count),
	})
}

func (cs *CouchServer) serveAllDocs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit < 0 {
		writeCouchError(w, http.StatusBadRequest, "query_parse_error", "Invalid value for integer: limit")
		return
	}
	skip, _ := strconv.Atoi(q.Get("skip"))
	includeDocs := q.Get("include_docs") == "true"

	cs.mu.Lock()
	type row struct {
		ID    string            `json:"id"`
		Key   string            `json:"key"`
		Value map[string]string `json:"value"`
		Doc   json.RawMessage   `json:"doc,omitempty"`
	}
	rows := make([]row, 0)
	for i := skip; i < len(cs.docs) && i < skip+limit; i++ {
		rw := row{ID: cs.ids[i], Key: cs.ids[i], Value: map[string]string{"rev": revOf(cs.docs[i])}}
		if includeDocs {
			rw.Doc = cs.docs[i]
		}
		rows = append(rows, rw)
	}
	total := len(cs.docs)
	cs.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"total_rows": total,
		"offset":     skip,
		"rows":       rows,
	})
}

func (cs *CouchServer) serveDocument(w http.ResponseWriter, r *http.Request, id string) {
	if cs.OnDocument != nil {
		cs.OnDocument(id)
	}

	cs.mu.Lock()
	status := cs.DocStatus[id]
	drop := cs.DropDocs[id]
	var doc json.RawMessage
	for i, docID := range cs.ids {
		if docID == id {
			doc = cs.docs[i]
			break
		}
	}
	cs.mu.Unlock()

	if drop {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
				return
			}
		}
		status = http.StatusServiceUnavailable
	}
	if status != 0 {
		writeCouchError(w, status, "error", http.StatusText(status))
		return
	}
	if doc == nil {
		writeCouchError(w, http.StatusNotFound, "not_found", "missing")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

// SetDocStatus changes the status served for id while the server runs.
// A zero status restores the normal response.
func (cs *CouchServer) SetDocStatus(id string, status int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if status == 0 {
		delete(cs.DocStatus, id)
		return
	}
	cs.DocStatus[id] = status
}

func revOf(doc json.RawMessage) string {
	var head struct {
		Rev string `json:"_rev"`
	}
	_ = json.Unmarshal(doc, &head)
	return head.Rev
}

func writeCouchError(w http.ResponseWriter, status int, code, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "reason": reason})
}
