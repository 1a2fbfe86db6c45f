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

package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// Fixture is a document as a CouchDB server would return it, together
// with what an export of it must contain.
type Fixture struct {
	ID  string
	Raw json.RawMessage
	// Body is the exported JSON body: fields in server order, compacted,
	// _attachments removed.
	Body        string
	Attachments []FixtureAttachment
}

// FixtureAttachment is the decoded content of one attachment.
type FixtureAttachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// RealisticFixtures returns documents covering what real databases hold:
// a design document, non-ASCII ids, unusual number formatting, nested
// values and several attachment styles.
func RealisticFixtures() []Fixture {
	summary := []byte("Revenue grew 12% quarter over quarter.\n")
	chart := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00, 0x00, 0x00, 0x0d, 0xff}

	report := fmt.Sprintf(`{"_id":"report-2024","_rev":"2-b2","title":"Q4",`+
		`"_attachments":{`+
		`"summary.txt":{"content_type":"text/plain","revpos":2,"digest":"md5-x","data":%q},`+
		`"chart.png":{"content-type":"image/png","data":%q},`+
		`"empty":{"content_type":"application/octet-stream","data":""}},`+
		`"after":1}`,
		base64.StdEncoding.EncodeToString(summary),
		base64.StdEncoding.EncodeToString(chart))

	return []Fixture{
		{
			ID:   "_design/app",
			Raw:  json.RawMessage(`{"_id":"_design/app","_rev":"3-917fa2381192822767f010b95b45325b","language":"javascript","views":{"by_type":{"map":"function (doc) { if (doc.type) emit(doc.type, null); }"}}}`),
			Body: `{"_id":"_design/app","_rev":"3-917fa2381192822767f010b95b45325b","language":"javascript","views":{"by_type":{"map":"function (doc) { if (doc.type) emit(doc.type, null); }"}}}`,
		},
		{
			ID: "café ☕",
			Raw: json.RawMessage("{\n  \"_id\": \"café ☕\",\n  \"_rev\": \"1-a1\",\n  \"z_last_first\": true,\n" +
				"  \"price\": 1.50e2,\n  \"note\": \"quotes \\\"inside\\\" and \\u00e9\",\n" +
				"  \"nested\": { \"a\": [1, 2, {\"b\": null}] }\n}"),
			Body: `{"_id":"café ☕","_rev":"1-a1","z_last_first":true,"price":1.50e2,"note":"quotes \"inside\" and \u00e9","nested":{"a":[1,2,{"b":null}]}}`,
		},
		{
			ID:   "report-2024",
			Raw:  json.RawMessage(report),
			Body: `{"_id":"report-2024","_rev":"2-b2","title":"Q4","after":1}`,
			Attachments: []FixtureAttachment{
				{Name: "summary.txt", ContentType: "text/plain", Data: summary},
				{Name: "chart.png", ContentType: "image/png", Data: chart},
				{Name: "empty", ContentType: "application/octet-stream", Data: []byte{}},
			},
		},
	}
}

// FixtureDocuments returns the raw documents of fixtures.
func FixtureDocuments(fixtures []Fixture) []json.RawMessage {
	docs := make([]json.RawMessage, len(fixtures))
	for i, f := range fixtures {
		docs[i] = f.Raw
	}
	return docs
}

// FlakyServer sits in front of a CouchServer and closes the connection of
// every failEvery-th request without answering it.
type FlakyServer struct {
	*httptest.Server
	requests atomic.Int32
	failures atomic.Int32
}

// NewFlakyServer wraps inner. The server is closed when the test ends.
func NewFlakyServer(t *testing.T, inner *CouchServer, failEvery int) *FlakyServer {
	t.Helper()

	f := &FlakyServer{}
	handler := inner.Config.Handler
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n := f.requests.Add(1); failEvery > 0 && n%int32(failEvery) == 0 {
			f.failures.Add(1)
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
			panic(http.ErrAbortHandler)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

// DatabaseURL returns the URL of the served database.
func (f *FlakyServer) DatabaseURL() string {
	return f.URL + "/" + DatabaseName
}

// Failures returns the number of dropped requests.
func (f *FlakyServer) Failures() int {
	return int(f.failures.Load())
}
