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
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	dumperrors "github.com/sirseerhq/couchdump/internal/errors"
)

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func collectIDs(t *testing.T, it RowIterator) ([]string, error) {
	t.Helper()
	var ids []string
	for it.Next() {
		ids = append(ids, it.Summary().ID)
	}
	return ids, it.Err()
}

func TestRowIterator(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []string
		wantErr error
	}{
		{
			name: "standard page",
			body: `{"total_rows":3,"offset":0,"rows":[
				{"id":"a","key":"a","value":{"rev":"1-a"}},
				{"id":"b","key":"b","value":{"rev":"1-b"}},
				{"id":"c","key":"c","value":{"rev":"1-c"}}
			]}`,
			want: []string{"a", "b", "c"},
		},
		{
			name: "empty page",
			body: `{"total_rows":3,"offset":3,"rows":[]}`,
			want: nil,
		},
		{
			name: "rows before metadata",
			body: `{"rows":[{"id":"x","key":"x","value":{}}],"total_rows":1,"offset":0}`,
			want: []string{"x"},
		},
		{
			name:    "no rows field",
			body:    `{"total_rows":0,"offset":0}`,
			wantErr: dumperrors.ErrProtocol,
		},
		{
			name:    "rows not array",
			body:    `{"rows":{}}`,
			wantErr: dumperrors.ErrProtocol,
		},
		{
			name:    "error row",
			body:    `{"rows":[{"key":"gone","error":"not_found"}]}`,
			wantErr: dumperrors.ErrProtocol,
		},
		{
			name:    "row without id",
			body:    `{"rows":[{"key":"k","value":{}}]}`,
			wantErr: dumperrors.ErrProtocol,
		},
		{
			name:    "truncated after first row",
			body:    `{"rows":[{"id":"a","key":"a","value":{}},{"id":"b"`,
			want:    []string{"a"},
			wantErr: dumperrors.ErrProtocol,
		},
		{
			name:    "not json",
			body:    `<html>proxy error</html>`,
			wantErr: dumperrors.ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := &trackingBody{Reader: strings.NewReader(tt.body)}
			it := NewRowIterator(body, false)

			ids, err := collectIDs(t, it)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Err() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Err() = %v, want %v", err, tt.wantErr)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ids = %v, want %v", ids, tt.want)
			}

			if err := it.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
			if !body.closed {
				t.Error("Close() did not close the body")
			}
			if it.Next() {
				t.Error("Next() after Close() = true")
			}
		})
	}
}

func TestRowIterator_BodyReadFailure(t *testing.T) {
	page := `{"total_rows":3,"offset":0,"rows":[{"id":"a","key":"a","value":{}},{"id":"b","ke`
	body := io.NopCloser(io.MultiReader(strings.NewReader(page), iotest.ErrReader(io.ErrUnexpectedEOF)))
	it := NewRowIterator(body, false)
	defer it.Close()

	ids, err := collectIDs(t, it)
	if strings.Join(ids, ",") != "a" {
		t.Errorf("ids = %v, want [a]", ids)
	}
	if !errors.Is(err, dumperrors.ErrConnectivity) {
		t.Fatalf("Err() = %v, want ErrConnectivity", err)
	}
	if errors.Is(err, dumperrors.ErrProtocol) {
		t.Errorf("broken body reported as protocol error: %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Err() = %v, want the read error wrapped", err)
	}
}

func TestRowIterator_IncludeDocs(t *testing.T) {
	body := io.NopCloser(strings.NewReader(`{"total_rows":2,"offset":0,"rows":[
		{"id":"a","key":"a","value":{"rev":"1-a"},"doc":{"_id":"a","_rev":"1-a","v":1}},
		{"id":"b","key":"b","value":{"rev":"1-b"},"doc":{"_id":"b","_rev":"1-b","v":2}}
	]}`))
	it := NewRowIterator(body, true)
	defer it.Close()

	var docs []*Document
	for it.Next() {
		doc, err := ParseDocument(it.Summary().Doc)
		if err != nil {
			t.Fatalf("ParseDocument() error = %v", err)
		}
		docs = append(docs, doc)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "a" || docs[1].ID != "b" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestRowIterator_IncludeDocsMissingDoc(t *testing.T) {
	body := io.NopCloser(strings.NewReader(`{"rows":[{"id":"a","key":"a","value":{},"doc":null}]}`))
	it := NewRowIterator(body, true)
	defer it.Close()

	if it.Next() {
		t.Fatal("Next() = true for row without doc")
	}
	if !errors.Is(it.Err(), dumperrors.ErrProtocol) {
		t.Errorf("Err() = %v, want ErrProtocol", it.Err())
	}
}

func TestSliceIterator(t *testing.T) {
	brokenErr := errors.New("connection reset")
	it := NewSliceIterator([]DocumentSummary{{ID: "a"}, {ID: "b"}}, brokenErr)

	if it.Summary().ID != "" {
		t.Error("Summary() before Next() should be empty")
	}
	ids, err := collectIDs(t, it)
	if strings.Join(ids, ",") != "a,b" {
		t.Errorf("ids = %v, want [a b]", ids)
	}
	if !errors.Is(err, brokenErr) {
		t.Errorf("Err() = %v, want %v", err, brokenErr)
	}

	empty := NewSliceIterator(nil, nil)
	if empty.Next() {
		t.Error("Next() on empty iterator = true")
	}
	if empty.Err() != nil {
		t.Errorf("Err() = %v, want nil", empty.Err())
	}
}
