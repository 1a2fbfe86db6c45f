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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	dumperrors "github.com/sirseerhq/couchdump/internal/errors"
)

// rowDecoder streams the rows array of an _all_docs response. Only the
// current row is held in memory.
type rowDecoder struct {
	body        io.ReadCloser
	src         *failureReader
	dec         *json.Decoder
	includeDocs bool

	started bool
	done    bool
	current DocumentSummary
	err     error
}

type listRow struct {
	ID    string          `json:"id"`
	Key   json.RawMessage `json:"key"`
	Doc   json.RawMessage `json:"doc"`
	Error string          `json:"error"`
}

// NewRowIterator returns a RowIterator reading an _all_docs response from
// body. The iterator takes ownership of body.
func NewRowIterator(body io.ReadCloser, includeDocs bool) RowIterator {
	src := &failureReader{r: body}
	return &rowDecoder{
		body:        body,
		src:         src,
		dec:         json.NewDecoder(src),
		includeDocs: includeDocs,
	}
}

// failureReader remembers the first read error other than io.EOF, so a
// connection that breaks mid-page is not mistaken for malformed JSON.
type failureReader struct {
	r   io.Reader
	err error
}

func (f *failureReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err != nil && err != io.EOF && f.err == nil {
		f.err = err
	}
	return n, err
}

func (r *rowDecoder) Next() bool {
	if r.done || r.err != nil {
		return false
	}
	if !r.started {
		r.started = true
		if err := r.seekRows(); err != nil {
			r.err = r.readFailure(err)
			return false
		}
	}

	if !r.dec.More() {
		if err := expectDelim(r.dec, ']'); err != nil {
			r.err = r.readFailure(err)
		}
		r.done = true
		return false
	}

	var row listRow
	if err := r.dec.Decode(&row); err != nil {
		r.err = r.readFailure(fmt.Errorf("decoding row: %w", err))
		return false
	}
	if row.Error != "" {
		r.err = fmt.Errorf("row %s: %s: %w", row.Key, row.Error, dumperrors.ErrProtocol)
		return false
	}
	if row.ID == "" {
		r.err = fmt.Errorf("row without id: %w", dumperrors.ErrProtocol)
		return false
	}
	if r.includeDocs && (len(row.Doc) == 0 || bytes.Equal(row.Doc, []byte("null"))) {
		r.err = fmt.Errorf("row %q has no document: %w", row.ID, dumperrors.ErrProtocol)
		return false
	}

	r.current = DocumentSummary{ID: row.ID, Doc: row.Doc}
	return true
}

// seekRows advances the decoder to the first element of the rows array,
// skipping total_rows, offset and anything else that precedes it.
func (r *rowDecoder) seekRows() error {
	if err := expectDelim(r.dec, '{'); err != nil {
		return fmt.Errorf("listing is not a JSON object: %w", err)
	}
	for r.dec.More() {
		name, err := readKey(r.dec)
		if err != nil {
			return err
		}
		if name == "rows" {
			if err := expectDelim(r.dec, '['); err != nil {
				return fmt.Errorf("rows is not an array: %w", err)
			}
			return nil
		}
		var skip json.RawMessage
		if err := r.dec.Decode(&skip); err != nil {
			return fmt.Errorf("field %q: %v: %w", name, err, dumperrors.ErrProtocol)
		}
	}
	return fmt.Errorf("listing has no rows: %w", dumperrors.ErrProtocol)
}

// readFailure reclassifies a decoding error as ErrConnectivity when the
// body itself failed to read.
func (r *rowDecoder) readFailure(err error) error {
	if r.src.err == nil {
		if errors.Is(err, dumperrors.ErrProtocol) {
			return err
		}
		return fmt.Errorf("%v: %w", err, dumperrors.ErrProtocol)
	}
	return fmt.Errorf("reading listing: %v: %w: %w", err, dumperrors.ErrConnectivity, r.src.err)
}

func (r *rowDecoder) Summary() DocumentSummary {
	return r.current
}

func (r *rowDecoder) Err() error {
	return r.err
}

func (r *rowDecoder) Close() error {
	r.done = true
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}

// SliceIterator is a RowIterator over an in-memory page.
type SliceIterator struct {
	rows []DocumentSummary
	pos  int
	err  error
}

// NewSliceIterator returns an iterator over rows. If err is non-nil it is
// reported after the rows are exhausted, mimicking a response that breaks
// off mid-page.
func NewSliceIterator(rows []DocumentSummary, err error) *SliceIterator {
	return &SliceIterator{rows: rows, pos: -1, err: err}
}

func (s *SliceIterator) Next() bool {
	if s.pos+1 >= len(s.rows) {
		s.pos = len(s.rows)
		return false
	}
	s.pos++
	return true
}

func (s *SliceIterator) Summary() DocumentSummary {
	if s.pos < 0 || s.pos >= len(s.rows) {
		return DocumentSummary{}
	}
	return s.rows[s.pos]
}

func (s *SliceIterator) Err() error {
	if s.pos >= len(s.rows) {
		return s.err
	}
	return nil
}

func (s *SliceIterator) Close() error {
	return nil
}
