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
	"bufio"
	"crypto/md5" // #nosec G501 - Content-MD5 is an integrity header, not a security control
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	stdmultipart "mime/multipart"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirseerhq/couchdump/internal/couchdb"
	dumperrors "github.com/sirseerhq/couchdump/internal/errors"
)

// Content types written by the envelope.
const (
	DocumentContentType = "application/json;charset=utf-8"
	BodyContentType     = "application/json"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("envelope is closed")

// Stats counts what an envelope has written.
type Stats struct {
	Documents       int
	Attachments     int
	AttachmentBytes int64
	Bytes           int64
}

// Envelope is an open multipart stream. Parts are append-only: once Write
// returns, the bytes of that document are flushed and never rewritten.
type Envelope struct {
	mu          sync.Mutex
	counter     *countingWriter
	buf         *bufio.Writer
	mw          *stdmultipart.Writer
	boundary    string
	newBoundary BoundaryFunc
	closeFunc   func() error
	opened      bool
	closed      bool
	closeErr    error
	stats       Stats
}

// Option configures an Envelope.
type Option func(*Envelope)

// WithBoundaryFunc sets the generator used for the envelope boundary and
// the boundaries of nested parts.
func WithBoundaryFunc(f BoundaryFunc) Option {
	return func(e *Envelope) {
		e.newBoundary = f
	}
}

// NewEnvelope creates an envelope writing to w. Nothing is written until
// Open, Write or Close is called.
func NewEnvelope(w io.Writer, opts ...Option) *Envelope {
	e := &Envelope{newBoundary: NewBoundary}
	for _, opt := range opts {
		opt(e)
	}
	e.counter = &countingWriter{w: w}
	e.buf = bufio.NewWriterSize(e.counter, 64*1024)
	e.mw = stdmultipart.NewWriter(e.buf)
	e.boundary = e.newBoundary()
	return e
}

// NewFileEnvelope creates an envelope writing to a new file. Close syncs
// and closes the file.
func NewFileEnvelope(filename string, opts ...Option) (*Envelope, error) {
	file, err := os.Create(filename) // #nosec G304 - path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	e := NewEnvelope(file, opts...)
	e.closeFunc = func() error {
		if err := file.Sync(); err != nil {
			_ = file.Close()
			return fmt.Errorf("failed to sync output file: %w", err)
		}
		return file.Close()
	}
	return e, nil
}

// Boundary returns the top-level boundary.
func (e *Envelope) Boundary() string {
	return e.boundary
}

// Open writes the leading Content-Type header block. It is called
// implicitly by Write and Close.
func (e *Envelope) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.openLocked()
}

func (e *Envelope) openLocked() error {
	if e.opened {
		return nil
	}
	if err := e.mw.SetBoundary(e.boundary); err != nil {
		return fmt.Errorf("invalid boundary %q: %w", e.boundary, err)
	}
	e.opened = true

	contentType := mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": e.boundary})
	if _, err := fmt.Fprintf(e.buf, "Content-Type: %s\r\n\r\n", contentType); err != nil {
		return fmt.Errorf("failed to write envelope header: %w", err)
	}
	return e.flush()
}

// Write appends doc as one part. Attachment payloads are decoded before
// anything is written, so a document that fails to decode leaves no trace
// in the stream.
func (e *Envelope) Write(doc *couchdb.Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if err := checkHeaderValues(doc); err != nil {
		return err
	}
	body, err := doc.MarshalBody()
	if err != nil {
		return fmt.Errorf("document %q: %v: %w", doc.ID, err, dumperrors.ErrProtocol)
	}
	payloads, err := decodeAttachments(doc)
	if err != nil {
		return err
	}
	if err := e.openLocked(); err != nil {
		return err
	}

	header := textproto.MIMEHeader{}
	header["Content-ID"] = []string{doc.ID}
	header["ETag"] = []string{`"` + doc.Revision + `"`}

	if len(payloads) == 0 {
		header["Content-Type"] = []string{DocumentContentType}
		err = writeLeaf(e.mw, header, body)
	} else {
		err = e.writeNested(header, body, doc.Attachments, payloads)
	}
	if err != nil {
		return fmt.Errorf("failed to write document %q: %w", doc.ID, err)
	}
	if err := e.flush(); err != nil {
		return err
	}

	e.stats.Documents++
	for _, p := range payloads {
		e.stats.Attachments++
		e.stats.AttachmentBytes += int64(len(p))
	}
	return nil
}

func (e *Envelope) writeNested(header textproto.MIMEHeader, body []byte, attachments []couchdb.Attachment, payloads [][]byte) error {
	inner := e.newBoundary()
	header["Content-Type"] = []string{
		mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": inner}),
	}
	pw, err := e.mw.CreatePart(header)
	if err != nil {
		return err
	}

	mw := stdmultipart.NewWriter(pw)
	if err := mw.SetBoundary(inner); err != nil {
		return fmt.Errorf("invalid boundary %q: %w", inner, err)
	}
	if err := writeLeaf(mw, textproto.MIMEHeader{"Content-Type": {BodyContentType}}, body); err != nil {
		return err
	}
	for i, att := range attachments {
		h := textproto.MIMEHeader{}
		h["Content-ID"] = []string{att.Name}
		h["Content-Type"] = []string{att.ContentType}
		if err := writeLeaf(mw, h, payloads[i]); err != nil {
			return fmt.Errorf("attachment %q: %w", att.Name, err)
		}
	}
	return mw.Close()
}

// writeLeaf adds Content-Length and Content-MD5 to header and writes one
// part with payload as its body.
func writeLeaf(mw *stdmultipart.Writer, header textproto.MIMEHeader, payload []byte) error {
	sum := md5.Sum(payload) // #nosec G401
	header["Content-Length"] = []string{strconv.Itoa(len(payload))}
	header["Content-MD5"] = []string{base64.StdEncoding.EncodeToString(sum[:])}

	pw, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = pw.Write(payload)
	return err
}

// checkHeaderValues rejects ids, revisions, attachment names and content
// types that would break out of their MIME header line.
func checkHeaderValues(doc *couchdb.Document) error {
	if strings.ContainsAny(doc.ID, "\r\n") {
		return fmt.Errorf("document id %q contains a line break: %w", doc.ID, dumperrors.ErrProtocol)
	}
	if strings.ContainsAny(doc.Revision, "\r\n") {
		return fmt.Errorf("document %q revision %q contains a line break: %w", doc.ID, doc.Revision, dumperrors.ErrProtocol)
	}
	for _, att := range doc.Attachments {
		if strings.ContainsAny(att.Name, "\r\n") || strings.ContainsAny(att.ContentType, "\r\n") {
			return fmt.Errorf("document %q attachment %q contains a line break: %w", doc.ID, att.Name, dumperrors.ErrProtocol)
		}
	}
	return nil
}

func decodeAttachments(doc *couchdb.Document) ([][]byte, error) {
	payloads := make([][]byte, 0, len(doc.Attachments))
	for _, att := range doc.Attachments {
		data, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			return nil, fmt.Errorf("document %q attachment %q: %v: %w",
				doc.ID, att.Name, err, dumperrors.ErrAttachmentDecode)
		}
		payloads = append(payloads, data)
	}
	return payloads, nil
}

func (e *Envelope) flush() error {
	if err := e.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

// Close writes the closing boundary and closes the underlying file, if
// any. An envelope that was never opened is opened first, so the result is
// always a well-formed stream. Only the first call does any work.
func (e *Envelope) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return e.closeErr
	}
	e.closed = true

	err := e.openLocked()
	if err == nil {
		err = e.mw.Close()
	}
	if err == nil {
		err = e.flush()
	}
	if e.closeFunc != nil {
		if cerr := e.closeFunc(); err == nil {
			err = cerr
		}
	}
	e.closeErr = err
	return err
}

// Abandon releases an envelope that was never opened without writing to
// it. An opened envelope is closed as by Close.
func (e *Envelope) Abandon() error {
	e.mu.Lock()
	opened := e.opened || e.closed
	if !opened {
		e.closed = true
		if e.closeFunc != nil {
			e.closeErr = e.closeFunc()
		}
	}
	closeErr := e.closeErr
	e.mu.Unlock()

	if opened {
		return e.Close()
	}
	return closeErr
}

// Stats returns the counts written so far.
func (e *Envelope) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Bytes = e.counter.n
	return s
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
