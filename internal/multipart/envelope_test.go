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
	"bytes"
	"crypto/md5" // #nosec G501
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/sirseerhq/couchdump/internal/couchdb"
	dumperrors "github.com/sirseerhq/couchdump/internal/errors"
	"github.com/sirseerhq/couchdump/test/testutil"
)

func mustParse(t *testing.T, raw []byte) *couchdb.Document {
	t.Helper()
	doc, err := couchdb.ParseDocument(raw)
	if err != nil {
		t.Fatalf("ParseDocument(%s) error = %v", raw, err)
	}
	return doc
}

func md5Base64(data string) string {
	sum := md5.Sum([]byte(data)) // #nosec G401
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestEnvelope_Empty(t *testing.T) {
	var buf bytes.Buffer
	env := NewEnvelope(&buf, WithBoundaryFunc(SequentialBoundaries("t")))

	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := "Content-Type: multipart/mixed; boundary=\"==t-0==\"\r\n\r\n" +
		"\r\n--==t-0==--\r\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
	if parts := testutil.MustDecodeExport(t, buf.Bytes()); len(parts) != 0 {
		t.Errorf("decoded %d parts, want 0", len(parts))
	}
}

func TestEnvelope_SinglePartBytes(t *testing.T) {
	var buf bytes.Buffer
	env := NewEnvelope(&buf, WithBoundaryFunc(SequentialBoundaries("t")))

	doc := mustParse(t, []byte(`{"_id":"a","_rev":"1-x","n":1}`))
	if err := env.Write(doc); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	body := `{"_id":"a","_rev":"1-x","n":1}`
	want := "Content-Type: multipart/mixed; boundary=\"==t-0==\"\r\n\r\n" +
		"--==t-0==\r\n" +
		"Content-ID: a\r\n" +
		"Content-Length: 30\r\n" +
		"Content-MD5: " + md5Base64(body) + "\r\n" +
		"Content-Type: application/json;charset=utf-8\r\n" +
		"ETag: \"1-x\"\r\n" +
		"\r\n" +
		body +
		"\r\n--==t-0==--\r\n"
	if buf.String() != want {
		t.Errorf("output =\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestEnvelope_Attachments(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x01\x02\xff")
	text := []byte("line one\r\nline two\r\n")
	raw := testutil.NewDocumentBuilder("user-alice").
		Rev("2-b7").
		Field("name", "Alice").
		Attachment("avatar.png", "image/png", png).
		LegacyAttachment("notes.txt", "text/plain", text).
		Attachment("blob", "", []byte{}).
		Build()

	var buf bytes.Buffer
	env := NewEnvelope(&buf, WithBoundaryFunc(SequentialBoundaries("t")))
	if err := env.Write(mustParse(t, raw)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	parts := testutil.MustDecodeExport(t, buf.Bytes())
	testutil.AssertLeafIntegrity(t, parts)
	if len(parts) != 1 {
		t.Fatalf("decoded %d parts, want 1", len(parts))
	}

	part := parts[0]
	if part.ContentID != "user-alice" || part.ETag != `"2-b7"` {
		t.Errorf("headers = %s / %s", part.ContentID, part.ETag)
	}
	if !part.IsMultipart() {
		t.Fatalf("Content-Type = %q, want multipart/mixed", part.ContentType)
	}
	if !strings.Contains(part.ContentType, `boundary="==t-1=="`) {
		t.Errorf("nested Content-Type = %q, want boundary ==t-1==", part.ContentType)
	}
	if len(part.SubParts) != 4 {
		t.Fatalf("sub-parts = %d, want 4", len(part.SubParts))
	}

	bodyPart := part.SubParts[0]
	if bodyPart.ContentType != "application/json" {
		t.Errorf("body Content-Type = %q", bodyPart.ContentType)
	}
	if got := string(bodyPart.Body); got != `{"_id":"user-alice","_rev":"2-b7","name":"Alice"}` {
		t.Errorf("body = %s", got)
	}

	wantAttachments := []struct {
		id, contentType string
		data            []byte
	}{
		{"avatar.png", "image/png", png},
		{"notes.txt", "text/plain", text},
		{"blob", couchdb.DefaultAttachmentType, []byte{}},
	}
	for i, want := range wantAttachments {
		got := part.SubParts[i+1]
		if got.ContentID != want.id || got.ContentType != want.contentType {
			t.Errorf("attachment %d = %s (%s), want %s (%s)", i, got.ContentID, got.ContentType, want.id, want.contentType)
		}
		if !bytes.Equal(got.Body, want.data) {
			t.Errorf("attachment %s bytes = %q, want %q", want.id, got.Body, want.data)
		}
	}

	stats := env.Stats()
	if stats.Documents != 1 || stats.Attachments != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AttachmentBytes != int64(len(png)+len(text)) {
		t.Errorf("AttachmentBytes = %d, want %d", stats.AttachmentBytes, len(png)+len(text))
	}
	if stats.Bytes != int64(buf.Len()) {
		t.Errorf("Bytes = %d, want %d", stats.Bytes, buf.Len())
	}
}

func TestEnvelope_DecodeErrorWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	env := NewEnvelope(&buf, WithBoundaryFunc(SequentialBoundaries("t")))

	good := mustParse(t, testutil.NewDocumentBuilder("good").Rev("1-a").Build())
	bad := mustParse(t, testutil.NewDocumentBuilder("bad").Rev("1-b").
		Attachment("ok.bin", "application/octet-stream", []byte("fine")).
		RawAttachment("broken.bin", "application/octet-stream", "!!not base64!!").
		Build())

	if err := env.Write(good); err != nil {
		t.Fatalf("Write(good) error = %v", err)
	}
	before := buf.Len()

	err := env.Write(bad)
	if !errors.Is(err, dumperrors.ErrAttachmentDecode) {
		t.Fatalf("Write(bad) error = %v, want ErrAttachmentDecode", err)
	}
	if !strings.Contains(err.Error(), "broken.bin") {
		t.Errorf("error %q does not name the attachment", err)
	}
	if buf.Len() != before {
		t.Errorf("failed document wrote %d bytes", buf.Len()-before)
	}

	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	parts := testutil.MustDecodeExport(t, buf.Bytes())
	if ids := testutil.ContentIDs(parts); len(ids) != 1 || ids[0] != "good" {
		t.Errorf("parts = %v, want [good]", ids)
	}
	if env.Stats().Documents != 1 {
		t.Errorf("Documents = %d, want 1", env.Stats().Documents)
	}
}

func TestEnvelope_LineBreakInHeaderValue(t *testing.T) {
	tests := []struct {
		name string
		doc  []byte
	}{
		{
			name: "document id",
			doc:  testutil.NewDocumentBuilder("evil\r\nX-Injected: 1").Rev("1-a").Build(),
		},
		{
			name: "revision",
			doc:  testutil.NewDocumentBuilder("doc").Rev("1-a\nX-Injected: 1").Build(),
		},
		{
			name: "attachment name",
			doc: testutil.NewDocumentBuilder("doc").Rev("1-a").
				Attachment("a.txt\r\n\r\n--smuggled", "text/plain", []byte("x")).
				Build(),
		},
		{
			name: "attachment content type",
			doc: testutil.NewDocumentBuilder("doc").Rev("1-a").
				Attachment("a.txt", "text/plain\nX-Injected: 1", []byte("x")).
				Build(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			env := NewEnvelope(&buf, WithBoundaryFunc(SequentialBoundaries("t")))

			err := env.Write(mustParse(t, tt.doc))
			if !errors.Is(err, dumperrors.ErrProtocol) {
				t.Fatalf("Write() error = %v, want ErrProtocol", err)
			}
			if buf.Len() != 0 {
				t.Errorf("rejected document wrote %d bytes: %q", buf.Len(), buf.String())
			}
			if env.Stats().Documents != 0 {
				t.Errorf("Documents = %d, want 0", env.Stats().Documents)
			}

			if err := env.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if parts := testutil.MustDecodeExport(t, buf.Bytes()); len(parts) != 0 {
				t.Errorf("parts = %d, want 0", len(parts))
			}
		})
	}
}

func TestEnvelope_Deterministic(t *testing.T) {
	docs := testutil.GenerateDocuments(12, 4)

	render := func() []byte {
		var buf bytes.Buffer
		env := NewEnvelope(&buf, WithBoundaryFunc(SequentialBoundaries("fixed")))
		for _, raw := range docs {
			if err := env.Write(mustParse(t, raw)); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
		}
		if err := env.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		return buf.Bytes()
	}

	first, second := render(), render()
	if !bytes.Equal(first, second) {
		t.Fatal("identical input produced different output")
	}

	parts := testutil.MustDecodeExport(t, first)
	testutil.AssertLeafIntegrity(t, parts)
	if len(parts) != 12 {
		t.Fatalf("decoded %d parts, want 12", len(parts))
	}
	for i, p := range parts {
		if wantNested := (i+1)%4 == 0; p.IsMultipart() != wantNested {
			t.Errorf("part %s multipart = %v, want %v", p.ContentID, p.IsMultipart(), wantNested)
		}
	}
}

func TestEnvelope_CloseIdempotent(t *testing.T) {
	var buf bytes.Buffer
	env := NewEnvelope(&buf)

	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	n := buf.Len()
	if err := env.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if buf.Len() != n {
		t.Error("second Close wrote more bytes")
	}

	doc := mustParse(t, []byte(`{"_id":"a","_rev":"1-x"}`))
	if err := env.Write(doc); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close error = %v, want ErrClosed", err)
	}
	if err := env.Open(); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close error = %v, want ErrClosed", err)
	}
}

type failingWriter struct {
	after int
	n     int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > w.after {
		return 0, errors.New("disk full")
	}
	w.n += len(p)
	return len(p), nil
}

func TestEnvelope_WriteError(t *testing.T) {
	env := NewEnvelope(&failingWriter{after: 100})
	doc := mustParse(t, testutil.NewDocumentBuilder("big").Rev("1-a").
		Field("payload", strings.Repeat("x", 500)).Build())

	if err := env.Write(doc); err == nil {
		t.Fatal("expected write error")
	}
	if err := env.Close(); err == nil {
		t.Error("expected Close to report the broken writer")
	}
}

func TestNewFileEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.mime")
	env, err := NewFileEnvelope(path)
	if err != nil {
		t.Fatalf("NewFileEnvelope() error = %v", err)
	}
	for _, raw := range testutil.GenerateDocuments(3, 2) {
		if err := env.Write(mustParse(t, raw)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := env.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	boundary, parts, err := testutil.DecodeExport(data)
	if err != nil {
		t.Fatalf("DecodeExport() error = %v", err)
	}
	if boundary != env.Boundary() {
		t.Errorf("boundary = %q, want %q", boundary, env.Boundary())
	}
	if len(parts) != 3 {
		t.Errorf("parts = %d, want 3", len(parts))
	}

	if _, err := NewFileEnvelope(filepath.Join(t.TempDir(), "missing", "dump.mime")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestEnvelope_Abandon(t *testing.T) {
	t.Run("never opened", func(t *testing.T) {
		var buf bytes.Buffer
		env := NewEnvelope(&buf)
		if err := env.Abandon(); err != nil {
			t.Fatalf("Abandon() error = %v", err)
		}
		if buf.Len() != 0 {
			t.Errorf("output = %q, want empty", buf.String())
		}
		if err := env.Write(mustParse(t, testutil.GenerateDocuments(1, 0)[0])); !errors.Is(err, ErrClosed) {
			t.Errorf("Write() after Abandon error = %v, want ErrClosed", err)
		}
	})

	t.Run("opened", func(t *testing.T) {
		var buf bytes.Buffer
		env := NewEnvelope(&buf, WithBoundaryFunc(SequentialBoundaries("t")))
		if err := env.Open(); err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if err := env.Abandon(); err != nil {
			t.Fatalf("Abandon() error = %v", err)
		}
		if !strings.HasSuffix(buf.String(), "--==t-0==--\r\n") {
			t.Errorf("opened envelope was not closed: %q", buf.String())
		}
	})
}

func TestNewBoundary(t *testing.T) {
	pattern := regexp.MustCompile(`^==[0-9a-f]{32}==$`)
	a, b := NewBoundary(), NewBoundary()
	if !pattern.MatchString(a) {
		t.Errorf("NewBoundary() = %q, want ==<32 hex>==", a)
	}
	if a == b {
		t.Error("NewBoundary returned the same value twice")
	}
}

func TestSequentialBoundaries(t *testing.T) {
	next := SequentialBoundaries("x")
	for _, want := range []string{"==x-0==", "==x-1==", "==x-2=="} {
		if got := next(); got != want {
			t.Errorf("next() = %q, want %q", got, want)
		}
	}
}
