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
	"bufio"
	"bytes"
	"crypto/md5" // #nosec G501 - Content-MD5 is an integrity header, not a security control
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
)

// ExportedPart is one decoded part of an export stream.
type ExportedPart struct {
	Header      textproto.MIMEHeader
	ContentID   string
	ETag        string
	ContentType string
	Body        []byte
	SubParts    []ExportedPart
}

// IsMultipart reports whether the part is a nested multipart container.
func (p ExportedPart) IsMultipart() bool {
	mediaType, _, _ := mime.ParseMediaType(p.ContentType)
	return strings.HasPrefix(mediaType, "multipart/")
}

// DecodeExport parses a complete export stream: the leading Content-Type
// header block followed by the multipart body. Nested multipart parts are
// decoded recursively. A stream without its closing boundary is an error.
func DecodeExport(data []byte) (string, []ExportedPart, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	header, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil {
		return "", nil, fmt.Errorf("reading envelope header: %w", err)
	}
	boundary, err := boundaryOf(header.Get("Content-Type"))
	if err != nil {
		return "", nil, err
	}
	parts, err := decodeParts(br, boundary)
	return boundary, parts, err
}

// MustDecodeExport is DecodeExport that fails the test on error.
func MustDecodeExport(t *testing.T, data []byte) []ExportedPart {
	t.Helper()
	_, parts, err := DecodeExport(data)
	if err != nil {
		t.Fatalf("invalid export stream: %v\n%s", err, truncateForLog(data))
	}
	return parts
}

func boundaryOf(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parsing content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("content type %q is not multipart", contentType)
	}
	if params["boundary"] == "" {
		return "", fmt.Errorf("content type %q has no boundary", contentType)
	}
	return params["boundary"], nil
}

func decodeParts(r io.Reader, boundary string) ([]ExportedPart, error) {
	mr := multipart.NewReader(r, boundary)
	var parts []ExportedPart
	for {
		p, err := mr.NextRawPart()
		if errors.Is(err, io.EOF) {
			return parts, nil
		}
		if err != nil {
			return parts, fmt.Errorf("part %d: %w", len(parts)+1, err)
		}

		body, err := io.ReadAll(p)
		if err != nil {
			return parts, fmt.Errorf("part %d body: %w", len(parts)+1, err)
		}

		part := ExportedPart{
			Header:      p.Header,
			ContentID:   p.Header.Get("Content-ID"),
			ETag:        p.Header.Get("ETag"),
			ContentType: p.Header.Get("Content-Type"),
			Body:        body,
		}
		if part.IsMultipart() {
			sub, err := boundaryOf(part.ContentType)
			if err != nil {
				return parts, err
			}
			part.SubParts, err = decodeParts(bytes.NewReader(body), sub)
			if err != nil {
				return parts, fmt.Errorf("part %d: %w", len(parts)+1, err)
			}
		}
		parts = append(parts, part)
	}
}

// AssertLeafIntegrity checks Content-Length and Content-MD5 of every leaf
// part against its body.
func AssertLeafIntegrity(t *testing.T, parts []ExportedPart) {
	t.Helper()
	for i, p := range parts {
		if p.IsMultipart() {
			AssertLeafIntegrity(t, p.SubParts)
			continue
		}
		if got := p.Header.Get("Content-Length"); got != strconv.Itoa(len(p.Body)) {
			t.Errorf("part %d (%s): Content-Length = %s, body has %d bytes", i, p.ContentID, got, len(p.Body))
		}
		sum := md5.Sum(p.Body) // #nosec G401
		if got, want := p.Header.Get("Content-MD5"), base64.StdEncoding.EncodeToString(sum[:]); got != want {
			t.Errorf("part %d (%s): Content-MD5 = %s, want %s", i, p.ContentID, got, want)
		}
	}
}

// ContentIDs returns the Content-ID of every part in order.
func ContentIDs(parts []ExportedPart) []string {
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ContentID)
	}
	return ids
}

func truncateForLog(data []byte) string {
	const max = 2048
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
