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
	"fmt"
	"io"

	dumperrors "github.com/sirseerhq/couchdump/internal/errors"
)

const attachmentsField = "_attachments"

// ParseDocument decodes a document body while preserving the order and the
// raw bytes of its top-level fields. _id and _rev must be present strings.
func ParseDocument(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("document is not a JSON object: %w", err)
	}

	doc := &Document{}
	var haveID, haveRev bool
	for dec.More() {
		name, err := readKey(dec)
		if err != nil {
			return nil, err
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("field %q: %v: %w", name, err, dumperrors.ErrProtocol)
		}

		switch name {
		case attachmentsField:
			attachments, err := parseAttachments(value)
			if err != nil {
				return nil, err
			}
			doc.Attachments = attachments
			continue
		case "_id":
			if err := json.Unmarshal(value, &doc.ID); err != nil {
				return nil, fmt.Errorf("_id is not a string: %w", dumperrors.ErrProtocol)
			}
			haveID = true
		case "_rev":
			if err := json.Unmarshal(value, &doc.Revision); err != nil {
				return nil, fmt.Errorf("_rev is not a string: %w", dumperrors.ErrProtocol)
			}
			haveRev = true
		}
		doc.Body = append(doc.Body, Field{Name: name, Value: value})
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after document: %w", dumperrors.ErrProtocol)
	}

	if !haveID || doc.ID == "" {
		return nil, fmt.Errorf("document has no _id: %w", dumperrors.ErrProtocol)
	}
	if !haveRev || doc.Revision == "" {
		return nil, fmt.Errorf("document %q has no _rev: %w", doc.ID, dumperrors.ErrProtocol)
	}
	return doc, nil
}

// attachmentInfo covers both the current content_type key and the
// content-type key used by servers older than 0.8.
type attachmentInfo struct {
	ContentType       *string `json:"content_type"`
	LegacyContentType *string `json:"content-type"`
	Data              *string `json:"data"`
	Stub              bool    `json:"stub"`
}

func parseAttachments(raw json.RawMessage) ([]Attachment, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("_attachments is not an object: %w", err)
	}

	var attachments []Attachment
	for dec.More() {
		name, err := readKey(dec)
		if err != nil {
			return nil, err
		}

		var info attachmentInfo
		if err := dec.Decode(&info); err != nil {
			return nil, fmt.Errorf("attachment %q: %v: %w", name, err, dumperrors.ErrProtocol)
		}
		if info.Data == nil {
			if info.Stub {
				return nil, fmt.Errorf("attachment %q returned as stub without data: %w", name, dumperrors.ErrProtocol)
			}
			return nil, fmt.Errorf("attachment %q has no data: %w", name, dumperrors.ErrProtocol)
		}

		contentType := DefaultAttachmentType
		switch {
		case info.ContentType != nil && *info.ContentType != "":
			contentType = *info.ContentType
		case info.LegacyContentType != nil && *info.LegacyContentType != "":
			contentType = *info.LegacyContentType
		}

		attachments = append(attachments, Attachment{
			Name:        name,
			ContentType: contentType,
			Data:        *info.Data,
		})
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return attachments, nil
}

// MarshalBody encodes the document body with its fields in original order.
// Values are compacted but otherwise left untouched.
func (d *Document) MarshalBody() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range d.Body {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, f.Name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := json.Compact(&buf, f.Value); err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeKey(buf *bytes.Buffer, name string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(name); err != nil {
		return err
	}
	// Encode terminates every value with a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("reading field name: %v: %w", err, dumperrors.ErrProtocol)
	}
	name, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("unexpected token %v: %w", tok, dumperrors.ErrProtocol)
	}
	return name, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%v: %w", err, dumperrors.ErrProtocol)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v: %w", want, tok, dumperrors.ErrProtocol)
	}
	return nil
}
