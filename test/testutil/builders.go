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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// DocumentBuilder provides a fluent API for creating test documents. Fields
// are emitted in the order they were added.
type DocumentBuilder struct {
	id          string
	rev         string
	fields      []builderField
	attachments []builderAttachment
}

type builderField struct {
	name  string
	value interface{}
}

type builderAttachment struct {
	name        string
	contentType string
	legacy      bool
	data        string
}

// NewDocumentBuilder creates a new document builder with a default revision.
func NewDocumentBuilder(id string) *DocumentBuilder {
	return &DocumentBuilder{id: id, rev: "1-" + fmt.Sprintf("%x", len(id)*7919)}
}

// Rev sets the revision.
func (b *DocumentBuilder) Rev(rev string) *DocumentBuilder {
	b.rev = rev
	return b
}

// Field appends a body field.
func (b *DocumentBuilder) Field(name string, value interface{}) *DocumentBuilder {
	b.fields = append(b.fields, builderField{name: name, value: value})
	return b
}

// Attachment appends an attachment using the content_type key.
func (b *DocumentBuilder) Attachment(name, contentType string, data []byte) *DocumentBuilder {
	b.attachments = append(b.attachments, builderAttachment{
		name:        name,
		contentType: contentType,
		data:        base64.StdEncoding.EncodeToString(data),
	})
	return b
}

// LegacyAttachment appends an attachment using the pre-0.8 content-type key.
func (b *DocumentBuilder) LegacyAttachment(name, contentType string, data []byte) *DocumentBuilder {
	b.attachments = append(b.attachments, builderAttachment{
		name:        name,
		contentType: contentType,
		legacy:      true,
		data:        base64.StdEncoding.EncodeToString(data),
	})
	return b
}

// RawAttachment appends an attachment whose data is used verbatim, which
// allows invalid base64.
func (b *DocumentBuilder) RawAttachment(name, contentType, data string) *DocumentBuilder {
	b.attachments = append(b.attachments, builderAttachment{name: name, contentType: contentType, data: data})
	return b
}

// Build returns the document JSON.
func (b *DocumentBuilder) Build() json.RawMessage {
	var buf bytes.Buffer
	buf.WriteString(`{"_id":`)
	writeJSON(&buf, b.id)
	buf.WriteString(`,"_rev":`)
	writeJSON(&buf, b.rev)
	for _, f := range b.fields {
		buf.WriteByte(',')
		writeJSON(&buf, f.name)
		buf.WriteByte(':')
		writeJSON(&buf, f.value)
	}
	if len(b.attachments) > 0 {
		buf.WriteString(`,"_attachments":{`)
		for i, a := range b.attachments {
			if i > 0 {
				buf.WriteByte(',')
			}
			key := "content_type"
			if a.legacy {
				key = "content-type"
			}
			writeJSON(&buf, a.name)
			fmt.Fprintf(&buf, `:{%q:`, key)
			writeJSON(&buf, a.contentType)
			buf.WriteString(`,"revpos":1,"data":`)
			writeJSON(&buf, a.data)
			buf.WriteByte('}')
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return json.RawMessage(buf.Bytes())
}

func writeJSON(buf *bytes.Buffer, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutil: cannot marshal %v: %v", v, err))
	}
	buf.Write(data)
}

// GenerateDocuments builds n documents doc-0001 ... doc-n. Every
// attachEvery-th document gets a binary attachment; zero disables them.
func GenerateDocuments(n, attachEvery int) []json.RawMessage {
	docs := make([]json.RawMessage, 0, n)
	for i := 1; i <= n; i++ {
		b := NewDocumentBuilder(fmt.Sprintf("doc-%04d", i)).
			Rev(fmt.Sprintf("%d-%08x", i%5+1, i*2654435761)).
			Field("seq", i).
			Field("title", fmt.Sprintf("Document %d", i)).
			Field("tags", []string{"export", fmt.Sprintf("batch-%d", i/10)})
		if attachEvery > 0 && i%attachEvery == 0 {
			b.Attachment("blob.bin", "application/octet-stream", AttachmentBytes(i))
		}
		docs = append(docs, b.Build())
	}
	return docs
}

// AttachmentBytes returns deterministic binary content for document i,
// covering every byte value.
func AttachmentBytes(i int) []byte {
	data := make([]byte, 256+i)
	for j := range data {
		data[j] = byte((j + i) % 256)
	}
	return data
}
