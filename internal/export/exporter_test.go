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

package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirseerhq/couchdump/internal/couchdb"
	dumperrors "github.com/sirseerhq/couchdump/internal/errors"
	"github.com/sirseerhq/couchdump/internal/multipart"
	"github.com/sirseerhq/couchdump/test/testutil"
)

type recordingReporter struct {
	reports [][2]int
}

func (r *recordingReporter) Report(done, total int) {
	r.reports = append(r.reports, [2]int{done, total})
}

type recordingCheckpointer struct {
	saved   []int
	cleared bool
	failing bool
}

func (c *recordingCheckpointer) Save(offset, docCount int) error {
	if c.failing {
		return errors.New("read-only file system")
	}
	c.saved = append(c.saved, offset)
	return nil
}

func (c *recordingCheckpointer) Clear() error {
	c.cleared = true
	return nil
}

type recordingObserver struct {
	mu          sync.Mutex
	ids         []string
	attachments int
	bytes       int64
}

func (o *recordingObserver) ObserveDocument(id string, attachments int, attachmentBytes int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, id)
	o.attachments += attachments
	o.bytes += attachmentBytes
}

type harness struct {
	client   *couchdb.MockClient
	out      *bytes.Buffer
	envelope *multipart.Envelope
}

func newHarness(docs []json.RawMessage, opts ...couchdb.MockClientOption) *harness {
	client := couchdb.NewMockClientWithOptions(append([]couchdb.MockClientOption{couchdb.WithDocuments(docs...)}, opts...)...)
	out := &bytes.Buffer{}
	return &harness{
		client:   client,
		out:      out,
		envelope: multipart.NewEnvelope(out, multipart.WithBoundaryFunc(multipart.SequentialBoundaries("test"))),
	}
}

func (h *harness) run(t *testing.T, ctx context.Context, opts Options) (*Result, error) {
	t.Helper()
	opts.Client = h.client
	opts.Writer = h.envelope
	exp, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return exp.Run(ctx)
}

func (h *harness) parts(t *testing.T) []testutil.ExportedPart {
	t.Helper()
	return testutil.MustDecodeExport(t, h.out.Bytes())
}

func testLogger(w *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func docIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("doc-%04d", i+1)
	}
	return ids
}

func assertIDs(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ids = %v, want %v", got, want)
	}
}

func TestNew_Validation(t *testing.T) {
	client := couchdb.NewMockClient()
	writer := multipart.NewEnvelope(&bytes.Buffer{})

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "valid", opts: Options{Client: client, Writer: writer, ChunkSize: 10}},
		{name: "default chunk size", opts: Options{Client: client, Writer: writer}},
		{name: "no client", opts: Options{Writer: writer}, wantErr: true},
		{name: "no writer", opts: Options{Client: client}, wantErr: true},
		{name: "negative chunk", opts: Options{Client: client, Writer: writer, ChunkSize: -1}, wantErr: true},
		{name: "chunk too large", opts: Options{Client: client, Writer: writer, ChunkSize: 10001}, wantErr: true},
		{name: "negative offset", opts: Options{Client: client, Writer: writer, StartOffset: -5}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp, err := New(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && exp.State() != StateStart {
				t.Errorf("State() = %v, want start", exp.State())
			}
		})
	}
}

func TestRun_ChunkSizes(t *testing.T) {
	docs := couchdb.GenerateDocuments(25)

	tests := []struct {
		chunkSize  int
		wantChunks int
		wantLists  int
	}{
		{chunkSize: 1, wantChunks: 25, wantLists: 26},
		{chunkSize: 7, wantChunks: 4, wantLists: 5},
		{chunkSize: 25, wantChunks: 1, wantLists: 2},
		{chunkSize: 500, wantChunks: 1, wantLists: 2},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("chunk_%d", tt.chunkSize), func(t *testing.T) {
			h := newHarness(docs)
			reporter := &recordingReporter{}

			result, err := h.run(t, context.Background(), Options{ChunkSize: tt.chunkSize, Reporter: reporter})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			parts := h.parts(t)
			testutil.AssertLeafIntegrity(t, parts)
			assertIDs(t, testutil.ContentIDs(parts), docIDs(25))

			if result.Documents != 25 || result.Offset != 25 || result.Chunks != tt.wantChunks {
				t.Errorf("result = %+v", result)
			}
			if result.CountMismatch {
				t.Error("unexpected count mismatch")
			}
			if len(h.client.ListCalls) != tt.wantLists {
				t.Errorf("list calls = %d, want %d", len(h.client.ListCalls), tt.wantLists)
			}
			for i, call := range h.client.ListCalls {
				if call.Offset != min(i*tt.chunkSize, 25) || call.Size != tt.chunkSize {
					t.Errorf("list call %d = %+v", i, call)
				}
			}
			if last := reporter.reports[len(reporter.reports)-1]; last != [2]int{25, 25} {
				t.Errorf("last report = %v, want [25 25]", last)
			}
		})
	}
}

func TestRun_SlowServerOutlastsRequestTimeout(t *testing.T) {
	server := testutil.NewCouchServer(t, testutil.GenerateDocuments(200, 0)...)
	server.OnDocument = func(string) { time.Sleep(5 * time.Millisecond) }

	client, err := couchdb.NewHTTPClient(couchdb.Options{BaseURL: server.DatabaseURL(), Timeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	out := &bytes.Buffer{}
	exp, err := New(Options{
		Client:    client,
		Writer:    multipart.NewEnvelope(out),
		ChunkSize: 200,
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := exp.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Documents != 200 {
		t.Errorf("exported %d documents, want 200", result.Documents)
	}
	parts := testutil.MustDecodeExport(t, out.Bytes())
	assertIDs(t, testutil.ContentIDs(parts), docIDs(200))
}

func TestRun_SameOutputForAnyChunkSize(t *testing.T) {
	docs := testutil.GenerateDocuments(30, 4)

	var outputs [][]byte
	for _, size := range []int{1, 4, 30, 100} {
		h := newHarness(docs)
		if _, err := h.run(t, context.Background(), Options{ChunkSize: size}); err != nil {
			t.Fatalf("Run(chunk %d) error = %v", size, err)
		}
		outputs = append(outputs, h.out.Bytes())
	}
	for i := 1; i < len(outputs); i++ {
		if !bytes.Equal(outputs[0], outputs[i]) {
			t.Errorf("output %d differs from output 0", i)
		}
	}
}

func TestRun_ZeroDocuments(t *testing.T) {
	h := newHarness(nil)
	checkpoints := &recordingCheckpointer{}

	result, err := h.run(t, context.Background(), Options{ChunkSize: 10, Checkpointer: checkpoints})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.parts(t)) != 0 {
		t.Error("expected an envelope with zero parts")
	}
	if result.Documents != 0 || result.Chunks != 0 || result.CountMismatch {
		t.Errorf("result = %+v", result)
	}
	if len(h.client.ListCalls) != 1 {
		t.Errorf("list calls = %d, want 1", len(h.client.ListCalls))
	}
	if !checkpoints.cleared {
		t.Error("checkpoint not cleared after success")
	}
}

func TestRun_FailureMidExport(t *testing.T) {
	docs := couchdb.GenerateDocuments(100)
	failures := []struct {
		name string
		err  error
	}{
		{name: "forbidden", err: fmt.Errorf("document %q: %w", "doc-0057", dumperrors.ErrProtocol)},
		{name: "connection reset", err: fmt.Errorf("document %q: %w: read: connection reset by peer", "doc-0057", dumperrors.ErrConnectivity)},
	}

	for _, failure := range failures {
		for _, prefetch := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/prefetch=%v", failure.name, prefetch), func(t *testing.T) {
				testFailureAtDoc57(t, docs, failure.err, prefetch)
			})
		}
	}
}

func testFailureAtDoc57(t *testing.T, docs []json.RawMessage, failure error, prefetch bool) {
	t.Helper()
	h := newHarness(docs, couchdb.WithFetchError("doc-0057", failure))
	checkpoints := &recordingCheckpointer{}

	exp, err := New(Options{Client: h.client, Writer: h.envelope, ChunkSize: 10, Prefetch: prefetch, Checkpointer: checkpoints})
	if err != nil {
		t.Fatal(err)
	}
	result, err := exp.Run(context.Background())
	if !errors.Is(err, failure) {
		t.Fatalf("Run() error = %v, want %v", err, failure)
	}
	if errors.Is(err, dumperrors.ErrInterrupted) {
		t.Errorf("failure reported as interruption: %v", err)
	}
	if exp.State() != StateFailed {
		t.Errorf("State() = %v, want failed", exp.State())
	}

	parts := h.parts(t)
	assertIDs(t, testutil.ContentIDs(parts), docIDs(56))
	if result.Documents != 56 || result.Offset != 50 {
		t.Errorf("result = %+v, want 56 documents at offset 50", result)
	}
	if len(checkpoints.saved) != 5 || checkpoints.saved[4] != 50 {
		t.Errorf("checkpoints = %v, want five ending at 50", checkpoints.saved)
	}
	if checkpoints.cleared {
		t.Error("checkpoint cleared after failure")
	}
	for _, id := range h.client.FetchCalls {
		if id > "doc-0058" {
			t.Errorf("fetched %s after the failure", id)
		}
	}
}

func TestRun_ConnectionDroppedMidExport(t *testing.T) {
	server := testutil.NewCouchServer(t, testutil.GenerateDocuments(100, 0)...)
	server.DropDocs["doc-0057"] = true

	client, err := couchdb.NewHTTPClient(couchdb.Options{BaseURL: server.DatabaseURL(), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	out := &bytes.Buffer{}
	checkpoints := &recordingCheckpointer{}
	exp, err := New(Options{Client: client, Writer: multipart.NewEnvelope(out), ChunkSize: 10, Checkpointer: checkpoints})
	if err != nil {
		t.Fatal(err)
	}

	result, err := exp.Run(context.Background())
	if !errors.Is(err, dumperrors.ErrConnectivity) {
		t.Fatalf("Run() error = %v, want ErrConnectivity", err)
	}
	if result.Documents != 56 || result.Offset != 50 {
		t.Errorf("result = %+v, want 56 documents at offset 50", result)
	}
	if len(checkpoints.saved) == 0 || checkpoints.saved[len(checkpoints.saved)-1] != 50 {
		t.Errorf("checkpoints = %v, want last at 50", checkpoints.saved)
	}
	parts := testutil.MustDecodeExport(t, out.Bytes())
	assertIDs(t, testutil.ContentIDs(parts), docIDs(56))
}

func TestRun_InterruptMidChunk(t *testing.T) {
	for _, prefetch := range []bool{false, true} {
		t.Run(fmt.Sprintf("prefetch=%v", prefetch), func(t *testing.T) {
			h := newHarness(couchdb.GenerateDocuments(10))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var once sync.Once
			h.client.OnFetch = func(id string) {
				if id == "doc-0004" {
					once.Do(cancel)
				}
			}

			result, err := h.run(t, ctx, Options{ChunkSize: 10, Prefetch: prefetch})
			if !errors.Is(err, dumperrors.ErrInterrupted) {
				t.Fatalf("Run() error = %v, want ErrInterrupted", err)
			}

			parts := h.parts(t)
			assertIDs(t, testutil.ContentIDs(parts), docIDs(3))
			if result.Documents != 3 {
				t.Errorf("Documents = %d, want 3", result.Documents)
			}
			if len(h.client.ListCalls) != 1 {
				t.Errorf("list calls = %d, want 1", len(h.client.ListCalls))
			}
		})
	}
}

func TestRun_InterruptBeforeStart(t *testing.T) {
	h := newHarness(couchdb.GenerateDocuments(3))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.run(t, ctx, Options{})
	if !errors.Is(err, dumperrors.ErrInterrupted) {
		t.Fatalf("Run() error = %v, want ErrInterrupted", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil before the envelope opens", result)
	}
	if h.out.Len() != 0 {
		t.Errorf("output written before the count was known: %q", h.out.String())
	}
}

func TestRun_FetchTotalFailure(t *testing.T) {
	h := newHarness(nil, couchdb.WithError(dumperrors.ErrConnectivity))

	exp, err := New(Options{Client: h.client, Writer: h.envelope})
	if err != nil {
		t.Fatal(err)
	}
	result, err := exp.Run(context.Background())
	if !errors.Is(err, dumperrors.ErrConnectivity) {
		t.Fatalf("Run() error = %v, want ErrConnectivity", err)
	}
	if result != nil || h.out.Len() != 0 {
		t.Error("envelope opened although the count could not be read")
	}
	if exp.State() != StateFailed {
		t.Errorf("State() = %v, want failed", exp.State())
	}
	if len(h.client.ListCalls) != 0 {
		t.Error("listing requested after count failure")
	}
}

func TestRun_CountMismatchWarns(t *testing.T) {
	tests := []struct {
		name     string
		docCount int
	}{
		{name: "documents added", docCount: 8},
		{name: "documents removed", docCount: 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(couchdb.GenerateDocuments(10), couchdb.WithDocCount(tt.docCount))
			var logs bytes.Buffer

			exp, err := New(Options{
				Client:    h.client,
				Writer:    h.envelope,
				ChunkSize: 3,
				Logger:    testLogger(&logs),
			})
			if err != nil {
				t.Fatal(err)
			}
			result, err := exp.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !result.CountMismatch || result.Documents != 10 {
				t.Errorf("result = %+v", result)
			}
			if exp.State() != StateDone {
				t.Errorf("State() = %v, want done", exp.State())
			}
			if !strings.Contains(logs.String(), "index changed during export") {
				t.Errorf("no warning logged:\n%s", logs.String())
			}
		})
	}
}

func TestRun_IncludeDocs(t *testing.T) {
	docs := testutil.GenerateDocuments(9, 3)

	h := newHarness(docs)
	result, err := h.run(t, context.Background(), Options{ChunkSize: 4, IncludeDocs: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.client.FetchCalls) != 0 {
		t.Errorf("fetched %d documents in include-docs mode", len(h.client.FetchCalls))
	}
	for _, call := range h.client.ListCalls {
		if !call.IncludeDocs {
			t.Errorf("list call %+v without include_docs", call)
		}
	}

	// Bulk mode must produce the same stream as per-document fetches.
	reference := newHarness(docs)
	if _, err := reference.run(t, context.Background(), Options{ChunkSize: 4}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h.out.Bytes(), reference.out.Bytes()) {
		t.Error("include-docs output differs from fetched output")
	}
	if result.Output.Attachments != 3 {
		t.Errorf("attachments = %d, want 3", result.Output.Attachments)
	}
}

func TestRun_ResumeFromOffset(t *testing.T) {
	h := newHarness(couchdb.GenerateDocuments(10))
	reporter := &recordingReporter{}

	result, err := h.run(t, context.Background(), Options{ChunkSize: 4, StartOffset: 6, Reporter: reporter})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertIDs(t, testutil.ContentIDs(h.parts(t)), docIDs(10)[6:])
	if result.Documents != 4 || result.Offset != 10 || result.StartOffset != 6 || result.CountMismatch {
		t.Errorf("result = %+v", result)
	}
	if h.client.ListCalls[0].Offset != 6 {
		t.Errorf("first list offset = %d, want 6", h.client.ListCalls[0].Offset)
	}
	if reporter.reports[0] != [2]int{10, 10} {
		t.Errorf("reports = %v", reporter.reports)
	}
}

func TestRun_AttachmentDecodeFailure(t *testing.T) {
	docs := []json.RawMessage{
		testutil.NewDocumentBuilder("a").Rev("1-a").Build(),
		testutil.NewDocumentBuilder("b").Rev("1-b").RawAttachment("x.bin", "application/octet-stream", "%%%").Build(),
		testutil.NewDocumentBuilder("c").Rev("1-c").Build(),
	}
	h := newHarness(docs)

	_, err := h.run(t, context.Background(), Options{})
	if !errors.Is(err, dumperrors.ErrAttachmentDecode) {
		t.Fatalf("Run() error = %v, want ErrAttachmentDecode", err)
	}
	assertIDs(t, testutil.ContentIDs(h.parts(t)), []string{"a"})
}

func TestRun_Observers(t *testing.T) {
	docs := testutil.GenerateDocuments(6, 2)

	for _, prefetch := range []bool{false, true} {
		h := newHarness(docs)
		first, second := &recordingObserver{}, &recordingObserver{}
		if _, err := h.run(t, context.Background(), Options{ChunkSize: 4, Prefetch: prefetch, Observers: []DocumentObserver{first, second}}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		assertIDs(t, first.ids, docIDs(6))
		wantBytes := int64(len(testutil.AttachmentBytes(2)) + len(testutil.AttachmentBytes(4)) + len(testutil.AttachmentBytes(6)))
		if first.attachments != 3 || first.bytes != wantBytes {
			t.Errorf("prefetch=%v: observed %d attachments / %d bytes, want 3 / %d", prefetch, first.attachments, first.bytes, wantBytes)
		}
		if len(second.ids) != 6 {
			t.Errorf("second observer saw %d documents", len(second.ids))
		}
	}
}

func TestRun_CheckpointFailureIsNotFatal(t *testing.T) {
	h := newHarness(couchdb.GenerateDocuments(5))
	checkpoints := &recordingCheckpointer{failing: true}

	result, err := h.run(t, context.Background(), Options{ChunkSize: 2, Checkpointer: checkpoints})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Documents != 5 {
		t.Errorf("Documents = %d, want 5", result.Documents)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateStart:      "start",
		StateFetchTotal: "fetch-total",
		StatePageLoop:   "page-loop",
		StateDone:       "done",
		StateFailed:     "failed",
		State(42):       "state(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
