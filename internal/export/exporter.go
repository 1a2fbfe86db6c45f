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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sirseerhq/couchdump/internal/config"
	"github.com/sirseerhq/couchdump/internal/couchdb"
	dumperrors "github.com/sirseerhq/couchdump/internal/errors"
	"github.com/sirseerhq/couchdump/internal/logging"
	"github.com/sirseerhq/couchdump/internal/multipart"
	"github.com/sirseerhq/couchdump/internal/progress"
)

// State is the phase an export is in.
type State int

const (
	StateStart State = iota
	StateFetchTotal
	StatePageLoop
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateFetchTotal:
		return "fetch-total"
	case StatePageLoop:
		return "page-loop"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DocumentObserver is notified after each document is written.
type DocumentObserver interface {
	ObserveDocument(id string, attachments int, attachmentBytes int64)
}

// Checkpointer persists export progress between chunks.
type Checkpointer interface {
	Save(offset, docCount int) error
	Clear() error
}

// Options configures an Exporter.
type Options struct {
	Client couchdb.Client
	Writer multipart.DocumentWriter

	// Reporter receives progress after every chunk. Defaults to progress.Nop.
	Reporter progress.Reporter

	// ChunkSize is the number of rows requested per _all_docs page.
	ChunkSize int

	// IncludeDocs takes documents from the listing instead of fetching
	// them one by one.
	IncludeDocs bool

	// Prefetch fetches the next document while the current one is written.
	Prefetch bool

	// StartOffset is the first row to export, used when resuming.
	StartOffset int

	Checkpointer Checkpointer
	Observers    []DocumentObserver
	Logger       *slog.Logger
}

// Result summarizes an export. It is returned even when Run fails after the
// envelope was opened.
type Result struct {
	DocCount    int
	StartOffset int
	// Offset is the number of listing rows consumed, including StartOffset.
	Offset int
	// Documents is the number of documents written by this run.
	Documents int
	Chunks    int
	Duration  time.Duration
	Output    multipart.Stats
	// CountMismatch is set when Offset differs from DocCount at the end,
	// meaning the index changed while the export ran.
	CountMismatch bool
}

// Exporter runs one export. It is not safe for concurrent use.
type Exporter struct {
	opts   Options
	logger *slog.Logger
	state  State
}

// New validates opts and creates an Exporter.
func New(opts Options) (*Exporter, error) {
	if opts.Client == nil {
		return nil, errors.New("export: client is required")
	}
	if opts.Writer == nil {
		return nil, errors.New("export: writer is required")
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = config.DefaultChunkSize
	}
	if opts.ChunkSize < 0 || opts.ChunkSize > config.MaxChunkSize {
		return nil, fmt.Errorf("export: chunk size must be between 1 and %d, got %d", config.MaxChunkSize, opts.ChunkSize)
	}
	if opts.StartOffset < 0 {
		return nil, fmt.Errorf("export: start offset must not be negative, got %d", opts.StartOffset)
	}
	if opts.Reporter == nil {
		opts.Reporter = progress.Nop{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Exporter{opts: opts, logger: logger, state: StateStart}, nil
}

// State returns the current phase.
func (e *Exporter) State() State {
	return e.state
}

// Run performs the export. Cancelling ctx stops it before the next request
// and yields an error wrapping ErrInterrupted.
func (e *Exporter) Run(ctx context.Context) (result *Result, err error) {
	start := time.Now()

	e.state = StateFetchTotal
	info, err := e.opts.Client.DatabaseInfo(ctx)
	if err != nil {
		e.state = StateFailed
		return nil, e.classify(ctx, fmt.Errorf("reading document count: %w", err))
	}

	result = &Result{
		DocCount:    info.DocCount,
		StartOffset: e.opts.StartOffset,
		Offset:      e.opts.StartOffset,
	}
	e.logger.Info("starting export",
		"doc_count", info.DocCount,
		"chunk_size", e.opts.ChunkSize,
		"start_offset", e.opts.StartOffset,
		"include_docs", e.opts.IncludeDocs,
		"prefetch", e.opts.Prefetch)

	if err := e.opts.Writer.Open(); err != nil {
		e.state = StateFailed
		return nil, fmt.Errorf("opening output: %w", err)
	}
	defer func() {
		closeErr := e.opts.Writer.Close()
		if closeErr != nil {
			e.logger.Error("failed to close output", "error", closeErr)
			if err == nil {
				err = fmt.Errorf("closing output: %w", closeErr)
				e.state = StateFailed
			}
		}
		result.Output = e.opts.Writer.Stats()
		result.Duration = time.Since(start)
	}()

	e.state = StatePageLoop
	if err := e.pageLoop(ctx, result); err != nil {
		e.state = StateFailed
		err = e.classify(ctx, err)
		e.logger.Error("export failed",
			"exported", result.Documents,
			"offset", result.Offset,
			"error", err)
		return result, err
	}

	e.state = StateDone
	if result.Offset != info.DocCount {
		result.CountMismatch = true
		e.logger.Warn("index changed during export",
			"expected", info.DocCount,
			"exported", result.Offset)
	}
	if e.opts.Checkpointer != nil {
		if err := e.opts.Checkpointer.Clear(); err != nil {
			e.logger.Warn("failed to remove checkpoint", "error", err)
		}
	}
	e.logger.Info("export complete",
		"documents", result.Documents,
		"chunks", result.Chunks)
	return result, nil
}

func (e *Exporter) pageLoop(ctx context.Context, result *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		it, err := e.opts.Client.ListChunk(ctx, result.Offset, e.opts.ChunkSize, e.opts.IncludeDocs)
		if err != nil {
			return fmt.Errorf("listing documents at offset %d: %w", result.Offset, err)
		}

		var rows int
		if e.opts.Prefetch {
			rows, err = e.exportChunkPrefetch(ctx, it, result)
		} else {
			rows, err = e.exportChunk(ctx, it, result)
		}
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}

		result.Offset += rows
		result.Chunks++
		e.logger.Debug("chunk exported", "rows", rows, "offset", result.Offset)
		e.opts.Reporter.Report(result.Offset, result.DocCount)

		if e.opts.Checkpointer != nil {
			if err := e.opts.Checkpointer.Save(result.Offset, result.DocCount); err != nil {
				e.logger.Warn("failed to save checkpoint", "offset", result.Offset, "error", err)
			}
		}
	}
}

func (e *Exporter) exportChunk(ctx context.Context, it couchdb.RowIterator, result *Result) (int, error) {
	defer it.Close()

	rows := 0
	for it.Next() {
		doc, err := e.document(ctx, it.Summary())
		if err != nil {
			return rows, err
		}
		if err := e.write(doc, result); err != nil {
			return rows, err
		}
		rows++
	}
	if err := it.Err(); err != nil {
		return rows, fmt.Errorf("reading listing at offset %d: %w", result.Offset, err)
	}
	return rows, nil
}

type fetched struct {
	doc *couchdb.Document
	err error
}

// exportChunkPrefetch overlaps fetching document n+1 with writing document
// n. The unbuffered channel keeps the fetcher at most one document ahead.
func (e *Exporter) exportChunkPrefetch(ctx context.Context, it couchdb.RowIterator, result *Result) (int, error) {
	defer it.Close()

	fetchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	docs := make(chan fetched)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(docs)

		for it.Next() {
			doc, err := e.document(fetchCtx, it.Summary())
			select {
			case docs <- fetched{doc: doc, err: err}:
			case <-fetchCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
		if err := it.Err(); err != nil {
			select {
			case docs <- fetched{err: fmt.Errorf("reading listing at offset %d: %w", result.Offset, err)}:
			case <-fetchCtx.Done():
			}
		}
	}()

	rows := 0
	for f := range docs {
		if f.err != nil {
			return rows, f.err
		}
		if err := e.write(f.doc, result); err != nil {
			return rows, err
		}
		rows++
	}
	if err := ctx.Err(); err != nil {
		return rows, err
	}
	return rows, nil
}

func (e *Exporter) document(ctx context.Context, row couchdb.DocumentSummary) (*couchdb.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.opts.IncludeDocs {
		return e.opts.Client.FetchDocument(ctx, row.ID)
	}

	doc, err := couchdb.ParseDocument(row.Doc)
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", row.ID, err)
	}
	return doc, nil
}

func (e *Exporter) write(doc *couchdb.Document, result *Result) error {
	before := e.opts.Writer.Stats()
	if err := e.opts.Writer.Write(doc); err != nil {
		return err
	}
	after := e.opts.Writer.Stats()

	result.Documents++
	for _, o := range e.opts.Observers {
		o.ObserveDocument(doc.ID, after.Attachments-before.Attachments, after.AttachmentBytes-before.AttachmentBytes)
	}
	return nil
}

// classify marks errors caused by cancellation as interruptions.
func (e *Exporter) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || couchdb.IsInterrupted(err) {
		return fmt.Errorf("%w: %w", dumperrors.ErrInterrupted, err)
	}
	return err
}
