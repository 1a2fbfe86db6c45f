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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirseerhq/couchdump/internal/config"
	"github.com/sirseerhq/couchdump/internal/couchdb"
	dumperrors "github.com/sirseerhq/couchdump/internal/errors"
	"github.com/sirseerhq/couchdump/internal/export"
	"github.com/sirseerhq/couchdump/internal/logging"
	"github.com/sirseerhq/couchdump/internal/metadata"
	"github.com/sirseerhq/couchdump/internal/metrics"
	"github.com/sirseerhq/couchdump/internal/multipart"
	"github.com/sirseerhq/couchdump/internal/progress"
	"github.com/sirseerhq/couchdump/internal/state"
	"github.com/sirseerhq/couchdump/pkg/version"
)

// exportOptions holds the command line flags.
type exportOptions struct {
	configPath   string
	outputFile   string
	chunkSize    int
	includeDocs  bool
	prefetch     bool
	resume       bool
	logLevel     string
	logFile      string
	metricsFile  string
	saveMetadata bool

	// changed reports whether a flag was set explicitly.
	changed func(name string) bool
}

func (o exportOptions) flagChanged(name string) bool {
	return o.changed != nil && o.changed(name)
}

// loadConfig resolves the effective configuration for database.
// Precedence: flags > environment > config file > defaults.
func loadConfig(opts exportOptions, database string) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.flagChanged("chunk-size") {
		cfg.Defaults.ChunkSize = opts.chunkSize
	} else {
		cfg.Defaults.ChunkSize = cfg.GetChunkSize(database)
	}
	if opts.flagChanged("include-docs") {
		cfg.Defaults.IncludeDocs = opts.includeDocs
	}
	if opts.flagChanged("prefetch") {
		cfg.Defaults.Prefetch = opts.prefetch
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFile != "" {
		cfg.Logging.File = opts.logFile
	}
	if opts.metricsFile != "" {
		cfg.Metrics.TextFile = opts.metricsFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runExport executes one export of srcURL.
func runExport(ctx context.Context, srcURL string, opts exportOptions, stdout, stderr io.Writer) error {
	srcURL = strings.TrimRight(srcURL, "/")
	database := couchdb.DatabaseName(srcURL)

	cfg, err := loadConfig(opts, database)
	if err != nil {
		return err
	}

	level, ok := logging.ParseLevel(cfg.Logging.Level)
	if !ok {
		return fmt.Errorf("invalid log level %q. Expected one of: debug, info, warn, error", cfg.Logging.Level)
	}
	logger, err := logging.New(logging.Options{
		Level:      level,
		Stderr:     stderr,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	exportID := uuid.NewString()
	log := logger.With("export_id", exportID, "database", database)

	tracker := metadata.New()
	collector := metrics.New()

	client, err := couchdb.NewHTTPClient(couchdb.Options{
		BaseURL:    srcURL,
		Timeout:    cfg.Source.Timeout,
		MaxRetries: cfg.Source.MaxRetries,
		RateLimit:  cfg.Source.RateLimit,
		Logger:     log,
		Observer:   couchdb.MultiObserver{tracker, collector},
	})
	if err != nil {
		return err
	}

	store := state.NewStore(cfg.Defaults.StateDir, srcURL, exportID)
	startOffset := 0
	if opts.resume {
		startOffset, err = resumeOffset(store, cfg.Defaults.StateDir, database, log)
		if err != nil {
			return err
		}
	}

	var writer *multipart.Envelope
	if opts.outputFile == "" {
		writer = multipart.NewEnvelope(stdout)
	} else {
		writer, err = multipart.NewFileEnvelope(opts.outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
	}

	console := progress.NewConsole(stderr)
	exporter, err := export.New(export.Options{
		Client:       client,
		Writer:       writer,
		Reporter:     console,
		ChunkSize:    cfg.Defaults.ChunkSize,
		IncludeDocs:  cfg.Defaults.IncludeDocs,
		Prefetch:     cfg.Defaults.Prefetch,
		StartOffset:  startOffset,
		Checkpointer: store,
		Observers:    []export.DocumentObserver{tracker, collector},
		Logger:       log,
	})
	if err != nil {
		discardOutput(writer, opts.outputFile, log)
		return err
	}

	log.Debug("starting export", "chunk_size", cfg.Defaults.ChunkSize, "start_offset", startOffset)
	result, exportErr := exporter.Run(ctx)
	console.Finish()

	duration := console.Elapsed()
	if result != nil {
		duration = result.Duration
		printSummary(stderr, result, cfg.Defaults.ChunkSize)
	} else {
		discardOutput(writer, opts.outputFile, log)
	}
	if exportErr != nil && result != nil && result.Offset > startOffset {
		log.Info("checkpoint saved, rerun with --resume to continue", "offset", result.Offset)
	}

	collector.ObserveExport(duration, exportErr)
	if cfg.Metrics.TextFile != "" {
		if err := collector.WriteTextfile(cfg.Metrics.TextFile); err != nil {
			log.Warn("failed to write metrics file", "path", cfg.Metrics.TextFile, "error", err)
		}
	}

	if opts.saveMetadata {
		saveMetadata(tracker, exportID, metadata.ExportParams{
			Database:    database,
			Source:      client.BaseURL(),
			ChunkSize:   cfg.Defaults.ChunkSize,
			IncludeDocs: cfg.Defaults.IncludeDocs,
			Prefetch:    cfg.Defaults.Prefetch,
			Resumed:     opts.resume,
			StartOffset: startOffset,
			Output:      outputName(opts.outputFile),
		}, result, exportErr, cfg.Defaults.StateDir, log)
	}

	return exportErr
}

// resumeOffset returns the offset of the saved checkpoint.
func resumeOffset(store *state.Store, stateDir, database string, log *slog.Logger) (int, error) {
	cp, err := store.Load()
	if errors.Is(err, state.ErrNoCheckpoint) {
		return 0, fmt.Errorf("no checkpoint found for database %q, run without --resume to start a new export", database)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	attrs := []any{"offset", cp.Offset, "previous_export_id", cp.ExportID, "saved_at", cp.UpdatedAt}
	if previous, err := metadata.LoadLatestMetadata(stateDir, database); err == nil {
		attrs = append(attrs, "previous_status", previous.Results.Status)
	}
	log.Info("resuming export", attrs...)
	return cp.Offset, nil
}

func saveMetadata(tracker *metadata.Tracker, exportID string, params metadata.ExportParams, result *export.Result, exportErr error, stateDir string, log *slog.Logger) {
	var (
		docCount    int
		outputBytes int64
	)
	if result != nil {
		docCount = result.DocCount
		outputBytes = result.Output.Bytes
	}

	meta := tracker.GenerateMetadata(version.Version, exportID, params, docCount, outputBytes, exportErr)
	path, err := metadata.SaveMetadata(meta, stateDir)
	if err != nil {
		log.Warn("failed to save export metadata", "error", err)
		return
	}
	log.Info("saved export metadata", "path", path)
}

// discardOutput releases an envelope that was never opened and removes
// the empty output file.
func discardOutput(writer *multipart.Envelope, outputFile string, log *slog.Logger) {
	if err := writer.Abandon(); err != nil {
		log.Warn("failed to close output", "error", err)
	}
	if outputFile == "" {
		return
	}
	if err := os.Remove(outputFile); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove output file", "path", outputFile, "error", err)
	}
}

func printSummary(w io.Writer, result *export.Result, chunkSize int) {
	fmt.Fprintf(w, "Doc Count: %d\n", result.DocCount)
	fmt.Fprintf(w, "Chunk Size: %d\n", chunkSize)
	fmt.Fprintf(w, "Finished: %d / %d documents\n", result.Offset, result.DocCount)
	fmt.Fprintf(w, "Elapsed: %s\n", result.Duration.Round(time.Millisecond))
}

func outputName(outputFile string) string {
	if outputFile == "" {
		return "stdout"
	}
	return outputFile
}

// mapErrorToExitCode maps internal errors to exit codes. Every failure
// exits 1 except an interrupt, which keeps the shell convention of 130.
func mapErrorToExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, dumperrors.ErrInterrupted):
		return 130
	default:
		return 1
	}
}
