// Package ingest wires the full pipeline for one or more transcript files:
// adapter detection, parsing, chunking, LLM extraction, local dedup, and
// a write-queue push per file. Extraction runs in
// parallel across files; persistence funnels through the single-writer
// queue.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/vinayprograms/agenr/internal/alog"
	"github.com/vinayprograms/agenr/internal/dedup"
	"github.com/vinayprograms/agenr/internal/errs"
	"github.com/vinayprograms/agenr/internal/extractor"
	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/llmclient"
	"github.com/vinayprograms/agenr/internal/storage"
	"github.com/vinayprograms/agenr/internal/transcript"
	"github.com/vinayprograms/agenr/internal/writequeue"
)

// Options configures an ingest run.
type Options struct {
	Model          string
	ContextWindow  int
	MaxOutput      int
	Force          bool
	DryRun         bool
	Bulk           bool
	OnlineDedup    bool
	DedupThreshold float64
	Judge          storage.DuplicateJudge
	LogDir         string
	SampleRate     int
	LogAll         bool
	Verbose        bool
	Project        string
	Workers        int
}

// FileResult reports one file's trip through the pipeline.
type FileResult struct {
	Path     string
	Store    storage.Result
	Chunks   int
	Failed   int
	Warnings []string
	Err      error
}

// Pipeline runs files through extraction and the write queue.
type Pipeline struct {
	queue *writequeue.Queue
	llm   *llmclient.Client
	log   *alog.Logger
}

// New builds a Pipeline over queue and llm.
func New(queue *writequeue.Queue, llm *llmclient.Client, log *alog.Logger) *Pipeline {
	if log == nil {
		log = alog.Default
	}
	return &Pipeline{queue: queue, llm: llm, log: log.WithComponent("ingest")}
}

// File ingests a single file end to end and returns its result.
func (p *Pipeline) File(ctx context.Context, path string, opts Options) FileResult {
	result := FileResult{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Err = errs.New(errs.Storage, err).WithFile(path)
		return result
	}
	contentHash := fileHash(data)

	adapter := transcript.Detect(path)
	parsed, err := adapter.Parse(path)
	if err != nil {
		result.Err = errs.New(errs.Validation, err).WithFile(path)
		return result
	}
	result.Warnings = append(result.Warnings, parsed.Warnings...)
	if len(parsed.Messages) == 0 {
		return result
	}

	chunks := p.chunk(parsed.Messages, path, opts)
	result.Chunks = len(chunks)

	platform := platformOf(adapter.Name())
	extracted, err := extractor.Extract(ctx, path, chunks, p.llm, extractor.Options{
		Model:      opts.Model,
		LogDir:     opts.LogDir,
		SampleRate: opts.SampleRate,
		LogAll:     opts.LogAll,
		Verbose:    opts.Verbose,
		Dedup:      len(chunks) > 1,
		Platform:   platform,
		Project:    opts.Project,
	})
	if err != nil {
		result.Err = err
		return result
	}
	result.Failed = extracted.FailedChunks
	result.Warnings = append(result.Warnings, extracted.Warnings...)

	entries := localDedup(extracted.Entries, path)
	if len(entries) == 0 {
		return result
	}

	stored, err := p.queue.Push(ctx, path, entries, storage.StoreOptions{
		SourceFile:        path,
		IngestContentHash: contentHash,
		Force:             opts.Force,
		DryRun:            opts.DryRun,
		Bulk:              opts.Bulk,
		OnlineDedup:       opts.OnlineDedup,
		DedupThreshold:    opts.DedupThreshold,
		Judge:             opts.Judge,
	})
	if err != nil {
		result.Err = err
		return result
	}
	result.Store = stored
	return result
}

// TailSegment runs an already-parsed message batch (a watcher tail read)
// through chunking, extraction, dedup, and the write queue. fileKey names
// the originating session file for queue grouping and the ingest log.
func (p *Pipeline) TailSegment(ctx context.Context, fileKey string, parsed transcript.ParseResult, opts Options) FileResult {
	result := FileResult{Path: fileKey, Warnings: parsed.Warnings}
	if len(parsed.Messages) == 0 {
		return result
	}

	chunks := p.chunk(parsed.Messages, fileKey, opts)
	result.Chunks = len(chunks)

	extracted, err := extractor.Extract(ctx, fileKey, chunks, p.llm, extractor.Options{
		Model:      opts.Model,
		LogDir:     opts.LogDir,
		SampleRate: opts.SampleRate,
		LogAll:     opts.LogAll,
		Verbose:    opts.Verbose,
		Dedup:      len(chunks) > 1,
		Platform:   platformFromMetadata(parsed.Metadata),
		Project:    opts.Project,
	})
	if err != nil {
		result.Err = err
		return result
	}
	result.Failed = extracted.FailedChunks
	result.Warnings = append(result.Warnings, extracted.Warnings...)

	entries := localDedup(extracted.Entries, fileKey)
	if len(entries) == 0 {
		return result
	}

	stored, err := p.queue.Push(ctx, fileKey, entries, storage.StoreOptions{
		SourceFile:     fileKey,
		Force:          opts.Force,
		DryRun:         opts.DryRun,
		OnlineDedup:    opts.OnlineDedup,
		DedupThreshold: opts.DedupThreshold,
		Judge:          opts.Judge,
	})
	if err != nil {
		result.Err = err
		return result
	}
	result.Store = stored
	return result
}

func platformFromMetadata(m transcript.Metadata) knowledge.Platform {
	return platformOf(transcript.AdapterName(m.Platform))
}

// Files ingests paths with opts.Workers parallel extractors (default 1),
// preserving input order in the returned slice. Persistence stays strictly
// serialized by the write queue regardless of worker count.
func (p *Pipeline) Files(ctx context.Context, paths []string, opts Options) []FileResult {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	results := make([]FileResult, len(paths))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, path := range paths {
		i, path := i, path
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.File(ctx, path, opts)
		}()
	}
	wg.Wait()
	return results
}

// chunk picks whole-file mode when the rendered file fits the extraction
// model's usable context, falling back to the budgeted chunker.
func (p *Pipeline) chunk(messages []transcript.Message, path string, opts Options) []transcript.Chunk {
	hint := fmt.Sprintf("Transcript: %s", path)
	if opts.ContextWindow > 0 && transcript.FitsWholeFile(messages, opts.ContextWindow, opts.MaxOutput) {
		return transcript.ChunkWholeFile(messages, hint)
	}
	return transcript.ChunkMessages(messages, transcript.ChunkOptions{ContextHint: hint})
}

func localDedup(entries []knowledge.Entry, path string) []knowledge.Entry {
	if len(entries) < 2 {
		return entries
	}
	files := make([]string, len(entries))
	for i := range files {
		files[i] = path
	}
	return dedup.Fold(entries, files)
}

func platformOf(name transcript.AdapterName) knowledge.Platform {
	switch name {
	case transcript.AdapterOpenClaw:
		return knowledge.PlatformOpenClaw
	case transcript.AdapterClaudeCode:
		return knowledge.PlatformClaudeCode
	case transcript.AdapterCodex:
		return knowledge.PlatformCodex
	default:
		return ""
	}
}

func fileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
