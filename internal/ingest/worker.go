package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/taskmind/internal/storage"
)

// JobType is the job queue type handled by Worker.
const JobType = "ingest"

// Document index states written back after a job.
const (
	StatusIndexed = "indexed"
	StatusFailed  = "failed"
)

// JobStore abstracts the job queue and document operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetDocument(id string) (storage.Document, error)
	UpdateDocumentIndex(id string, chunkCount int, status string) error
}

// DocumentIndexer chunks, embeds and stores document text.
type DocumentIndexer interface {
	Index(ctx context.Context, documentID, text string) (int, error)
}

// Observer is notified once per processed job with "completed" or "failed".
type Observer interface {
	IngestJob(status string)
}

// Payload is the JSON body of an ingest job.
type Payload struct {
	DocumentID string `json:"document_id"`
}

// NewJob builds the queue entry that indexes documentID.
func NewJob(documentID string) storage.Job {
	payload, _ := json.Marshal(Payload{DocumentID: documentID})
	return storage.Job{
		ID:          storage.NewID("job"),
		Type:        JobType,
		PayloadJSON: string(payload),
	}
}

// Worker processes ingest jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	indexer  DocumentIndexer
	observer Observer
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, indexer DocumentIndexer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		indexer: indexer,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

func (w *Worker) SetObserver(o Observer)   { w.observer = o }
func (w *Worker) SetLogger(l *slog.Logger) { w.logger = l }

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single ingest job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("ingest job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		w.observe(StatusFailed)
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.observe("completed")
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(payload.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
	}

	text, err := ExtractText(doc.MediaType, doc.Content)
	if err != nil {
		w.markFailed(doc.ID)
		return fmt.Errorf("extracting text of %s: %w", doc.ID, err)
	}

	n, err := w.indexer.Index(ctx, doc.ID, text)
	if err != nil {
		w.markFailed(doc.ID)
		return fmt.Errorf("indexing %s: %w", doc.ID, err)
	}

	if err := w.store.UpdateDocumentIndex(doc.ID, n, StatusIndexed); err != nil {
		return fmt.Errorf("updating document %s: %w", doc.ID, err)
	}
	w.logger.Info("document indexed", "document_id", doc.ID, "chunks", n)
	return nil
}

func (w *Worker) markFailed(id string) {
	if err := w.store.UpdateDocumentIndex(id, 0, StatusFailed); err != nil {
		w.logger.Warn("failed to mark document as failed", "document_id", id, "error", err)
	}
}

func (w *Worker) observe(status string) {
	if w.observer != nil {
		w.observer.IngestJob(status)
	}
}
