package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/elraffme/oloo-live/internal/models"
	"github.com/elraffme/oloo-live/internal/registry"
	"github.com/elraffme/oloo-live/pkg/queue"
	"github.com/elraffme/oloo-live/pkg/storage"
)

// archiveDocument is the exported session summary.
type archiveDocument struct {
	Session      *models.StreamSession          `json:"session"`
	Participants []models.ParticipantConnection `json:"participants"`
	PeakViewers  int                            `json:"peak_viewers"`
	ExportedAt   time.Time                      `json:"exported_at"`
}

// ArchiveExporter processes archive export jobs: collect session summary,
// upload to S3, record the archive URL.
type ArchiveExporter struct {
	sessions     *registry.Sessions
	participants *registry.Participants
	s3           *storage.S3
	queue        *queue.Queue
	logger       *zap.Logger
}

// NewArchiveExporter creates an archive export processor.
func NewArchiveExporter(sessions *registry.Sessions, participants *registry.Participants, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *ArchiveExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveExporter{sessions: sessions, participants: participants, s3: s3, queue: q, logger: logger}
}

// Process executes one archive export job.
func (p *ArchiveExporter) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchiveExport {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchiveExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	sess, err := p.sessions.GetByID(ctx, payload.SessionID)
	if err != nil || sess == nil {
		return fmt.Errorf("session not found: %s", payload.SessionID)
	}
	if sess.ArchiveURL != nil && *sess.ArchiveURL != "" {
		p.logger.Info("session already exported", zap.String("session_id", sess.ID.String()))
		return nil
	}

	parts, err := p.participants.ListAll(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}

	doc := archiveDocument{
		Session:      sess,
		Participants: parts,
		PeakViewers:  sess.CurrentViewerCount,
		ExportedAt:   time.Now(),
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	key := storage.ArchiveKey(payload.SessionID.String())
	s3URL, err := p.s3.Upload(ctx, p.s3.ArchivesBucket(), key, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.sessions.SetArchiveURL(ctx, payload.SessionID, s3URL); err != nil {
		p.logger.Error("set archive url failed", zap.Error(err), zap.String("session_id", payload.SessionID.String()))
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("archive export completed", zap.String("session_id", payload.SessionID.String()), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveExporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
