package images

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tomkendall/shutterwell/internal/audit"
	"github.com/tomkendall/shutterwell/internal/blob"
	"github.com/tomkendall/shutterwell/internal/cache"
	"github.com/tomkendall/shutterwell/internal/logging"
	"github.com/tomkendall/shutterwell/internal/models"
	"github.com/tomkendall/shutterwell/internal/validation"
)

var (
	// ErrImageNotFound is returned when no record exists for the id.
	ErrImageNotFound = errors.New("image not found")
	// ErrVariantNotReady is returned when the requested variant has not been
	// generated yet or failed.
	ErrVariantNotReady = errors.New("variant not ready")
)

// Records is the record store surface the service needs.
type Records interface {
	Create(ctx context.Context, record *models.ImageRecord) error
	Get(ctx context.Context, id string) (*models.ImageRecord, error)
	ListByOwner(ctx context.Context, ownerUserID string, limit int) ([]*models.ImageRecord, error)
	Delete(ctx context.Context, id string) error
}

// Dispatcher enqueues accepted images for variant processing.
type Dispatcher interface {
	Enqueue(ctx context.Context, imageID string) error
}

// UploadRequest is one upload attempt from the boundary.
type UploadRequest struct {
	OwnerUserID string
	GalleryID   string
	Filename    string
	ContentType string
	Data        []byte
	ActorIP     string
}

// UploadResult carries the validation report and, when accepted, the created
// record. A rejection has a nil Record and a non-nil error-bearing Report; it
// is a modeled outcome, not a Go error.
type UploadResult struct {
	Report *validation.Report
	Record *models.ImageRecord
}

// Accepted reports whether the upload produced a record.
func (r *UploadResult) Accepted() bool {
	return r.Record != nil
}

// Service orchestrates the synchronous half of ingestion: validation,
// sanitization, source persistence, record creation, and enqueueing.
type Service struct {
	validator *validation.Validator
	records   Records
	blobs     blob.Store
	queue     Dispatcher
	audit     audit.Sink
	variants  cache.Cache
	log       *logging.Logger
	now       func() time.Time
}

// NewService creates the upload service. A nil sink falls back to a no-op; a
// nil cache disables variant caching.
func NewService(validator *validation.Validator, records Records, blobs blob.Store, queue Dispatcher, sink audit.Sink, variants cache.Cache, log *logging.Logger) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Service{
		validator: validator,
		records:   records,
		blobs:     blobs,
		queue:     queue,
		audit:     sink,
		variants:  variants,
		log:       log,
		now:       time.Now,
	}
}

// Upload validates the candidate and, when accepted, persists the sanitized
// source, creates the pending record, and enqueues processing.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	candidate := validation.Candidate{
		Data:         req.Data,
		Filename:     req.Filename,
		DeclaredMIME: req.ContentType,
		DeclaredSize: int64(len(req.Data)),
	}

	report := s.validator.Validate(candidate)
	if !report.Accepted() {
		s.recordRejection(ctx, req, report)
		return &UploadResult{Report: report}, nil
	}

	sanitized, err := s.validator.Sanitize(candidate, report)
	if err != nil {
		// Sanitize appended its rejection error to the report.
		s.log.Warn("upload sanitization failed",
			logging.WithFields(map[string]interface{}{"filename": req.Filename, "error": err}))
		s.recordRejection(ctx, req, report)
		return &UploadResult{Report: report}, nil
	}

	id := uuid.NewString()
	key := "sources/" + id
	now := s.now()

	if _, err := s.blobs.Put(ctx, key, sanitized.Data, sanitized.Format.MIME()); err != nil {
		return nil, fmt.Errorf("store sanitized source: %w", err)
	}

	record := &models.ImageRecord{
		ID:               id,
		OwnerUserID:      req.OwnerUserID,
		GalleryID:        req.GalleryID,
		Filename:         sanitized.Filename,
		ContentType:      sanitized.Format.MIME(),
		ByteSize:         int64(len(sanitized.Data)),
		Width:            report.Width,
		Height:           report.Height,
		StorageKey:       key,
		Metadata:         map[string]string{"declared_filename": req.Filename},
		Variants:         models.VariantMap{},
		ProcessingStatus: models.ProcessingPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.records.Create(ctx, record); err != nil {
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			s.log.Warn("orphaned source blob after failed create",
				logging.WithFields(map[string]interface{}{"key": key, "error": delErr}))
		}
		return nil, fmt.Errorf("create image record: %w", err)
	}

	if err := s.queue.Enqueue(ctx, id); err != nil {
		return nil, fmt.Errorf("enqueue image processing: %w", err)
	}

	s.log.Info("upload accepted",
		logging.WithFields(map[string]interface{}{
			"image_id":     id,
			"owner":        req.OwnerUserID,
			"filename":     sanitized.Filename,
			"content_type": record.ContentType,
			"warnings":     len(report.Warnings),
		}))
	s.audit.Record(ctx, audit.Event{
		Kind:       audit.KindUploadAccepted,
		ImageID:    id,
		ActorIP:    req.ActorIP,
		OccurredAt: now,
		Payload: map[string]string{
			"filename":     sanitized.Filename,
			"threat_level": string(report.Threat()),
			"warnings":     strconv.Itoa(len(report.Warnings)),
		},
	})

	return &UploadResult{Report: report, Record: record}, nil
}

func (s *Service) recordRejection(ctx context.Context, req UploadRequest, report *validation.Report) {
	s.log.Info("upload rejected",
		logging.WithFields(map[string]interface{}{
			"filename":     req.Filename,
			"owner":        req.OwnerUserID,
			"threat_level": string(report.Threat()),
			"errors":       len(report.Errors),
		}))
	s.audit.Record(ctx, audit.Event{
		Kind:       audit.KindUploadRejected,
		ActorIP:    req.ActorIP,
		OccurredAt: s.now(),
		Payload: map[string]string{
			"filename":     req.Filename,
			"threat_level": string(report.Threat()),
			"errors":       strconv.Itoa(len(report.Errors)),
		},
	})
}

// Get loads a record by id.
func (s *Service) Get(ctx context.Context, id string) (*models.ImageRecord, error) {
	record, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrImageNotFound
	}
	return record, nil
}

// List returns the owner's records newest first.
func (s *Service) List(ctx context.Context, ownerUserID string, limit int) ([]*models.ImageRecord, error) {
	return s.records.ListByOwner(ctx, ownerUserID, limit)
}

// Variant returns the bytes and content type of a completed variant. Absent or
// incomplete variants return ErrVariantNotReady.
func (s *Service) Variant(ctx context.Context, imageID, name string) ([]byte, string, error) {
	record, err := s.records.Get(ctx, imageID)
	if err != nil {
		return nil, "", err
	}
	if record == nil {
		return nil, "", ErrImageNotFound
	}

	result, ok := record.Variants[name]
	if !ok || result.Status != models.VariantCompleted {
		return nil, "", ErrVariantNotReady
	}

	cacheKey := fmt.Sprintf("variant:%s:%s", imageID, name)
	if s.variants != nil {
		if data, ok := s.variants.Get(cacheKey); ok {
			return data, "image/jpeg", nil
		}
	}

	data, err := s.blobs.Fetch(ctx, fmt.Sprintf("variants/%s/%s.jpg", imageID, name))
	if err != nil {
		return nil, "", fmt.Errorf("fetch variant %s: %w", name, err)
	}

	if s.variants != nil {
		s.variants.Set(cacheKey, data)
	}
	return data, "image/jpeg", nil
}

// Delete removes the record, its source, and its variant blobs. Blob cleanup
// is best effort.
func (s *Service) Delete(ctx context.Context, id string) error {
	record, err := s.records.Get(ctx, id)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrImageNotFound
	}

	if err := s.records.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete image record: %w", err)
	}

	if err := s.blobs.Delete(ctx, record.StorageKey); err != nil {
		s.log.Warn("delete source blob",
			logging.WithFields(map[string]interface{}{"image_id": id, "error": err}))
	}
	for name := range record.Variants {
		key := fmt.Sprintf("variants/%s/%s.jpg", id, name)
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.log.Warn("delete variant blob",
				logging.WithFields(map[string]interface{}{"image_id": id, "variant": name, "error": err}))
		}
		if s.variants != nil {
			s.variants.Delete(fmt.Sprintf("variant:%s:%s", id, name))
		}
	}

	return nil
}
