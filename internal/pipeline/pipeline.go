package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/tomkendall/shutterwell/internal/audit"
	"github.com/tomkendall/shutterwell/internal/logging"
	"github.com/tomkendall/shutterwell/internal/models"
)

// ErrRetryScheduled marks a run that ended in retrying; the dispatcher should
// redeliver the image with backoff.
var ErrRetryScheduled = errors.New("variant processing scheduled for retry")

// Records is the slice of the record store the pipeline needs.
type Records interface {
	Get(ctx context.Context, id string) (*models.ImageRecord, error)
	UpdateProcessing(ctx context.Context, record *models.ImageRecord) error
}

// Blobs is the slice of the blob store the pipeline needs.
type Blobs interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Guard is an advisory at-most-one-active-run lock. Runs are idempotent, so a
// guard failure never blocks processing.
type Guard interface {
	Acquire(ctx context.Context, imageID string) (bool, error)
	Release(ctx context.Context, imageID string)
}

// Config carries the tunable parts of the pipeline.
type Config struct {
	Variants    []Variant
	MaxAttempts int
	// StaleAfter bounds how long a record may sit in processing before a
	// redelivered run reclaims it from a crashed worker.
	StaleAfter time.Duration
}

// Pipeline renders the variant set for accepted images and drives the record's
// processing state machine.
type Pipeline struct {
	records     Records
	blobs       Blobs
	guard       Guard
	audit       audit.Sink
	variants    []Variant
	maxAttempts int
	staleAfter  time.Duration
	log         *logging.Logger
	now         func() time.Time
}

// New creates a pipeline. A nil guard or sink falls back to no-ops; an empty
// variant table falls back to the default set.
func New(records Records, blobs Blobs, guard Guard, sink audit.Sink, cfg Config, log *logging.Logger) *Pipeline {
	if guard == nil {
		guard = NopGuard{}
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	if len(cfg.Variants) == 0 {
		cfg.Variants = DefaultVariants()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}

	return &Pipeline{
		records:     records,
		blobs:       blobs,
		guard:       guard,
		audit:       sink,
		variants:    cfg.Variants,
		maxAttempts: cfg.MaxAttempts,
		staleAfter:  cfg.StaleAfter,
		log:         log,
		now:         time.Now,
	}
}

// Process runs one full pipeline pass for the image. Every configured variant
// is attempted independently and the record's variant map is replaced
// wholesale. A nil return means the run is settled (completed, permanently
// failed, or discarded); a non-nil return asks the dispatcher to redeliver.
func (p *Pipeline) Process(ctx context.Context, imageID string) error {
	record, err := p.records.Get(ctx, imageID)
	if err != nil {
		return fmt.Errorf("load image record: %w", err)
	}
	if record == nil {
		// Deleted between enqueue and run; discard without complaint.
		p.log.Info("image record gone, run discarded", logging.WithField("image_id", imageID))
		return nil
	}
	if record.IsTerminal() {
		p.log.Debug("image already in terminal state",
			logging.WithFields(map[string]interface{}{"image_id": imageID, "status": record.ProcessingStatus}))
		return nil
	}

	acquired, guardErr := p.guard.Acquire(ctx, imageID)
	switch {
	case guardErr != nil:
		p.log.Warn("processing guard unavailable, proceeding",
			logging.WithFields(map[string]interface{}{"image_id": imageID, "error": guardErr}))
	case !acquired:
		p.log.Info("another run holds the processing guard", logging.WithField("image_id", imageID))
		return nil
	default:
		defer p.guard.Release(ctx, imageID)
	}

	// A record stuck in processing belongs to a worker that crashed mid-run
	// once its start stamp is older than the staleness bound; reclaim it.
	// A fresh one belongs to a live worker and this delivery is dropped.
	if record.ProcessingStatus == models.ProcessingInProgress {
		if !p.stale(record) {
			p.log.Info("record already processing, run dropped", logging.WithField("image_id", imageID))
			return nil
		}
		p.log.Warn("reclaiming stale processing record",
			logging.WithFields(map[string]interface{}{"image_id": imageID, "attempts": record.ProcessingAttempts}))
		if err := record.Transition(models.ProcessingRetrying, p.now()); err != nil {
			return fmt.Errorf("reclaim stale record: %w", err)
		}
	}

	if err := record.Transition(models.ProcessingInProgress, p.now()); err != nil {
		p.log.Warn("refusing processing transition",
			logging.WithFields(map[string]interface{}{"image_id": imageID, "error": err}))
		return nil
	}
	if err := p.records.UpdateProcessing(ctx, record); err != nil {
		return fmt.Errorf("mark record processing: %w", err)
	}

	source, err := p.blobs.Fetch(ctx, record.StorageKey)
	if err != nil {
		return p.finishStructural(ctx, record, fmt.Errorf("fetch source %s: %w", record.StorageKey, err))
	}

	// A source that no longer decodes fails every variant individually; the
	// attempt policy then decides between retrying and failed.
	img, _, decodeErr := image.Decode(bytes.NewReader(source))

	variants := make(models.VariantMap, len(p.variants))
	for _, v := range p.variants {
		variants[v.Name] = p.renderOne(ctx, record.ID, img, v, decodeErr)
	}
	record.Variants = variants
	record.ProcessingErrors = record.AggregateErrors()

	return p.finish(ctx, record)
}

// stale reports whether a processing record's start stamp is old enough that
// its worker must be presumed dead. A missing stamp counts as stale.
func (p *Pipeline) stale(record *models.ImageRecord) bool {
	if record.ProcessingStartedAt == nil {
		return true
	}
	return p.now().Sub(*record.ProcessingStartedAt) >= p.staleAfter
}

// renderOne attempts a single variant. Failures are recorded, never raised.
func (p *Pipeline) renderOne(ctx context.Context, imageID string, img image.Image, v Variant, decodeErr error) models.VariantResult {
	now := p.now()

	fail := func(err error) models.VariantResult {
		p.log.Warn("variant generation failed",
			logging.WithFields(map[string]interface{}{"image_id": imageID, "variant": v.Name, "error": err}))
		return models.VariantResult{Status: models.VariantFailed, Error: err.Error(), FailedAt: &now}
	}

	if decodeErr != nil {
		return fail(fmt.Errorf("decode source: %w", decodeErr))
	}

	data, err := renderVariant(img, v)
	if err != nil {
		return fail(err)
	}

	key := fmt.Sprintf("variants/%s/%s.jpg", imageID, v.Name)
	location, err := p.blobs.Put(ctx, key, data, "image/jpeg")
	if err != nil {
		return fail(fmt.Errorf("store %s variant: %w", v.Name, err))
	}

	generated := p.now()
	return models.VariantResult{Status: models.VariantCompleted, Location: location, GeneratedAt: &generated}
}

// finish applies the attempt-count policy after all variants were tried and
// persists the full record update.
func (p *Pipeline) finish(ctx context.Context, record *models.ImageRecord) error {
	now := p.now()

	var next models.ProcessingStatus
	switch {
	case record.Variants.AllCompleted(VariantNames(p.variants)):
		next = models.ProcessingCompleted
		record.ProcessingErrors = ""
	case record.ProcessingAttempts < p.maxAttempts:
		next = models.ProcessingRetrying
	default:
		next = models.ProcessingFailed
	}

	if err := record.Transition(next, now); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if err := p.records.UpdateProcessing(ctx, record); err != nil {
		return fmt.Errorf("persist run outcome: %w", err)
	}

	switch next {
	case models.ProcessingCompleted:
		p.log.Info("image processing completed",
			logging.WithFields(map[string]interface{}{"image_id": record.ID, "attempts": record.ProcessingAttempts}))
		p.audit.Record(ctx, audit.Event{
			Kind:       audit.KindProcessingCompleted,
			ImageID:    record.ID,
			OccurredAt: now,
			Payload:    map[string]string{"attempts": strconv.Itoa(record.ProcessingAttempts)},
		})
		return nil
	case models.ProcessingFailed:
		p.log.Error("image processing failed permanently",
			logging.WithFields(map[string]interface{}{
				"image_id": record.ID,
				"attempts": record.ProcessingAttempts,
				"errors":   record.ProcessingErrors,
			}))
		p.audit.Record(ctx, audit.Event{
			Kind:       audit.KindProcessingFailed,
			ImageID:    record.ID,
			OccurredAt: now,
			Payload: map[string]string{
				"attempts": strconv.Itoa(record.ProcessingAttempts),
				"errors":   record.ProcessingErrors,
				"variants": strings.Join(record.Variants.FailedNames(), ","),
			},
		})
		return nil
	default:
		p.log.Warn("image processing will retry",
			logging.WithFields(map[string]interface{}{
				"image_id": record.ID,
				"attempts": record.ProcessingAttempts,
				"errors":   record.ProcessingErrors,
			}))
		return fmt.Errorf("%w: %s", ErrRetryScheduled, record.ProcessingErrors)
	}
}

// finishStructural settles a run that broke before variants could be tried,
// such as an unreadable source.
func (p *Pipeline) finishStructural(ctx context.Context, record *models.ImageRecord, cause error) error {
	now := p.now()
	record.ProcessingErrors = cause.Error()

	if record.ProcessingAttempts >= p.maxAttempts {
		if err := record.Transition(models.ProcessingFailed, now); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		if err := p.records.UpdateProcessing(ctx, record); err != nil {
			return fmt.Errorf("persist run outcome: %w", err)
		}
		p.log.Error("image processing failed permanently",
			logging.WithFields(map[string]interface{}{"image_id": record.ID, "error": cause}))
		p.audit.Record(ctx, audit.Event{
			Kind:       audit.KindProcessingFailed,
			ImageID:    record.ID,
			OccurredAt: now,
			Payload: map[string]string{
				"attempts": strconv.Itoa(record.ProcessingAttempts),
				"errors":   record.ProcessingErrors,
			},
		})
		return nil
	}

	if err := record.Transition(models.ProcessingRetrying, now); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if err := p.records.UpdateProcessing(ctx, record); err != nil {
		return fmt.Errorf("persist run outcome: %w", err)
	}
	p.log.Warn("image processing will retry",
		logging.WithFields(map[string]interface{}{"image_id": record.ID, "error": cause}))
	return fmt.Errorf("%w: %s", ErrRetryScheduled, cause)
}
