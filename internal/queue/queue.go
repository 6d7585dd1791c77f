package queue

import (
	"context"
	"sync"
	"time"

	"github.com/tomkendall/shutterwell/internal/logging"
)

// Processor is the pipeline entry point a dispatcher drives. A non-nil error
// asks for redelivery with backoff; nil settles the job.
type Processor interface {
	Process(ctx context.Context, imageID string) error
}

// Dispatcher hands accepted images to the processing worker.
type Dispatcher interface {
	Enqueue(ctx context.Context, imageID string) error
}

// backoffDelay doubles the base delay per prior delivery.
func backoffDelay(base time.Duration, deliveries int) time.Duration {
	delay := base
	for i := 0; i < deliveries; i++ {
		delay *= 2
	}
	return delay
}

type memoryJob struct {
	imageID    string
	deliveries int
}

// MemoryDispatcher runs jobs on an in-process worker goroutine. Development
// and test use; redelivery state does not survive a restart.
type MemoryDispatcher struct {
	processor  Processor
	log        *logging.Logger
	jobs       chan memoryJob
	maxDeliver int
	baseDelay  time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timerWG sync.WaitGroup
}

// NewMemoryDispatcher creates a dispatcher with a bounded job buffer.
func NewMemoryDispatcher(processor Processor, maxDeliver int, baseDelay time.Duration, log *logging.Logger) *MemoryDispatcher {
	if maxDeliver <= 0 {
		maxDeliver = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &MemoryDispatcher{
		processor:  processor,
		log:        log,
		jobs:       make(chan memoryJob, 256),
		maxDeliver: maxDeliver,
		baseDelay:  baseDelay,
	}
}

// Start launches the worker loop.
func (d *MemoryDispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop cancels the worker and waits for in-flight jobs.
func (d *MemoryDispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.timerWG.Wait()
	d.wg.Wait()
}

// Enqueue queues a first delivery.
func (d *MemoryDispatcher) Enqueue(ctx context.Context, imageID string) error {
	select {
	case d.jobs <- memoryJob{imageID: imageID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.jobs:
			d.deliver(ctx, job)
		}
	}
}

func (d *MemoryDispatcher) deliver(ctx context.Context, job memoryJob) {
	err := d.processor.Process(ctx, job.imageID)
	if err == nil {
		return
	}

	job.deliveries++
	if job.deliveries >= d.maxDeliver {
		d.log.Error("job exhausted redeliveries",
			logging.WithFields(map[string]interface{}{"image_id": job.imageID, "error": err}))
		return
	}

	delay := backoffDelay(d.baseDelay, job.deliveries-1)
	d.log.Warn("job redelivery scheduled",
		logging.WithFields(map[string]interface{}{
			"image_id":   job.imageID,
			"deliveries": job.deliveries,
			"delay":      delay.String(),
		}))

	d.timerWG.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer d.timerWG.Done()
		select {
		case d.jobs <- job:
		case <-ctx.Done():
		}
	})
	go func() {
		<-ctx.Done()
		if timer.Stop() {
			d.timerWG.Done()
		}
	}()
}
