package images

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomkendall/shutterwell/internal/audit"
	"github.com/tomkendall/shutterwell/internal/blob"
	"github.com/tomkendall/shutterwell/internal/cache"
	"github.com/tomkendall/shutterwell/internal/logging"
	"github.com/tomkendall/shutterwell/internal/models"
	"github.com/tomkendall/shutterwell/internal/validation"
)

type fakeRecords struct {
	mu      sync.Mutex
	records map[string]models.ImageRecord
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: make(map[string]models.ImageRecord)}
}

func (f *fakeRecords) Create(_ context.Context, record *models.ImageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.ID] = *record
	return nil
}

func (f *fakeRecords) Get(_ context.Context, id string) (*models.ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	copied := r
	return &copied, nil
}

func (f *fakeRecords) ListByOwner(_ context.Context, ownerUserID string, _ int) ([]*models.ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ImageRecord
	for _, r := range f.records {
		if r.OwnerUserID == ownerUserID {
			copied := r
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeRecords) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *fakeRecords) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	enqueued []string
}

func (f *fakeDispatcher) Enqueue(_ context.Context, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, imageID)
	return nil
}

func (f *fakeDispatcher) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.enqueued...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Record(_ context.Context, event audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()

	rng := rand.New(rand.NewSource(7))
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	rng.Read(img.Pix)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	service *Service
	records *fakeRecords
	blobs   *blob.MemoryStore
	queue   *fakeDispatcher
	sink    *recordingSink
	cache   *cache.MemoryCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		records: newFakeRecords(),
		blobs:   blob.NewMemoryStore(),
		queue:   &fakeDispatcher{},
		sink:    &recordingSink{},
		cache:   cache.NewMemory(time.Minute),
	}
	t.Cleanup(f.cache.Stop)

	f.service = NewService(
		validation.NewValidator(validation.DefaultLimits()),
		f.records, f.blobs, f.queue, f.sink, f.cache,
		logging.New(logging.LevelError),
	)
	return f
}

func TestUploadAccepted(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Upload(context.Background(), UploadRequest{
		OwnerUserID: "user-1",
		GalleryID:   "gallery-1",
		Filename:    "holiday.png",
		ContentType: "image/png",
		Data:        encodePNG(t, 640, 480),
		ActorIP:     "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !result.Accepted() {
		t.Fatalf("upload rejected: %v", result.Report.Errors)
	}

	record := result.Record
	if record.ProcessingStatus != models.ProcessingPending {
		t.Fatalf("status=%s, want pending", record.ProcessingStatus)
	}
	if record.Width != 640 || record.Height != 480 {
		t.Fatalf("dimensions=%dx%d", record.Width, record.Height)
	}
	if !strings.HasPrefix(record.Filename, "holiday-") || !strings.HasSuffix(record.Filename, ".png") {
		t.Fatalf("filename=%q not normalized", record.Filename)
	}
	if record.Metadata["declared_filename"] != "holiday.png" {
		t.Fatalf("declared filename not kept: %v", record.Metadata)
	}

	stored, _ := f.records.Get(context.Background(), record.ID)
	if stored == nil {
		t.Fatal("record not persisted")
	}
	if _, err := f.blobs.Fetch(context.Background(), record.StorageKey); err != nil {
		t.Fatalf("sanitized source not stored: %v", err)
	}
	if ids := f.queue.ids(); len(ids) != 1 || ids[0] != record.ID {
		t.Fatalf("enqueued=%v", ids)
	}
	if kinds := f.sink.kinds(); len(kinds) != 1 || kinds[0] != audit.KindUploadAccepted {
		t.Fatalf("audit kinds=%v", kinds)
	}
}

func TestUploadRejectedCreatesNothing(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Upload(context.Background(), UploadRequest{
		OwnerUserID: "user-1",
		Filename:    "page.html",
		ContentType: "text/html",
		Data:        []byte(strings.Repeat("<html>not an image</html>", 100)),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if result.Accepted() {
		t.Fatal("hostile upload accepted")
	}
	if len(result.Report.Errors) == 0 {
		t.Fatal("rejection carries no errors")
	}

	if f.records.count() != 0 {
		t.Fatal("record created for rejected upload")
	}
	if ids := f.queue.ids(); len(ids) != 0 {
		t.Fatalf("rejected upload enqueued: %v", ids)
	}
	if kinds := f.sink.kinds(); len(kinds) != 1 || kinds[0] != audit.KindUploadRejected {
		t.Fatalf("audit kinds=%v", kinds)
	}
}

func TestUploadUndecodableRejectedAtSanitize(t *testing.T) {
	f := newFixture(t)

	// Valid PNG magic, garbage body: passes signature checks, fails decode.
	data := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0x7F}, 4096)...)

	result, err := f.service.Upload(context.Background(), UploadRequest{
		OwnerUserID: "user-1",
		Filename:    "broken.png",
		ContentType: "image/png",
		Data:        data,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if result.Accepted() {
		t.Fatal("undecodable upload accepted")
	}

	found := false
	for _, e := range result.Report.Errors {
		if strings.Contains(e, "sanitization failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("errors=%v, want sanitization failure", result.Report.Errors)
	}
	if f.records.count() != 0 {
		t.Fatal("record created for rejected upload")
	}
}

func TestVariantServing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	generated := time.Now()
	record := models.ImageRecord{
		ID:               "img-1",
		OwnerUserID:      "user-1",
		StorageKey:       "sources/img-1",
		ProcessingStatus: models.ProcessingCompleted,
		Variants: models.VariantMap{
			"thumbnail": {Status: models.VariantCompleted, Location: "mem://variants/img-1/thumbnail.jpg", GeneratedAt: &generated},
			"preview":   {Status: models.VariantPending},
		},
	}
	if err := f.records.Create(ctx, &record); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if _, err := f.blobs.Put(ctx, "variants/img-1/thumbnail.jpg", []byte("thumb bytes"), "image/jpeg"); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	data, contentType, err := f.service.Variant(ctx, "img-1", "thumbnail")
	if err != nil {
		t.Fatalf("Variant: %v", err)
	}
	if string(data) != "thumb bytes" || contentType != "image/jpeg" {
		t.Fatalf("data=%q type=%q", data, contentType)
	}

	// Second read must come from cache even if the blob disappears.
	if err := f.blobs.Delete(ctx, "variants/img-1/thumbnail.jpg"); err != nil {
		t.Fatalf("delete blob: %v", err)
	}
	data, _, err = f.service.Variant(ctx, "img-1", "thumbnail")
	if err != nil {
		t.Fatalf("cached Variant: %v", err)
	}
	if string(data) != "thumb bytes" {
		t.Fatalf("cached data=%q", data)
	}

	if _, _, err := f.service.Variant(ctx, "img-1", "preview"); !errors.Is(err, ErrVariantNotReady) {
		t.Fatalf("pending variant err=%v, want ErrVariantNotReady", err)
	}
	if _, _, err := f.service.Variant(ctx, "img-1", "nonexistent"); !errors.Is(err, ErrVariantNotReady) {
		t.Fatalf("unknown variant err=%v, want ErrVariantNotReady", err)
	}
	if _, _, err := f.service.Variant(ctx, "missing", "thumbnail"); !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("missing image err=%v, want ErrImageNotFound", err)
	}
}

func TestDeleteRemovesRecordAndBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record := models.ImageRecord{
		ID:          "img-1",
		OwnerUserID: "user-1",
		StorageKey:  "sources/img-1",
		Variants: models.VariantMap{
			"thumbnail": {Status: models.VariantCompleted},
		},
	}
	if err := f.records.Create(ctx, &record); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	f.blobs.Put(ctx, "sources/img-1", []byte("source"), "image/png")
	f.blobs.Put(ctx, "variants/img-1/thumbnail.jpg", []byte("thumb"), "image/jpeg")

	if err := f.service.Delete(ctx, "img-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if f.records.count() != 0 {
		t.Fatal("record survived delete")
	}
	if _, err := f.blobs.Fetch(ctx, "sources/img-1"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("source blob survived: %v", err)
	}
	if _, err := f.blobs.Fetch(ctx, "variants/img-1/thumbnail.jpg"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("variant blob survived: %v", err)
	}

	if err := f.service.Delete(ctx, "img-1"); !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("second delete err=%v, want ErrImageNotFound", err)
	}
}
