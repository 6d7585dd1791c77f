package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomkendall/shutterwell/internal/models"
	"github.com/tomkendall/shutterwell/internal/testutil"
)

func newStoreFixture(t *testing.T) (*ImageRecordStore, *testutil.TestDB, context.Context) {
	t.Helper()

	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)

	ctx := context.Background()
	tdb.Cleanup(ctx)
	t.Cleanup(func() { tdb.Cleanup(ctx) })

	return NewImageRecordStore(&DB{DB: tdb.DB}), tdb, ctx
}

func testRecord(owner string) *models.ImageRecord {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()
	return &models.ImageRecord{
		ID:               id,
		OwnerUserID:      owner,
		Filename:         "sunset-a1b2c3d4.jpg",
		ContentType:      "image/jpeg",
		ByteSize:         20480,
		Width:            1600,
		Height:           1200,
		StorageKey:       "sources/" + id,
		Metadata:         map[string]string{"declared_filename": "sunset.jpg"},
		Variants:         models.VariantMap{},
		ProcessingStatus: models.ProcessingPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestImageRecordStore_CreateAndGet(t *testing.T) {
	store, _, ctx := newStoreFixture(t)

	record := testRecord("user-1")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for existing record")
	}
	if got.OwnerUserID != "user-1" {
		t.Errorf("OwnerUserID=%q, want user-1", got.OwnerUserID)
	}
	if got.Filename != record.Filename {
		t.Errorf("Filename=%q, want %q", got.Filename, record.Filename)
	}
	if got.StorageKey != record.StorageKey {
		t.Errorf("StorageKey=%q, want %q", got.StorageKey, record.StorageKey)
	}
	if got.Metadata["declared_filename"] != "sunset.jpg" {
		t.Errorf("Metadata=%v, declared filename lost", got.Metadata)
	}
	if got.ProcessingStatus != models.ProcessingPending {
		t.Errorf("ProcessingStatus=%q, want pending", got.ProcessingStatus)
	}
	if len(got.Variants) != 0 {
		t.Errorf("Variants=%v, want empty", got.Variants)
	}
}

func TestImageRecordStore_GetMissingReturnsNil(t *testing.T) {
	store, _, ctx := newStoreFixture(t)

	got, err := store.Get(ctx, uuid.NewString())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Fatalf("Get returned %v for missing record, want nil", got)
	}
}

func TestImageRecordStore_UpdateProcessing(t *testing.T) {
	store, _, ctx := newStoreFixture(t)

	record := testRecord("user-1")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	generated := now.Add(time.Second)
	record.ProcessingStatus = models.ProcessingCompleted
	record.ProcessingAttempts = 1
	record.ProcessingStartedAt = &now
	record.ProcessingCompletedAt = &generated
	record.UpdatedAt = generated
	record.Variants = models.VariantMap{
		"thumbnail": {
			Status:      models.VariantCompleted,
			Location:    "file:///data/blobs/variants/" + record.ID + "/thumbnail.jpg",
			GeneratedAt: &generated,
		},
	}

	if err := store.UpdateProcessing(ctx, record); err != nil {
		t.Fatalf("UpdateProcessing failed: %v", err)
	}

	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ProcessingStatus != models.ProcessingCompleted {
		t.Errorf("ProcessingStatus=%q, want completed", got.ProcessingStatus)
	}
	if got.ProcessingAttempts != 1 {
		t.Errorf("ProcessingAttempts=%d, want 1", got.ProcessingAttempts)
	}
	if got.ProcessingStartedAt == nil || !got.ProcessingStartedAt.Equal(now) {
		t.Errorf("ProcessingStartedAt=%v, want %v", got.ProcessingStartedAt, now)
	}
	thumb, ok := got.Variants["thumbnail"]
	if !ok {
		t.Fatalf("Variants=%v, thumbnail missing", got.Variants)
	}
	if thumb.Status != models.VariantCompleted {
		t.Errorf("thumbnail status=%q, want completed", thumb.Status)
	}
	if thumb.Location == "" {
		t.Error("thumbnail location empty after round trip")
	}
}

func TestImageRecordStore_UpdateProcessingMissingRecord(t *testing.T) {
	store, _, ctx := newStoreFixture(t)

	record := testRecord("user-1")
	if err := store.UpdateProcessing(ctx, record); err == nil {
		t.Fatal("UpdateProcessing succeeded for missing record, want error")
	}
}

func TestImageRecordStore_ListByOwner(t *testing.T) {
	store, _, ctx := newStoreFixture(t)

	older := testRecord("user-1")
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	newer := testRecord("user-1")
	other := testRecord("user-2")

	for _, r := range []*models.ImageRecord{older, newer, other} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	records, err := store.ListByOwner(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ID != newer.ID {
		t.Errorf("first record=%s, want newest %s", records[0].ID, newer.ID)
	}
	if records[1].ID != older.ID {
		t.Errorf("second record=%s, want oldest %s", records[1].ID, older.ID)
	}
}

func TestImageRecordStore_Delete(t *testing.T) {
	store, _, ctx := newStoreFixture(t)

	record := testRecord("user-1")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Delete(ctx, record.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, err := store.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Fatal("record still present after delete")
	}

	// Deleting an absent record is quiet.
	if err := store.Delete(ctx, record.ID); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
}
