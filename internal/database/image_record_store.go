package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tomkendall/shutterwell/internal/models"
)

// ImageRecordStore handles image record database operations
type ImageRecordStore struct {
	db *DB
}

// NewImageRecordStore creates a new image record store
func NewImageRecordStore(db *DB) *ImageRecordStore {
	return &ImageRecordStore{db: db}
}

// Create inserts a freshly accepted record.
func (s *ImageRecordStore) Create(ctx context.Context, record *models.ImageRecord) error {
	query := `
		INSERT INTO image_records (id, owner_user_id, gallery_id, filename, content_type, byte_size,
		       width, height, storage_key, metadata, variants, processing_status, processing_attempts,
		       processing_errors, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	metadata, variants, err := marshalRecordJSON(record)
	if err != nil {
		return err
	}

	var gallery sql.NullString
	if record.GalleryID != "" {
		gallery = sql.NullString{String: record.GalleryID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.OwnerUserID, gallery, record.Filename, record.ContentType, record.ByteSize,
		record.Width, record.Height, record.StorageKey, metadata, variants,
		string(record.ProcessingStatus), record.ProcessingAttempts, record.ProcessingErrors,
		record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create image record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID. Returns nil without error when the record does
// not exist.
func (s *ImageRecordStore) Get(ctx context.Context, id string) (*models.ImageRecord, error) {
	query := `
		SELECT id, owner_user_id, gallery_id, filename, content_type, byte_size,
		       width, height, storage_key, metadata, variants, processing_status,
		       processing_attempts, processing_started_at, processing_completed_at,
		       processing_errors, created_at, updated_at
		FROM image_records
		WHERE id = $1
	`

	record := &models.ImageRecord{}
	var (
		scanGallery, scanErrors    sql.NullString
		scanStarted, scanCompleted sql.NullTime
		metadataJSON, variantsJSON []byte
		status                     string
	)

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&record.ID, &record.OwnerUserID, &scanGallery, &record.Filename, &record.ContentType,
		&record.ByteSize, &record.Width, &record.Height, &record.StorageKey,
		&metadataJSON, &variantsJSON, &status, &record.ProcessingAttempts,
		&scanStarted, &scanCompleted, &scanErrors,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image record: %w", err)
	}

	record.GalleryID = scanGallery.String
	record.ProcessingErrors = scanErrors.String
	record.ProcessingStatus = models.ProcessingStatus(status)
	if scanStarted.Valid {
		record.ProcessingStartedAt = &scanStarted.Time
	}
	if scanCompleted.Valid {
		record.ProcessingCompletedAt = &scanCompleted.Time
	}

	if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode image metadata: %w", err)
	}
	if err := json.Unmarshal(variantsJSON, &record.Variants); err != nil {
		return nil, fmt.Errorf("failed to decode variant map: %w", err)
	}

	return record, nil
}

// UpdateProcessing persists the processing side of the record: status,
// attempts, timestamps, errors, and the variant map replaced as a whole.
func (s *ImageRecordStore) UpdateProcessing(ctx context.Context, record *models.ImageRecord) error {
	query := `
		UPDATE image_records
		SET variants = $2,
		    processing_status = $3,
		    processing_attempts = $4,
		    processing_started_at = $5,
		    processing_completed_at = $6,
		    processing_errors = $7,
		    updated_at = $8
		WHERE id = $1
	`

	variants, err := json.Marshal(record.Variants)
	if err != nil {
		return fmt.Errorf("failed to encode variant map: %w", err)
	}

	var started, completed sql.NullTime
	if record.ProcessingStartedAt != nil {
		started = sql.NullTime{Time: *record.ProcessingStartedAt, Valid: true}
	}
	if record.ProcessingCompletedAt != nil {
		completed = sql.NullTime{Time: *record.ProcessingCompletedAt, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, query,
		record.ID, variants, string(record.ProcessingStatus), record.ProcessingAttempts,
		started, completed, record.ProcessingErrors, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update image record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("image record %s not found", record.ID)
	}
	return nil
}

// ListByOwner returns the owner's records newest first.
func (s *ImageRecordStore) ListByOwner(ctx context.Context, ownerUserID string, limit int) ([]*models.ImageRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, owner_user_id, gallery_id, filename, content_type, byte_size,
		       width, height, storage_key, metadata, variants, processing_status,
		       processing_attempts, processing_started_at, processing_completed_at,
		       processing_errors, created_at, updated_at
		FROM image_records
		WHERE owner_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, ownerUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list image records: %w", err)
	}
	defer rows.Close()

	var records []*models.ImageRecord
	for rows.Next() {
		record := &models.ImageRecord{}
		var (
			scanGallery, scanErrors    sql.NullString
			scanStarted, scanCompleted sql.NullTime
			metadataJSON, variantsJSON []byte
			status                     string
		)

		if err := rows.Scan(
			&record.ID, &record.OwnerUserID, &scanGallery, &record.Filename, &record.ContentType,
			&record.ByteSize, &record.Width, &record.Height, &record.StorageKey,
			&metadataJSON, &variantsJSON, &status, &record.ProcessingAttempts,
			&scanStarted, &scanCompleted, &scanErrors,
			&record.CreatedAt, &record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan image record: %w", err)
		}

		record.GalleryID = scanGallery.String
		record.ProcessingErrors = scanErrors.String
		record.ProcessingStatus = models.ProcessingStatus(status)
		if scanStarted.Valid {
			record.ProcessingStartedAt = &scanStarted.Time
		}
		if scanCompleted.Valid {
			record.ProcessingCompletedAt = &scanCompleted.Time
		}
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode image metadata: %w", err)
		}
		if err := json.Unmarshal(variantsJSON, &record.Variants); err != nil {
			return nil, fmt.Errorf("failed to decode variant map: %w", err)
		}

		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate image records: %w", err)
	}

	return records, nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *ImageRecordStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM image_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete image record: %w", err)
	}
	return nil
}

func marshalRecordJSON(record *models.ImageRecord) ([]byte, []byte, error) {
	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	variants := record.Variants
	if variants == nil {
		variants = models.VariantMap{}
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode image metadata: %w", err)
	}
	variantsJSON, err := json.Marshal(variants)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode variant map: %w", err)
	}
	return metadataJSON, variantsJSON, nil
}
