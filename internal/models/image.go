package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProcessingStatus tracks an image through the variant pipeline.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
	ProcessingRetrying   ProcessingStatus = "retrying"
)

// VariantStatus is the per-variant outcome within a single pipeline run.
type VariantStatus string

const (
	VariantPending   VariantStatus = "pending"
	VariantCompleted VariantStatus = "completed"
	VariantFailed    VariantStatus = "failed"
)

// VariantResult records one variant's outcome for the most recent run.
type VariantResult struct {
	Status      VariantStatus `json:"status"`
	Location    string        `json:"location,omitempty"`
	Error       string        `json:"error,omitempty"`
	GeneratedAt *time.Time    `json:"generatedAt,omitempty"`
	FailedAt    *time.Time    `json:"failedAt,omitempty"`
}

// VariantMap maps variant name to its latest result. The pipeline replaces the
// whole map with each record update; entries are never patched individually.
type VariantMap map[string]VariantResult

// AllCompleted reports whether every one of the given variant names has a
// completed entry.
func (m VariantMap) AllCompleted(names []string) bool {
	if len(names) == 0 {
		return false
	}
	for _, name := range names {
		result, ok := m[name]
		if !ok || result.Status != VariantCompleted {
			return false
		}
	}
	return true
}

// FailedNames returns the names of failed variants in sorted order.
func (m VariantMap) FailedNames() []string {
	var names []string
	for name, result := range m {
		if result.Status == VariantFailed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ImageRecord is the durable entity for one accepted image and its processing
// lifecycle. It is created once by the upload boundary and afterwards mutated
// only by the variant pipeline.
type ImageRecord struct {
	ID                    string
	OwnerUserID           string
	GalleryID             string
	Filename              string
	ContentType           string
	ByteSize              int64
	Width                 int
	Height                int
	StorageKey            string
	Metadata              map[string]string
	Variants              VariantMap
	ProcessingStatus      ProcessingStatus
	ProcessingAttempts    int
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	ProcessingErrors      string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ErrInvalidTransition is returned when a processing status move violates the
// state machine.
type ErrInvalidTransition struct {
	From ProcessingStatus
	To   ProcessingStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid processing transition %s -> %s", e.From, e.To)
}

// validTransitions is the closed transition table. A status never regresses to
// pending, and completed/failed are terminal.
var validTransitions = map[ProcessingStatus][]ProcessingStatus{
	ProcessingPending:    {ProcessingInProgress},
	ProcessingRetrying:   {ProcessingInProgress},
	ProcessingInProgress: {ProcessingCompleted, ProcessingFailed, ProcessingRetrying},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to ProcessingStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the record to the given status, stamping the processing
// timestamps as appropriate. Invalid moves are refused.
func (r *ImageRecord) Transition(to ProcessingStatus, now time.Time) error {
	if !CanTransition(r.ProcessingStatus, to) {
		return &ErrInvalidTransition{From: r.ProcessingStatus, To: to}
	}

	switch to {
	case ProcessingInProgress:
		started := now
		r.ProcessingStartedAt = &started
		r.ProcessingCompletedAt = nil
		r.ProcessingAttempts++
	case ProcessingCompleted, ProcessingFailed, ProcessingRetrying:
		completed := now
		r.ProcessingCompletedAt = &completed
	}

	r.ProcessingStatus = to
	r.UpdatedAt = now
	return nil
}

// IsTerminal reports whether the record is in a final processing state.
func (r *ImageRecord) IsTerminal() bool {
	return r.ProcessingStatus == ProcessingCompleted || r.ProcessingStatus == ProcessingFailed
}

// AggregateErrors builds the processing errors text from the variant map.
func (r *ImageRecord) AggregateErrors() string {
	var parts []string
	for _, name := range r.Variants.FailedNames() {
		result := r.Variants[name]
		parts = append(parts, fmt.Sprintf("%s: %s", name, result.Error))
	}
	return strings.Join(parts, "; ")
}
