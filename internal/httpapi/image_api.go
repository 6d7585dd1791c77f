package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tomkendall/shutterwell/internal/images"
	"github.com/tomkendall/shutterwell/internal/logging"
	"github.com/tomkendall/shutterwell/internal/models"
)

// uploadLimitBytes bounds the multipart payload before validation sees it.
const uploadLimitBytes = 64 * 1024 * 1024

// ImageAPI handles upload, record, and variant serving endpoints.
type ImageAPI struct {
	imageSvc *images.Service
	logger   *logging.Logger
}

// NewImageAPI creates a new image API handler.
func NewImageAPI(imageSvc *images.Service, logger *logging.Logger) *ImageAPI {
	return &ImageAPI{
		imageSvc: imageSvc,
		logger:   logger,
	}
}

// RegisterRoutes registers image routes.
func (api *ImageAPI) RegisterRoutes(mux *http.ServeMux, corsMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("/api/images/upload", corsMiddleware(api.handleUpload))
	mux.HandleFunc("/api/images", corsMiddleware(api.handleList))
	mux.HandleFunc("/api/images/", corsMiddleware(api.handleImagePath))
}

// variantResponse is the client-visible slice of a variant result.
type variantResponse struct {
	Status      string     `json:"status"`
	URL         string     `json:"url,omitempty"`
	Error       string     `json:"error,omitempty"`
	GeneratedAt *time.Time `json:"generatedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

// imageResponse is the client-visible record.
type imageResponse struct {
	ID                 string                     `json:"id"`
	Filename           string                     `json:"filename"`
	ContentType        string                     `json:"contentType"`
	ByteSize           int64                      `json:"byteSize"`
	Width              int                        `json:"width"`
	Height             int                        `json:"height"`
	ProcessingStatus   string                     `json:"processingStatus"`
	ProcessingAttempts int                        `json:"processingAttempts"`
	ProcessingErrors   string                     `json:"processingErrors,omitempty"`
	Variants           map[string]variantResponse `json:"variants"`
	CreatedAt          time.Time                  `json:"createdAt"`
	UpdatedAt          time.Time                  `json:"updatedAt"`
}

func toImageResponse(record *models.ImageRecord) imageResponse {
	variants := make(map[string]variantResponse, len(record.Variants))
	for name, result := range record.Variants {
		v := variantResponse{
			Status:      string(result.Status),
			Error:       result.Error,
			GeneratedAt: result.GeneratedAt,
			FailedAt:    result.FailedAt,
		}
		if result.Status == models.VariantCompleted {
			v.URL = "/api/images/" + record.ID + "/variants/" + name
		}
		variants[name] = v
	}

	return imageResponse{
		ID:                 record.ID,
		Filename:           record.Filename,
		ContentType:        record.ContentType,
		ByteSize:           record.ByteSize,
		Width:              record.Width,
		Height:             record.Height,
		ProcessingStatus:   string(record.ProcessingStatus),
		ProcessingAttempts: record.ProcessingAttempts,
		ProcessingErrors:   record.ProcessingErrors,
		Variants:           variants,
		CreatedAt:          record.CreatedAt,
		UpdatedAt:          record.UpdatedAt,
	}
}

func (api *ImageAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, uploadLimitBytes)
	if err := r.ParseMultipartForm(uploadLimitBytes); err != nil {
		api.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid upload payload",
		})
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		api.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "image file is required",
		})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		api.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to read image",
		})
		return
	}

	ownerID := strings.TrimSpace(r.FormValue("ownerId"))
	if ownerID == "" {
		api.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "ownerId is required",
		})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = r.FormValue("contentType")
	}

	result, err := api.imageSvc.Upload(r.Context(), images.UploadRequest{
		OwnerUserID: ownerID,
		GalleryID:   strings.TrimSpace(r.FormValue("galleryId")),
		Filename:    header.Filename,
		ContentType: contentType,
		Data:        data,
		ActorIP:     clientIP(r),
	})
	if err != nil {
		api.logger.Error("upload failed", logging.WithField("error", err.Error()))
		api.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "upload failed",
		})
		return
	}

	if !result.Accepted() {
		// Only user-correctable detail leaves the server.
		api.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"status":      "rejected",
			"errors":      result.Report.Errors,
			"threatLevel": string(result.Report.Threat()),
		})
		return
	}

	api.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":   "accepted",
		"image":    toImageResponse(result.Record),
		"warnings": result.Report.Warnings,
	})
}

func (api *ImageAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ownerID := strings.TrimSpace(r.URL.Query().Get("owner"))
	if ownerID == "" {
		api.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "owner query parameter is required",
		})
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := api.imageSvc.List(r.Context(), ownerID, limit)
	if err != nil {
		api.logger.Error("list images failed", logging.WithField("error", err.Error()))
		api.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list images",
		})
		return
	}

	responses := make([]imageResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, toImageResponse(record))
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"images": responses,
		"count":  len(responses),
	})
}

// handleImagePath routes /api/images/{id} and /api/images/{id}/variants/{name}.
func (api *ImageAPI) handleImagePath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/images/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		api.handleImage(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "variants":
		api.handleVariant(w, r, parts[0], parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (api *ImageAPI) handleImage(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		record, err := api.imageSvc.Get(r.Context(), id)
		if err != nil {
			api.writeServiceError(w, err, "get image")
			return
		}
		api.writeJSON(w, http.StatusOK, toImageResponse(record))
	case http.MethodDelete:
		if err := api.imageSvc.Delete(r.Context(), id); err != nil {
			api.writeServiceError(w, err, "delete image")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (api *ImageAPI) handleVariant(w http.ResponseWriter, r *http.Request, id, name string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, contentType, err := api.imageSvc.Variant(r.Context(), id, name)
	if err != nil {
		switch {
		case errors.Is(err, images.ErrImageNotFound):
			api.writeJSON(w, http.StatusNotFound, map[string]string{"error": "image not found"})
		case errors.Is(err, images.ErrVariantNotReady):
			// Readers tolerate variants that are not generated yet.
			api.writeJSON(w, http.StatusNotFound, map[string]string{"error": "variant not available"})
		default:
			api.logger.Error("serve variant failed", logging.WithField("error", err.Error()))
			api.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load variant"})
		}
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (api *ImageAPI) writeServiceError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, images.ErrImageNotFound) {
		api.writeJSON(w, http.StatusNotFound, map[string]string{"error": "image not found"})
		return
	}
	api.logger.Error(op+" failed", logging.WithField("error", err.Error()))
	api.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
}

func (api *ImageAPI) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
