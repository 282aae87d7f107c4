// Package api is the JSON/multipart HTTP surface named in spec §6's
// exhaustive endpoint table: classic multipart upload and file
// operations under /api/files, the chunked-upload protocol under
// /api/uploads, and the dedup introspection endpoints under /api/dedup.
// It is adapted from the webdav handler's shape (chi routing, appctx
// logger, errtypes.HTTPStatus mapping) generalized to a JSON rather than
// WebDAV-XML response body.
package api

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/DioCrafts/OxiCloud-sub001/internal/services"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/appctx"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/blobstore"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/errtypes"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/mime"
	"github.com/DioCrafts/OxiCloud-sub001/pkg/repository"
)

// Handler serves the /api/* tree.
type Handler struct {
	repo    repository.ReadPort
	writer  repository.WritePort
	blobs   blobstore.Store
	uploads *services.UploadService
	db      *sql.DB
	log     *zerolog.Logger
}

// New builds an API handler over the repository, blob store, upload
// orchestration service, and the shared database (for dedup stats).
func New(repo repository.ReadPort, writer repository.WritePort, blobs blobstore.Store, uploads *services.UploadService, db *sql.DB, log *zerolog.Logger) *Handler {
	return &Handler{repo: repo, writer: writer, blobs: blobs, uploads: uploads, db: db, log: log}
}

// Routes mounts every endpoint this handler supports onto r.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.loggerMiddleware)

	r.Post("/files", h.handleUploadFile)
	r.Get("/files/{id}", h.handleDownloadFile)
	r.Delete("/files/{id}", h.handleDeleteFile)
	r.Post("/files/{id}/move", h.handleMoveFile)

	r.Post("/uploads", h.handleCreateSession)
	r.Patch("/uploads/{id}", h.handleUploadChunk)
	r.Head("/uploads/{id}", h.handleUploadStatus)
	r.Delete("/uploads/{id}", h.handleCancelUpload)
	r.Post("/uploads/{id}/complete", h.handleCompleteUpload)

	r.Get("/dedup/check/{hash}", h.handleDedupCheck)
	r.Get("/dedup/blob/{hash}", h.handleDedupBlob)
	r.Get("/dedup/stats", h.handleDedupStats)

	return r
}

func (h *Handler) logger(r *http.Request) *zerolog.Logger {
	return appctx.GetLogger(r.Context())
}

func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.log != nil {
			r = r.WithContext(appctx.WithLogger(r.Context(), h.log))
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(log *zerolog.Logger, w http.ResponseWriter, err error) {
	status := errtypes.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("api request failed")
	} else {
		log.Debug().Err(err).Msg("api request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleUploadFile implements the classic small-file multipart upload.
func (h *Handler) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sublog := h.logger(r)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(sublog, w, errtypes.InvalidInput("malformed multipart body"))
		return
	}

	var folderID, contentType string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(sublog, w, errtypes.InvalidInput("malformed multipart body"))
			return
		}
		switch part.FormName() {
		case "folder_id":
			data, _ := io.ReadAll(part)
			folderID = string(data)
		case "file":
			contentType = part.Header.Get("Content-Type")
			if contentType == "" {
				contentType = mime.Detect(false, part.FileName())
			}
			f, err := h.writer.SaveFileFromStream(ctx, part.FileName(), folderID, contentType, part)
			if err != nil {
				writeError(sublog, w, err)
				return
			}
			writeJSON(w, http.StatusCreated, f)
			return
		}
	}
	writeError(sublog, w, errtypes.InvalidInput("multipart body missing \"file\" part"))
}

func (h *Handler) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sublog := h.logger(r)
	id := chi.URLParam(r, "id")

	f, err := h.repo.GetFile(ctx, id)
	if err != nil {
		writeError(sublog, w, err)
		return
	}
	if f.InTrash() {
		writeError(sublog, w, errtypes.NotFound("file "+id))
		return
	}
	rc, err := h.repo.GetFileStream(ctx, id)
	if err != nil {
		writeError(sublog, w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.Header().Set("ETag", `"`+f.BlobHash+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func (h *Handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	sublog := h.logger(r)
	id := chi.URLParam(r, "id")

	if err := h.writer.MoveToTrash(r.Context(), id); err != nil {
		writeError(sublog, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMoveFile(w http.ResponseWriter, r *http.Request) {
	sublog := h.logger(r)
	id := chi.URLParam(r, "id")

	var body struct {
		TargetFolderID string `json:"target_folder_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		writeError(sublog, w, errtypes.InvalidInput("malformed JSON body"))
		return
	}
	if err := h.writer.MoveFile(r.Context(), id, body.TargetFolderID); err != nil {
		writeError(sublog, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createSessionRequest struct {
	Filename    string `json:"filename"`
	FolderID    string `json:"folder_id"`
	ContentType string `json:"content_type"`
	TotalSize   int64  `json:"total_size"`
	ChunkSize   int64  `json:"chunk_size"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sublog := h.logger(r)

	var req createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeError(sublog, w, errtypes.InvalidInput("malformed JSON body"))
		return
	}
	if req.ContentType == "" {
		req.ContentType = mime.Detect(false, req.Filename)
	}

	resp, err := h.uploads.CreateSession(req.Filename, req.FolderID, req.ContentType, req.TotalSize, req.ChunkSize)
	if err != nil {
		writeError(sublog, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	sublog := h.logger(r)
	uploadID := chi.URLParam(r, "id")

	index, err := strconv.Atoi(r.URL.Query().Get("chunk_index"))
	if err != nil {
		writeError(sublog, w, errtypes.InvalidInput("chunk_index query parameter is required"))
		return
	}
	checksum := r.URL.Query().Get("checksum")

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(sublog, w, errtypes.InvalidInput("error reading chunk body"))
		return
	}

	resp, err := h.uploads.UploadChunk(r.Context(), uploadID, index, data, checksum)
	if err != nil {
		writeError(sublog, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	sublog := h.logger(r)
	uploadID := chi.URLParam(r, "id")

	resp, err := h.uploads.GetStatus(uploadID)
	if err != nil {
		writeError(sublog, w, err)
		return
	}
	w.Header().Set("X-Upload-Bytes-Received", strconv.FormatInt(resp.BytesReceived, 10))
	w.Header().Set("X-Upload-Total-Size", strconv.FormatInt(resp.TotalSize, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	sublog := h.logger(r)
	uploadID := chi.URLParam(r, "id")

	if err := h.uploads.CancelUpload(uploadID); err != nil {
		writeError(sublog, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	sublog := h.logger(r)
	uploadID := chi.URLParam(r, "id")

	f, err := h.uploads.CompleteUpload(r.Context(), uploadID)
	if err != nil {
		writeError(sublog, w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) handleDedupCheck(w http.ResponseWriter, r *http.Request) {
	sublog := h.logger(r)
	hash := chi.URLParam(r, "hash")

	meta, err := h.blobs.GetBlobMetadata(r.Context(), hash)
	if err != nil {
		writeError(sublog, w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *Handler) handleDedupBlob(w http.ResponseWriter, r *http.Request) {
	sublog := h.logger(r)
	hash := chi.URLParam(r, "hash")

	rc, err := h.blobs.ReadBlobStream(r.Context(), hash)
	if err != nil {
		writeError(sublog, w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// dedupStats is the /api/dedup/stats response: logical bytes are what
// would be stored without dedup (size * ref_count summed across every
// blob), physical bytes are what is actually on disk.
type dedupStats struct {
	BlobCount     int64   `json:"blob_count"`
	PhysicalBytes int64   `json:"physical_bytes"`
	LogicalBytes  int64   `json:"logical_bytes"`
	BytesSaved    int64   `json:"bytes_saved"`
	DedupRatio    float64 `json:"dedup_ratio"`
}

func (h *Handler) handleDedupStats(w http.ResponseWriter, r *http.Request) {
	sublog := h.logger(r)

	var count sql.NullInt64
	var physical, logical sql.NullFloat64
	row := h.db.QueryRowContext(r.Context(), `SELECT COUNT(*), SUM(size), SUM(size * ref_count) FROM blobs`)
	if err := row.Scan(&count, &physical, &logical); err != nil {
		writeError(sublog, w, err)
		return
	}

	stats := dedupStats{BlobCount: count.Int64, PhysicalBytes: int64(physical.Float64), LogicalBytes: int64(logical.Float64)}
	stats.BytesSaved = stats.LogicalBytes - stats.PhysicalBytes
	if stats.LogicalBytes > 0 {
		stats.DedupRatio = 1 - (physical.Float64 / logical.Float64)
	}
	writeJSON(w, http.StatusOK, stats)
}
