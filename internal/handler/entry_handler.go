// Package handler wires the protocol layer's 13 RPC endpoints (§4.5) onto
// chi routes, the way the teacher's handler package wires its S3 surface
// onto a router, generalized from raw net/http.ServeMux routing (the
// teacher's actual router.go) to go-chi/chi/v5 - already present in the
// teacher's go.mod as an unexercised dependency, and a better fit for a
// named-RPC-endpoint surface than hand-rolled path parsing.
package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/prn-tf/rammingen/internal/domain"
	"github.com/prn-tf/rammingen/internal/metrics"
	"github.com/prn-tf/rammingen/internal/protocol"
	"github.com/prn-tf/rammingen/internal/repository"
	"github.com/prn-tf/rammingen/internal/service"
	custommw "github.com/prn-tf/rammingen/internal/middleware"
)

// EntryHandler serves the protocol.Path* endpoints against an EntryService.
type EntryHandler struct {
	entries *service.EntryService
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewEntryHandler creates an EntryHandler.
func NewEntryHandler(entries *service.EntryService, m *metrics.Metrics, logger zerolog.Logger) *EntryHandler {
	return &EntryHandler{entries: entries, metrics: m, logger: logger.With().Str("component", "entry-handler").Logger()}
}

// RouterConfig configures the top-level router.
type RouterConfig struct {
	EntryHandler *EntryHandler
	Sources      repository.SourceRepository
	Logger       zerolog.Logger
}

// NewRouter builds the chi router serving every protocol endpoint plus a
// health check, with request-id/recover/auth middleware applied in the
// teacher's conventional order.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/health", handleHealth)

	r.Group(func(rg chi.Router) {
		rg.Use(custommw.Auth(cfg.Sources, custommw.AuthConfig{ExemptPaths: []string{"/health"}}, cfg.Logger))

		h := cfg.EntryHandler
		rg.Post(protocol.PathGetEntries, h.handleGetEntries)
		rg.Post(protocol.PathGetVersions, h.handleGetVersions)
		rg.Post(protocol.PathGetAllVersions, h.handleGetAllVersions)
		rg.Post(protocol.PathGetEntry, h.handleGetEntry)
		rg.Post(protocol.PathGetChildren, h.handleGetChildren)
		rg.Post(protocol.PathStateAt, h.handleStateAt)
		rg.Post(protocol.PathContentExists, h.handleContentExists)
		rg.Post(protocol.PathUpload, h.handleUpload)
		rg.Post(protocol.PathDownload, h.handleDownload)
		rg.Post(protocol.PathMoveEntry, h.handleMoveEntry)
		rg.Post(protocol.PathRemoveEntry, h.handleRemoveEntry)
		rg.Post(protocol.PathResetVersion, h.handleResetVersion)
		rg.Post(protocol.PathAddVersion, h.handleAddVersion)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

func (h *EntryHandler) observe(endpoint string, start time.Time, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = "error"
	}
	if h.metrics != nil {
		h.metrics.ObserveRPC(endpoint, outcome, time.Since(start).Seconds())
	}
}

func (h *EntryHandler) writeError(w http.ResponseWriter, err error) {
	code := "internal"
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrEntryNotFound), errors.Is(err, domain.ErrVersionNotFound),
		errors.Is(err, domain.ErrContentNotFound):
		code, status = "not_found", http.StatusNotFound
	case errors.Is(err, domain.ErrParentMissing), errors.Is(err, domain.ErrInvalidPath):
		code, status = "invalid_request", http.StatusBadRequest
	}
	w.WriteHeader(status)
	_ = protocol.Encode(w, &protocol.ErrorResponse{Code: code, Message: err.Error()})
}

func (h *EntryHandler) handleGetEntries(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathGetEntries, time.Now(), &err)

	var req protocol.GetEntriesRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	entries, serr := h.entries.GetEntries(r.Context(), req.After, req.Limit)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	resp := protocol.GetEntriesResponse{Entries: make([]protocol.EntryWire, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = protocol.ToWire(e)
	}
	err = protocol.Encode(w, &resp)
}

func (h *EntryHandler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathGetEntry, time.Now(), &err)

	var req protocol.GetEntryRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	path, perr := domain.ParseEncryptedArchivePath(req.Path)
	if perr != nil {
		err = perr
		h.writeError(w, err)
		return
	}
	entry, serr := h.entries.GetEntry(r.Context(), path)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	wire := protocol.ToWire(entry)
	err = protocol.Encode(w, &protocol.GetEntryResponse{Entry: &wire})
}

func (h *EntryHandler) handleGetChildren(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathGetChildren, time.Now(), &err)

	var req protocol.GetChildrenRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	children, serr := h.entries.GetChildren(r.Context(), req.ParentID)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	resp := protocol.GetChildrenResponse{Entries: make([]protocol.EntryWire, len(children))}
	for i, e := range children {
		resp.Entries[i] = protocol.ToWire(e)
	}
	err = protocol.Encode(w, &resp)
}

func (h *EntryHandler) handleGetVersions(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathGetVersions, time.Now(), &err)

	var req protocol.GetVersionsRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	path, perr := domain.ParseEncryptedArchivePath(req.Path)
	if perr != nil {
		err = perr
		h.writeError(w, err)
		return
	}
	versions, serr := h.entries.GetVersions(r.Context(), path)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	resp := protocol.GetVersionsResponse{Versions: make([]protocol.EntryVersionWire, len(versions))}
	for i, v := range versions {
		resp.Versions[i] = protocol.VersionToWire(v)
	}
	err = protocol.Encode(w, &resp)
}

func (h *EntryHandler) handleGetAllVersions(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathGetAllVersions, time.Now(), &err)

	var req protocol.GetAllVersionsRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	prefix, perr := domain.ParseEncryptedArchivePath(req.Prefix)
	if perr != nil {
		err = perr
		h.writeError(w, err)
		return
	}
	versions, serr := h.entries.GetAllVersions(r.Context(), prefix)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	resp := protocol.GetAllVersionsResponse{Versions: make([]protocol.EntryVersionWire, len(versions))}
	for i, v := range versions {
		resp.Versions[i] = protocol.VersionToWire(v)
	}
	err = protocol.Encode(w, &resp)
}

func (h *EntryHandler) handleStateAt(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathStateAt, time.Now(), &err)

	var req protocol.StateAtRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	prefix, perr := domain.ParseEncryptedArchivePath(req.Prefix)
	if perr != nil {
		err = perr
		h.writeError(w, err)
		return
	}
	versions, serr := h.entries.StateAt(r.Context(), prefix, req.At)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	resp := protocol.StateAtResponse{Versions: make([]protocol.EntryVersionWire, len(versions))}
	for i, v := range versions {
		resp.Versions[i] = protocol.VersionToWire(v)
	}
	err = protocol.Encode(w, &resp)
}

func (h *EntryHandler) handleContentExists(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathContentExists, time.Now(), &err)

	var req protocol.ContentExistsRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	exists, serr := h.entries.ContentExists(r.Context(), req.ContentHash)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	err = protocol.Encode(w, &protocol.ContentExistsResponse{Exists: exists})
}

func (h *EntryHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathUpload, time.Now(), &err)

	source, ok := custommw.SourceFromContext(r.Context())
	if !ok {
		err = errors.New("missing authenticated source")
		h.writeError(w, err)
		return
	}

	var req protocol.UploadRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	path, perr := domain.ParseEncryptedArchivePath(req.Path)
	if perr != nil {
		err = perr
		h.writeError(w, err)
		return
	}

	entry, serr := h.entries.Upload(r.Context(), serviceUploadParams(req, path, source.ID), r.Body)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	err = protocol.Encode(w, &protocol.UploadResponse{Entry: protocol.ToWire(entry)})
}

func serviceUploadParams(req protocol.UploadRequest, path domain.EncryptedArchivePath, sourceID int64) service.UploadParams {
	return service.UploadParams{
		Path: path, ParentID: req.ParentID, OriginalSize: req.OriginalSize,
		EncryptedSize: req.EncryptedSize, ModifiedAt: req.ModifiedAt,
		UnixMode: req.UnixMode, IsSymlink: req.IsSymlink, SourceID: sourceID,
	}
}

func (h *EntryHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathDownload, time.Now(), &err)

	var req protocol.DownloadRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}

	rc, serr := h.entries.Download(r.Context(), req.ContentHash)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, cerr := io.Copy(w, rc); cerr != nil {
		h.logger.Error().Err(cerr).Msg("download: copy failed after headers sent")
	}
}

func (h *EntryHandler) handleMoveEntry(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathMoveEntry, time.Now(), &err)

	source, ok := custommw.SourceFromContext(r.Context())
	if !ok {
		err = errors.New("missing authenticated source")
		h.writeError(w, err)
		return
	}

	var req protocol.MoveEntryRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	src, serr1 := domain.ParseEncryptedArchivePath(req.Src)
	dst, serr2 := domain.ParseEncryptedArchivePath(req.Dst)
	if serr1 != nil || serr2 != nil {
		err = domain.ErrInvalidPath
		h.writeError(w, err)
		return
	}
	nums, serr := h.entries.MoveEntry(r.Context(), src, dst, source.ID)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	err = protocol.Encode(w, &protocol.MoveEntryResponse{UpdateNumbers: nums})
}

func (h *EntryHandler) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathRemoveEntry, time.Now(), &err)

	source, ok := custommw.SourceFromContext(r.Context())
	if !ok {
		err = errors.New("missing authenticated source")
		h.writeError(w, err)
		return
	}

	var req protocol.RemoveEntryRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	path, perr := domain.ParseEncryptedArchivePath(req.Path)
	if perr != nil {
		err = perr
		h.writeError(w, err)
		return
	}
	entry, serr := h.entries.RemoveEntry(r.Context(), path, req.ParentID, source.ID)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	err = protocol.Encode(w, &protocol.RemoveEntryResponse{Entry: protocol.ToWire(entry)})
}

func (h *EntryHandler) handleResetVersion(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathResetVersion, time.Now(), &err)

	source, ok := custommw.SourceFromContext(r.Context())
	if !ok {
		err = errors.New("missing authenticated source")
		h.writeError(w, err)
		return
	}

	var req protocol.ResetVersionRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	entry, serr := h.entries.ResetVersion(r.Context(), req.VersionID, source.ID)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	err = protocol.Encode(w, &protocol.ResetVersionResponse{Entry: protocol.ToWire(entry)})
}

func (h *EntryHandler) handleAddVersion(w http.ResponseWriter, r *http.Request) {
	var err error
	defer h.observe(protocol.PathAddVersion, time.Now(), &err)

	source, ok := custommw.SourceFromContext(r.Context())
	if !ok {
		err = errors.New("missing authenticated source")
		h.writeError(w, err)
		return
	}

	var req protocol.AddVersionRequest
	if err = protocol.Decode(r.Body, &req); err != nil {
		h.writeError(w, err)
		return
	}
	entry, cerr := protocol.FromWire(req.Entry)
	if cerr != nil {
		err = cerr
		h.writeError(w, err)
		return
	}
	entry.SourceID = source.ID
	version, serr := h.entries.AddVersion(r.Context(), *entry, req.SnapshotID)
	if serr != nil {
		err = serr
		h.writeError(w, err)
		return
	}
	err = protocol.Encode(w, &protocol.AddVersionResponse{Version: protocol.VersionToWire(version)})
}
