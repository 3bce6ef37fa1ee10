package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"kestrel-eim/config"
	"kestrel-eim/core/intake"
	"kestrel-eim/core/media"
	"kestrel-eim/core/store"
	"kestrel-eim/core/utils"

	"github.com/go-chi/chi/v5"
)

type IntakeHandler struct {
	cfg    *config.AppConfig
	store  store.IncidentsStore
	svc    *intake.Service
	audits store.AuditStore
	logger *utils.Logger
}

func NewIntakeHandler(cfg *config.AppConfig, is store.IncidentsStore, svc *intake.Service, audits store.AuditStore, logger *utils.Logger) *IntakeHandler {
	return &IntakeHandler{cfg: cfg, store: is, svc: svc, audits: audits, logger: logger}
}

func (h *IntakeHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IncidentFilter{
		Search:         strings.TrimSpace(q.Get("q")),
		Status:         strings.TrimSpace(q.Get("status")),
		Category:       strings.TrimSpace(q.Get("category")),
		IncludeDeleted: q.Get("include_deleted") == "1",
	}
	if year, err := strconv.Atoi(q.Get("year")); err == nil {
		filter.Year = year
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	items, err := h.store.ListIncidents(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *IntakeHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := parseMultipartFormLimited(w, r, h.uploadLimit()); err != nil {
		return
	}
	req := intake.IntakeRequest{
		Category:        r.FormValue("category"),
		Title:           r.FormValue("title"),
		Description:     r.FormValue("description"),
		AssignedVehicle: r.FormValue("assigned_vehicle"),
		Actor:           actorFrom(r),
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "title required", http.StatusBadRequest)
		return
	}
	var err error
	if req.Photos, err = readUploads(r, "photos"); err != nil {
		http.Error(w, "bad upload", http.StatusBadRequest)
		return
	}
	if req.Videos, err = readUploads(r, "videos"); err != nil {
		http.Error(w, "bad upload", http.StatusBadRequest)
		return
	}
	inc, err := h.svc.CreateIncident(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (h *IntakeHandler) Get(w http.ResponseWriter, r *http.Request) {
	inc, ok := h.loadIncident(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IntakeHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := parseMultipartFormLimited(w, r, h.uploadLimit()); err != nil {
		return
	}
	req := intake.UpdateRequest{Actor: actorFrom(r)}
	if v, found := formValue(r, "title"); found {
		req.Title = &v
	}
	if v, found := formValue(r, "description"); found {
		req.Description = &v
	}
	if v, found := formValue(r, "status"); found {
		req.Status = &v
	}
	var err error
	if req.Photos, err = readUploads(r, "photos"); err != nil {
		http.Error(w, "bad upload", http.StatusBadRequest)
		return
	}
	if req.Videos, err = readUploads(r, "videos"); err != nil {
		http.Error(w, "bad upload", http.StatusBadRequest)
		return
	}
	inc, err := h.svc.UpdateIncident(r.Context(), id, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IntakeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.SoftDelete(r.Context(), id, actorFrom(r)); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *IntakeHandler) Restore(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.Restore(r.Context(), id, actorFrom(r)); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": true})
}

func (h *IntakeHandler) Purge(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.HardDelete(r.Context(), id, actorFrom(r)); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": true})
}

func (h *IntakeHandler) DeletePhoto(w http.ResponseWriter, r *http.Request) {
	h.deleteAsset(w, r, media.KindPhotos)
}

func (h *IntakeHandler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	h.deleteAsset(w, r, media.KindVideos)
}

func (h *IntakeHandler) deleteAsset(w http.ResponseWriter, r *http.Request, kind media.Kind) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Path) == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}
	var cleaned bool
	var err error
	if kind == media.KindVideos {
		cleaned, err = h.svc.DeleteVideo(r.Context(), id, body.Path, actorFrom(r))
	} else {
		cleaned, err = h.svc.DeletePhoto(r.Context(), id, body.Path, actorFrom(r))
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "storage_clean": cleaned})
}

func (h *IntakeHandler) AddCasualty(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Name      string `json:"name"`
		Condition string `json:"condition"`
		Notes     string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	c := &store.Casualty{IncidentID: id, Name: body.Name, Condition: body.Condition, Notes: body.Notes}
	if _, err := h.svc.AddCasualty(r.Context(), c, actorFrom(r)); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *IntakeHandler) ListCasualties(w http.ResponseWriter, r *http.Request) {
	inc, ok := h.loadIncident(w, r)
	if !ok {
		return
	}
	items, err := h.store.ListCasualties(r.Context(), inc.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *IntakeHandler) loadIncident(w http.ResponseWriter, r *http.Request) (*store.Incident, bool) {
	id, ok := idParam(w, r)
	if !ok {
		return nil, false
	}
	inc, err := h.store.GetIncident(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return nil, false
	}
	if inc == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	return inc, true
}

func (h *IntakeHandler) uploadLimit() int64 {
	limit := h.cfg.Media.MaxPhotoBytes
	if h.cfg.Media.MaxVideoBytes > limit {
		limit = h.cfg.Media.MaxVideoBytes
	}
	if limit <= 0 {
		limit = 100 << 20
	}
	// Headroom for form fields plus a small batch of files.
	return limit * 4
}

// fail maps core errors to user-visible categories. Internals never leak;
// clients only see whether the condition is retryable.
func (h *IntakeHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intake.ErrAllocationExhausted):
		http.Error(w, "system busy, retry shortly", http.StatusServiceUnavailable)
	case errors.Is(err, media.ErrStorageUnavailable):
		http.Error(w, "storage unavailable, retry shortly", http.StatusServiceUnavailable)
	case errors.Is(err, intake.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, "conflict", http.StatusConflict)
	default:
		h.logger.Errorf("intake api: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "bad id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return "anonymous"
}

func formValue(r *http.Request, key string) (string, bool) {
	if r.MultipartForm == nil {
		return "", false
	}
	vals, ok := r.MultipartForm.Value[key]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

func parseMultipartFormLimited(w http.ResponseWriter, r *http.Request, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "upload too large or malformed", http.StatusRequestEntityTooLarge)
		return err
	}
	return nil
}

func readUploads(r *http.Request, field string) ([]media.Upload, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	headers := r.MultipartForm.File[field]
	uploads := make([]media.Upload, 0, len(headers))
	for _, hdr := range headers {
		up, err := readUpload(hdr)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, up)
	}
	return uploads, nil
}

func readUpload(hdr *multipart.FileHeader) (media.Upload, error) {
	f, err := hdr.Open()
	if err != nil {
		return media.Upload{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return media.Upload{}, err
	}
	return media.Upload{
		Filename:    hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
