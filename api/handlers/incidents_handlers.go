package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"incidentdesk/config"
	"incidentdesk/core/apperr"
	"incidentdesk/core/incidents"
	"incidentdesk/core/utils"
)

const (
	maxFilesPerRequest = 20
	multipartMemory    = 8 << 20
)

type IncidentsHandler struct {
	cfg    *config.AppConfig
	svc    *incidents.Service
	logger *utils.Logger
}

func NewIncidentsHandler(cfg *config.AppConfig, svc *incidents.Service, logger *utils.Logger) *IncidentsHandler {
	return &IncidentsHandler{cfg: cfg, svc: svc, logger: logger}
}

func (h *IncidentsHandler) maxFileBytes() int64 {
	if h.cfg == nil || h.cfg.Evidence.MaxBytes <= 0 {
		return 50 << 20
	}
	return h.cfg.Evidence.MaxBytes
}

// Submit accepts either a JSON body or a multipart form with a JSON "payload"
// part and the evidence under "files[]".
func (h *IncidentsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var in incidents.SubmitInput
	var files []incidents.FileUpload
	if isMultipart(r) {
		if !h.parseMultipartFormLimited(w, r) {
			return
		}
		raw := strings.TrimSpace(r.FormValue("payload"))
		if raw == "" {
			writeServiceError(w, r, h.logger, apperr.Invalid("payload", "required"))
			return
		}
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var err error
		if files, err = h.readFiles(r); err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
	} else if !decodeJSON(w, r, &in) {
		return
	}
	res, err := h.svc.Submit(r.Context(), actorFrom(r), in, files, ClientIP(r, h.cfg))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *IncidentsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.svc.ListMine(r.Context(), actorFrom(r), parseIntDefault(q.Get("limit"), 0), parseIntDefault(q.Get("offset"), 0))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *IncidentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	inc, err := h.svc.Get(r.Context(), actorFrom(r), pathParams(r)["id"])
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch incidents.IncidentPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	inc, err := h.svc.Update(r.Context(), actorFrom(r), pathParams(r)["id"], patch, ClientIP(r, h.cfg))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentsHandler) ListEvidence(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListEvidence(r.Context(), actorFrom(r), pathParams(r)["id"])
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *IncidentsHandler) UploadEvidence(w http.ResponseWriter, r *http.Request) {
	if !isMultipart(r) {
		writeServiceError(w, r, h.logger, apperr.Invalid("files", "multipart form required"))
		return
	}
	if !h.parseMultipartFormLimited(w, r) {
		return
	}
	files, err := h.readFiles(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	res, err := h.svc.AttachEvidence(r.Context(), actorFrom(r), pathParams(r)["id"], files, ClientIP(r, h.cfg))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *IncidentsHandler) DownloadEvidence(w http.ResponseWriter, r *http.Request) {
	params := pathParams(r)
	ev, rc, err := h.svc.OpenEvidence(r.Context(), actorFrom(r), params["id"], params["evidence_id"], ClientIP(r, h.cfg))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Disposition", attachmentDisposition(ev.FileName))
	w.Header().Set("Content-Type", ev.FileType)
	w.Header().Set("Cache-Control", "no-store")
	if ev.FileSize != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(*ev.FileSize, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil && h.logger != nil {
		h.logger.Errorf("evidence download %s: %v", ev.ID, err)
	}
}

func (h *IncidentsHandler) TriageList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := h.svc.ListForTriage(r.Context(), actorFrom(r), incidents.TriageQuery{
		View:         strings.ToLower(strings.TrimSpace(q.Get("view"))),
		Status:       strings.ToLower(strings.TrimSpace(q.Get("status"))),
		ThreatLevel:  strings.ToLower(strings.TrimSpace(q.Get("threat_level"))),
		IncidentType: strings.ToLower(strings.TrimSpace(q.Get("incident_type"))),
		AssignedTo:   strings.TrimSpace(q.Get("assigned_to")),
		Search:       strings.TrimSpace(q.Get("q")),
		Limit:        parseIntDefault(q.Get("limit"), 0),
		Offset:       parseIntDefault(q.Get("offset"), 0),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *IncidentsHandler) TriageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context(), actorFrom(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *IncidentsHandler) Triage(w http.ResponseWriter, r *http.Request) {
	var patch incidents.TriagePatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	inc, err := h.svc.Triage(r.Context(), actorFrom(r), pathParams(r)["id"], patch, ClientIP(r, h.cfg))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/form-data")
}

// parseMultipartFormLimited caps the whole request at the per-file limit times
// the file count plus room for the payload part.
func (h *IncidentsHandler) parseMultipartFormLimited(w http.ResponseWriter, r *http.Request) bool {
	limit := h.maxFileBytes()*maxFilesPerRequest + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

// readFiles describes every uploaded part without reading it. The service
// checks sizes against the part headers and streams accepted parts from the
// parsed form, which spills large parts to disk.
func (h *IncidentsHandler) readFiles(r *http.Request) ([]incidents.FileUpload, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	var headers []*multipart.FileHeader
	headers = append(headers, r.MultipartForm.File["files[]"]...)
	headers = append(headers, r.MultipartForm.File["files"]...)
	if len(headers) > maxFilesPerRequest {
		return nil, apperr.Invalid("files", "too many files")
	}
	out := make([]incidents.FileUpload, 0, len(headers))
	for _, fh := range headers {
		out = append(out, fileUpload(fh))
	}
	return out, nil
}

func fileUpload(fh *multipart.FileHeader) incidents.FileUpload {
	return incidents.FileUpload{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}
