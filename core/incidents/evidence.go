package incidents

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"incidentdesk/core/access"
	"incidentdesk/core/apperr"
	"incidentdesk/core/blob"
	"incidentdesk/core/events"
	"incidentdesk/core/metrics"
	"incidentdesk/core/store"
)

// maxKeyAttempts bounds how many later milliseconds a file may move to when
// its storage key is taken.
const maxKeyAttempts = 5

// FileUpload is one attached file as received from the client. Open is called
// once per upload attempt and must start at the first byte each time.
type FileUpload struct {
	FileName    string
	ContentType string
	Size        int64
	Open        blob.Opener
}

// NewFileUpload wraps content already held in memory.
func NewFileUpload(fileName, contentType string, data []byte) FileUpload {
	return FileUpload{FileName: fileName, ContentType: contentType, Size: int64(len(data)), Open: blob.BytesOpener(data)}
}

type FileFailure struct {
	FileName string `json:"file_name"`
	Reason   string `json:"reason"`
	err      error
}

func (f FileFailure) Err() error {
	return f.err
}

type SubmitResult struct {
	Incident *store.Incident     `json:"incident"`
	Evidence []store.EvidenceFile `json:"evidence"`
	Failed   []FileFailure        `json:"failed,omitempty"`
	Partial  bool                 `json:"partial"`
}

// Submit files a new incident owned by the actor and stores the attached
// files one by one. File failures are reported in the result and never undo
// the incident.
func (s *Service) Submit(ctx context.Context, actor access.Actor, in SubmitInput, files []FileUpload, ip string) (*SubmitResult, error) {
	if !actor.Authenticated() {
		return nil, apperr.ErrAuthRequired
	}
	inc, err := in.validate()
	if err != nil {
		return nil, err
	}
	inc.UserID = actor.UserID
	if err := s.access.Authorize(actor, access.EntityIncident, access.OpInsert, access.Resource{OwnerID: inc.UserID}); err != nil {
		return nil, err
	}
	if err := s.incidents.CreateIncident(ctx, inc); err != nil {
		return nil, apperr.Persistence("create incident", err)
	}
	metrics.IncidentsSubmitted.WithLabelValues(string(inc.IncidentType)).Inc()
	s.audit(ctx, store.NewAuditEntry(actor.UserID, "incident.submit", "incident", inc.ID, map[string]any{
		"incident_type": inc.IncidentType,
		"files":         len(files),
	}).WithIP(ip))

	res := &SubmitResult{Incident: inc}
	s.storeFiles(ctx, actor, inc, files, ip, res)
	events.PublishQuietly(ctx, s.publisher, s.logger, events.RoutingIncidentSubmitted, events.IncidentEvent{
		IncidentID:    inc.ID,
		UserID:        inc.UserID,
		IncidentType:  string(inc.IncidentType),
		Status:        string(inc.Status),
		EvidenceCount: len(res.Evidence),
		OccurredAt:    inc.CreatedAt,
	})
	return res, nil
}

// AttachEvidence adds files to an incident the actor filed.
func (s *Service) AttachEvidence(ctx context.Context, actor access.Actor, incidentID string, files []FileUpload, ip string) (*SubmitResult, error) {
	inc, err := s.Get(ctx, actor, incidentID)
	if err != nil {
		return nil, err
	}
	if err := s.access.Authorize(actor, access.EntityEvidence, access.OpInsert, access.Resource{OwnerID: inc.UserID}); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, apperr.Invalid("files", "required")
	}
	res := &SubmitResult{Incident: inc}
	s.storeFiles(ctx, actor, inc, files, ip, res)
	return res, nil
}

func (s *Service) storeFiles(ctx context.Context, actor access.Actor, inc *store.Incident, files []FileUpload, ip string, res *SubmitResult) {
	res.Evidence = []store.EvidenceFile{}
	var last time.Time
	for _, f := range files {
		at := s.now()
		if !at.Truncate(time.Millisecond).After(last) {
			at = last.Add(time.Millisecond)
		}
		last = at.Truncate(time.Millisecond)
		ev, err := s.storeFile(ctx, actor, inc, f, last)
		if err != nil {
			res.Failed = append(res.Failed, FileFailure{FileName: f.FileName, Reason: failureReason(err), err: err})
			metrics.EvidenceUploads.WithLabelValues(failureLabel(err)).Inc()
			if s.logger != nil {
				s.logger.Errorf("evidence %q for incident %s: %v", f.FileName, inc.ID, err)
			}
			s.audit(ctx, store.NewAuditEntry(actor.UserID, "evidence.upload_failed", "incident", inc.ID, map[string]string{
				"file_name": f.FileName,
				"reason":    failureReason(err),
			}).WithIP(ip))
			continue
		}
		metrics.EvidenceUploads.WithLabelValues("stored").Inc()
		res.Evidence = append(res.Evidence, *ev)
		s.audit(ctx, store.NewAuditEntry(actor.UserID, "evidence.upload", "evidence", ev.ID, map[string]any{
			"incident_id": inc.ID,
			"file_name":   ev.FileName,
			"file_size":   ev.FileSize,
		}).WithIP(ip))
	}
	res.Partial = len(res.Failed) > 0
}

func (s *Service) storeFile(ctx context.Context, actor access.Actor, inc *store.Incident, f FileUpload, at time.Time) (*store.EvidenceFile, error) {
	name := cleanFileName(f.FileName)
	contentType := blob.NormalizeContentType(f.ContentType)
	if err := s.validator.Validate(contentType, f.Size); err != nil {
		return nil, err
	}
	if f.Open == nil {
		return nil, apperr.Upload(name, errors.New("no content"))
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Upload(name, err)
		}
		key := blob.BuildKey(actor.UserID, inc.ID, at, name, contentType)
		ev, err := s.storeAt(ctx, actor, inc, f, name, contentType, key)
		if !errors.Is(err, errKeyTaken) {
			return ev, err
		}
		if attempt >= maxKeyAttempts {
			return nil, apperr.Upload(name, err)
		}
		at = at.Add(time.Millisecond)
	}
}

var errKeyTaken = errors.New("storage key taken")

// storeAt writes the blob at key and records it. The blob is only removed
// again when this call created it.
func (s *Service) storeAt(ctx context.Context, actor access.Actor, inc *store.Incident, f FileUpload, name, contentType, key string) (*store.EvidenceFile, error) {
	taken, err := s.evidence.ExistsByPath(ctx, key)
	if err != nil {
		return nil, apperr.Upload(name, apperr.Persistence("check evidence key", err))
	}
	if taken {
		return nil, errKeyTaken
	}
	if err := s.access.Authorize(actor, access.EntityBlob, access.OpInsert, access.Resource{OwnerID: access.BlobOwner(key)}); err != nil {
		return nil, err
	}
	started := time.Now()
	_, err = blob.PutWithRetry(ctx, s.blobs, key, f.Open, f.Size, contentType, s.retry)
	metrics.EvidenceUploadDuration.Observe(time.Since(started).Seconds())
	if errors.Is(err, blob.ErrExists) {
		return nil, errKeyTaken
	}
	if err != nil {
		return nil, apperr.Upload(name, err)
	}
	size := f.Size
	ev := &store.EvidenceFile{
		IncidentID: inc.ID,
		FileName:   name,
		FilePath:   key,
		FileType:   contentType,
		FileSize:   &size,
	}
	if err := s.evidence.AddEvidence(ctx, ev); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if delErr := s.blobs.Delete(cleanupCtx, key); delErr != nil && s.logger != nil {
			s.logger.Errorf("evidence cleanup %s: %v", key, delErr)
		}
		if errors.Is(err, apperr.ErrConflict) {
			return nil, errKeyTaken
		}
		return nil, apperr.Upload(name, apperr.Persistence("add evidence", err))
	}
	return ev, nil
}

func cleanFileName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "file"
	}
	if r := []rune(name); len(r) > 255 {
		name = string(r[:255])
	}
	return name
}

func failureReason(err error) string {
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Field + ": " + ve.Reason
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, apperr.ErrPersistence):
		return "metadata not saved"
	case errors.Is(err, apperr.ErrForbidden):
		return "forbidden"
	default:
		return "upload failed"
	}
}

func failureLabel(err error) string {
	if apperr.IsValidation(err) {
		return "rejected"
	}
	return "failed"
}

// ListEvidence returns the evidence of an incident the actor can see.
func (s *Service) ListEvidence(ctx context.Context, actor access.Actor, incidentID string) ([]store.EvidenceFile, error) {
	inc, err := s.Get(ctx, actor, incidentID)
	if err != nil {
		return nil, err
	}
	if err := s.access.Authorize(actor, access.EntityEvidence, access.OpSelect, access.Resource{OwnerID: inc.UserID}); err != nil {
		return nil, err
	}
	items, err := s.evidence.ListEvidence(ctx, inc.ID)
	if err != nil {
		return nil, apperr.Persistence("list evidence", err)
	}
	if items == nil {
		items = []store.EvidenceFile{}
	}
	return items, nil
}

// OpenEvidence streams the blob behind an evidence row. The caller closes the reader.
func (s *Service) OpenEvidence(ctx context.Context, actor access.Actor, incidentID, evidenceID string, ip string) (*store.EvidenceFile, io.ReadCloser, error) {
	inc, err := s.Get(ctx, actor, incidentID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.access.Authorize(actor, access.EntityEvidence, access.OpSelect, access.Resource{OwnerID: inc.UserID}); err != nil {
		return nil, nil, err
	}
	if !store.IsValidID(evidenceID) {
		return nil, nil, apperr.ErrNotFound
	}
	ev, err := s.evidence.GetEvidence(ctx, inc.ID, evidenceID)
	if err != nil {
		return nil, nil, apperr.Persistence("load evidence", err)
	}
	if ev == nil {
		return nil, nil, apperr.ErrNotFound
	}
	if err := s.access.Authorize(actor, access.EntityBlob, access.OpSelect, access.Resource{OwnerID: access.BlobOwner(ev.FilePath)}); err != nil {
		return nil, nil, err
	}
	rc, _, err := s.blobs.Get(ctx, ev.FilePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil, apperr.ErrNotFound
		}
		return nil, nil, err
	}
	s.audit(ctx, store.NewAuditEntry(actor.UserID, "evidence.download", "evidence", ev.ID, map[string]string{"incident_id": inc.ID}).WithIP(ip))
	return ev, rc, nil
}
