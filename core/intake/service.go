package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kestrel-eim/config"
	"kestrel-eim/core/media"
	"kestrel-eim/core/store"
	"kestrel-eim/core/utils"

	"github.com/sethvargo/go-retry"
)

// intakeState names the stages of one intake request for logs and audits.
type intakeState int

const (
	stateStarted intakeState = iota
	stateIdentifierAllocated
	stateMediaIngested
	statePersisted
	stateCommitted
	stateFailed
)

func (s intakeState) String() string {
	switch s {
	case stateStarted:
		return "started"
	case stateIdentifierAllocated:
		return "identifier-allocated"
	case stateMediaIngested:
		return "media-ingested"
	case statePersisted:
		return "persisted"
	case stateCommitted:
		return "committed"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// Service is the intake coordinator: it allocates the incident identifier,
// runs the media pipeline and persists the incident row. Media lands on the
// filesystem outside any database transaction; on a persistence failure the
// stored assets are cleaned up best-effort.
type Service struct {
	cfg    *config.AppConfig
	store  store.IncidentsStore
	audits store.AuditStore
	media  *media.Pipeline
	logger *utils.Logger
}

func NewService(cfg *config.AppConfig, st store.IncidentsStore, audits store.AuditStore, pipeline *media.Pipeline, logger *utils.Logger) *Service {
	return &Service{cfg: cfg, store: st, audits: audits, media: pipeline, logger: logger}
}

// Media exposes the pipeline for collaborators (sweeper, handlers).
func (s *Service) Media() *media.Pipeline {
	return s.media
}

type IntakeRequest struct {
	Category        string
	Title           string
	Description     string
	AssignedVehicle string
	Photos          []media.Upload
	Videos          []media.Upload
	Actor           string
}

type UpdateRequest struct {
	Title       *string
	Description *string
	Status      *string
	Photos      []media.Upload
	Videos      []media.Upload
	Actor       string
}

// CreateIncident runs the whole intake. Identifier allocation happens in its
// own short transaction so the counter lock is never held across file I/O;
// once allocated the identifier is consumed, and a later failure leaves a gap
// rather than attempting a compensating transaction.
func (s *Service) CreateIncident(ctx context.Context, req IntakeRequest) (*store.Incident, error) {
	state := stateStarted
	year := time.Now().UTC().Year()

	identifier, seq, err := s.allocate(ctx, year)
	if err != nil {
		s.logger.Errorf("intake %s: allocation failed: %v", stateFailed, err)
		return nil, err
	}
	state = stateIdentifierAllocated
	s.logger.Debugf("intake %s: %s", state, identifier)

	photos, err := s.media.Ingest(ctx, req.Photos, req.Category, identifier, media.KindPhotos)
	if err != nil {
		return nil, s.failIngest(identifier, req.Category, photos, nil, err)
	}
	videos, err := s.media.Ingest(ctx, req.Videos, req.Category, identifier, media.KindVideos)
	if err != nil {
		return nil, s.failIngest(identifier, req.Category, photos, videos, err)
	}
	state = stateMediaIngested
	s.logger.Debugf("intake %s: %s", state, identifier)

	inc := &store.Incident{
		Identifier:  identifier,
		Year:        year,
		Seq:         seq,
		Category:    req.Category,
		Title:       req.Title,
		Description: req.Description,
		Photos:      photos,
		Videos:      videos,
	}
	if v := strings.TrimSpace(req.AssignedVehicle); v != "" {
		inc.AssignedVehicle = &v
	}
	if _, err := s.store.CreateIncident(ctx, inc); err != nil {
		return nil, s.failIngest(identifier, req.Category, photos, videos, err)
	}
	state = statePersisted
	s.logger.Debugf("intake %s: %s", state, identifier)

	s.audit(ctx, req.Actor, "incident.create", fmt.Sprintf("%s|photos=%d|videos=%d", identifier, len(photos), len(videos)))
	state = stateCommitted
	s.logger.Infof("intake %s: %s with %d photos, %d videos", state, identifier, len(photos), len(videos))
	return inc, nil
}

// failIngest cleans up whatever media already landed on disk and returns the
// original failure. The identifier stays consumed.
func (s *Service) failIngest(identifier, category string, photos, videos []string, cause error) error {
	for _, p := range photos {
		s.media.DeletePhoto(p)
	}
	for _, v := range videos {
		s.media.DeleteVideo(v)
	}
	if err := s.media.PurgeIdentifier(category, identifier); err != nil {
		s.logger.Warnf("intake cleanup for %s: %v", identifier, err)
	}
	s.logger.Errorf("intake %s: %s: %v", stateFailed, identifier, cause)
	return cause
}

// allocate wraps the store allocation in the bounded retry loop: collisions
// and lock contention back off exponentially, everything else fails fast.
func (s *Service) allocate(ctx context.Context, year int) (string, int64, error) {
	prefix := strings.TrimSpace(s.cfg.Intake.IdentifierPrefix)
	if prefix == "" {
		prefix = "EMS"
	}
	attempts := s.cfg.Intake.AllocateAttempts
	if attempts <= 0 {
		attempts = 10
	}
	base := s.cfg.Intake.AllocateBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))

	var identifier string
	var seq int64
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		id, sq, err := s.store.AllocateIdentifier(ctx, prefix, year, s.cfg.Intake.SequencePad)
		if err != nil {
			if isRetryableAllocation(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		identifier, seq = id, sq
		return nil
	})
	if err != nil {
		if isRetryableAllocation(err) {
			return "", 0, fmt.Errorf("%w after %d attempts: %v", ErrAllocationExhausted, attempts, err)
		}
		return "", 0, err
	}
	return identifier, seq, nil
}

func isRetryableAllocation(err error) bool {
	if errors.Is(err, store.ErrIdentifierTaken) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "could not serialize access")
}

// UpdateIncident applies field changes and ingests only the newly supplied
// media, appending to the existing path lists. Previously stored media is
// never dropped on a partial failure of the new batch.
func (s *Service) UpdateIncident(ctx context.Context, id int64, req UpdateRequest) (*store.Incident, error) {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil || inc.Lifecycle() != store.LifecycleActive {
		return nil, ErrNotFound
	}
	newPhotos, err := s.media.Ingest(ctx, req.Photos, inc.Category, inc.Identifier, media.KindPhotos)
	if err != nil {
		s.dropNewMedia(newPhotos, nil)
		return nil, err
	}
	newVideos, err := s.media.Ingest(ctx, req.Videos, inc.Category, inc.Identifier, media.KindVideos)
	if err != nil {
		s.dropNewMedia(newPhotos, newVideos)
		return nil, err
	}
	if req.Title != nil {
		inc.Title = *req.Title
	}
	if req.Description != nil {
		inc.Description = *req.Description
	}
	if req.Status != nil {
		inc.Status = *req.Status
	}
	inc.Photos = append(inc.Photos, newPhotos...)
	inc.Videos = append(inc.Videos, newVideos...)
	if err := s.store.UpdateIncident(ctx, inc, inc.Version); err != nil {
		s.dropNewMedia(newPhotos, newVideos)
		return nil, err
	}
	if len(newPhotos) > 0 || len(newVideos) > 0 {
		s.audit(ctx, req.Actor, "incident.media.append", fmt.Sprintf("%s|photos=%d|videos=%d", inc.Identifier, len(newPhotos), len(newVideos)))
	}
	return inc, nil
}

// dropNewMedia removes a just-ingested batch after an update failed to
// persist. Unlike failIngest the identifier directory stays: the incident row
// is still live and its earlier media must survive.
func (s *Service) dropNewMedia(photos, videos []string) {
	for _, p := range photos {
		s.media.DeletePhoto(p)
	}
	for _, v := range videos {
		s.media.DeleteVideo(v)
	}
}

// DeletePhoto removes one stored photo path from the incident and purges all
// its variants from storage. Deleting an already-absent asset succeeds.
func (s *Service) DeletePhoto(ctx context.Context, id int64, path string, actor string) (bool, error) {
	return s.deleteAsset(ctx, id, path, actor, media.KindPhotos)
}

func (s *Service) DeleteVideo(ctx context.Context, id int64, path string, actor string) (bool, error) {
	return s.deleteAsset(ctx, id, path, actor, media.KindVideos)
}

func (s *Service) deleteAsset(ctx context.Context, id int64, path, actor string, kind media.Kind) (bool, error) {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return false, err
	}
	if inc == nil {
		return false, ErrNotFound
	}
	paths := inc.Photos
	if kind == media.KindVideos {
		paths = inc.Videos
	}
	kept := make([]string, 0, len(paths))
	found := false
	for _, p := range paths {
		if p == path && !found {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return false, ErrNotFound
	}
	if kind == media.KindVideos {
		inc.Videos = kept
	} else {
		inc.Photos = kept
	}
	if err := s.store.SetIncidentMedia(ctx, id, inc.Photos, inc.Videos, inc.Version); err != nil {
		return false, err
	}
	ok := s.media.DeletePhoto(path)
	if kind == media.KindVideos {
		ok = s.media.DeleteVideo(path)
	}
	s.audit(ctx, actor, "incident.media.delete", fmt.Sprintf("%s|%s", inc.Identifier, path))
	return ok, nil
}

// AddCasualty attaches a casualty sub-record; the incident tallies move
// incrementally inside the store transaction.
func (s *Service) AddCasualty(ctx context.Context, c *store.Casualty, actor string) (int64, error) {
	inc, err := s.store.GetIncident(ctx, c.IncidentID)
	if err != nil {
		return 0, err
	}
	if inc == nil || inc.Lifecycle() != store.LifecycleActive {
		return 0, ErrNotFound
	}
	id, err := s.store.AddCasualty(ctx, c)
	if err != nil {
		return 0, err
	}
	s.audit(ctx, actor, "incident.casualty.add", fmt.Sprintf("%s|%s", inc.Identifier, c.Condition))
	return id, nil
}

// SoftDelete releases the assigned vehicle and soft-deletes the row. Media
// stays on disk so the incident can be restored.
func (s *Service) SoftDelete(ctx context.Context, id int64, actor string) error {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	if inc == nil || inc.Lifecycle() != store.LifecycleActive {
		return ErrNotFound
	}
	if inc.AssignedVehicle != nil {
		if err := s.store.ReleaseVehicle(ctx, id); err != nil {
			return err
		}
	}
	if err := s.store.SoftDeleteIncident(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, actor, "incident.delete", inc.Identifier)
	return nil
}

// Restore brings a soft-deleted incident back.
func (s *Service) Restore(ctx context.Context, id int64, actor string) error {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	if inc == nil || inc.Lifecycle() != store.LifecycleSoftDeleted {
		return ErrNotFound
	}
	if err := s.store.RestoreIncident(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, actor, "incident.restore", inc.Identifier)
	return nil
}

// HardDelete purges every media variant unconditionally, then removes the
// row. Irreversible; the issued sequence number stays consumed.
func (s *Service) HardDelete(ctx context.Context, id int64, actor string) error {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	if inc == nil {
		return ErrNotFound
	}
	for _, p := range inc.Photos {
		s.media.DeletePhoto(p)
	}
	for _, v := range inc.Videos {
		s.media.DeleteVideo(v)
	}
	if err := s.media.PurgeIdentifier(inc.Category, inc.Identifier); err != nil {
		s.logger.Warnf("purge assets for %s: %v", inc.Identifier, err)
	}
	if err := s.store.HardDeleteIncident(ctx, id); err != nil {
		return err
	}
	s.audit(ctx, actor, "incident.purge", inc.Identifier)
	return nil
}

func (s *Service) audit(ctx context.Context, actor, action, details string) {
	if s.audits == nil {
		return
	}
	if err := s.audits.Log(ctx, actor, action, details); err != nil {
		s.logger.Warnf("audit %s: %v", action, err)
	}
}
