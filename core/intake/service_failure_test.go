package intake

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kestrel-eim/core/media"
	"kestrel-eim/core/store"
	"kestrel-eim/core/utils"
)

// faultStore wraps the real store and fails selected operations so the
// coordinator's failure paths can be driven deterministically.
type faultStore struct {
	store.IncidentsStore
	allocateErr error
	createErr   error
	updateErr   error
}

func (f *faultStore) AllocateIdentifier(ctx context.Context, prefix string, year, pad int) (string, int64, error) {
	if f.allocateErr != nil {
		return "", 0, f.allocateErr
	}
	return f.IncidentsStore.AllocateIdentifier(ctx, prefix, year, pad)
}

func (f *faultStore) CreateIncident(ctx context.Context, inc *store.Incident) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	return f.IncidentsStore.CreateIncident(ctx, inc)
}

func (f *faultStore) UpdateIncident(ctx context.Context, inc *store.Incident, expectedVersion int) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.IncidentsStore.UpdateIncident(ctx, inc, expectedVersion)
}

func countAssets(t *testing.T, svc *Service, identifier string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(svc.Media().Root(), "fire", "*", "*", identifier, "*", "*", "*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return len(matches)
}

func TestUpdateConflictCleansUpNewMedia(t *testing.T) {
	ctx, cfg, st, svc := setupIntake(t)
	inc, err := svc.CreateIncident(ctx, IntakeRequest{Category: "Fire", Title: "t", Photos: []media.Upload{photoUpload(t, "a.jpg")}, Actor: "op"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := countAssets(t, svc, inc.Identifier)

	conflicted := NewService(cfg, &faultStore{IncidentsStore: st, updateErr: store.ErrConflict}, nil, svc.Media(), utils.NewLogger())
	_, err = conflicted.UpdateIncident(ctx, inc.ID, UpdateRequest{
		Photos: []media.Upload{photoUpload(t, "b.jpg")},
		Actor:  "op",
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// The batch that failed to persist must not linger on disk.
	if after := countAssets(t, svc, inc.Identifier); after != before {
		t.Fatalf("unpersisted media left behind: %d files before, %d after", before, after)
	}
	// The media ingested at create time is untouched.
	got, err := st.GetIncident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Photos) != 1 || got.Photos[0] != inc.Photos[0] {
		t.Fatalf("existing media disturbed: %+v", got.Photos)
	}
	mustExistOnDisk(t, svc, got.Photos[0])
}

func TestAllocationExhaustedAfterRetries(t *testing.T) {
	ctx, cfg, st, svc := setupIntake(t)
	cfg.Intake.AllocateAttempts = 3
	cfg.Intake.AllocateBackoff = time.Millisecond
	starved := NewService(cfg, &faultStore{IncidentsStore: st, allocateErr: store.ErrIdentifierTaken}, nil, svc.Media(), utils.NewLogger())
	_, err := starved.CreateIncident(ctx, IntakeRequest{Category: "Fire", Title: "t", Actor: "op"})
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Fatalf("expected ErrAllocationExhausted, got %v", err)
	}
}

func TestCreateFailureCleansUpIngestedMedia(t *testing.T) {
	ctx, cfg, st, svc := setupIntake(t)
	boom := errors.New("disk full")
	failing := NewService(cfg, &faultStore{IncidentsStore: st, createErr: boom}, nil, svc.Media(), utils.NewLogger())
	_, err := failing.CreateIncident(ctx, IntakeRequest{
		Category: "Fire",
		Title:    "t",
		Photos:   []media.Upload{photoUpload(t, "a.jpg")},
		Actor:    "op",
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the persistence error back, got %v", err)
	}
	// failIngest purges the whole identifier directory.
	matches, _ := filepath.Glob(filepath.Join(svc.Media().Root(), "fire", "*", "*", "*"))
	if len(matches) != 0 {
		t.Fatalf("asset tree survived failed intake: %v", matches)
	}
}

func mustExistOnDisk(t *testing.T, svc *Service, rel string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(svc.Media().Root(), filepath.FromSlash(rel))); err != nil {
		t.Fatalf("expected %s on disk: %v", rel, err)
	}
}
