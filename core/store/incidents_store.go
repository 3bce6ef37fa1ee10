package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrConflict = errors.New("conflict")

	// ErrIdentifierTaken marks an allocation collision. Callers retry the
	// whole allocation transaction.
	ErrIdentifierTaken = errors.New("identifier taken")
)

// Lifecycle is the explicit incident existence state. Purged rows are gone
// from the table entirely; the constant exists so callers can name the state.
type Lifecycle int

const (
	LifecycleActive Lifecycle = iota
	LifecycleSoftDeleted
	LifecyclePurged
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleActive:
		return "active"
	case LifecycleSoftDeleted:
		return "soft-deleted"
	case LifecyclePurged:
		return "purged"
	}
	return "unknown"
}

type Incident struct {
	ID              int64      `json:"id"`
	Identifier      string     `json:"identifier"`
	Year            int        `json:"year"`
	Seq             int64      `json:"seq"`
	Category        string     `json:"category"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Status          string     `json:"status"`
	Photos          []string   `json:"photos"`
	Videos          []string   `json:"videos"`
	InjuredCount    int        `json:"injured_count"`
	FatalityCount   int        `json:"fatality_count"`
	AssignedVehicle *string    `json:"assigned_vehicle,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int        `json:"version"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

func (i *Incident) Lifecycle() Lifecycle {
	if i == nil {
		return LifecyclePurged
	}
	if i.DeletedAt != nil {
		return LifecycleSoftDeleted
	}
	return LifecycleActive
}

type Casualty struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incident_id"`
	Name       string    `json:"name"`
	Condition  string    `json:"condition"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	CasualtyInjured  = "injured"
	CasualtyFatal    = "fatal"
	CasualtyUnharmed = "unharmed"
)

type IncidentFilter struct {
	Search         string
	Status         string
	Category       string
	Year           int
	IncludeDeleted bool
	Limit          int
	Offset         int
}

type IncidentsStore interface {
	AllocateIdentifier(ctx context.Context, prefix string, year, pad int) (string, int64, error)
	CreateIncident(ctx context.Context, incident *Incident) (int64, error)
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	GetIncidentByIdentifier(ctx context.Context, identifier string) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	UpdateIncident(ctx context.Context, incident *Incident, expectedVersion int) error
	SetIncidentMedia(ctx context.Context, id int64, photos, videos []string, expectedVersion int) error
	SoftDeleteIncident(ctx context.Context, id int64) error
	RestoreIncident(ctx context.Context, id int64) error
	HardDeleteIncident(ctx context.Context, id int64) error
	ReleaseVehicle(ctx context.Context, id int64) error

	AddCasualty(ctx context.Context, c *Casualty) (int64, error)
	ListCasualties(ctx context.Context, incidentID int64) ([]Casualty, error)

	KnownIdentifiers(ctx context.Context) (map[string]struct{}, error)
}

type incidentsStore struct {
	db *DB
}

func NewIncidentsStore(db *DB) IncidentsStore {
	return &incidentsStore{db: db}
}

// BuildIdentifier renders PREFIX-YYYY-NNN. The pad widens on its own once the
// sequence outgrows it, so the 1000th allocation in a year yields a four-digit
// tail instead of failing.
func BuildIdentifier(prefix string, year int, seq int64, pad int) string {
	if pad <= 0 {
		pad = 3
	}
	return fmt.Sprintf("%s-%d-%0*d", prefix, year, pad, seq)
}

// ParseIdentifier splits PREFIX-YYYY-NNN back into its parts. The prefix may
// itself contain dashes; year and sequence are the last two segments.
func ParseIdentifier(identifier string) (prefix string, year int, seq int64, err error) {
	parts := strings.Split(identifier, "-")
	if len(parts) < 3 {
		return "", 0, 0, fmt.Errorf("malformed identifier %q", identifier)
	}
	seq, err = strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed identifier %q: bad sequence", identifier)
	}
	year, err = strconv.Atoi(parts[len(parts)-2])
	if err != nil || len(parts[len(parts)-2]) != 4 {
		return "", 0, 0, fmt.Errorf("malformed identifier %q: bad year", identifier)
	}
	return strings.Join(parts[:len(parts)-2], "-"), year, seq, nil
}

// AllocateIdentifier issues the next sequence for (prefix, year) atomically.
// The counter row is the source of truth; on first use of a partition it is
// seeded from the highest sequence already present in the incidents table,
// soft-deleted rows included, so deleted numbers are never reissued. The
// candidate identifier is re-checked inside the same transaction before the
// counter value is committed.
func (s *incidentsStore) AllocateIdentifier(ctx context.Context, prefix string, year, pad int) (string, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, err
	}
	var seed int64
	if err := tx.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COALESCE(MAX(seq), 0) FROM incidents WHERE year=? AND identifier LIKE ?`),
		year, prefix+"-%").Scan(&seed); err != nil {
		tx.Rollback()
		return "", 0, err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO incident_seq_counters(prefix, year, seq)
		VALUES(?,?,?)
		ON CONFLICT (prefix, year)
		DO UPDATE SET seq = incident_seq_counters.seq + 1
		RETURNING seq`), prefix, year, seed+1).Scan(&seq); err != nil {
		tx.Rollback()
		return "", 0, err
	}
	candidate := BuildIdentifier(prefix, year, seq, pad)
	var taken int
	if err := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(1) FROM incidents WHERE identifier=?`), candidate).Scan(&taken); err != nil {
		tx.Rollback()
		return "", 0, err
	}
	if taken > 0 {
		tx.Rollback()
		return "", 0, fmt.Errorf("allocate %s: %w", candidate, ErrIdentifierTaken)
	}
	if err := tx.Commit(); err != nil {
		return "", 0, err
	}
	return candidate, seq, nil
}

func (s *incidentsStore) CreateIncident(ctx context.Context, incident *Incident) (int64, error) {
	if strings.TrimSpace(incident.Identifier) == "" {
		return 0, errors.New("incident identifier not set")
	}
	if incident.Version <= 0 {
		incident.Version = 1
	}
	if strings.TrimSpace(incident.Status) == "" {
		incident.Status = "open"
	}
	now := time.Now().UTC()
	const insertIncident = `
		INSERT INTO incidents(identifier, year, seq, category, title, description, status, photos, videos, injured_count, fatality_count, assigned_vehicle, created_at, updated_at, version, deleted_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL)`
	args := []any{
		incident.Identifier, incident.Year, incident.Seq, strings.TrimSpace(incident.Category), incident.Title, incident.Description, incident.Status,
		pathsToJSON(incident.Photos), pathsToJSON(incident.Videos), incident.InjuredCount, incident.FatalityCount,
		nullableStr(incident.AssignedVehicle), now, now, incident.Version,
	}
	var id int64
	var err error
	if s.db.Dialect() == DialectPostgres {
		err = s.db.QueryRowContext(ctx, s.db.Rebind(insertIncident+` RETURNING id`), args...).Scan(&id)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx, insertIncident, args...)
		if err == nil {
			id, _ = res.LastInsertId()
		}
	}
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("insert %s: %w", incident.Identifier, ErrIdentifierTaken)
		}
		return 0, err
	}
	incident.ID = id
	incident.CreatedAt = now
	incident.UpdatedAt = now
	return id, nil
}

func (s *incidentsStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(selectIncident+` WHERE id=?`), id)
	return scanIncidentRow(row)
}

func (s *incidentsStore) GetIncidentByIdentifier(ctx context.Context, identifier string) (*Incident, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, s.db.Rebind(selectIncident+` WHERE identifier=?`), identifier)
	return scanIncidentRow(row)
}

const selectIncident = `
	SELECT id, identifier, year, seq, category, title, description, status, photos, videos, injured_count, fatality_count, assigned_vehicle, created_at, updated_at, version, deleted_at
	FROM incidents`

func (s *incidentsStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	var clauses []string
	var args []any
	if !filter.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, filter.Status)
	}
	if filter.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, filter.Category)
	}
	if filter.Year > 0 {
		clauses = append(clauses, "year=?")
		args = append(args, filter.Year)
	}
	if filter.Search != "" {
		clauses = append(clauses, "(title LIKE ? OR description LIKE ? OR identifier LIKE ?)")
		q := "%" + filter.Search + "%"
		args = append(args, q, q, q)
	}
	query := selectIncident
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY year DESC, seq DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncidentRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

func (s *incidentsStore) UpdateIncident(ctx context.Context, incident *Incident, expectedVersion int) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE incidents SET category=?, title=?, description=?, status=?, photos=?, videos=?, assigned_vehicle=?, updated_at=?, version=version+1
		WHERE id=? AND version=?`),
		strings.TrimSpace(incident.Category), incident.Title, incident.Description, incident.Status,
		pathsToJSON(incident.Photos), pathsToJSON(incident.Videos), nullableStr(incident.AssignedVehicle),
		now, incident.ID, expectedVersion)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	incident.Version = expectedVersion + 1
	incident.UpdatedAt = now
	return nil
}

func (s *incidentsStore) SetIncidentMedia(ctx context.Context, id int64, photos, videos []string, expectedVersion int) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE incidents SET photos=?, videos=?, updated_at=?, version=version+1
		WHERE id=? AND version=?`),
		pathsToJSON(photos), pathsToJSON(videos), now, id, expectedVersion)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *incidentsStore) SoftDeleteIncident(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE incidents SET deleted_at=?, updated_at=?, version=version+1 WHERE id=? AND deleted_at IS NULL`),
		now, now, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *incidentsStore) RestoreIncident(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE incidents SET deleted_at=NULL, updated_at=?, version=version+1 WHERE id=? AND deleted_at IS NOT NULL`),
		now, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

// HardDeleteIncident removes the row for good. The sequence counter keeps the
// issued number, so it is never reused.
func (s *incidentsStore) HardDeleteIncident(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM incidents WHERE id=?`), id)
	return err
}

func (s *incidentsStore) ReleaseVehicle(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE incidents SET assigned_vehicle=NULL, updated_at=?, version=version+1 WHERE id=? AND assigned_vehicle IS NOT NULL`),
		time.Now().UTC(), id)
	return err
}

// AddCasualty records the sub-record and bumps the incident tallies in the
// same transaction. Tallies are maintained incrementally, never recounted.
func (s *incidentsStore) AddCasualty(ctx context.Context, c *Casualty) (int64, error) {
	cond := strings.ToLower(strings.TrimSpace(c.Condition))
	switch cond {
	case CasualtyInjured, CasualtyFatal, CasualtyUnharmed:
	default:
		return 0, fmt.Errorf("unknown casualty condition %q", c.Condition)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	const insertCasualty = `
		INSERT INTO incident_casualties(incident_id, name, condition, notes, created_at)
		VALUES(?,?,?,?,?)`
	casualtyArgs := []any{c.IncidentID, strings.TrimSpace(c.Name), cond, strings.TrimSpace(c.Notes), now}
	var id int64
	if s.db.Dialect() == DialectPostgres {
		err = tx.QueryRowContext(ctx, s.db.Rebind(insertCasualty+` RETURNING id`), casualtyArgs...).Scan(&id)
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, insertCasualty, casualtyArgs...)
		if err == nil {
			id, _ = res.LastInsertId()
		}
	}
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	injured, fatal := 0, 0
	switch cond {
	case CasualtyInjured:
		injured = 1
	case CasualtyFatal:
		fatal = 1
	}
	if injured > 0 || fatal > 0 {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			UPDATE incidents SET injured_count=injured_count+?, fatality_count=fatality_count+?, updated_at=?, version=version+1
			WHERE id=?`), injured, fatal, now, c.IncidentID); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	c.ID = id
	c.Condition = cond
	c.CreatedAt = now
	return id, nil
}

func (s *incidentsStore) ListCasualties(ctx context.Context, incidentID int64) ([]Casualty, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, incident_id, name, condition, notes, created_at
		FROM incident_casualties WHERE incident_id=? ORDER BY created_at ASC, id ASC`), incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Casualty
	for rows.Next() {
		var c Casualty
		if err := rows.Scan(&c.ID, &c.IncidentID, &c.Name, &c.Condition, &c.Notes, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// KnownIdentifiers returns every identifier still present in the table,
// soft-deleted rows included. The sweeper uses this to spot orphaned asset
// directories.
func (s *incidentsStore) KnownIdentifiers(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identifier FROM incidents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = struct{}{}
	}
	return res, rows.Err()
}

func pathsToJSON(paths []string) string {
	if len(paths) == 0 {
		return "[]"
	}
	b, err := json.Marshal(paths)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parsePaths(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return nil
	}
	return paths
}

func nullableStr(s *string) any {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return *s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate key value")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(sc rowScanner) (Incident, error) {
	var inc Incident
	var photosRaw, videosRaw string
	var vehicle sql.NullString
	var deleted sql.NullTime
	if err := sc.Scan(&inc.ID, &inc.Identifier, &inc.Year, &inc.Seq, &inc.Category, &inc.Title, &inc.Description, &inc.Status,
		&photosRaw, &videosRaw, &inc.InjuredCount, &inc.FatalityCount, &vehicle, &inc.CreatedAt, &inc.UpdatedAt, &inc.Version, &deleted); err != nil {
		return inc, err
	}
	inc.Photos = parsePaths(photosRaw)
	inc.Videos = parsePaths(videosRaw)
	if vehicle.Valid {
		v := vehicle.String
		inc.AssignedVehicle = &v
	}
	if deleted.Valid {
		t := deleted.Time
		inc.DeletedAt = &t
	}
	return inc, nil
}

func scanIncidentRow(row *sql.Row) (*Incident, error) {
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &inc, nil
}

func scanIncidentRows(rows *sql.Rows) (Incident, error) {
	return scanIncident(rows)
}
