// Package postgres implements storage.VersionStore on PostgreSQL via pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360studio/specpatch/spec"
	"github.com/c360studio/specpatch/storage"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store is a pgxpool-backed VersionStore.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

var _ storage.VersionStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool, opts...), nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("Database schema applied")
	return nil
}

const versionColumns = `id, workspace_id, lineage_id, parent_id, version_number, version_label, status,
	change_reason, triggered_by, regulation_trigger, frameworks, jurisdictions, modules, created_at`

func scanVersion(row pgx.Row) (*spec.SpecVersion, error) {
	var (
		v       spec.SpecVersion
		status  string
		trigger string
		modules []byte
	)
	err := row.Scan(&v.ID, &v.WorkspaceID, &v.LineageID, &v.ParentID, &v.VersionNumber, &v.VersionLabel,
		&status, &v.ChangeReason, &trigger, &v.RegulationTrigger, &v.Frameworks, &v.Jurisdictions,
		&modules, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.Status = spec.Status(status)
	v.TriggeredBy = spec.TriggeredBy(trigger)
	if err := json.Unmarshal(modules, &v.Modules); err != nil {
		return nil, fmt.Errorf("decode modules of %s: %w", v.ID, err)
	}
	return &v, nil
}

func collectVersions(rows pgx.Rows) ([]*spec.SpecVersion, error) {
	defer rows.Close()
	var out []*spec.SpecVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// GetVersion returns a version by id.
func (s *Store) GetVersion(ctx context.Context, id string) (*spec.SpecVersion, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM spec_versions WHERE id = $1`, id)
	v, err := scanVersion(row)
	if err != nil {
		return nil, notFound(err, "version "+id)
	}
	return v, nil
}

// GetActiveVersion returns the active version of a lineage.
func (s *Store) GetActiveVersion(ctx context.Context, lineageID string) (*spec.SpecVersion, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM spec_versions
		WHERE lineage_id = $1 AND status = 'active'`, lineageID)
	v, err := scanVersion(row)
	if err != nil {
		return nil, notFound(err, "active version of lineage "+lineageID)
	}
	return v, nil
}

// ListLineage returns every version of a lineage ordered by version number.
func (s *Store) ListLineage(ctx context.Context, lineageID string) ([]*spec.SpecVersion, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+versionColumns+` FROM spec_versions
		WHERE lineage_id = $1 ORDER BY version_number`, lineageID)
	if err != nil {
		return nil, fmt.Errorf("list lineage %s: %w", lineageID, err)
	}
	return collectVersions(rows)
}

// FindActiveCandidates matches declared scope case-insensitively.
func (s *Store) FindActiveCandidates(ctx context.Context, frameworks, jurisdictions []string) ([]*spec.SpecVersion, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+versionColumns+` FROM spec_versions
		WHERE status = 'active'
		  AND EXISTS (SELECT 1 FROM unnest(frameworks) f WHERE lower(f) = ANY($1))
		  AND EXISTS (SELECT 1 FROM unnest(jurisdictions) j WHERE lower(j) = ANY($2))
		ORDER BY id`, lowerAll(frameworks), lowerAll(jurisdictions))
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	return collectVersions(rows)
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// InsertInitialVersion stores version 1 of a new lineage.
func (s *Store) InsertInitialVersion(ctx context.Context, v *spec.SpecVersion) error {
	if v.ParentID != nil || v.VersionNumber != 1 {
		return fmt.Errorf("initial version must have no parent and version number 1")
	}
	if v.ID == "" {
		v.ID = storage.NewID()
	}
	if v.LineageID == "" {
		v.LineageID = v.ID
	}
	if v.Status == "" {
		v.Status = spec.StatusActive
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	if err := insertVersion(ctx, s.pool, v); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("lineage %s already exists: %w", v.LineageID, storage.ErrConflict)
		}
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertVersion(ctx context.Context, db execer, v *spec.SpecVersion) error {
	modules, err := json.Marshal(v.Modules)
	if err != nil {
		return fmt.Errorf("encode modules: %w", err)
	}
	_, err = db.Exec(ctx, `INSERT INTO spec_versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		v.ID, v.WorkspaceID, v.LineageID, v.ParentID, v.VersionNumber, v.VersionLabel, string(v.Status),
		v.ChangeReason, string(v.TriggeredBy), v.RegulationTrigger, nonNil(v.Frameworks), nonNil(v.Jurisdictions),
		modules, v.CreatedAt)
	return err
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// CreateChildVersion locks the parent row, requires it to still be active, then
// supersedes it, inserts the child, writes the audit rows and upserts the impact
// row in a single transaction.
func (s *Store) CreateChildVersion(ctx context.Context, p storage.ChildVersionParams) (*spec.SpecVersion, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	parent, err := scanVersion(tx.QueryRow(ctx, `SELECT `+versionColumns+` FROM spec_versions
		WHERE id = $1 FOR UPDATE`, p.ParentID))
	if err != nil {
		return nil, notFound(err, "parent "+p.ParentID)
	}
	if parent.Status != spec.StatusActive {
		return nil, fmt.Errorf("parent %s is %s: %w", parent.ID, parent.Status, storage.ErrConflict)
	}

	now := s.now()
	child := storage.DeriveChild(parent, p, now)

	if _, err := tx.Exec(ctx, `UPDATE spec_versions SET status = 'superseded' WHERE id = $1`, parent.ID); err != nil {
		return nil, fmt.Errorf("supersede parent: %w", err)
	}
	if err := insertVersion(ctx, tx, child); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert child of %s: %w", parent.ID, storage.ErrConflict)
		}
		return nil, fmt.Errorf("insert child: %w", err)
	}

	for _, d := range storage.StampDiffs(p.Diffs, parent.ID, child.ID, now) {
		_, err := tx.Exec(ctx, `INSERT INTO spec_diffs (id, from_version_id, to_version_id, module, clause_path,
			field_label, before_value, after_value, reason, regulation_trigger, severity, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			d.ID, d.FromVersionID, d.ToVersionID, string(d.Module), d.ClausePath, d.FieldLabel,
			rawOrNull(d.Before), rawOrNull(d.After), d.Reason, d.RegulationTrigger, string(d.Severity), d.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert diff %s: %w", d.ClausePath, err)
		}
	}

	entry := storage.PatchedImpact(p.Impact, parent, child, len(p.Diffs), now)
	if err := upsertImpact(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("commit child of %s: %w", parent.ID, storage.ErrConflict)
		}
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("Created spec version",
		"lineage_id", child.LineageID,
		"version_id", child.ID,
		"version_number", child.VersionNumber,
		"diffs", len(p.Diffs))
	return child, nil
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// ArchiveVersion marks a version archived.
func (s *Store) ArchiveVersion(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE spec_versions SET status = 'archived' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("archive version %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListDiffs returns the audit rows that produced a version.
func (s *Store) ListDiffs(ctx context.Context, toVersionID string) ([]spec.ClauseDiff, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, from_version_id, to_version_id, module, clause_path, field_label,
		before_value, after_value, reason, regulation_trigger, severity, created_at
		FROM spec_diffs WHERE to_version_id = $1 ORDER BY created_at, id`, toVersionID)
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}
	defer rows.Close()

	var out []spec.ClauseDiff
	for rows.Next() {
		var (
			d             spec.ClauseDiff
			module        string
			severity      string
			before, after []byte
		)
		if err := rows.Scan(&d.ID, &d.FromVersionID, &d.ToVersionID, &module, &d.ClausePath, &d.FieldLabel,
			&before, &after, &d.Reason, &d.RegulationTrigger, &severity, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		d.Module = spec.ModuleKey(module)
		d.Severity = spec.Severity(severity)
		d.Before = json.RawMessage(before)
		d.After = json.RawMessage(after)
		out = append(out, d)
	}
	return out, rows.Err()
}

const impactColumns = `id, regulation_ref, regulation_hash, workspace_id, lineage_id, spec_version_id,
	new_spec_version_id, affected_modules, diff_count, status, error_message, warnings,
	events_published_at, created_at, updated_at`

func upsertImpact(ctx context.Context, db execer, e *spec.ImpactLogEntry) error {
	modules := make([]string, len(e.AffectedModules))
	for i, m := range e.AffectedModules {
		modules[i] = string(m)
	}
	_, err := db.Exec(ctx, `INSERT INTO regulation_impact_log (`+impactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (regulation_ref, regulation_hash, lineage_id) DO UPDATE SET
			spec_version_id = EXCLUDED.spec_version_id,
			new_spec_version_id = EXCLUDED.new_spec_version_id,
			affected_modules = EXCLUDED.affected_modules,
			diff_count = EXCLUDED.diff_count,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			warnings = EXCLUDED.warnings,
			events_published_at = COALESCE(EXCLUDED.events_published_at, regulation_impact_log.events_published_at),
			updated_at = EXCLUDED.updated_at`,
		e.ID, e.RegulationRef, e.RegulationHash, e.WorkspaceID, e.LineageID, e.SpecVersionID,
		e.NewSpecVersionID, modules, e.DiffCount, string(e.Status), e.ErrorMessage, nonNil(e.Warnings),
		e.EventsPublishedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert impact log: %w", err)
	}
	return nil
}

// UpsertImpactLog inserts or updates the row for (regulation, lineage). The
// entry's ID is replaced by the stored row's identity.
func (s *Store) UpsertImpactLog(ctx context.Context, entry *spec.ImpactLogEntry) error {
	now := s.now()
	if entry.ID == "" {
		entry.ID = storage.NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if err := upsertImpact(ctx, s.pool, entry); err != nil {
		return err
	}
	stored, err := s.GetImpactLog(ctx, entry.RegulationRef, entry.RegulationHash, entry.LineageID)
	if err != nil {
		return err
	}
	entry.ID = stored.ID
	entry.CreatedAt = stored.CreatedAt
	entry.EventsPublishedAt = stored.EventsPublishedAt
	return nil
}

func scanImpact(row pgx.Row) (*spec.ImpactLogEntry, error) {
	var (
		e       spec.ImpactLogEntry
		modules []string
		status  string
	)
	err := row.Scan(&e.ID, &e.RegulationRef, &e.RegulationHash, &e.WorkspaceID, &e.LineageID, &e.SpecVersionID,
		&e.NewSpecVersionID, &modules, &e.DiffCount, &status, &e.ErrorMessage, &e.Warnings,
		&e.EventsPublishedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = spec.ImpactStatus(status)
	for _, m := range modules {
		e.AffectedModules = append(e.AffectedModules, spec.ModuleKey(m))
	}
	return &e, nil
}

// GetImpactLog returns the row for (regulation, lineage).
func (s *Store) GetImpactLog(ctx context.Context, regulationRef, regulationHash, lineageID string) (*spec.ImpactLogEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+impactColumns+` FROM regulation_impact_log
		WHERE regulation_ref = $1 AND regulation_hash = $2 AND lineage_id = $3`,
		regulationRef, regulationHash, lineageID)
	e, err := scanImpact(row)
	if err != nil {
		return nil, notFound(err, "impact log "+regulationRef)
	}
	return e, nil
}

// ListImpactLog returns every evaluation of a regulation, oldest first.
func (s *Store) ListImpactLog(ctx context.Context, regulationRef string) ([]*spec.ImpactLogEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+impactColumns+` FROM regulation_impact_log
		WHERE regulation_ref = $1 ORDER BY created_at, id`, regulationRef)
	if err != nil {
		return nil, fmt.Errorf("list impact log: %w", err)
	}
	defer rows.Close()

	var out []*spec.ImpactLogEntry
	for rows.Next() {
		e, err := scanImpact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan impact log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEventsPublished records that downstream events for a patched row went out.
func (s *Store) MarkEventsPublished(ctx context.Context, entryID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE regulation_impact_log
		SET events_published_at = $2, updated_at = $3 WHERE id = $1`, entryID, at, s.now())
	if err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("impact log %s: %w", entryID, storage.ErrNotFound)
	}
	return nil
}

// SetImpactStatus moves a row to a new status in place.
func (s *Store) SetImpactStatus(ctx context.Context, entryID string, status spec.ImpactStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE regulation_impact_log
		SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1`,
		entryID, string(status), errMsg, s.now())
	if err != nil {
		return fmt.Errorf("set impact status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("impact log %s: %w", entryID, storage.ErrNotFound)
	}
	return nil
}
