package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/al4/orlo/internal/domain"
	"github.com/al4/orlo/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var _ repository.ReleaseRepository = (*Repository)(nil)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateRelease stores the release, its platform links and optional initial
// note in one transaction.
func (r *Repository) CreateRelease(ctx context.Context, release *domain.Release, note *domain.ReleaseNote) error {
	if release == nil {
		return fmt.Errorf("release required")
	}
	refs, err := json.Marshal(release.References)
	if err != nil {
		return fmt.Errorf("encode references: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const releaseInsert = `INSERT INTO releases (id, user_name, team, refs, stime, ftime)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, releaseInsert,
		release.ID,
		release.User,
		nilIfEmpty(release.Team),
		string(refs),
		release.StartTime.UTC(),
		timePtrToNil(release.FinishTime),
	); err != nil {
		return mapError(err)
	}

	if len(release.Platforms) > 0 {
		const platformUpsert = `INSERT INTO platforms (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`
		const linkInsert = `INSERT INTO release_platforms (release_id, platform_name) VALUES ($1, $2)`
		batch := &pgx.Batch{}
		for _, name := range release.Platforms {
			batch.Queue(platformUpsert, name)
			batch.Queue(linkInsert, release.ID, name)
		}
		br := tx.SendBatch(ctx, batch)
		for range batch.Len() {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return mapError(err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}

	if note != nil {
		if err := insertNote(ctx, tx, note); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// UpdateRelease locks the release row, applies fn and persists the finish
// time.
func (r *Repository) UpdateRelease(ctx context.Context, releaseID string, fn func(*domain.Release) error) error {
	if !validID(releaseID) {
		return repository.ErrNotFound
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const selectQuery = `SELECT id, user_name, COALESCE(team, ''), refs, stime, ftime
		FROM releases WHERE id = $1 FOR UPDATE`
	var (
		release domain.Release
		refs    string
		ftime   sql.NullTime
	)
	if err := tx.QueryRow(ctx, selectQuery, releaseID).Scan(&release.ID, &release.User, &release.Team, &refs, &release.StartTime, &ftime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if err := decodeRefs(refs, &release.References); err != nil {
		return err
	}
	if ftime.Valid {
		t := ftime.Time
		release.FinishTime = &t
	}

	if err := fn(&release); err != nil {
		return err
	}

	const update = `UPDATE releases SET ftime = $2 WHERE id = $1`
	if _, err := tx.Exec(ctx, update, release.ID, timePtrToNil(release.FinishTime)); err != nil {
		return mapError(err)
	}
	return tx.Commit(ctx)
}

// CreatePackage stores a package under its release.
func (r *Repository) CreatePackage(ctx context.Context, pkg *domain.Package) error {
	if pkg == nil {
		return fmt.Errorf("package required")
	}
	if !validID(pkg.ReleaseID) {
		return repository.ErrNotFound
	}
	const query = `INSERT INTO packages (id, release_id, name, version, diff_url, rollback, stime, ftime, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		pkg.ID,
		pkg.ReleaseID,
		pkg.Name,
		pkg.Version,
		nilIfEmpty(pkg.DiffURL),
		pkg.Rollback,
		timePtrToNil(pkg.StartTime),
		timePtrToNil(pkg.FinishTime),
		boolPtrToNil(pkg.Success),
		pkg.CreatedAt.UTC(),
	)
	return mapError(err)
}

// UpdatePackage locks the package row, applies fn and persists its lifecycle
// columns. Concurrent transitions on one package serialize on the lock.
func (r *Repository) UpdatePackage(ctx context.Context, releaseID, packageID string, fn func(*domain.Package) error) error {
	if !validID(releaseID) || !validID(packageID) {
		return repository.ErrNotFound
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const selectQuery = `SELECT id, release_id, name, version, diff_url, rollback, stime, ftime, success, created_at
		FROM packages WHERE id = $1 AND release_id = $2 FOR UPDATE`
	var (
		pkg     domain.Package
		diffURL sql.NullString
		stime   sql.NullTime
		ftime   sql.NullTime
		success sql.NullBool
	)
	if err := tx.QueryRow(ctx, selectQuery, packageID, releaseID).Scan(
		&pkg.ID, &pkg.ReleaseID, &pkg.Name, &pkg.Version, &diffURL, &pkg.Rollback, &stime, &ftime, &success, &pkg.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	pkg.DiffURL = diffURL.String
	pkg.StartTime = nullTimePtr(stime)
	pkg.FinishTime = nullTimePtr(ftime)
	if success.Valid {
		v := success.Bool
		pkg.Success = &v
	}

	if err := fn(&pkg); err != nil {
		return err
	}

	const update = `UPDATE packages SET stime = $2, ftime = $3, success = $4 WHERE id = $1`
	if _, err := tx.Exec(ctx, update, pkg.ID, timePtrToNil(pkg.StartTime), timePtrToNil(pkg.FinishTime), boolPtrToNil(pkg.Success)); err != nil {
		return mapError(err)
	}
	return tx.Commit(ctx)
}

// AddReleaseNote appends a note to a release.
func (r *Repository) AddReleaseNote(ctx context.Context, note *domain.ReleaseNote) error {
	if note == nil {
		return fmt.Errorf("note required")
	}
	if !validID(note.ReleaseID) {
		return repository.ErrNotFound
	}
	return insertNote(ctx, r.pool, note)
}

// AddPackageResult appends a result to a package of the given release.
func (r *Repository) AddPackageResult(ctx context.Context, releaseID string, result *domain.PackageResult) error {
	if result == nil {
		return fmt.Errorf("result required")
	}
	if !validID(releaseID) || !validID(result.PackageID) {
		return repository.ErrNotFound
	}
	const query = `INSERT INTO package_results (id, package_id, content, created_at)
		SELECT $1, p.id, $3, $4 FROM packages p WHERE p.id = $2 AND p.release_id = $5`
	tag, err := r.pool.Exec(ctx, query, result.ID, result.PackageID, result.Content, result.CreatedAt.UTC(), releaseID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ReleaseExists reports whether a release with id is stored.
func (r *Repository) ReleaseExists(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM releases WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertNote(ctx context.Context, db execer, note *domain.ReleaseNote) error {
	const query = `INSERT INTO release_notes (id, release_id, content, created_at) VALUES ($1, $2, $3, $4)`
	_, err := db.Exec(ctx, query, note.ID, note.ReleaseID, note.Content, note.CreatedAt.UTC())
	return mapError(err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02", "23505":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return err
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func decodeRefs(raw string, dst *[]string) error {
	if strings.TrimSpace(raw) == "" {
		*dst = []string{}
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode references: %w", err)
	}
	if *dst == nil {
		*dst = []string{}
	}
	return nil
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func boolPtrToNil(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
