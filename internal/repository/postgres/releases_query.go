package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/al4/orlo/internal/domain"
	"github.com/al4/orlo/internal/filter"
	"github.com/al4/orlo/internal/query"
)

// Aggregate columns. Child rows are folded into JSON per release so one row
// carries the whole aggregate and no join can multiply releases. Timestamps
// inside the JSON are epoch microseconds.
const releaseSelect = `SELECT r.id, r.user_name, COALESCE(r.team, ''), r.refs, r.stime, r.ftime,
	COALESCE((SELECT array_agg(rp.platform_name ORDER BY rp.platform_name)
		FROM release_platforms rp WHERE rp.release_id = r.id), '{}') AS platforms,
	COALESCE((SELECT json_agg(json_build_object(
			'id', n.id,
			'content', n.content,
			'created_us', (extract(epoch FROM n.created_at) * 1000000)::bigint
		) ORDER BY n.created_at, n.id)
		FROM release_notes n WHERE n.release_id = r.id), '[]'::json) AS notes,
	COALESCE((SELECT json_agg(json_build_object(
			'id', p.id,
			'name', p.name,
			'version', p.version,
			'diff_url', p.diff_url,
			'rollback', p.rollback,
			'stime_us', (extract(epoch FROM p.stime) * 1000000)::bigint,
			'ftime_us', (extract(epoch FROM p.ftime) * 1000000)::bigint,
			'success', p.success,
			'created_us', (extract(epoch FROM p.created_at) * 1000000)::bigint,
			'results', COALESCE((SELECT json_agg(json_build_object(
					'id', pr.id,
					'content', pr.content,
					'created_us', (extract(epoch FROM pr.created_at) * 1000000)::bigint
				) ORDER BY pr.created_at, pr.id)
				FROM package_results pr WHERE pr.package_id = p.id), '[]'::json)
		) ORDER BY p.created_at, p.id)
		FROM packages p WHERE p.release_id = r.id), '[]'::json) AS packages
FROM releases r`

// buildReleaseQuery renders a plan to SQL. Release row conditions come first,
// then one independent EXISTS subquery per joined predicate, grouped by
// relationship. With latest set, the most recent match is selected in the
// database.
func buildReleaseQuery(plan query.Plan) (string, []any) {
	b := &whereBuilder{}
	if plan.ReleaseID != "" {
		b.add("r.id = " + b.arg(plan.ReleaseID))
	}
	for _, p := range plan.Filters.Predicates {
		if p.Join == filter.JoinNone {
			b.add(rowSQL(b, p))
		}
	}
	for _, join := range plan.Filters.Joins() {
		for _, p := range plan.Filters.Predicates {
			if p.Join == join {
				b.add(existsSQL(b, p))
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(releaseSelect)
	if len(b.conds) > 0 {
		sb.WriteString("\nWHERE ")
		sb.WriteString(strings.Join(b.conds, "\n\tAND "))
	}
	if plan.Filters.Latest {
		sb.WriteString("\nORDER BY r.stime DESC, r.id DESC\nLIMIT 1")
	} else {
		sb.WriteString("\nORDER BY r.stime ASC, r.id ASC")
	}
	return sb.String(), b.args
}

type whereBuilder struct {
	conds []string
	args  []any
}

func (b *whereBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *whereBuilder) add(cond string) {
	if cond != "" {
		b.conds = append(b.conds, cond)
	}
}

func rowSQL(b *whereBuilder, p filter.Predicate) string {
	op := p.Op.String()
	switch p.Field {
	case filter.FieldUser:
		return "r.user_name = " + b.arg(p.Text)
	case filter.FieldTeam:
		return "COALESCE(r.team, '') = " + b.arg(p.Text)
	case filter.FieldStartTime:
		return fmt.Sprintf("r.stime %s %s", op, b.arg(p.Time.UTC()))
	case filter.FieldFinishTime:
		return fmt.Sprintf("r.ftime IS NOT NULL AND r.ftime %s %s", op, b.arg(p.Time.UTC()))
	case filter.FieldDuration:
		return fmt.Sprintf("r.ftime IS NOT NULL AND r.ftime - r.stime %s %s", op, intervalArg(b, p.Bound))
	}
	return ""
}

func existsSQL(b *whereBuilder, p filter.Predicate) string {
	switch p.Join {
	case filter.JoinPlatform:
		return "EXISTS (SELECT 1 FROM release_platforms rp WHERE rp.release_id = r.id AND rp.platform_name = " + b.arg(p.Text) + ")"
	case filter.JoinPackage:
		if cond := packageSQL(b, p); cond != "" {
			return "EXISTS (SELECT 1 FROM packages p WHERE p.release_id = r.id AND " + cond + ")"
		}
	}
	return ""
}

func packageSQL(b *whereBuilder, p filter.Predicate) string {
	op := p.Op.String()
	switch p.Field {
	case filter.FieldPackageName:
		return "p.name = " + b.arg(p.Text)
	case filter.FieldPackageVersion:
		return "p.version = " + b.arg(p.Text)
	case filter.FieldPackageRollback:
		return "p.rollback = " + b.arg(p.Flag)
	case filter.FieldPackageStatus:
		c := p.Clause()
		parts := []string{presence("p.stime", c.Started), presence("p.ftime", c.Finished)}
		if c.Success != nil {
			parts = append(parts, "COALESCE(p.success, false) = "+b.arg(*c.Success))
		}
		return strings.Join(parts, " AND ")
	case filter.FieldPackageDuration:
		return fmt.Sprintf("p.stime IS NOT NULL AND p.ftime IS NOT NULL AND p.ftime - p.stime %s %s", op, intervalArg(b, p.Bound))
	}
	return ""
}

func intervalArg(b *whereBuilder, d time.Duration) string {
	return "make_interval(secs => " + b.arg(d.Seconds()) + "::double precision)"
}

func presence(column string, present bool) string {
	if present {
		return column + " IS NOT NULL"
	}
	return column + " IS NULL"
}

// StreamReleases runs the plan and yields one aggregate per row. The rows are
// closed when iteration ends, including early exit by the consumer.
func (r *Repository) StreamReleases(ctx context.Context, plan query.Plan) iter.Seq2[domain.Release, error] {
	return func(yield func(domain.Release, error) bool) {
		if plan.ReleaseID != "" && !validID(plan.ReleaseID) {
			return
		}
		sqlText, args := buildReleaseQuery(plan)
		rows, err := r.pool.Query(ctx, sqlText, args...)
		if err != nil {
			yield(domain.Release{}, fmt.Errorf("query releases: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			release, err := scanRelease(rows)
			if err != nil {
				yield(domain.Release{}, err)
				return
			}
			if !yield(release, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Release{}, fmt.Errorf("iterate releases: %w", err))
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type noteRow struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedUS int64  `json:"created_us"`
}

type resultRow struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedUS int64  `json:"created_us"`
}

type packageRow struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Version   string      `json:"version"`
	DiffURL   *string     `json:"diff_url"`
	Rollback  bool        `json:"rollback"`
	StimeUS   *int64      `json:"stime_us"`
	FtimeUS   *int64      `json:"ftime_us"`
	Success   *bool       `json:"success"`
	CreatedUS int64       `json:"created_us"`
	Results   []resultRow `json:"results"`
}

func scanRelease(row rowScanner) (domain.Release, error) {
	var (
		release   domain.Release
		refs      string
		ftime     sql.NullTime
		notesJSON []byte
		pkgsJSON  []byte
	)
	if err := row.Scan(&release.ID, &release.User, &release.Team, &refs, &release.StartTime, &ftime, &release.Platforms, &notesJSON, &pkgsJSON); err != nil {
		return domain.Release{}, fmt.Errorf("scan release: %w", err)
	}
	release.StartTime = release.StartTime.UTC()
	if ftime.Valid {
		t := ftime.Time.UTC()
		release.FinishTime = &t
	}
	if err := decodeRefs(refs, &release.References); err != nil {
		return domain.Release{}, err
	}

	var notes []noteRow
	if err := json.Unmarshal(notesJSON, &notes); err != nil {
		return domain.Release{}, fmt.Errorf("decode notes: %w", err)
	}
	for _, n := range notes {
		release.Notes = append(release.Notes, domain.ReleaseNote{
			ID:        n.ID,
			ReleaseID: release.ID,
			Content:   n.Content,
			CreatedAt: micros(n.CreatedUS),
		})
	}

	var pkgs []packageRow
	if err := json.Unmarshal(pkgsJSON, &pkgs); err != nil {
		return domain.Release{}, fmt.Errorf("decode packages: %w", err)
	}
	for _, p := range pkgs {
		pkg := domain.Package{
			ID:         p.ID,
			ReleaseID:  release.ID,
			Name:       p.Name,
			Version:    p.Version,
			Rollback:   p.Rollback,
			StartTime:  microsPtr(p.StimeUS),
			FinishTime: microsPtr(p.FtimeUS),
			Success:    p.Success,
			CreatedAt:  micros(p.CreatedUS),
		}
		if p.DiffURL != nil {
			pkg.DiffURL = *p.DiffURL
		}
		for _, res := range p.Results {
			pkg.Results = append(pkg.Results, domain.PackageResult{
				ID:        res.ID,
				PackageID: p.ID,
				Content:   res.Content,
				CreatedAt: micros(res.CreatedUS),
			})
		}
		release.Packages = append(release.Packages, pkg)
	}
	return release, nil
}

func micros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func microsPtr(us *int64) *time.Time {
	if us == nil {
		return nil
	}
	t := micros(*us)
	return &t
}
