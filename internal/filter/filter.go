// Package filter compiles query-string filters into a typed predicate set.
//
// Every recognised filter is declared once in the definitions table, which
// maps the filter name to the field it constrains, the comparison, the join it
// requires and the parser for its value. A compiled Predicate can evaluate
// itself against an in-memory release; the Postgres repository renders the
// same predicates to SQL.
package filter

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/al4/orlo/internal/domain"
)

// DefaultTimeFormat is the layout used for time filters unless configured.
const DefaultTimeFormat = "2006-01-02 15:04:05"

// LatestParam is the post-processing flag reducing results to one release.
const LatestParam = "latest"

// Field identifies the attribute a predicate constrains.
type Field string

const (
	FieldUser            Field = "user"
	FieldTeam            Field = "team"
	FieldPlatform        Field = "platform"
	FieldStartTime       Field = "stime"
	FieldFinishTime      Field = "ftime"
	FieldDuration        Field = "duration"
	FieldPackageName     Field = "package_name"
	FieldPackageVersion  Field = "package_version"
	FieldPackageRollback Field = "package_rollback"
	FieldPackageStatus   Field = "package_status"
	FieldPackageDuration Field = "package_duration"
)

// Op is the comparison applied to a field.
type Op int

const (
	OpEq Op = iota
	OpLt
	OpGt
)

func (o Op) String() string {
	switch o {
	case OpLt:
		return "<"
	case OpGt:
		return ">"
	default:
		return "="
	}
}

// Join names a relationship a predicate needs beyond the release row.
type Join string

const (
	JoinNone     Join = ""
	JoinPlatform Join = "platform"
	JoinPackage  Join = "package"
)

// StatusClause is the timestamp and outcome combination equivalent to a
// derived package status.
type StatusClause struct {
	Started  bool
	Finished bool
	// Success is nil when the outcome is irrelevant. A false value matches
	// any outcome that is not a recorded success.
	Success *bool
}

var (
	succeeded = true
	failed    = false
)

var statusClauses = map[domain.PackageStatus]StatusClause{
	domain.PackageNotStarted: {Started: false, Finished: false},
	domain.PackageInProgress: {Started: true, Finished: false},
	domain.PackageSuccessful: {Started: true, Finished: true, Success: &succeeded},
	domain.PackageFailed:     {Started: true, Finished: true, Success: &failed},
}

// Predicate is one compiled filter.
type Predicate struct {
	Name  string
	Field Field
	Op    Op
	Join  Join

	Text   string
	Time   time.Time
	Bound  time.Duration
	Flag   bool
	Status domain.PackageStatus
}

// Clause returns the status translation for a package_status predicate.
func (p Predicate) Clause() StatusClause {
	return statusClauses[p.Status]
}

// Match evaluates the predicate against a release aggregate.
func (p Predicate) Match(r domain.Release) bool {
	switch p.Join {
	case JoinPlatform:
		return r.HasPlatform(p.Text)
	case JoinPackage:
		for _, pkg := range r.Packages {
			if p.matchPackage(pkg) {
				return true
			}
		}
		return false
	}
	switch p.Field {
	case FieldUser:
		return r.User == p.Text
	case FieldTeam:
		return r.Team == p.Text
	case FieldStartTime:
		return compareTime(r.StartTime, p.Op, p.Time)
	case FieldFinishTime:
		return r.FinishTime != nil && compareTime(*r.FinishTime, p.Op, p.Time)
	case FieldDuration:
		d, ok := r.Duration()
		return ok && compareDuration(d, p.Op, p.Bound)
	}
	return false
}

func (p Predicate) matchPackage(pkg domain.Package) bool {
	switch p.Field {
	case FieldPackageName:
		return pkg.Name == p.Text
	case FieldPackageVersion:
		return pkg.Version == p.Text
	case FieldPackageRollback:
		return pkg.Rollback == p.Flag
	case FieldPackageStatus:
		c := p.Clause()
		if (pkg.StartTime != nil) != c.Started || (pkg.FinishTime != nil) != c.Finished {
			return false
		}
		if c.Success != nil {
			return (pkg.Success != nil && *pkg.Success) == *c.Success
		}
		return true
	case FieldPackageDuration:
		d, ok := pkg.Duration()
		return ok && compareDuration(d, p.Op, p.Bound)
	}
	return false
}

func compareTime(v time.Time, op Op, bound time.Time) bool {
	switch op {
	case OpLt:
		return v.Before(bound)
	case OpGt:
		return v.After(bound)
	default:
		return v.Equal(bound)
	}
}

func compareDuration(v time.Duration, op Op, bound time.Duration) bool {
	switch op {
	case OpLt:
		return v < bound
	case OpGt:
		return v > bound
	default:
		return v == bound
	}
}

// Set is a compiled, conjunctive filter set.
type Set struct {
	Predicates []Predicate
	Latest     bool
}

// Match reports whether r satisfies every predicate.
func (s Set) Match(r domain.Release) bool {
	for _, p := range s.Predicates {
		if !p.Match(r) {
			return false
		}
	}
	return true
}

// Joins lists the relationships the set needs, without duplicates.
func (s Set) Joins() []Join {
	var joins []Join
	for _, p := range s.Predicates {
		if p.Join != JoinNone && !slices.Contains(joins, p.Join) {
			joins = append(joins, p.Join)
		}
	}
	return joins
}

// Error is a compilation failure for one filter.
type Error struct {
	Name   string
	Value  string
	Reason string
}

func (e *Error) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("filter %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("filter %q: %s (got %q)", e.Name, e.Reason, e.Value)
}

func (e *Error) Unwrap() error { return domain.ErrValidation }

// Settings configures value parsing.
type Settings struct {
	TimeFormat string
	Location   *time.Location
}

// Compiler turns raw filters into a Set.
type Compiler struct {
	layout string
	loc    *time.Location
}

// NewCompiler returns a Compiler for settings.
func NewCompiler(settings Settings) Compiler {
	c := Compiler{layout: settings.TimeFormat, loc: settings.Location}
	if c.layout == "" {
		c.layout = DefaultTimeFormat
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	return c
}

type parser func(c Compiler, raw string, p *Predicate) error

type definition struct {
	field Field
	op    Op
	join  Join
	parse parser
}

var definitions = map[string]definition{
	"user":                {field: FieldUser, op: OpEq, parse: parseText},
	"team":                {field: FieldTeam, op: OpEq, parse: parseText},
	"platform":            {field: FieldPlatform, op: OpEq, join: JoinPlatform, parse: parseText},
	"stime_before":        {field: FieldStartTime, op: OpLt, parse: parseTime},
	"stime_after":         {field: FieldStartTime, op: OpGt, parse: parseTime},
	"ftime_before":        {field: FieldFinishTime, op: OpLt, parse: parseTime},
	"ftime_after":         {field: FieldFinishTime, op: OpGt, parse: parseTime},
	"duration_lt":         {field: FieldDuration, op: OpLt, parse: parseSeconds},
	"duration_gt":         {field: FieldDuration, op: OpGt, parse: parseSeconds},
	"package_name":        {field: FieldPackageName, op: OpEq, join: JoinPackage, parse: parseText},
	"package_version":     {field: FieldPackageVersion, op: OpEq, join: JoinPackage, parse: parseText},
	"package_rollback":    {field: FieldPackageRollback, op: OpEq, join: JoinPackage, parse: parseFlag},
	"package_status":      {field: FieldPackageStatus, op: OpEq, join: JoinPackage, parse: parseStatus},
	"package_duration_lt": {field: FieldPackageDuration, op: OpLt, join: JoinPackage, parse: parseSeconds},
	"package_duration_gt": {field: FieldPackageDuration, op: OpGt, join: JoinPackage, parse: parseSeconds},
}

// Names lists every recognised filter name, sorted.
func Names() []string {
	names := make([]string, 0, len(definitions)+1)
	for name := range definitions {
		names = append(names, name)
	}
	names = append(names, LatestParam)
	sort.Strings(names)
	return names
}

// Compile validates values and builds a Set. Multi-valued parameters use
// their first value. All failures are reported together.
func (c Compiler) Compile(values url.Values) (Set, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		set  Set
		errs []error
	)
	for _, name := range keys {
		raw := first(values[name])
		if name == LatestParam {
			set.Latest = ParseBool(raw)
			continue
		}
		def, ok := definitions[name]
		if !ok {
			errs = append(errs, &Error{Name: name, Reason: "unknown filter"})
			continue
		}
		p := Predicate{Name: name, Field: def.field, Op: def.op, Join: def.join}
		if err := def.parse(c, raw, &p); err != nil {
			errs = append(errs, &Error{Name: name, Value: raw, Reason: err.Error()})
			continue
		}
		set.Predicates = append(set.Predicates, p)
	}
	if len(errs) > 0 {
		return Set{}, errors.Join(errs...)
	}
	return set, nil
}

// ParseBool treats "true" and "1" (any case) as true and everything else as
// false.
func ParseBool(raw string) bool {
	v := strings.ToLower(strings.TrimSpace(raw))
	return v == "true" || v == "1"
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func parseText(_ Compiler, raw string, p *Predicate) error {
	p.Text = raw
	return nil
}

func parseFlag(_ Compiler, raw string, p *Predicate) error {
	p.Flag = ParseBool(raw)
	return nil
}

func parseTime(c Compiler, raw string, p *Predicate) error {
	t, err := time.ParseInLocation(c.layout, strings.TrimSpace(raw), c.loc)
	if err != nil {
		return fmt.Errorf("expected time in layout %q", c.layout)
	}
	p.Time = t
	return nil
}

const maxSeconds = math.MaxInt64 / int64(time.Second)

func parseSeconds(_ Compiler, raw string, p *Predicate) error {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return errors.New("expected integer seconds")
	}
	if n > maxSeconds || n < -maxSeconds {
		return errors.New("seconds out of range")
	}
	p.Bound = time.Duration(n) * time.Second
	return nil
}

func parseStatus(_ Compiler, raw string, p *Predicate) error {
	status, ok := domain.ParsePackageStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !ok {
		return fmt.Errorf("expected one of %v", domain.PackageStatuses)
	}
	p.Status = status
	return nil
}
