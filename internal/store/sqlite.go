package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"ctlflow/internal/domain"
	"ctlflow/internal/idgen"
	"ctlflow/internal/lwm2m"
)

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// ParseDialect maps a database/sql driver name to its dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "pgx":
		return Postgres, nil
	}
	return SQLite, fmt.Errorf("unsupported database driver %q", driver)
}

// Open connects to the database named by driver/dsn. SQLite gets a single
// connection since it allows one writer.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	d, err := ParseDialect(driver)
	if err != nil {
		return nil, d, err
	}
	name := "sqlite"
	if d == Postgres {
		name = "postgres"
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, d, fmt.Errorf("open %s: %w", name, err)
	}
	if d == SQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, d, fmt.Errorf("ping %s: %w", name, err)
	}
	return db, d, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS identifiers (
  kind TEXT NOT NULL,
  value TEXT NOT NULL,
  created_at {{int64}} NOT NULL,
  PRIMARY KEY (kind, value)
);
CREATE TABLE IF NOT EXISTS group_tasks (
  id TEXT PRIMARY KEY,
  group_id TEXT NOT NULL,
  control_type TEXT NOT NULL,
  topic TEXT NOT NULL DEFAULT '',
  path TEXT NOT NULL DEFAULT '',
  payload {{blob}},
  aggregate_status TEXT NOT NULL CHECK(aggregate_status IN ('pending','partial','success','failed')),
  member_count INTEGER NOT NULL,
  owner_id TEXT NOT NULL DEFAULT '',
  created_at {{int64}} NOT NULL,
  updated_at {{int64}} NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  scope TEXT NOT NULL CHECK(scope IN ('single','group_child')),
  control_type TEXT NOT NULL,
  topic TEXT NOT NULL DEFAULT '',
  path TEXT NOT NULL DEFAULT '',
  payload {{blob}},
  status TEXT NOT NULL CHECK(status IN ('pending','sent','delivered','failed')),
  reason TEXT NOT NULL DEFAULT '',
  device_id TEXT NOT NULL,
  owner_id TEXT NOT NULL DEFAULT '',
  group_task_id TEXT,
  created_at {{int64}} NOT NULL,
  sent_at {{int64}},
  updated_at {{int64}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_sent ON tasks(status, sent_at);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_device ON tasks(device_id);
CREATE TABLE IF NOT EXISTS timers (
  id TEXT PRIMARY KEY,
  task_name TEXT NOT NULL,
  timer_type TEXT NOT NULL CHECK(timer_type IN ('fixed','interval')),
  fire_at {{int64}},
  interval_spec TEXT,
  device_id TEXT NOT NULL DEFAULT '',
  group_id TEXT NOT NULL DEFAULT '',
  control_type TEXT NOT NULL,
  topic TEXT NOT NULL DEFAULT '',
  address TEXT,
  payload {{blob}},
  run_status TEXT NOT NULL CHECK(run_status IN ('scheduled','executing','success','failed')),
  enabled INTEGER NOT NULL DEFAULT 1,
  next_fire_at {{int64}} NOT NULL,
  last_run_at {{int64}},
  last_run_status TEXT NOT NULL DEFAULT '',
  last_task_id TEXT NOT NULL DEFAULT '',
  owner_id TEXT NOT NULL DEFAULT '',
  created_at {{int64}} NOT NULL,
  updated_at {{int64}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timers_due ON timers(run_status, enabled, next_fire_at);
CREATE TABLE IF NOT EXISTS clients (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  product_id TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('device','gateway')),
  attrs TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS device_groups (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  product_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS group_devices (
  group_id TEXT NOT NULL,
  device_id TEXT NOT NULL,
  PRIMARY KEY (group_id, device_id)
);
CREATE TABLE IF NOT EXISTS lwm2m_objects (
  object_id INTEGER PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  multiple_instance INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS lwm2m_items (
  object_id INTEGER NOT NULL,
  item_id INTEGER NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  item_type TEXT NOT NULL DEFAULT '',
  unit TEXT NOT NULL DEFAULT '',
  operations TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (object_id, item_id)
);
CREATE TABLE IF NOT EXISTS product_items (
  product_id TEXT NOT NULL,
  object_id INTEGER NOT NULL,
  item_id INTEGER NOT NULL,
  PRIMARY KEY (product_id, object_id, item_id)
);
`

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB, d Dialect) error {
	r := strings.NewReplacer("{{int64}}", "INTEGER", "{{blob}}", "BLOB")
	if d == Postgres {
		r = strings.NewReplacer("{{int64}}", "BIGINT", "{{blob}}", "BYTEA")
	}
	_, err := db.Exec(r.Replace(schema))
	return err
}

// Repository is the task registry plus the timer definitions the scheduler
// advances. All status changes are compare-and-set on the current status.
type Repository interface {
	CreateTask(ctx context.Context, t domain.Task) (string, error)
	Transition(ctx context.Context, id string, to domain.TaskStatus, reason string) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListByGroupTask(ctx context.Context, groupTaskID string) ([]domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)
	ListStaleSent(ctx context.Context, sentBefore time.Time, limit int) ([]domain.Task, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Task, error)
	PurgeDevice(ctx context.Context, deviceID string) (int, error)
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	CreateGroupTask(ctx context.Context, g domain.GroupTask, children []domain.Task) (domain.GroupTask, []domain.Task, error)
	GetGroupTask(ctx context.Context, id string) (domain.GroupTask, error)
	RecomputeAggregate(ctx context.Context, id string) (domain.GroupTask, error)
	DeleteGroupTask(ctx context.Context, id string) error

	CreateTimer(ctx context.Context, d domain.TimerDefinition) (string, error)
	GetTimer(ctx context.Context, id string) (domain.TimerDefinition, error)
	ListTimers(ctx context.Context) ([]domain.TimerDefinition, error)
	UpdateTimer(ctx context.Context, d domain.TimerDefinition, prev domain.RunStatus) error
	DeleteTimer(ctx context.Context, id string) error
	DueTimers(ctx context.Context, now time.Time) ([]domain.TimerDefinition, error)
	ClaimTimer(ctx context.Context, id string) (bool, error)
	CompleteTimerRun(ctx context.Context, id string, result domain.RunStatus, at time.Time, taskID string) error
	RearmTimer(ctx context.Context, id string, next time.Time) (bool, error)
	ReleaseTimer(ctx context.Context, id string, status domain.RunStatus, next time.Time) error
	RecoverStale(ctx context.Context) (int, error)
}

// Directory is the read side of the device, group and product registries.
type Directory interface {
	Device(ctx context.Context, id string) (domain.Client, error)
	Group(ctx context.Context, id string) (domain.Group, error)
	Members(ctx context.Context, groupID string) ([]domain.Client, error)
	lwm2m.SchemaSource
}

// DefaultTaskIDLength is the length of generated task identifiers.
const DefaultTaskIDLength = 16

type SQLRepo struct {
	db        *sql.DB
	dialect   Dialect
	ids       *idgen.Generator
	shared    idgen.Namespace
	idOpts    []idgen.Option
	taskIDLen int
	now       func() time.Time
}

type Option func(*SQLRepo)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *SQLRepo) { r.now = now }
}

func WithTaskIDLength(n int) Option {
	return func(r *SQLRepo) {
		if n > 0 {
			r.taskIDLen = n
		}
	}
}

// WithSharedNamespace requires generated identifiers to also be claimed in
// ns, typically a RedisNamespace shared by several replicas.
func WithSharedNamespace(ns idgen.Namespace) Option {
	return func(r *SQLRepo) { r.shared = ns }
}

func WithIDOptions(opts ...idgen.Option) Option {
	return func(r *SQLRepo) { r.idOpts = append(r.idOpts, opts...) }
}

func NewSQLRepo(db *sql.DB, d Dialect, opts ...Option) *SQLRepo {
	r := &SQLRepo{db: db, dialect: d, taskIDLen: DefaultTaskIDLength, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	var ns idgen.Namespace = r
	if r.shared != nil {
		ns = idgen.Chain{r, r.shared}
	}
	r.ids = idgen.New(ns, r.idOpts...)
	return r
}

// DB returns the underlying database connection.
func (r *SQLRepo) DB() *sql.DB { return r.db }

// NewID draws an identifier of the given kind from the repository's namespace.
func (r *SQLRepo) NewID(ctx context.Context, kind idgen.Kind, length int) (string, error) {
	return r.ids.NewID(ctx, kind, length)
}

// Claim implements idgen.Namespace on the identifiers table, whose primary
// key makes concurrent claims of one value race-free.
func (r *SQLRepo) Claim(ctx context.Context, kind idgen.Kind, value string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`INSERT INTO identifiers (kind,value,created_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`),
		string(kind), value, ms(r.now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// q rewrites ? placeholders to $n for Postgres.
func (r *SQLRepo) q(query string) string {
	if r.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Times are stored as UTC unix milliseconds so both dialects compare them the
// same way.
func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ms(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

func rollback(tx *sql.Tx) { _ = tx.Rollback() }
