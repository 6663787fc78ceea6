// Package store persists the engine's durable state in SQL: the entity
// rows which drive incremental comparison, syncs and their jobs, collection
// embedding stamps, and sync cursors. It speaks both SQLite (local runs
// and tests) and Postgres, sniffed from the DSN.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Registers the "pgx" driver.
	_ "github.com/mattn/go-sqlite3"    // Registers the "sqlite3" driver.
	log "github.com/sirupsen/logrus"
)

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobRunning    JobStatus = "RUNNING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelling JobStatus = "CANCELLING"
	JobCancelled  JobStatus = "CANCELLED"
)

// jobTransitions enumerates the legal status machine. Anything else is
// rejected at the database, so two racing orchestrators can't both move
// a job forward.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobRunning, JobCancelled},
	JobRunning:    {JobCompleted, JobFailed, JobCancelling},
	JobCancelling: {JobCancelled, JobFailed},
}

// Terminal reports whether no further transition may leave the status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether s may legally move to |to|.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Key identifies an entity within a sync: the definition it belongs to
// and its source-assigned ID.
type Key struct {
	DefinitionID string
	EntityID     string
}

// EntityRow is a persisted entity record.
type EntityRow struct {
	ID           string
	SyncID       string
	DefinitionID string
	EntityID     string
	Hash         string
	CollectionID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r EntityRow) Key() Key { return Key{DefinitionID: r.DefinitionID, EntityID: r.EntityID} }

// Sync is a configured synchronization: one source feeding one collection.
type Sync struct {
	ID           string
	Name         string
	CollectionID string
	SourceName   string
}

// Collection is a destination namespace with its embedding stamp. An
// empty EmbeddingModel means no run has written vectors to it yet.
type Collection struct {
	ID             string
	Name           string
	EmbeddingModel string
	VectorSize     int
}

// JobCounts are the per-job action totals.
type JobCounts struct {
	Inserted int64
	Updated  int64
	Kept     int64
	Deleted  int64
	Skipped  int64
	Failed   int64
}

// Job is one run of a sync.
type Job struct {
	ID          string
	SyncID      string
	Status      JobStatus
	Error       string
	Counts      JobCounts
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// flavor abstracts the placeholder syntax difference between the two
// supported databases.
type flavor struct {
	name   string
	driver string
}

var (
	sqliteFlavor   = flavor{name: "sqlite", driver: "sqlite3"}
	postgresFlavor = flavor{name: "postgres", driver: "pgx"}
)

func (f flavor) placeholder(n int) string {
	if f.name == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// placeholders renders |count| placeholders starting at ordinal |start|.
func (f flavor) placeholders(start, count int) string {
	var b strings.Builder
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.placeholder(start + i))
	}
	return b.String()
}

// sniffFlavor picks the database from the DSN shape.
func sniffFlavor(dsn string) flavor {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		return postgresFlavor
	}
	return sqliteFlavor
}

// SQL is the store implementation over database/sql.
type SQL struct {
	db     *sql.DB
	flavor flavor
	logger *log.Entry
}

// Open connects to the database named by |dsn| and returns a store over
// it. SQLite in-memory databases are pinned to a single connection so
// every session sees the same data.
func Open(dsn string) (*SQL, error) {
	var f = sniffFlavor(dsn)
	var db, err = sql.Open(f.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", f.name, err)
	}
	if f == sqliteFlavor && strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	return &SQL{
		db:     db,
		flavor: f,
		logger: log.WithField("db", f.name),
	}, nil
}

// Close releases the underlying pool.
func (s *SQL) Close() error { return s.db.Close() }
