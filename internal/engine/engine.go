package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"crewline/internal/admission"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// DefaultMaxDepth bounds every walk over agent and task hierarchies.
const DefaultMaxDepth = 256

// TimestampLayout is RFC 3339 with a fixed nine digit fraction, so stored
// timestamps order correctly as text.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Sink      events.Sink
	Admission admission.Locker
	Logger    *slog.Logger
	Now       func() time.Time
	MaxDepth  int
}

func New(db *sql.DB, locker admission.Locker, sink events.Sink, logger *slog.Logger) Engine {
	if locker == nil {
		locker = admission.NewLocalLocker()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Sink:      sink,
		Admission: locker,
		Logger:    logger,
		Now:       time.Now,
		MaxDepth:  DefaultMaxDepth,
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(TimestampLayout)
}

func (e Engine) maxDepth() int {
	if e.MaxDepth > 0 {
		return e.MaxDepth
	}
	return DefaultMaxDepth
}

// Tx is a write transaction that collects the events it appends so they
// can be published once the transaction commits.
type Tx struct {
	*sql.Tx
	writer    events.Writer
	published []domain.StateChangeEvent
}

// Append writes an event inside the transaction.
func (tx *Tx) Append(ctx context.Context, rec events.Record) error {
	evt, err := tx.writer.Append(ctx, tx.Tx, rec)
	if err != nil {
		return err
	}
	tx.published = append(tx.published, evt)
	return nil
}

// InTx runs fn in a write transaction, commits, then publishes the
// collected events. Errors without a code come back as InfrastructureError.
func (e Engine) InTx(ctx context.Context, op string, fn func(tx *Tx) error) error {
	sqlTx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wrapInfra(op, err)
	}
	defer sqlTx.Rollback()
	tx := &Tx{Tx: sqlTx, writer: e.Events}
	if tx.writer.Now == nil {
		tx.writer.Now = e.now
	}
	if err := fn(tx); err != nil {
		return wrapInfra(op, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return wrapInfra(op, err)
	}
	e.publish(ctx, tx.published)
	return nil
}

func (e Engine) publish(ctx context.Context, evts []domain.StateChangeEvent) {
	if e.Sink == nil || len(evts) == 0 {
		return
	}
	e.Sink.Publish(ctx, evts)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func txOf(tx *Tx) *sql.Tx {
	if tx == nil {
		return nil
	}
	return tx.Tx
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
