package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/go-sql-driver/mysql"
	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrGroundClosed is returned when an operation needs an open ground connection
var ErrGroundClosed = errors.New("ground store not connected")

// GroundStore is the gateway over the remote copy. The connection is opened
// lazily and dropped whenever the link is known to be down.
type GroundStore struct {
	sc     cfg.GroundConfiguration
	tmpDir string
	now    func() time.Time
	opener func(cfg.StoreConfiguration) (*Conn, error)

	mu   sync.Mutex
	conn *Conn
}

// GroundOption configures a GroundStore
type GroundOption func(*GroundStore)

// WithGroundOpener replaces how the connection is established
func WithGroundOpener(fn func(cfg.StoreConfiguration) (*Conn, error)) GroundOption {
	return func(g *GroundStore) { g.opener = fn }
}

// WithGroundClock overrides the clock used for last_FRNCS_sync
func WithGroundClock(now func() time.Time) GroundOption {
	return func(g *GroundStore) { g.now = now }
}

// NewGroundStore returns a closed gateway reading export files from tmpDir
func NewGroundStore(gc cfg.GroundConfiguration, tmpDir string, opts ...GroundOption) *GroundStore {
	g := &GroundStore{
		sc:     gc,
		tmpDir: tmpDir,
		now:    time.Now,
		opener: OpenConn,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsOpen reports whether a connection is cached
func (g *GroundStore) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil
}

// Open establishes the connection if none is cached
func (g *GroundStore) Open(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != nil {
		return nil
	}
	conn, err := g.opener(g.sc.StoreConfiguration)
	if err != nil {
		return err
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("ground store unreachable: %w", err)
	}
	g.conn = conn
	log.Info().Str("driver", g.sc.Driver).Str("address", g.sc.Address).Msg("Ground store connected")
	return nil
}

// Close drops the cached connection
func (g *GroundStore) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	log.Info().Msg("Ground store connection dropped")
	return err
}

func (g *GroundStore) current() (*Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil, ErrGroundClosed
	}
	return g.conn, nil
}

// Ping checks the cached connection answers
func (g *GroundStore) Ping(ctx context.Context) error {
	conn, err := g.current()
	if err != nil {
		return err
	}
	return conn.Ping(ctx)
}

// BulkIngest loads t's export file with the table's conflict policy and
// stamps last_FRNCS_sync for session. On failure nothing is committed.
func (g *GroundStore) BulkIngest(ctx context.Context, t Table, session int64) error {
	conn, err := g.current()
	if err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := conn.withTimeout(ctx)
	defer cancel()

	err = conn.inTx(ctx, func(tx *sql.Tx) error {
		var n int64
		var err error
		if conn.driver == DriverMySQL && g.sc.LoadDataLocal {
			n, err = g.loadDataLocal(ctx, tx, t)
		} else {
			n, err = g.loadInProcess(ctx, conn, tx, t)
		}
		if err != nil {
			return err
		}

		if _, err := conn.exec(ctx, tx, conn.update(SessionStateTable.Name).
			Set(goqu.Record{"last_FRNCS_sync": g.now().UTC()}).
			Where(goqu.C(colSession).Eq(session))); err != nil {
			return fmt.Errorf("failed to stamp ground sync time: %w", err)
		}

		log.Debug().Str("table", t.Name).Int64("rows", n).Int64("session", session).Msg("Ground ingest complete")
		return nil
	})
	telemetry.IngestDurationSeconds.With(t.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.IngestsTotal.With(t.Name, "failed").Inc()
		return fmt.Errorf("ingest of %s failed: %w", t.Name, err)
	}
	telemetry.IngestsTotal.With(t.Name, "ok").Inc()
	return nil
}

func (g *GroundStore) loadDataLocal(ctx context.Context, tx *sql.Tx, t Table) (int64, error) {
	path := t.ExportPath(g.tmpDir)
	mysql.RegisterLocalFile(path)
	defer mysql.DeregisterLocalFile(path)

	mode := "IGNORE"
	if t.Ingest == IngestReplace {
		mode = "REPLACE"
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = "`" + c + "`"
	}
	query := fmt.Sprintf("LOAD DATA LOCAL INFILE '%s' %s INTO TABLE `%s` %s (%s)",
		strings.ReplaceAll(path, "'", "\\'"), mode, t.Name, loadDataClause, strings.Join(cols, ","))

	res, err := tx.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (g *GroundStore) loadInProcess(ctx context.Context, conn *Conn, tx *sql.Tx, t Table) (int64, error) {
	rows, err := ReadRowsFile(t.ExportPath(g.tmpDir))
	if err != nil {
		return 0, fmt.Errorf("failed to read export file: %w", err)
	}

	batch := g.sc.IngestBatchSize
	if batch < 1 {
		batch = len(rows)
	}
	conflict := conn.ignoreConflict()
	if t.Ingest == IngestReplace {
		conflict = conn.upsertAll(t, t.Columns)
	}

	var total int64
	for start := 0; start < len(rows); start += batch {
		end := start + batch
		if end > len(rows) {
			end = len(rows)
		}
		vals := make([][]interface{}, 0, end-start)
		for i, r := range rows[start:end] {
			if len(r) != len(t.Columns) {
				return total, fmt.Errorf("row %d has %d fields, want %d", start+i+1, len(r), len(t.Columns))
			}
			vals = append(vals, r)
		}
		res, err := conn.exec(ctx, tx, conn.insert(t.Name).
			Cols(toIdents(t.Columns)...).
			Vals(vals...).
			OnConflict(conflict))
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// PendingCommands returns commands created on the ground for session that
// the vehicle has not observed yet
func (g *GroundStore) PendingCommands(ctx context.Context, session int64) ([]Command, error) {
	conn, err := g.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := conn.withTimeout(ctx)
	defer cancel()

	rows, err := conn.query(ctx, conn.db, conn.from(CommandLog.Name).
		Select(toIdents(CommandLog.Columns)...).
		Where(
			goqu.C(colSession).Eq(session),
			goqu.C("state").In(string(StatePending), string(StatePendingGround)),
			goqu.C("read_from_sv").Eq(0),
		).
		Order(goqu.C("priority").Asc(), goqu.C("command_id").Asc()))
	if err != nil {
		return nil, fmt.Errorf("failed to read ground commands: %w", err)
	}
	found, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read ground commands: %w", err)
	}
	return commandsFromRows(found), nil
}
