package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/openqs/vms/cfg"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

var (
	// ErrNoSession is returned when the store holds no recording session yet
	ErrNoSession = errors.New("no recording session")
	// ErrNotFound is returned when a typed accessor finds no row
	ErrNotFound = errors.New("not found")
)

// sqlBuilder is any goqu dataset
type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Conn couples a database handle with its SQL dialect
type Conn struct {
	db           *sql.DB
	driver       string
	dialect      goqu.DialectWrapper
	queryTimeout time.Duration
}

// NewConn wraps an open handle. driver selects the dialect.
func NewConn(sqlDB *sql.DB, driver string, queryTimeout time.Duration) *Conn {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Conn{
		db:           sqlDB,
		driver:       driver,
		dialect:      goqu.Dialect(driver),
		queryTimeout: queryTimeout,
	}
}

// OpenConn opens a pool for the given store configuration. The pool connects
// lazily; call Ping to verify reachability.
func OpenConn(sc cfg.StoreConfiguration) (*Conn, error) {
	var sqlDB *sql.DB
	switch sc.Driver {
	case DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = sc.User
		mc.Passwd = sc.Password
		mc.Net = "tcp"
		mc.Addr = sc.Address
		mc.DBName = sc.Database
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.InterpolateParams = true
		mc.Timeout = cfg.Seconds(sc.ConnectTimeoutS)
		mc.ReadTimeout = cfg.Seconds(sc.QueryTimeoutS)
		mc.WriteTimeout = cfg.Seconds(sc.QueryTimeoutS)
		connector, err := mysql.NewConnector(mc)
		if err != nil {
			return nil, fmt.Errorf("failed to build mysql connector: %w", err)
		}
		sqlDB = sql.OpenDB(connector)
	case DriverSQLite:
		var err error
		sqlDB, err = sql.Open(DriverSQLite, fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", sc.Path))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", sc.Driver)
	}

	sqlDB.SetMaxOpenConns(sc.MaxOpenConns)
	sqlDB.SetMaxIdleConns(sc.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Seconds(sc.MaxLifetimeS))

	return NewConn(sqlDB, sc.Driver, cfg.Seconds(sc.QueryTimeoutS)), nil
}

// DB exposes the underlying handle
func (c *Conn) DB() *sql.DB { return c.db }

// Driver returns the driver name
func (c *Conn) Driver() string { return c.driver }

// Stats exposes pool statistics for telemetry
func (c *Conn) Stats() sql.DBStats { return c.db.Stats() }

// Ping verifies the store answers within the query timeout
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.db.PingContext(ctx)
}

// Close closes the pool
func (c *Conn) Close() error {
	return c.db.Close()
}

func (c *Conn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.queryTimeout)
}

func (c *Conn) exec(ctx context.Context, q querier, b sqlBuilder) (sql.Result, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build statement: %w", err)
	}
	return q.ExecContext(ctx, query, args...)
}

func (c *Conn) query(ctx context.Context, q querier, b sqlBuilder) (*sql.Rows, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return q.QueryContext(ctx, query, args...)
}

func (c *Conn) queryRow(ctx context.Context, q querier, b sqlBuilder, dest ...interface{}) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	err = q.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// txAttempts bounds how often inTx reruns fn after the server aborted the
// transaction as a deadlock victim
const txAttempts = 3

// inTx runs fn inside a transaction, rolling back on error. A transaction
// chosen as deadlock victim is rerun from the start.
func (c *Conn) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = c.runTx(ctx, fn)
		if err == nil || !isDeadlock(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (c *Conn) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func isDeadlock(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1213
}

func (c *Conn) from(table string) *goqu.SelectDataset {
	return c.dialect.From(table).Prepared(true)
}

func (c *Conn) insert(table string) *goqu.InsertDataset {
	return c.dialect.Insert(table).Prepared(true)
}

func (c *Conn) update(table string) *goqu.UpdateDataset {
	return c.dialect.Update(table).Prepared(true)
}

// excluded references the incoming value of col inside an upsert
func (c *Conn) excluded(col string) exp.LiteralExpression {
	if c.driver == DriverMySQL {
		return goqu.L(fmt.Sprintf("VALUES(`%s`)", col))
	}
	return goqu.L(fmt.Sprintf(`excluded."%s"`, col))
}

// upsertAll builds an ON CONFLICT/ON DUPLICATE KEY clause that overwrites
// every non-key column with the incoming row
func (c *Conn) upsertAll(t Table, cols []string) exp.ConflictExpression {
	keys := make(map[string]bool, len(t.Key))
	for _, k := range t.Key {
		keys[k] = true
	}
	set := goqu.Record{}
	for _, col := range cols {
		if !keys[col] {
			set[col] = c.excluded(col)
		}
	}
	return goqu.DoUpdate(joinColumns(t.Key), set)
}

// ignoreConflict builds INSERT IGNORE / ON CONFLICT DO NOTHING
func (c *Conn) ignoreConflict() exp.ConflictExpression {
	return goqu.DoNothing()
}

// nextEventKey returns the next row key for a cursor table. Handler children
// write through their own pools, so the in-process lock is not enough: on
// MySQL the read takes a locking read on the key range, and sqlite
// transactions begin IMMEDIATE and hold the database write lock.
func (c *Conn) nextEventKey(ctx context.Context, q querier, table string) (int64, error) {
	var max sql.NullInt64
	err := c.queryRow(ctx, q, c.eventKeyQuery(table), &max)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, fmt.Errorf("failed to read max event key of %s: %w", table, err)
	}
	return max.Int64 + 1, nil
}

func (c *Conn) eventKeyQuery(table string) *goqu.SelectDataset {
	sel := c.from(table).Select(goqu.MAX(colEventKey))
	if c.driver == DriverMySQL {
		sel = sel.ForUpdate(exp.Wait)
	}
	return sel
}

func joinColumns(cols []string) string {
	return strings.Join(cols, ",")
}

// IsTransient classifies driver errors that are worth retrying on the next tick
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1040, 1205, 1213, 2006, 2013: // too many conns, lock wait, deadlock, gone away, lost
			return true
		}
	}
	return false
}
