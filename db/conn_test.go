package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventKeyQueryLocksOnMySQL(t *testing.T) {
	query, _, err := NewConn(nil, DriverMySQL, 0).eventKeyQuery(CommandLog.Name).ToSQL()
	require.NoError(t, err)
	assert.Contains(t, query, "MAX(`event_key`)")
	assert.Contains(t, query, "FOR UPDATE")

	query, _, err = NewConn(nil, DriverSQLite, 0).eventKeyQuery(CommandLog.Name).ToSQL()
	require.NoError(t, err)
	assert.NotContains(t, query, "FOR UPDATE")
}

func openMemory(t *testing.T) *Conn {
	t.Helper()
	sqlDB, err := sql.Open(DriverSQLite, "file::memory:?cache=shared&_txlock=immediate")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return NewConn(sqlDB, DriverSQLite, 0)
}

func TestInTxRerunsDeadlockVictim(t *testing.T) {
	c := openMemory(t)
	calls := 0
	err := c.inTx(context.Background(), func(*sql.Tx) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestInTxGivesUpOnOtherErrors(t *testing.T) {
	c := openMemory(t)
	boom := errors.New("boom")
	calls := 0
	err := c.inTx(context.Background(), func(*sql.Tx) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	calls = 0
	err = c.inTx(context.Background(), func(*sql.Tx) error {
		calls++
		return &mysql.MySQLError{Number: 1213}
	})
	assert.True(t, isDeadlock(err))
	assert.Equal(t, txAttempts, calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("syntax")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("ingest: %w", mysql.ErrInvalidConn)))
	assert.True(t, IsTransient(&mysql.MySQLError{Number: 1205}))
	assert.False(t, IsTransient(&mysql.MySQLError{Number: 1064}))
}
