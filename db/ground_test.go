package db_test

import (
	"context"
	"os"
	"testing"

	"github.com/openqs/vms/db"
	"github.com/openqs/vms/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroundStore_ClosedUntilOpened(t *testing.T) {
	l := dbtest.OpenLocal(t)
	g := dbtest.OpenGround(t, l.Paths.TmpDir, 1)

	assert.False(t, g.IsOpen())
	assert.ErrorIs(t, g.BulkIngest(context.Background(), db.FlightData, 1), db.ErrGroundClosed)
	assert.ErrorIs(t, g.Ping(context.Background()), db.ErrGroundClosed)

	require.NoError(t, g.Open(context.Background()))
	assert.True(t, g.IsOpen())
	require.NoError(t, g.Close())
	assert.False(t, g.IsOpen())
}

func TestGroundStore_IngestAppendOnlyIgnoresDuplicates(t *testing.T) {
	l := dbtest.OpenLocal(t)
	ctx := context.Background()
	g := dbtest.OpenGround(t, l.Paths.TmpDir, 1)
	require.NoError(t, g.Open(ctx))

	for i := 0; i < 3; i++ {
		_, err := l.InsertFlightData(ctx, "alt", float64(100+i))
		require.NoError(t, err)
	}

	res, err := l.ExportTable(ctx, db.FlightData)
	require.NoError(t, err)
	require.Equal(t, db.ExportReady, res)

	require.NoError(t, g.BulkIngest(ctx, db.FlightData, 1))
	require.NoError(t, g.BulkIngest(ctx, db.FlightData, 1), "retransfer of the same file is harmless")
	assert.Equal(t, int64(3), dbtest.Int(t, g.Conn, "SELECT COUNT(*) FROM Flight_Data"))
	assert.Equal(t, int64(101), dbtest.Int(t, g.Conn, "SELECT CAST(value AS INTEGER) FROM Flight_Data WHERE event_key = 2"))
	assert.Equal(t, int64(1), dbtest.Int(t, g.Conn, "SELECT COUNT(*) FROM Recording_Session_State WHERE last_FRNCS_sync IS NOT NULL"))
}

func TestGroundStore_IngestReplacesCommandState(t *testing.T) {
	l := dbtest.OpenLocal(t)
	ctx := context.Background()
	g := dbtest.OpenGround(t, l.Paths.TmpDir, 1)
	require.NoError(t, g.Open(ctx))

	cmd, err := l.InsertCommand(ctx, db.Command{Name: "CALL"})
	require.NoError(t, err)
	res, err := l.ExportTable(ctx, db.CommandLog)
	require.NoError(t, err)
	require.Equal(t, db.ExportReady, res)
	require.NoError(t, g.BulkIngest(ctx, db.CommandLog, 1))
	require.NoError(t, l.ResetExport(ctx, db.CommandLog))
	assert.Equal(t, "Pending", dbtest.Text(t, g.Conn, "SELECT state FROM Command_Log WHERE command_id = ?", cmd.CommandID))

	require.NoError(t, l.CompleteCommand(ctx, cmd, true, "connected"))
	res, err = l.ExportTable(ctx, db.CommandLog)
	require.NoError(t, err)
	require.Equal(t, db.ExportReady, res)
	require.NoError(t, g.BulkIngest(ctx, db.CommandLog, 1))

	assert.Equal(t, int64(1), dbtest.Int(t, g.Conn, "SELECT COUNT(*) FROM Command_Log"))
	assert.Equal(t, "Success", dbtest.Text(t, g.Conn, "SELECT state FROM Command_Log WHERE command_id = ?", cmd.CommandID))
}

func TestGroundStore_FailedIngestCommitsNothing(t *testing.T) {
	l := dbtest.OpenLocal(t)
	ctx := context.Background()
	g := dbtest.OpenGround(t, l.Paths.TmpDir, 1)
	require.NoError(t, g.Open(ctx))

	require.NoError(t, os.MkdirAll(l.Paths.TmpDir, 0o755))
	require.NoError(t, os.WriteFile(db.FlightData.ExportPath(l.Paths.TmpDir),
		[]byte("1,1,\"2026-03-14 09:26:53\",\"a\",1\n2,1,\"2026-03-14 09:26:53\",\"b\",2\n3,1,\"broken\"\n"), 0o644))

	err := g.BulkIngest(ctx, db.FlightData, 1)
	require.Error(t, err)
	assert.Equal(t, int64(0), dbtest.Int(t, g.Conn, "SELECT COUNT(*) FROM Flight_Data"))
	assert.Equal(t, int64(0), dbtest.Int(t, g.Conn, "SELECT COUNT(*) FROM Recording_Session_State WHERE last_FRNCS_sync IS NOT NULL"))
}

func TestGroundStore_PendingCommands(t *testing.T) {
	l := dbtest.OpenLocal(t)
	ctx := context.Background()
	g := dbtest.OpenGround(t, l.Paths.TmpDir, 2)
	require.NoError(t, g.Open(ctx))

	dbtest.Exec(t, g.Conn, `INSERT INTO Command_Log (event_key, session_id, command_id, name, data, priority, source, state, read_from_sv)
		VALUES (1001, 1, 500, 'diag.echo', 'hi', 3, 'ground', 'Pending-Ground', 0),
		       (1002, 1, 501, 'CALL', '', 1, 'ground', 'Pending', 0),
		       (1003, 1, 502, 'HANGUP', '', 1, 'ground', 'Pending', 1),
		       (1004, 2, 503, 'CALL', '', 1, 'ground', 'Pending', 0)`)

	cmds, err := g.PendingCommands(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, int64(501), cmds[0].CommandID)
	assert.Equal(t, int64(500), cmds[1].CommandID)
}
