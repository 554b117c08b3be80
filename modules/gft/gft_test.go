package gft

import (
	"context"
	"errors"
	"testing"

	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/db"
	"github.com/openqs/vms/db/dbtest"
	"github.com/openqs/vms/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	env  []string
	name string
	args []string
}

type fakeExec struct {
	calls []call
	err   error
}

func (f *fakeExec) run(_ context.Context, env []string, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{env: env, name: name, args: args})
	return nil, f.err
}

type nopPause struct{}

func (nopPause) Clear() {}
func (nopPause) Set()   {}

const navUUID = "5f0c8a86-6c0e-4a32-9d43-1b9f3f3a9c11"

func setup(t *testing.T, server string) (*dbtest.Local, *runner.Env) {
	t.Helper()
	local := dbtest.OpenLocal(t)
	dbtest.SeedSystemConfig(t, local.Conn, db.SystemConfig{SelectedServer: server})
	dbtest.SeedApp(t, local.Conn,
		db.AppDescriptor{AppUUID: navUUID, Name: "nav", FileName: "nav-2.img", BoardID: 1},
		db.BoardConnection{BoardID: 1, Method: "ssh", Host: "10.0.0.7", User: "root"})
	t.Setenv("VMS_TEST_GFT_PW", "pw")
	return local, &runner.Env{Store: local.LocalStore, Pause: nopPause{}}
}

func module(local *dbtest.Local, exec *fakeExec) *Module {
	return New(cfg.GFTConfiguration{
		TestServer:  "gft-test.example",
		ProdServer:  "gft.example",
		User:        "qs",
		PasswordEnv: "VMS_TEST_GFT_PW",
		RemoteDir:   "/srv/qs/apps",
	}, local.Paths.InputDir, exec.run)
}

func TestPull_StoresApplication(t *testing.T) {
	local, env := setup(t, db.ServerProd)
	exec := &fakeExec{}

	ok, err := module(local, exec).Process(context.Background(), env, "pull", navUUID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, exec.calls, 1)
	c := exec.calls[0]
	assert.Equal(t, "sshpass", c.name)
	assert.Equal(t, []string{"SSHPASS=pw"}, c.env)
	assert.Contains(t, c.args, "qs@gft.example:/srv/qs/apps/nav-2.img")
	assert.Equal(t, local.Paths.InputDir+"/", c.args[len(c.args)-1])
	assert.DirExists(t, local.Paths.InputDir)

	code, err := local.AppState(context.Background(), navUUID)
	require.NoError(t, err)
	assert.Equal(t, db.AppStoredOnGW, code)
}

func TestPull_NoServerSelected(t *testing.T) {
	local, env := setup(t, db.ServerNone)
	exec := &fakeExec{}

	ok, err := module(local, exec).Process(context.Background(), env, "pull", navUUID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, cfg.ErrNoServerSelected)
	assert.Empty(t, exec.calls)
}

func TestPull_TransferFailureLeavesState(t *testing.T) {
	local, env := setup(t, db.ServerTest)
	exec := &fakeExec{err: errors.New("exit status 255")}

	ok, err := module(local, exec).Process(context.Background(), env, "pull", navUUID)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "nav-2.img")
	assert.Contains(t, exec.calls[0].args, "qs@gft-test.example:/srv/qs/apps/nav-2.img")

	_, err = local.AppState(context.Background(), navUUID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestPull_BadInput(t *testing.T) {
	local, env := setup(t, db.ServerProd)
	m := module(local, &fakeExec{})

	_, err := m.Process(context.Background(), env, "pull", " ")
	assert.ErrorIs(t, err, runner.ErrProtocol)

	_, err = m.Process(context.Background(), env, "push", navUUID)
	assert.ErrorIs(t, err, runner.ErrProtocol)

	_, err = m.Process(context.Background(), env, "pull", "no-such-app")
	assert.ErrorIs(t, err, db.ErrNotFound)
}
