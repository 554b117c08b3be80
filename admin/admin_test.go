package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/db"
	"github.com/openqs/vms/db/dbtest"
	"github.com/openqs/vms/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedChildren int

func (f fixedChildren) Live() int { return int(f) }

func withSecret(t *testing.T, secret string) {
	t.Helper()
	prev := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = secret
	t.Cleanup(func() { cfg.Config.Admin.Secret = prev })
}

func newServer(t *testing.T) (*httptest.Server, *dbtest.Local, *task.Gate) {
	t.Helper()
	local := dbtest.OpenLocal(t)
	gate := task.NewGate()
	srv := httptest.NewServer(NewRouter(NewAdminHandlers(local.LocalStore, gate, fixedChildren(2))))
	t.Cleanup(srv.Close)
	return srv, local, gate
}

func do(t *testing.T, method, url string, body interface{}, header http.Header) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestStatus(t *testing.T) {
	withSecret(t, "")
	srv, local, _ := newServer(t)
	dbtest.SeedSystemConfig(t, local.Conn, db.SystemConfig{SelectedServer: db.ServerTest, BeaconEnabled: true})

	code, out := do(t, http.MethodGet, srv.URL+"/status", nil, nil)
	require.Equal(t, http.StatusOK, code)

	data := out["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["session"])
	assert.Equal(t, false, data["paused"])
	assert.Equal(t, float64(2), data["live_children"])

	system := data["system"].(map[string]interface{})
	assert.Equal(t, db.ServerTest, system["selected_server"])
	assert.Equal(t, true, system["beacon_enabled"])
}

func TestStatusWithoutSystemConfig(t *testing.T) {
	withSecret(t, "")
	srv, _, _ := newServer(t)

	code, out := do(t, http.MethodGet, srv.URL+"/status", nil, nil)
	require.Equal(t, http.StatusOK, code)
	data := out["data"].(map[string]interface{})
	assert.NotContains(t, data, "system")
}

func TestPauseResume(t *testing.T) {
	withSecret(t, "")
	srv, _, gate := newServer(t)

	code, _ := do(t, http.MethodPost, srv.URL+"/pause", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, gate.IsSet())

	code, _ = do(t, http.MethodPost, srv.URL+"/resume", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, gate.IsSet())
}

func TestQueueAndFetchCommand(t *testing.T) {
	withSecret(t, "")
	srv, local, _ := newServer(t)

	code, out := do(t, http.MethodPost, srv.URL+"/commands/", commandRequest{Name: " gft.pull ", Data: "x", Priority: 3}, nil)
	require.Equal(t, http.StatusCreated, code)
	data := out["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["session_id"])
	assert.Equal(t, float64(1), data["command_id"])
	assert.Equal(t, string(db.StatePending), data["state"])

	assert.Equal(t, "gft.pull", dbtest.Text(t, local.Conn, "SELECT name FROM Command_Log WHERE command_id = 1"))

	code, out = do(t, http.MethodGet, srv.URL+"/commands/1/1", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "gft.pull", out["data"].(map[string]interface{})["name"])

	code, _ = do(t, http.MethodGet, srv.URL+"/commands/1/9", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/commands/1/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestQueueCommandRequiresName(t *testing.T) {
	withSecret(t, "")
	srv, _, _ := newServer(t)

	code, out := do(t, http.MethodPost, srv.URL+"/commands/", commandRequest{Name: "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "command name is required", out["error"])
}

func TestAuth(t *testing.T) {
	withSecret(t, "s3cret")
	srv, _, _ := newServer(t)

	code, out := do(t, http.MethodGet, srv.URL+"/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing authentication header", out["error"])

	code, _ = do(t, http.MethodGet, srv.URL+"/status", nil, http.Header{SecretHeader: {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/status", nil, http.Header{"Authorization": {"Basic s3cret"}})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/status", nil, http.Header{SecretHeader: {"s3cret"}})
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/status", nil, http.Header{"x-vms-secret": {"s3cret"}})
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/status", nil, http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsDisabled(t *testing.T) {
	withSecret(t, "s3cret")
	srv, _, _ := newServer(t)

	code, _ := do(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
