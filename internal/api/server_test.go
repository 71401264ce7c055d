package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/micasa-home/micasa/internal/controller"
	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/device"
	"github.com/micasa-home/micasa/internal/scheduler"
	"github.com/micasa-home/micasa/internal/settings"

	_ "github.com/micasa-home/micasa/internal/plugin/virtual"
)

type apiFixture struct {
	db      *database.DB
	ctrl    *controller.Controller
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pool := scheduler.NewPool(nil)
	t.Cleanup(pool.Shutdown)

	cfg := settings.NewProcess(db)
	require.NoError(t, cfg.Load(ctx))

	ctrl, err := controller.New(db, cfg, pool, nil)
	require.NoError(t, err)

	srv := New(ctrl, db, cfg, t.TempDir(), nil)
	return &apiFixture{db: db, ctrl: ctrl, handler: srv.router()}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) declareDevice(t *testing.T, ref string) *device.Device {
	t.Helper()
	ctx := context.Background()
	p, err := f.ctrl.DeclarePlugin(ctx, "virtual", "test", nil, true)
	require.NoError(t, err)
	d, err := p.DeclareDevice(ctx, device.KindSwitch, ref, ref, nil)
	require.NoError(t, err)
	return d
}

func TestOpenAccessWithoutUsers(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/devices", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequiredOnceUsersExist(t *testing.T) {
	f := newAPIFixture(t)

	// Bootstrap the first account through the open-access window.
	rec := f.do(t, http.MethodPost, "/api/v1/users", "", map[string]any{
		"username": "admin", "password": "hunter2", "rights": RightsAdmin,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/devices", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/user/login", "", map[string]any{
		"username": "admin", "password": "wrong",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/user/login", "", map[string]any{
		"username": "admin", "password": "hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		Token  string `json:"token"`
		Rights int    `json:"rights"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)
	require.Equal(t, RightsAdmin, login.Rights)

	rec = f.do(t, http.MethodGet, "/api/v1/devices", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestViewerCannotMutate(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/users", "", map[string]any{
		"username": "viewer", "password": "pw", "rights": RightsViewer,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/user/login", "", map[string]any{
		"username": "viewer", "password": "pw",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	rec = f.do(t, http.MethodPost, "/api/v1/timers", login.Token, map[string]any{
		"name": "t", "cron": "* * * * *",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUpdateDeviceThroughPipeline(t *testing.T) {
	f := newAPIFixture(t)
	d := f.declareDevice(t, "lamp")

	path := fmt.Sprintf("/api/v1/devices/%d", d.ID())
	rec := f.do(t, http.MethodPatch, path, "", map[string]any{"value": "on"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, device.OptionOn, d.Value())
	require.Equal(t, device.SourceAPI, d.LastSource())

	// A duplicate is absorbed, not an error.
	rec = f.do(t, http.MethodPatch, path, "", map[string]any{"value": "On"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateUnknownDevice(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPatch, "/api/v1/devices/99", "", map[string]any{"value": "On"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var re ResourceError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &re))
	require.Equal(t, "resource.not.found", re.Tag)
}

func TestDeviceSettingsRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	d := f.declareDevice(t, "lamp")

	path := fmt.Sprintf("/api/v1/devices/%d/settings", d.ID())
	rec := f.do(t, http.MethodPut, path, "", map[string]string{
		"rate_limit": "30", "minimum_user_rights": "3",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "30", got["rate_limit"])

	// The live settings bag sees the change without a reload.
	require.Equal(t, int64(3), d.Settings().GetInt("minimum_user_rights", 0))

	rec = f.do(t, http.MethodPut, "/api/v1/devices/999/settings", "", map[string]string{"k": "v"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTimerValidatesCron(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/timers", "", map[string]any{
		"name": "bad", "cron": "61 * * * *",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/timers", "", map[string]any{
		"name": "good", "cron": "*/5 * * * *",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateLinkValidatesDevices(t *testing.T) {
	f := newAPIFixture(t)
	d := f.declareDevice(t, "motion")

	rec := f.do(t, http.MethodPost, "/api/v1/links", "", map[string]any{
		"name": "l", "device_id": d.ID(), "target_device_id": 999,
		"value": "On", "target_value": "On",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/links", "", map[string]any{
		"name": "l", "device_id": d.ID(), "target_device_id": d.ID(),
		"value": "On", "target_value": "Off",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestScriptCRUD(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/scripts", "", map[string]any{
		"name": "hello", "code": "log('hi')",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	path := fmt.Sprintf("/api/v1/scripts/%d", created.ID)

	rec = f.do(t, http.MethodPut, path, "", map[string]any{
		"name": "hello", "code": "log('bye')", "enabled": false,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, path, "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, path, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPluginEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/plugins", "", map[string]any{
		"type": "virtual", "reference": "house",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/plugins/house", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/plugins/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/plugins/house", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Nil(t, f.ctrl.PluginByReference("house"))
}
