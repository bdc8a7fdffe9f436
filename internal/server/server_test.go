package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/at/internal/directory"
	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.Memory) {
	t.Helper()

	mem := memory.New()
	dir := directory.New(mem, mem, mem, nil)

	return &Server{directory: dir, tasks: mem, modules: mem}, mem
}

func TestByNameAPIReturnsAddrAndDeviceLists(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()

	_, err := mem.AddDevice(ctx, model.Device{Hash: "h1", Username: "alice", DeviceName: "phone"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/name/alice", nil)
	r.SetPathValue("name", "alice")
	w := httptest.NewRecorder()

	s.ByNameAPI(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var out nameView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, "alice", out.Name)
	require.Equal(t, "0xh1", out.Addr)
	require.Equal(t, "0xh1;", out.FullDevices)
	require.Empty(t, out.BridgesDevices)
}

func TestByNameAPIMissingName(t *testing.T) {
	s, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/name/", nil)
	w := httptest.NewRecorder()

	s.ByNameAPI(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var out errorMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.NotEmpty(t, out.Error)
}

func TestByNameAPIUnknownNameIsDiscriminatedError(t *testing.T) {
	s, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/name/nobody", nil)
	r.SetPathValue("name", "nobody")
	w := httptest.NewRecorder()

	s.ByNameAPI(w, r)

	require.Equal(t, http.StatusNotFound, w.Code)

	var out errorMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.NotEmpty(t, out.Error)
}

func TestByNameAPIResolvesRoriToSystemAccount(t *testing.T) {
	s, mem := newTestServer(t)
	s.directory = directory.New(mem, mem, mem, fakeSystemAccount{hash: "system-hash"})

	r := httptest.NewRequest(http.MethodGet, "/name/rori", nil)
	r.SetPathValue("name", "rori")
	w := httptest.NewRecorder()

	s.ByNameAPI(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var out nameView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, "0xsystem-hash", out.Addr)
}

type fakeSystemAccount struct {
	hash string
}

func (f fakeSystemAccount) Account(context.Context) (model.Account, error) {
	return model.Account{Hash: f.hash}, nil
}

func TestByAddressAPIUnknownHash(t *testing.T) {
	s, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/addr/missing", nil)
	r.SetPathValue("hash", "missing")
	w := httptest.NewRecorder()

	s.ByAddressAPI(w, r)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestByAddressAPIResolvesBridgeSubAuthor(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()

	_, err := mem.AddDevice(ctx, model.Device{
		Hash: "bridge#bob", Username: "carol", IsBridge: true, SubAuthor: "bob",
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/addr/bridge%23bob", nil)
	r.SetPathValue("hash", "bridge#bob")
	w := httptest.NewRecorder()

	s.ByAddressAPI(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var out addressView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, "carol/bob", out.Name)
	require.True(t, out.IsBridge)
	require.Equal(t, "carol/bob;", out.UsersList)
}

func TestModuleAPIReturnsID(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()

	mod, err := mem.AddModule(ctx, model.Module{Name: "weather", Priority: 10, Enabled: true, Path: "/mods/weather.js"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/module/weather", nil)
	r.SetPathValue("name", "weather")
	w := httptest.NewRecorder()

	s.ModuleAPI(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var out idView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, mod.ID, out.ID)
}

func TestModuleAPINotFound(t *testing.T) {
	s, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/module/missing", nil)
	r.SetPathValue("name", "missing")
	w := httptest.NewRecorder()

	s.ModuleAPI(w, r)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddTaskAPIParsesIntervalIntoMinutes(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()

	_, err := mem.AddModule(ctx, model.Module{Name: "reminder", Enabled: true})
	require.NoError(t, err)

	body, err := json.Marshal(taskRequest{
		Module:   "reminder",
		Interval: "5m",
		Repeat:   true,
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/task/add", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.AddTaskAPI(w, r)

	require.Equal(t, http.StatusCreated, w.Code)

	var out taskView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.EqualValues(t, 5, out.Minutes)
	require.Zero(t, out.Seconds)
	require.True(t, out.Repeat)
}

func TestAddTaskAPIUnknownModule(t *testing.T) {
	s, _ := newTestServer(t)

	body, err := json.Marshal(taskRequest{Module: "missing"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/task/add", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.AddTaskAPI(w, r)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddTaskAPIInvalidInterval(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()

	_, err := mem.AddModule(ctx, model.Module{Name: "reminder", Enabled: true})
	require.NoError(t, err)

	body, err := json.Marshal(taskRequest{Module: "reminder", Interval: "not-a-duration"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/task/add", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.AddTaskAPI(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateTaskAPIChangesSchedule(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()

	mod, err := mem.AddModule(ctx, model.Module{Name: "reminder", Enabled: true})
	require.NoError(t, err)

	saved, err := mem.AddTask(ctx, model.ScheduledTask{Module: mod.ID, Minutes: 5, Repeat: true})
	require.NoError(t, err)

	body, err := json.Marshal(taskRequest{ID: saved.ID, Interval: "2h", Repeat: false})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/task/update", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.UpdateTaskAPI(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var out taskView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.EqualValues(t, 2, out.Hours)
	require.False(t, out.Repeat)
}

func TestUpdateTaskAPIMissingID(t *testing.T) {
	s, _ := newTestServer(t)

	body, err := json.Marshal(taskRequest{})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/task/update", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.UpdateTaskAPI(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteTaskAPIRemovesTask(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()

	mod, err := mem.AddModule(ctx, model.Module{Name: "reminder", Enabled: true})
	require.NoError(t, err)

	saved, err := mem.AddTask(ctx, model.ScheduledTask{Module: mod.ID, Seconds: 30})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodDelete, "/task/1", nil)
	r.SetPathValue("id", "1")
	w := httptest.NewRecorder()

	s.DeleteTaskAPI(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	_, err = mem.TaskByID(ctx, saved.ID)
	require.Error(t, err)
}

func TestDeleteTaskAPINonNumericID(t *testing.T) {
	s, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodDelete, "/task/abc", nil)
	r.SetPathValue("id", "abc")
	w := httptest.NewRecorder()

	s.DeleteTaskAPI(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchTasksAPIReturnsFirstMatchingTaskID(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()

	mod, err := mem.AddModule(ctx, model.Module{Name: "reminder", Enabled: true})
	require.NoError(t, err)

	_, err = mem.AddTask(ctx, model.ScheduledTask{Module: mod.ID, Parameter: `{"username":"alice"}`, Minutes: 1})
	require.NoError(t, err)
	match, err := mem.AddTask(ctx, model.ScheduledTask{Module: mod.ID, Parameter: `{"username":"bob"}`, Minutes: 2})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"username": "bob"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/task/search/reminder", bytes.NewReader(body))
	r.SetPathValue("module_name", "reminder")
	w := httptest.NewRecorder()

	s.SearchTasksAPI(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var out idView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, match.ID, out.ID)
}

func TestSearchTasksAPINoMatchIsNotFound(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()

	mod, err := mem.AddModule(ctx, model.Module{Name: "reminder", Enabled: true})
	require.NoError(t, err)

	_, err = mem.AddTask(ctx, model.ScheduledTask{Module: mod.ID, Parameter: `{"username":"alice"}`, Minutes: 1})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"username": "nobody"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/task/search/reminder", bytes.NewReader(body))
	r.SetPathValue("module_name", "reminder")
	w := httptest.NewRecorder()

	s.SearchTasksAPI(w, r)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s := &Server{}
	s.config.AdminToken = "secret"

	called := false
	h := s.adminAuthMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	r := httptest.NewRequest(http.MethodGet, "/name/alice", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.False(t, called)
}

func TestAdminAuthMiddlewareAcceptsMatchingBearerToken(t *testing.T) {
	s := &Server{}
	s.config.AdminToken = "secret"

	called := false
	h := s.adminAuthMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	r := httptest.NewRequest(http.MethodGet, "/name/alice", nil)
	r.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, called)
}

func TestDenyAllMiddlewareRejectsEveryRequest(t *testing.T) {
	s := &Server{}

	h := s.denyAllMiddleware()(nil)

	r := httptest.NewRequest(http.MethodGet, "/name/alice", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
}
