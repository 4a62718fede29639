package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/piiscan/internal/config"
	internaldb "github.com/eargollo/piiscan/internal/db"
	"github.com/eargollo/piiscan/internal/detect"
	"github.com/eargollo/piiscan/internal/extract"
	"github.com/eargollo/piiscan/internal/ledger"
	"github.com/eargollo/piiscan/internal/scan"
	"github.com/eargollo/piiscan/internal/scheduler"
)

type apiFixture struct {
	handler http.Handler
	mgr     *scan.Manager
	ledger  *ledger.Ledger
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := internaldb.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, internaldb.RunMigrations(db))
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pii.txt"), []byte("mail jane@example.com"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clean.txt"), []byte("nothing to see"), 0o644))

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	cfg.Detector.Backend = config.BackendRegex
	cfg.Serve.ScanPaths = []string{dir}

	l := ledger.New(db)
	orch, err := scan.NewOrchestrator(l, detect.NewRegexDetector(), extract.NewRegistry(), nil, nil, scan.OptionsFromConfig(cfg))
	require.NoError(t, err)
	mgr := scan.NewManager(orch, l, cfg.Serve.ScanPaths)

	sched := scheduler.New()
	require.NoError(t, sched.SetJob(cfg.Serve.Schedule, func() error { return nil }))

	return &apiFixture{
		handler: Router(context.Background(), cfg, l, mgr, sched, "test"),
		mgr:     mgr,
		ledger:  l,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestStatus_Idle(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ActiveScan *struct{} `json:"active_scan"`
		Schedule   struct {
			Cron string `json:"cron"`
		} `json:"schedule"`
		LastCompletedScan *struct{} `json:"last_completed_scan"`
	}
	decode(t, rec, &body)
	assert.Nil(t, body.ActiveScan)
	assert.Nil(t, body.LastCompletedScan)
	assert.Equal(t, "0 2 * * *", body.Schedule.Cron)
}

func TestScans_TriggerAndInspect(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/scans", `{"scan_type":"lite"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created struct {
		ID       int64  `json:"id"`
		ScanType string `json:"scan_type"`
	}
	decode(t, rec, &created)
	assert.Equal(t, config.ScanTypeLite, created.ScanType)
	f.mgr.Wait()

	rec = f.do(t, http.MethodGet, "/api/scans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []ledger.Run `json:"items"`
		Total int          `json:"total"`
	}
	decode(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, created.ID, list.Items[0].ID)
	assert.Equal(t, ledger.RunCompleted, list.Items[0].Status)
	require.NotNil(t, list.Items[0].ExitCode)
	assert.Equal(t, int(scan.CodePII), *list.Items[0].ExitCode)

	rec = f.do(t, http.MethodGet, "/api/scans/"+jsonInt(created.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_list":[]`)

	rec = f.do(t, http.MethodGet, "/api/records?pii=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs struct {
		Items []ledger.ScanRecord `json:"items"`
		Total int                 `json:"total"`
	}
	decode(t, rec, &recs)
	require.Equal(t, 1, recs.Total)
	assert.Equal(t, "email", recs.Items[0].Entities[0].Label)

	rec = f.do(t, http.MethodGet, "/api/records/"+recs.Items[0].FileChecksum, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestScans_BadRequests(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/scans", `{"scan_type":"deep"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/scans", `not json`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/scans/current", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/scans/abc", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/scans/999", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/records?scan_type=quick", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/records?pii=maybe", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/records/XYZ", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/records/"+strings.Repeat("a", 64), "").Code)
}

func TestConfig_HidesLocalPaths(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pii_scan_history.db")
	assert.Contains(t, rec.Body.String(), `"scan_type":"full"`)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
