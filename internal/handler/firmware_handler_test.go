package handler

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unica-wb/backend/internal/cache"
	"github.com/unica-wb/backend/internal/config"
	"github.com/unica-wb/backend/internal/database"
	"github.com/unica-wb/backend/internal/firmware"
	"github.com/unica-wb/backend/internal/models"
	"github.com/unica-wb/backend/internal/progress"
	"github.com/unica-wb/backend/internal/workspace"
)

type fakeFwQueue struct {
	deleted   [3]string // jobID, fwType, fwKey
	extracted [3]string // jobID, fwKey, target
}

func (q *fakeFwQueue) EnqueueDeleteFw(_ context.Context, jobID, fwType, fwKey string) (string, error) {
	q.deleted = [3]string{jobID, fwType, fwKey}
	return "q-" + jobID, nil
}

func (q *fakeFwQueue) EnqueueExtractFw(_ context.Context, jobID, fwKey, target string) (string, error) {
	q.extracted = [3]string{jobID, fwKey, target}
	return "q-" + jobID, nil
}

// seedLatest plants a fresh cached FOTA answer so List never leaves the test.
func seedLatest(t *testing.T, rdb *database.Redis, key, value string) {
	t.Helper()
	rdb.SetJSON(context.Background(), cache.FwCacheKeyPrefix+key, map[string]any{
		"value":        value,
		"fetched_at":   float64(time.Now().Unix()),
		"attempted_at": float64(time.Now().Unix()),
	}, 0)
}

func newFirmwareFixture(t *testing.T) (http.Handler, *database.Redis, *memJobRepo, *fakeFwQueue, string) {
	t.Helper()
	rdb := newTestRedis(t)
	root := t.TempDir()
	outDir := filepath.Join(root, "out")

	// a downloaded-and-extracted entry and a download-only entry
	write := func(rel, content string) {
		path := filepath.Join(outDir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("odin/SM-S911B_EUX/.downloaded", "S911BXXU5CXAA/S911BOXM5CXAA/S911BXXU5CXAA\n")
	write("odin/SM-S911B_EUX/AP.tar.md5", "odin-payload")
	write("fw/SM-S911B_EUX/.extracted", "S911BXXU5CXAA/S911BOXM5CXAA/S911BXXU5CXAA\n")
	write("odin/SM-S901B_EUX/.downloaded", "OLD/OLD/OLD\n")

	targetCfg := filepath.Join(root, "target", "b0s", "config.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(targetCfg), 0o755))
	require.NoError(t, os.WriteFile(targetCfg, []byte("TARGET_FIRMWARE=SM-S901B/EUX/SM-S901B\n"), 0o644))
	versionFile := filepath.Join(root, "unica", "configs", "version.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(versionFile), 0o755))
	require.NoError(t, os.WriteFile(versionFile, []byte("VERSION_MAJOR=3\n"), 0o644))

	wsCfg := config.WorkspaceConfig{Root: root, OutDir: outDir, SourceCommit: "abc1234"}
	ws := workspace.New(wsCfg)
	dirSize := cache.NewDirSize(rdb)
	catalog := firmware.NewCatalog(outDir, dirSize, cache.NewFirmwareLatest(rdb))
	jobs := &memJobRepo{}
	queue := &fakeFwQueue{}
	h := NewFirmwareHandler(jobs, catalog, ws, progress.NewBroker(rdb), queue)
	return h.Routes(), rdb, jobs, queue, outDir
}

func TestFirmwareList(t *testing.T) {
	h, rdb, _, _, _ := newFirmwareFixture(t)
	seedLatest(t, rdb, "SM-S911B_EUX", "S911BXXU5CXAA/S911BOXM5CXAA/S911BXXU5CXAA")
	seedLatest(t, rdb, "SM-S901B_EUX", "NEW/NEW/NEW")

	var body struct {
		Items []struct {
			Key             string `json:"key"`
			Model           string `json:"model"`
			CSC             string `json:"csc"`
			HasOdin         bool   `json:"has_odin"`
			HasFw           bool   `json:"has_fw"`
			OdinVersion     string `json:"odin_version"`
			LatestVersion   string `json:"latest_version"`
			UpdateAvailable bool   `json:"update_available"`
		} `json:"items"`
	}
	rec := doJSON(t, h, http.MethodGet, "/samsung", "", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body.Items, 2)

	s901 := body.Items[0]
	assert.Equal(t, "SM-S901B_EUX", s901.Key)
	assert.Equal(t, "SM-S901B", s901.Model)
	assert.Equal(t, "EUX", s901.CSC)
	assert.True(t, s901.HasOdin)
	assert.False(t, s901.HasFw)
	assert.True(t, s901.UpdateAvailable, "downloaded version lags the published one")

	s911 := body.Items[1]
	assert.Equal(t, "SM-S911B_EUX", s911.Key)
	assert.True(t, s911.HasFw)
	assert.False(t, s911.UpdateAvailable, "already on the latest")
}

func TestFirmwareDelete(t *testing.T) {
	h, _, jobs, queue, _ := newFirmwareFixture(t)

	var job models.Job
	rec := doJSON(t, h, http.MethodDelete, "/samsung/odin/SM-S911B_EUX", "", &job)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.KindOperation, job.Kind)
	assert.Equal(t, "Delete ODIN FW entry: SM-S911B_EUX", *job.OperationName)
	assert.Equal(t, "b0s", job.Target)
	assert.Equal(t, [3]string{job.ID, "odin", "SM-S911B_EUX"}, queue.deleted)

	stored, err := jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.QueueJobID)
	assert.Equal(t, "q-"+job.ID, *stored.QueueJobID)
}

func TestFirmwareDeleteValidation(t *testing.T) {
	h, _, _, _, _ := newFirmwareFixture(t)

	rec := doJSON(t, h, http.MethodDelete, "/samsung/cache/SM-S911B_EUX", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "fw_type must be 'odin' or 'fw'", errorMessage(t, rec))

	rec = doJSON(t, h, http.MethodDelete, "/samsung/odin/SM-NOPE_XXX", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/samsung/odin/SM-S911B_EUX?target=unknown", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Unknown target", errorMessage(t, rec))
}

func TestFirmwareExtract(t *testing.T) {
	h, _, _, queue, _ := newFirmwareFixture(t)

	var job models.Job
	rec := doJSON(t, h, http.MethodPost, "/samsung/SM-S911B_EUX/extract", "", &job)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Extract FW (-f): SM-S911B_EUX", *job.OperationName)
	assert.Equal(t, [3]string{job.ID, "SM-S911B_EUX", "b0s"}, queue.extracted)

	// extraction needs the odin payload on disk
	rec = doJSON(t, h, http.MethodPost, "/samsung/SM-MISSING_EUX/extract", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
