package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/piiscan/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "exclude_paths:\n  - /mnt/backup/tmp\n"))
	require.NoError(t, err)

	assert.Equal(t, config.ScanTypeFull, cfg.ScanType)
	assert.Equal(t, 400, cfg.MaxChunkLength)
	assert.EqualValues(t, config.DefaultLiteScanLimit, cfg.LiteScanLimit)
	assert.Equal(t, "pii_scan_history.db", cfg.DBPath)
	assert.Equal(t, cfg.Detector.ModelDir, cfg.Detector.TokenizerDir)
	assert.Equal(t, []string{"/mnt/backup/tmp"}, cfg.ExcludePaths)
	assert.NotEmpty(t, cfg.Detector.LabelAliases)
}

func TestLoad_MinConfidence(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "detector:\n  backend: regex\n"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMinConfidence, cfg.Detector.MinConfidence)

	cfg, err = config.Load(writeConfig(t, "detector:\n  backend: regex\n  min_confidence: 0\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.Detector.MinConfidence)

	_, err = config.Load(writeConfig(t, "detector:\n  min_confidence: 1.5\n"))
	require.Error(t, err)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.BackendONNX, cfg.Detector.Backend)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, err := config.Load(writeConfig(t, "no_such_option: true\n"))
	require.Error(t, err)
}

func TestLoad_DurationsParsed(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "detector:\n  backend: regex\n  timeout: 3s\n  retry_backoff: 10ms\n"))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Detector.Timeout)
	assert.Equal(t, 10*time.Millisecond, cfg.Detector.RetryBackoff)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DB_FILE", "/var/lib/piiscan/history.db")
	t.Setenv("PII_MODEL_NAME", "/opt/models/ner")
	t.Setenv("MAX_CHUNK_LENGTH", "128")

	cfg, err := config.Load(writeConfig(t, "max_chunk_length: 300\n"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/piiscan/history.db", cfg.DBPath)
	assert.Equal(t, "/opt/models/ner", cfg.Detector.ModelDir)
	assert.Equal(t, "/opt/models/ner", cfg.Detector.TokenizerDir)
	assert.Equal(t, 128, cfg.MaxChunkLength)
}

func TestLoad_BadChunkLengthEnv(t *testing.T) {
	t.Setenv("MAX_CHUNK_LENGTH", "lots")
	_, err := config.Load(writeConfig(t, ""))
	require.Error(t, err)
}

func TestValidate_ExtendedMustContainBasic(t *testing.T) {
	body := "detector:\n  backend: regex\nlabels:\n  basic: [email, person]\n  extended: [email]\n"
	_, err := config.Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "person")
}

func TestValidate_ChunkLengthFitsModelWindow(t *testing.T) {
	_, err := config.Load(writeConfig(t, "max_chunk_length: 511\ndetector:\n  seq_len: 512\n"))
	require.Error(t, err)

	_, err = config.Load(writeConfig(t, "max_chunk_length: 510\ndetector:\n  seq_len: 512\n"))
	require.NoError(t, err)
}

func TestValidate_ScanType(t *testing.T) {
	_, err := config.Load(writeConfig(t, "scan_type: quick\n"))
	require.Error(t, err)
}

func TestLabelsFor(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, cfg.Labels.Basic, cfg.LabelsFor(config.ScanTypeLite))
	assert.Equal(t, cfg.Labels.Extended, cfg.LabelsFor(config.ScanTypeFull))
}
