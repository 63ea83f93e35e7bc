package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rs.log")
	logger, err := NewLogger(LogConfig{Path: path, Level: zapcore.WarnLevel})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"msg":"kept"`)
}

func TestLogConfig_YAML(t *testing.T) {
	var conf LogConfig
	require.NoError(t, yaml.Unmarshal([]byte("path: stdout\nlevel: debug\ndev_mode: true\n"), &conf))
	assert.Equal(t, "stdout", conf.Path)
	assert.Equal(t, zapcore.DebugLevel, conf.Level)
	assert.True(t, conf.DevMode)

	_, err := NewLogger(conf)
	assert.NoError(t, err)
}

func TestNewLogger_BadPath(t *testing.T) {
	_, err := NewLogger(LogConfig{Path: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.Nil(t, NewMetrics(nil))
	m.RecordAdded("s")
	m.Rolled("s")
	m.Compacted("s", "ok", time.Second, 10)
	m.SetState("s", 1, 2)
	m.Fetched("s", true)
}

func TestMetrics_Collect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordAdded("events")
	m.RecordAdded("events")
	m.Rolled("events")
	m.Compacted("events", "ok", 50*time.Millisecond, 7)
	m.Compacted("events", "noop", 0, 0)
	m.SetState("events", 3, 2)
	m.Fetched("events", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordsAdded.WithLabelValues("events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rolls.WithLabelValues("events")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.recordsCompacted.WithLabelValues("events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.compactions.WithLabelValues("events", "noop")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.commitlogRecords.WithLabelValues("events")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.datafiles.WithLabelValues("events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("events", "miss")))

	expected := `
		# HELP recordstore_commitlog_rolls_total Active commit log segments rolled
		# TYPE recordstore_commitlog_rolls_total counter
		recordstore_commitlog_rolls_total{set="events"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "recordstore_commitlog_rolls_total"))
}
