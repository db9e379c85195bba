package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tezrry/gpulock/pkg/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "bench.yaml")
	require.NoError(t, os.WriteFile(config, []byte("workgroups: 4\nlock_iters: 50\ntest_iters: 3\n"), 0o644))

	out, err := execute(t, "run",
		"--config", config,
		"--lock-iters", "20",
		"--variants", "tas,cas-fenced",
		"--log-file", filepath.Join(dir, "gpulock.log"),
		"--log-level", "debug",
		"--metrics-file", filepath.Join(dir, "gpulock.prom"),
	)
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 4.0, report["workgroups"])
	assert.Equal(t, 20.0, report["lock-iters"])
	assert.Equal(t, 240.0, report["total-locks"])
	assert.Equal(t, 0.0, report["tas-failures"])
	assert.Contains(t, report, "cas-fenced-failure-percent")
	assert.NotContains(t, report, "ttas-failures")

	metrics, err := os.ReadFile(filepath.Join(dir, "gpulock.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `gpulock_lock_attempts_total{variant="tas"} 240`)

	logs, err := os.ReadFile(filepath.Join(dir, "gpulock.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logs), "cas-fenced iteration 2")
}

func TestRunCommandOutputFile(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "report.json")
	out, err := execute(t, "run", "--workgroups", "2", "--lock-iters", "5", "--test-iters", "1",
		"--log-file", filepath.Join(dir, "gpulock.log"), "-o", report)
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{"))
	assert.Contains(t, string(data), `"ttas-fenced-anomalies": 0`)
}

func TestRunCommandLegacyFencedAlone(t *testing.T) {
	out, err := execute(t, "run", "--variants", "tas-fenced", "--legacy-fenced",
		"--workgroups", "2", "--workgroup-size", "4", "--lock-iters", "5", "--test-iters", "1",
		"--log-file", filepath.Join(t.TempDir(), "gpulock.log"))
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 0.0, report["tas-fenced-failures"])
	assert.Equal(t, 4.0, report["tas-fenced-workgroup-size"])
	assert.NotContains(t, report, "tas-failures")
}

func TestRunCommandErrors(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "gpulock.log")

	_, err := execute(t, "run", "--test-iters", "0", "--log-file", logFile)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = execute(t, "run", "--backend", "opencl", "--log-file", logFile)
	assert.ErrorIs(t, err, errors.ErrUnknownDriver)

	_, err = execute(t, "run", "--device", "3", "--log-file", logFile)
	assert.ErrorIs(t, err, errors.ErrNoDevice)

	_, err = execute(t, "run", "--kernels", filepath.Join(t.TempDir(), "none"), "--log-file", logFile)
	assert.ErrorIs(t, err, errors.ErrInvalidKernelBlob)

	_, err = execute(t, "run", "--log-level", "loud")
	assert.Error(t, err)
}

func TestListCommands(t *testing.T) {
	out, err := execute(t, "variants")
	require.NoError(t, err)
	assert.Equal(t, "tas\ntas-fenced\nttas\nttas-fenced\ncas\ncas-fenced\n", out)

	out, err = execute(t, "drivers")
	require.NoError(t, err)
	assert.Contains(t, strings.Fields(out), "sim")
}
