package trace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdeops/mdeinstall/internal/runner"
	"github.com/mdeops/mdeinstall/internal/sysfacade"
)

// captureRunner fabricates the buffer file logman would produce, so that
// Close has something to move.
func captureRunner() *runner.Recorder {
	run := runner.NewRecorder()
	run.OnRun = func(spec runner.Spec) {
		if filepath.Base(spec.Path) == "logman.exe" && len(spec.Args) > 0 && spec.Args[0] == "create" {
			for i, a := range spec.Args {
				if a == "-o" && i+1 < len(spec.Args) {
					_ = os.WriteFile(spec.Args[i+1], []byte("etl bits"), 0o600)
				}
			}
		}
	}
	return run
}

func newTestSession(facade sysfacade.Facade, run runner.Runner, finalPath string) *Session {
	s := NewSession(facade, run, finalPath)
	s.pollInterval = 0
	s.pollRetries = 3
	return s
}

func TestSession_OpenCloseSymmetry(t *testing.T) {
	facade := sysfacade.NewFake()
	facade.System = true
	run := captureRunner()
	finalPath := filepath.Join(t.TempDir(), "run.etl")

	s := newTestSession(facade, run, finalPath)
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, Open, s.State())

	// Verbose tracing was switched on directly; the caller is SYSTEM.
	v, ok, err := facade.GetRegistryDWord(verbosityKeyPath, verbosityValue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), v)
	assert.Empty(t, facade.CreatedTasks)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, Closed, s.State())

	v, _, err = facade.GetRegistryDWord(verbosityKeyPath, verbosityValue)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)

	// Exactly one buffer moved to the final location.
	data, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, "etl bits", string(data))

	require.Len(t, run.CallsTo("logman.exe"), 2)
	assert.Equal(t, "create", run.CallsTo("logman.exe")[0].Args[0])
	assert.Equal(t, []string{"stop", sessionName, "-ets"}, run.CallsTo("logman.exe")[1].Args)
}

func TestSession_ElevationBridgeLeavesNoTasksBehind(t *testing.T) {
	facade := sysfacade.NewFake()
	run := captureRunner()

	s := newTestSession(facade, run, filepath.Join(t.TempDir(), "run.etl"))
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	require.Len(t, facade.CreatedTasks, 2)
	assert.Empty(t, facade.LeakedTasks())

	task := facade.Tasks[elevationTaskName]
	require.NotNil(t, task)
	assert.Equal(t, "reg.exe", task.Command)
	assert.Contains(t, task.Args, `HKLM\`+verbosityKeyPath)
	assert.Contains(t, task.Args, "REG_DWORD")
	// The last provisioning reverts verbosity to zero.
	assert.Equal(t, "0", task.Args[len(task.Args)-2])
}

func TestSession_ElevationPollTimeoutIsNotFatal(t *testing.T) {
	facade := sysfacade.NewFake()
	facade.Tasks[elevationTaskName] = &sysfacade.FakeTask{PollsUntilDone: 1000}
	run := captureRunner()

	s := newTestSession(facade, run, filepath.Join(t.TempDir(), "run.etl"))
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, Open, s.State())
	assert.Empty(t, facade.LeakedTasks())

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, Closed, s.State())
}

func TestSession_OpenFailureReturnsToClosed(t *testing.T) {
	// Redirect the temp directory so the provider-file check only sees
	// artifacts from this test.
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	t.Setenv("TMP", tmp)
	t.Setenv("TEMP", tmp)

	facade := sysfacade.NewFake()
	facade.System = true
	run := runner.NewRecorder()
	run.ExitCodes["logman.exe"] = 1

	s := newTestSession(facade, run, filepath.Join(t.TempDir(), "run.etl"))
	require.Error(t, s.Open(context.Background()))
	assert.Equal(t, Closed, s.State())

	// The partial provider file does not survive the failed open.
	matches, err := filepath.Glob(filepath.Join(tmp, "mdeinstall-providers-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	// The verbosity value written before the failure is rolled back.
	v, ok, err := facade.GetRegistryDWord(verbosityKeyPath, verbosityValue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0), v)
}

func TestSession_CloseWithoutOpenIsANoOp(t *testing.T) {
	run := runner.NewRecorder()
	s := newTestSession(sysfacade.NewFake(), run, filepath.Join(t.TempDir(), "run.etl"))
	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, run.Calls)
}

func TestSession_DoubleOpenRejected(t *testing.T) {
	facade := sysfacade.NewFake()
	facade.System = true
	s := newTestSession(facade, captureRunner(), filepath.Join(t.TempDir(), "run.etl"))
	require.NoError(t, s.Open(context.Background()))
	require.Error(t, s.Open(context.Background()))
	require.NoError(t, s.Close(context.Background()))
}

func TestSession_RotatesPreviousTraceLog(t *testing.T) {
	facade := sysfacade.NewFake()
	facade.System = true
	finalPath := filepath.Join(t.TempDir(), "run.etl")
	require.NoError(t, os.WriteFile(finalPath, []byte("old capture"), 0o600))

	s := newTestSession(facade, captureRunner(), finalPath)
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	prev, err := os.ReadFile(finalPath + ".prev")
	require.NoError(t, err)
	assert.Equal(t, "old capture", string(prev))

	data, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, "etl bits", string(data))
}
