package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdeops/mdeinstall/internal/exitcode"
)

// TestHelperProcess is re-executed by the tests below as a stand-in child
// process. It is not a test on its own.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		os.Exit(2)
	}

	switch args[0] {
	case "echo":
		fmt.Println(strings.Join(args[1:], " "))
		os.Exit(0)
	case "stderr":
		fmt.Fprintln(os.Stderr, strings.Join(args[1:], " "))
		os.Exit(0)
	case "exit":
		code, err := strconv.Atoi(args[1])
		if err != nil {
			os.Exit(2)
		}
		fmt.Println("failing on purpose")
		os.Exit(code)
	}
	os.Exit(2)
}

func helperSpec(t *testing.T, args ...string) Spec {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	return Spec{
		Path: os.Args[0],
		Args: append([]string{"-test.run=TestHelperProcess", "--"}, args...),
	}
}

func countBuffers(t *testing.T) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "mdeinstall-std*"))
	require.NoError(t, err)
	return len(matches)
}

func TestRun_Success(t *testing.T) {
	res, err := New().Run(context.Background(), helperSpec(t, "echo", "hello", "world"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"hello world"}, res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestRun_NonZeroIsSignal(t *testing.T) {
	res, err := New().Run(context.Background(), helperSpec(t, "exit", "7"))
	require.Error(t, err)
	assert.Equal(t, 7, exitcode.CodeOf(err))
	require.NotNil(t, res)
	assert.Equal(t, 7, res.ExitCode)
	// Output is drained even on failure.
	assert.Equal(t, []string{"failing on purpose"}, res.Stdout)
}

func TestRunPassthrough_NonZeroIsNotAnError(t *testing.T) {
	res, err := New().RunPassthrough(context.Background(), helperSpec(t, "exit", "5"))
	require.NoError(t, err)
	assert.Equal(t, 5, res.ExitCode)
}

func TestRunPassthrough_StderrCaptured(t *testing.T) {
	res, err := New().RunPassthrough(context.Background(), helperSpec(t, "stderr", "oops"))
	require.NoError(t, err)
	assert.Equal(t, []string{"oops"}, res.Stderr)
	assert.Empty(t, res.Stdout)
}

func TestRun_LaunchFailure(t *testing.T) {
	_, err := New().Run(context.Background(), Spec{Path: filepath.Join(t.TempDir(), "does-not-exist")})
	require.Error(t, err)
	assert.Equal(t, exitcode.Internal, exitcode.CodeOf(err))
}

func TestRun_OutputBuffersRemoved(t *testing.T) {
	before := countBuffers(t)

	_, err := New().Run(context.Background(), helperSpec(t, "echo", "buffered"))
	require.NoError(t, err)
	_, _ = New().RunPassthrough(context.Background(), helperSpec(t, "exit", "3"))

	assert.Equal(t, before, countBuffers(t))
}
