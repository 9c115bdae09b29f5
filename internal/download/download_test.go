package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "mdeinstall/"))
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "pkg.msu")
	require.NoError(t, ToFile(context.Background(), 0, srv.URL, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestToFile_RetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("second time lucky"))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "pkg.msu")
	require.NoError(t, ToFile(context.Background(), time.Millisecond, srv.URL, dst))
	assert.Equal(t, int32(2), calls.Load())

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", string(data))
}

func TestToFile_NoRetryWithZeroDelay(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := ToFile(context.Background(), 0, srv.URL, filepath.Join(t.TempDir(), "pkg.msu"))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestToFile_BothAttemptsFail(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := ToFile(context.Background(), time.Millisecond, srv.URL, filepath.Join(t.TempDir(), "pkg.msu"))
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestToFile_CancelledDuringRetryDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := ToFile(ctx, time.Minute, srv.URL, filepath.Join(t.TempDir(), "pkg.msu"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
