package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	if l, err := LoadLocale(fallbackLocale); err == nil {
		globalLocale = l
	}
	os.Exit(m.Run())
}

// fakeWatcher reports a lost session once lost is closed, nil when ctx is done.
type fakeWatcher struct {
	lost chan struct{}
}

func (w *fakeWatcher) Watch(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-w.lost:
		return ErrSessionLost
	}
}

// fakeRunner returns result and err right away, or blocks until ctx is done
// when block is set.
type fakeRunner struct {
	result Result
	err    error
	block  bool
}

func (r *fakeRunner) Run(ctx context.Context) (Result, error) {
	if r.block {
		<-ctx.Done()
		return ResultNone, ctx.Err()
	}
	return r.result, r.err
}

func TestRunSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("order placed", func(t *testing.T) {
		code := runSession(context.Background(), &fakeWatcher{}, &fakeRunner{result: ResultOrderPlaced})
		assert.Equal(t, 0, code)
	})

	t.Run("browser closed while polling", func(t *testing.T) {
		w := &fakeWatcher{lost: make(chan struct{})}
		close(w.lost)
		code := runSession(context.Background(), w, &fakeRunner{block: true})
		assert.Equal(t, 0, code)
	})

	t.Run("interrupted while polling", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		time.AfterFunc(50*time.Millisecond, cancel)
		code := runSession(ctx, &fakeWatcher{}, &fakeRunner{block: true})
		assert.Equal(t, 0, code)
	})

	t.Run("manual purchase waits for interrupt", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		code := runSession(ctx, &fakeWatcher{}, &fakeRunner{result: ResultManual})
		assert.Equal(t, 0, code)
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "browser kept until interrupted")
	})

	t.Run("manual purchase then browser closed", func(t *testing.T) {
		w := &fakeWatcher{lost: make(chan struct{})}
		time.AfterFunc(20*time.Millisecond, func() { close(w.lost) })
		code := runSession(context.Background(), w, &fakeRunner{result: ResultManual})
		assert.Equal(t, 0, code)
	})

	t.Run("uncertain purchase exits with failure", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := errors.Join(ErrPurchaseUncertain, errors.New("node detached"))
		code := runSession(ctx, &fakeWatcher{}, &fakeRunner{err: err})
		assert.Equal(t, 1, code)
	})
}

func TestSettingsPath(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	tbl := []struct {
		in   string
		want string
	}{
		{"", DefaultSettingsPath()},
		{"/tmp/wf.json", "/tmp/wf.json"},
		{"~/wf/settings.json", filepath.Join(home, "wf", "settings.json")},
	}
	for _, tt := range tbl {
		t.Run(tt.in, func(t *testing.T) {
			got, err := settingsPath(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigure(t *testing.T) {
	t.Run("no prompt uses stored settings", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		stored := DefaultSettings()
		stored.Interval = 90
		stored.TodayEnabled = false
		require.NoError(t, stored.Save(path))

		s, err := configure(Opts{NoPrompt: true}, path, strings.NewReader(""), &strings.Builder{})
		require.NoError(t, err)
		assert.Equal(t, stored, s)
	})

	t.Run("no prompt rejects stored settings without a day", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		stored := DefaultSettings()
		stored.TodayEnabled, stored.TomorrowEnabled = false, false
		require.NoError(t, stored.Save(path))

		_, err := configure(Opts{NoPrompt: true}, path, strings.NewReader(""), &strings.Builder{})
		assert.ErrorIs(t, err, ErrNoDeliveryDay)
	})

	t.Run("prompt starts from stored settings", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		stored := DefaultSettings()
		stored.Interval = 45
		require.NoError(t, stored.Save(path))

		out := &strings.Builder{}
		s, err := configure(Opts{}, path, strings.NewReader(strings.Repeat("\n", 10)), out)
		require.NoError(t, err)
		assert.Equal(t, 45, s.Interval)
		assert.Contains(t, out.String(), "[45]")
	})
}

func TestRunExitsCleanlyWhenPromptClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	code := run(context.Background(), Opts{Config: path, NoColor: true}, strings.NewReader(""), &strings.Builder{})
	assert.Equal(t, 0, code)

	// defaults were written on the failed load, the form itself saved nothing else
	assert.Equal(t, DefaultSettings(), LoadSettings(path, Settings{}))
}

func TestRunFailsOnInvalidStoredSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"interval": 1}`), 0o600))

	code := run(context.Background(), Opts{Config: path, NoPrompt: true, NoColor: true}, strings.NewReader(""), &strings.Builder{})
	assert.Equal(t, 1, code)
}

func TestGetUserDataDir(t *testing.T) {
	dir := getUserDataDir()
	require.NotEmpty(t, dir)
	if dir == "./wfautobuy-data" {
		return
	}
	assert.True(t, filepath.IsAbs(dir))
	assert.Equal(t, ".wfautobuy", filepath.Base(dir))
}
