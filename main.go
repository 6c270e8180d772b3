package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/sync/errgroup"
)

// Opts with all CLI options
type Opts struct {
	Config    string        `short:"c" long:"config" env:"WFAUTOBUY_CONFIG" description:"settings file (default ~/config.json on linux, ~/Documents/config.json elsewhere)"`
	URL       string        `short:"u" long:"url" env:"WFAUTOBUY_URL" description:"delivery window page to poll"`
	DebugAddr string        `long:"debug-addr" env:"WFAUTOBUY_DEBUG_ADDR" default:"127.0.0.1:9222" description:"remote debugging address of an already running browser"`
	Profile   string        `long:"profile" env:"WFAUTOBUY_PROFILE" description:"profile dir for a freshly launched browser (default ~/.wfautobuy/browser-profile)"`
	Headless  bool          `long:"headless" env:"WFAUTOBUY_HEADLESS" description:"launch the browser without a window"`
	NoPrompt  bool          `long:"no-prompt" env:"WFAUTOBUY_NO_PROMPT" description:"skip the settings form and use the stored settings"`
	Settle    time.Duration `long:"settle" env:"WFAUTOBUY_SETTLE" default:"1h" description:"pause after placing the order before closing the browser"`
	SyncClock bool          `long:"sync-clock" env:"WFAUTOBUY_SYNC_CLOCK" description:"correct the local clock before picking delivery days"`

	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
	Version bool `short:"V" long:"version" description:"show version info"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	setupLog(opts.Debug, opts.NoColor)
	if err := InitLocale(); err != nil {
		log.Printf("[WARN] locale initialization failed, messages shown as keys: %v", err)
	}
	log.Printf("[DEBUG] locale %s", GetLocale())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, opts, os.Stdin, os.Stdout)
	cancel()
	os.Exit(code)
}

// run wires the components and returns the process exit code.
func run(ctx context.Context, opts Opts, in io.Reader, out io.Writer) int {
	path, err := settingsPath(opts.Config)
	if err != nil {
		log.Printf("[ERROR] %v", err)
		return 1
	}

	settings, err := configure(opts, path, in, out)
	if errors.Is(err, ErrPromptCancelled) {
		log.Printf("[INFO] configuration window closed, exiting")
		return 0
	}
	if err != nil {
		log.Printf("[ERROR] %v", err)
		return 1
	}
	setupLog(opts.Debug, opts.NoColor, settings.Secrets()...)

	site := DefaultSite()
	if opts.URL != "" {
		site.CheckoutURL = opts.URL
	}

	var clock Clock = systemClock{}
	if opts.SyncClock {
		ts := NewTimeSync()
		if err := ts.Sync(ctx); err != nil {
			log.Printf("[WARN] clock sync failed, using local time: %v", err)
		}
		if ts.IsSynced() {
			fmt.Println(T("clock_synced", ts.GetOffset()))
		}
		clock = ts
	}

	profile := opts.Profile
	if profile == "" {
		profile = filepath.Join(getUserDataDir(), "browser-profile")
	}
	if err := os.MkdirAll(profile, 0o755); err != nil {
		log.Printf("[WARN] can't create browser profile dir %s: %v", profile, err)
	}

	automation := NewAutomation(BrowserOptions{
		DebugAddr:  opts.DebugAddr,
		ProfileDir: profile,
		Headless:   opts.Headless,
	})
	defer automation.Close()

	page, err := automation.Start(ctx, site.CheckoutURL)
	if err != nil {
		log.Printf("[ERROR] failed to set up browser: %v", err)
		return 1
	}

	notifier := NewNotifier(settings, NotifierOpts{Alerter: page, Out: out})
	log.Printf("[DEBUG] notification channels: %v", notifier.Channels())

	checkoutOpts := DefaultCheckoutOptions()
	checkoutOpts.Settle = opts.Settle
	checkout, err := NewCheckout(page, site, settings, notifier, clock, checkoutOpts)
	if err != nil {
		log.Printf("[ERROR] %v", err)
		return 1
	}

	return runSession(ctx, automation, checkout)
}

type watcher interface {
	Watch(ctx context.Context) error
}

type runner interface {
	Run(ctx context.Context) (Result, error)
}

// runSession runs the checkout loop next to the browser watcher. Closing the
// browser ends the run like an interrupt does. When the loop stops without
// placing the order the browser stays open until either happens.
func runSession(ctx context.Context, w watcher, r runner) int {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		result  Result
		loopErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Watch(gctx) })
	g.Go(func() error {
		result, loopErr = r.Run(gctx)
		if result == ResultOrderPlaced {
			stop()
			return nil
		}
		if loopErr != nil && gctx.Err() == nil {
			log.Printf("[ERROR] checkout stopped: %v", loopErr)
			fmt.Println(T("manual_recovery"))
		}
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	switch {
	case result == ResultOrderPlaced:
		log.Printf("[INFO] order placed, done")
		return 0
	case errors.Is(err, ErrSessionLost):
		fmt.Println(T("browser_closed_by_user"))
	case loopErr != nil && !errors.Is(loopErr, context.Canceled):
		return 1
	}
	log.Printf("[INFO] shutting down")
	return 0
}

func settingsPath(flagValue string) (string, error) {
	if flagValue == "" {
		return DefaultSettingsPath(), nil
	}
	path, err := homedir.Expand(flagValue)
	if err != nil {
		return "", fmt.Errorf("expand settings path %s: %w", flagValue, err)
	}
	return path, nil
}

// configure loads stored settings and lets the user adjust them, unless the
// form is skipped, in which case they are only validated.
func configure(opts Opts, path string, in io.Reader, out io.Writer) (Settings, error) {
	settings := LoadSettings(path, DefaultSettings())
	if opts.NoPrompt {
		if err := settings.Validate(); err != nil {
			return Settings{}, fmt.Errorf("stored settings in %s: %w", path, err)
		}
		return settings, nil
	}
	return NewPrompt(in, out).Run(settings, path)
}

func setupLog(dbg, noColor bool, secs ...string) {
	logOpts := []lgr.Option{lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	if !noColor {
		colorizer := lgr.Mapper{
			ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
			WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
			InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
			DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
			CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
			TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
		}
		logOpts = append(logOpts, lgr.Map(colorizer))
	}
	if len(secs) > 0 {
		logOpts = append(logOpts, lgr.Secret(secs...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
