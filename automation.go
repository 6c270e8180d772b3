package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// ErrSessionLost means the browser or its tab is gone; nothing on the page
// can succeed after it.
var ErrSessionLost = errors.New("browser session lost")

// BrowserOptions control how the browser is found or started.
type BrowserOptions struct {
	DebugAddr     string
	ProbeTimeout  time.Duration
	ProfileDir    string
	Headless      bool
	WatchInterval time.Duration
}

// Automation owns the browser for the whole run. The checkout loop borrows
// its page and Close releases everything.
type Automation struct {
	opts     BrowserOptions
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	attached bool
}

// NewAutomation makes an Automation with default probe and watch intervals.
func NewAutomation(opts BrowserOptions) *Automation {
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = time.Second
	}
	if opts.WatchInterval == 0 {
		opts.WatchInterval = 2 * time.Second
	}
	return &Automation{opts: opts}
}

// Start attaches to a browser already listening on the debug address, or
// launches a fresh one, and opens entryURL in a tab.
func (a *Automation) Start(ctx context.Context, entryURL string) (Page, error) {
	var controlURL string
	var err error

	if a.opts.DebugAddr != "" && probeDebugPort(a.opts.DebugAddr, a.opts.ProbeTimeout) {
		fmt.Println(T("browser_attaching", a.opts.DebugAddr))
		controlURL, err = launcher.ResolveURL(a.opts.DebugAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve debug endpoint %s: %w", a.opts.DebugAddr, err)
		}
		a.attached = true
	} else {
		log.Printf("[DEBUG] nothing listening on %s, launching a new browser", a.opts.DebugAddr)
		if controlURL, err = a.launch(); err != nil {
			return nil, err
		}
	}

	if err := a.connect(ctx, controlURL); err != nil {
		return nil, err
	}

	if a.page, err = a.openPage(); err != nil {
		return nil, err
	}

	page := newRodPage(a.page, a.isBrowserAlive)
	if err := page.Navigate(ctx, entryURL); err != nil {
		// not fatal, the user may still have to log in before checkout opens
		log.Printf("[WARN] can't open %s: %v", entryURL, err)
	}
	fmt.Println(T("browser_ready"))
	return page, nil
}

func (a *Automation) connect(ctx context.Context, controlURL string) error {
	rp := repeater.NewBackoff(5, 200*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	err := rp.Do(ctx, func() error {
		b := rod.New().ControlURL(controlURL)
		if err := b.Connect(); err != nil {
			log.Printf("[DEBUG] connect to %s: %v", controlURL, err)
			return err
		}
		a.browser = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	return nil
}

// openPage reuses the first tab of an attached browser, keeping whatever the
// user already has open there. Fresh browsers get a stealth tab.
func (a *Automation) openPage() (*rod.Page, error) {
	if a.attached {
		pages, err := a.browser.Pages()
		if err != nil {
			return nil, fmt.Errorf("list tabs: %w", err)
		}
		if len(pages) > 0 {
			return pages[0], nil
		}
	}

	page, err := stealth.Page(a.browser)
	if err != nil {
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}
	return page, nil
}

func (a *Automation) launch() (string, error) {
	fmt.Println(T("browser_launching"))

	// leakless deadlocks on windows, see https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	l := launcher.New().
		Leakless(useLeakless).
		Headless(a.opts.Headless)

	// user data dir must be set before Bin
	if a.opts.ProfileDir != "" {
		l = l.UserDataDir(a.opts.ProfileDir)
		log.Printf("[DEBUG] browser profile %s", a.opts.ProfileDir)
	}

	bin, err := a.browserBin()
	if err != nil {
		return "", err
	}
	a.launcher = l.Bin(bin)

	url, err := a.launcher.Launch()
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Opening in existing browser session") ||
			strings.Contains(errMsg, "ProcessSingleton") ||
			strings.Contains(errMsg, "SingletonLock") {
			fmt.Println(T("error_chrome_already_running"))
			fmt.Println(T("error_chrome_debug_hint", a.opts.DebugAddr))
			return "", errors.New("browser profile is locked by a running browser")
		}
		return "", fmt.Errorf("failed to launch browser: %w", err)
	}
	return url, nil
}

// browserBin prefers an installed Chrome and downloads Chromium only when
// none is found.
func (a *Automation) browserBin() (string, error) {
	if path, ok := launcher.LookPath(); ok {
		log.Printf("[DEBUG] using system browser %s", path)
		return path, nil
	}

	fmt.Println(T("browser_downloading"))
	path, err := launcher.NewBrowser().Get()
	if err != nil {
		return "", fmt.Errorf("download browser: %w", err)
	}
	return path, nil
}

func (a *Automation) isBrowserAlive() bool {
	if a.browser == nil {
		return false
	}

	if _, err := a.browser.Version(); err != nil {
		log.Printf("[DEBUG] browser version check failed: %v", err)
		return false
	}

	if a.page != nil {
		if _, err := a.page.Info(); err != nil {
			log.Printf("[DEBUG] page info check failed: %v", err)
			return false
		}
	}
	return true
}

// Watch returns ErrSessionLost once the browser or tab disappears, e.g. the
// user closed the window, and nil when ctx is done.
func (a *Automation) Watch(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !a.isBrowserAlive() {
				return ErrSessionLost
			}
		}
	}
}

// Close releases the session. A browser we attached to belongs to the user
// and is left running.
func (a *Automation) Close() {
	if a.browser == nil && a.launcher == nil {
		return
	}
	fmt.Println(T("cleaning_up"))

	if a.attached {
		a.browser = nil
		a.page = nil
		return
	}

	if a.page != nil {
		_ = a.page.Close()
		a.page = nil
	}
	if a.browser != nil {
		_ = a.browser.Close()
		a.browser = nil
	}
	if a.launcher != nil {
		a.launcher.Cleanup()
		a.launcher = nil
	}
}

// probeDebugPort reports whether something accepts TCP connections on addr.
func probeDebugPort(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
