package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// PageState is what the loop can tell about the tab from its URL and title.
type PageState int

const (
	StateUnknown PageState = iota
	StateSlotSelection
	StatePaymentSelection
	StatePlaceOrder
)

func (s PageState) String() string {
	switch s {
	case StateSlotSelection:
		return "slot-selection"
	case StatePaymentSelection:
		return "payment-selection"
	case StatePlaceOrder:
		return "place-order"
	default:
		return "unknown"
	}
}

// Location is the raw URL and title of the current tab.
type Location struct {
	URL   string
	Title string
}

// Classify maps a location onto the checkout flow of site.
func Classify(loc Location, site Site) PageState {
	switch {
	case loc.URL == site.CheckoutURL || loc.URL == site.AlternateURL:
		return StateSlotSelection
	case loc.Title == site.Titles.SelectPayment:
		return StatePaymentSelection
	case loc.Title == site.Titles.PlaceOrder:
		return StatePlaceOrder
	default:
		return StateUnknown
	}
}

// DayTab describes a delivery-day selector button.
type DayTab struct {
	Present  bool
	Disabled bool
}

// Available reports whether the tab exists and can be clicked.
func (d DayTab) Available() bool { return d.Present && !d.Disabled }

// Page is the set of browser operations the checkout loop needs. Waiting
// methods take the bound explicitly and return errElementTimeout once it
// passes.
type Page interface {
	Location(ctx context.Context) (Location, error)
	Reload(ctx context.Context) error
	DayTab(ctx context.Context, name string) (DayTab, error)
	ClickDayTab(ctx context.Context, name string) error
	HasElement(ctx context.Context, xpath string) (bool, error)
	WaitElement(ctx context.Context, xpath string, timeout time.Duration) error
	Click(ctx context.Context, xpath string, timeout time.Duration) error
	Alert(ctx context.Context, msg string) error
}

var (
	errElementTimeout = errors.New("element did not become interactive in time")
	errTitleTimeout   = errors.New("page title did not match in time")
)

// StateReader is the "what page are we on" capability the loop polls.
type StateReader struct {
	page Page
	site Site
}

func (r StateReader) State(ctx context.Context) (PageState, error) {
	loc, err := r.page.Location(ctx)
	if err != nil {
		return StateUnknown, err
	}
	return Classify(loc, r.site), nil
}

// rodPage drives a real tab through rod.
type rodPage struct {
	page  *rod.Page
	alive func() bool
}

func newRodPage(page *rod.Page, alive func() bool) *rodPage {
	return &rodPage{page: page, alive: alive}
}

// wrap marks errors that happen after the browser went away as fatal.
func (p *rodPage) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if p.alive != nil && !p.alive() {
		return fmt.Errorf("%s: %w: %v", op, ErrSessionLost, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (p *rodPage) Location(ctx context.Context) (Location, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return Location{}, p.wrap("page info", err)
	}
	return Location{URL: info.URL, Title: info.Title}, nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return p.wrap("navigate", err)
	}
	return p.wrap("wait load", pg.WaitLoad())
}

func (p *rodPage) Reload(ctx context.Context) error {
	pg := p.page.Context(ctx)
	if err := pg.Reload(); err != nil {
		return p.wrap("reload", err)
	}
	return p.wrap("wait load", pg.WaitLoad())
}

func (p *rodPage) DayTab(ctx context.Context, name string) (DayTab, error) {
	has, el, err := p.page.Context(ctx).Has(dayTabSelector(name))
	if err != nil {
		return DayTab{}, p.wrap("find day tab", err)
	}
	if !has {
		return DayTab{}, nil
	}
	attr, err := el.Attribute("disabled")
	if err != nil {
		return DayTab{}, p.wrap("read day tab", err)
	}
	return DayTab{Present: true, Disabled: attr != nil}, nil
}

func (p *rodPage) ClickDayTab(ctx context.Context, name string) error {
	has, el, err := p.page.Context(ctx).Has(dayTabSelector(name))
	if err != nil {
		return p.wrap("find day tab", err)
	}
	if !has {
		return fmt.Errorf("day tab %s not found", name)
	}
	if err := el.ScrollIntoView(); err != nil {
		return p.wrap("scroll day tab", err)
	}
	return p.wrap("click day tab", el.Click(proto.InputMouseButtonLeft, 1))
}

func (p *rodPage) HasElement(ctx context.Context, xpath string) (bool, error) {
	els, err := p.page.Context(ctx).ElementsX(xpath)
	if err != nil {
		return false, p.wrap("find elements", err)
	}
	return len(els) > 0, nil
}

func (p *rodPage) WaitElement(ctx context.Context, xpath string, timeout time.Duration) error {
	_, err := p.interactive(ctx, xpath, timeout)
	return err
}

func (p *rodPage) Click(ctx context.Context, xpath string, timeout time.Duration) error {
	el, err := p.interactive(ctx, xpath, timeout)
	if err != nil {
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		return p.wrap("scroll", err)
	}
	return p.wrap("click", el.Click(proto.InputMouseButtonLeft, 1))
}

// interactive waits up to timeout for xpath to be present, visible and enabled.
func (p *rodPage) interactive(ctx context.Context, xpath string, timeout time.Duration) (*rod.Element, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	el, err := p.page.Context(wctx).ElementX(xpath)
	if err == nil {
		err = el.WaitVisible()
	}
	if err == nil {
		err = el.WaitEnabled()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%s: %w", xpath, errElementTimeout)
		}
		return nil, p.wrap("wait element", err)
	}
	// drop the wait deadline before handing the element back
	return el.Context(ctx), nil
}

// Alert shows msg in the tab without blocking the caller on the dialog.
func (p *rodPage) Alert(ctx context.Context, msg string) error {
	_, err := p.page.Context(ctx).Eval(`(msg) => { setTimeout(() => window.alert(msg), 0); return true }`, msg)
	return p.wrap("alert", err)
}

func dayTabSelector(name string) string {
	return fmt.Sprintf("[name=%q]", name)
}
