package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrPurchaseUncertain is returned when the place-order control was ready but
// clicking it failed. The order may or may not have gone through, so the loop
// stops instead of clicking again.
var ErrPurchaseUncertain = errors.New("place order click failed, order state unknown")

// Phase is the loop's position in the checkout flow.
type Phase int

const (
	PhaseAwaitingCheckoutPage Phase = iota
	PhaseScanningForSlot
	PhaseSlotSelected
	PhaseAwaitingPaymentOrOrderPage
	PhasePaymentPageHandling
	PhaseOrderPageReady
	PhaseOrderPlaced
	PhaseErrorRecovery
)

var phaseNames = map[Phase]string{
	PhaseAwaitingCheckoutPage:       "awaiting-checkout-page",
	PhaseScanningForSlot:            "scanning-for-slot",
	PhaseSlotSelected:               "slot-selected",
	PhaseAwaitingPaymentOrOrderPage: "awaiting-payment-or-order-page",
	PhasePaymentPageHandling:        "payment-page-handling",
	PhaseOrderPageReady:             "order-page-ready",
	PhaseOrderPlaced:                "order-placed",
	PhaseErrorRecovery:              "error-recovery",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Outcome tags what a single step decided.
type Outcome int

const (
	// OutcomeContinue moves on to Transition.Next.
	OutcomeContinue Outcome = iota
	// OutcomeRetry means the step hit a transient problem and the loop goes
	// to Transition.Next, either the top of the flow or error recovery.
	OutcomeRetry
	// OutcomeFatal stops the loop with Transition.Err.
	OutcomeFatal
	// OutcomeSuccess means the order was placed.
	OutcomeSuccess
	// OutcomeManual stops at the order page because purchasing is disabled.
	OutcomeManual
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	case OutcomeSuccess:
		return "success"
	case OutcomeManual:
		return "manual"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Transition is what a step decided and where the loop goes next.
type Transition struct {
	Outcome Outcome
	Next    Phase
	Err     error
}

// Result is how a finished Run ended.
type Result int

const (
	ResultNone Result = iota
	ResultOrderPlaced
	ResultManual
)

// OrderNotifier is told once the order went through.
type OrderNotifier interface {
	NotifyOrderPlaced(ctx context.Context) error
}

// CheckoutOptions are the loop timings.
type CheckoutOptions struct {
	PageWait      time.Duration // between URL checks while off the checkout page
	StepTimeout   time.Duration // bound of every element and title wait
	PollEvery     time.Duration // title polling granularity inside StepTimeout
	RecoveryPause time.Duration // pause after an unexpected error
	Settle        time.Duration // pause after placing the order
}

// DefaultCheckoutOptions returns the timings used in production.
func DefaultCheckoutOptions() CheckoutOptions {
	return CheckoutOptions{
		PageWait:      5 * time.Second,
		StepTimeout:   10 * time.Second,
		PollEvery:     250 * time.Millisecond,
		RecoveryPause: time.Second,
		Settle:        time.Hour,
	}
}

// Checkout walks the checkout flow until a delivery slot is bought.
type Checkout struct {
	page     Page
	states   StateReader
	site     Site
	settings Settings
	notifier OrderNotifier
	clock    Clock
	opts     CheckoutOptions
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	checks int
}

// NewCheckout validates settings up front, the loop never starts with an
// unusable configuration.
func NewCheckout(page Page, site Site, settings Settings, notifier OrderNotifier, clock Clock, opts CheckoutOptions) (*Checkout, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if clock == nil {
		clock = systemClock{}
	}

	def := DefaultCheckoutOptions()
	if opts.PageWait <= 0 {
		opts.PageWait = def.PageWait
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = def.StepTimeout
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = def.PollEvery
	}
	if opts.RecoveryPause < 0 {
		opts.RecoveryPause = 0
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}

	return &Checkout{
		page:     page,
		states:   StateReader{page: page, site: site},
		site:     site,
		settings: settings,
		notifier: notifier,
		clock:    clock,
		opts:     opts,
		sleep:    sleepCtx,
		now:      time.Now,
	}, nil
}

// Run polls until the order is placed, purchasing stops at the order page,
// or a fatal error happens. Transient failures never end it. The page is
// expected to be opened on the checkout URL already.
func (c *Checkout) Run(ctx context.Context) (Result, error) {
	fmt.Println(T("polling_started", c.settings.Interval))
	phase := PhaseAwaitingCheckoutPage
	for {
		tr := c.step(ctx, phase)
		if tr.Next != phase || tr.Outcome != OutcomeContinue {
			log.Printf("[DEBUG] %s -> %s (%s)", phase, tr.Next, tr.Outcome)
		}

		switch tr.Outcome {
		case OutcomeContinue:
			phase = tr.Next
		case OutcomeRetry:
			if tr.Next == PhaseErrorRecovery {
				log.Printf("[WARN] %s failed, recovering: %v", phase, tr.Err)
			} else {
				log.Printf("[DEBUG] %s failed, retrying: %v", phase, tr.Err)
			}
			phase = tr.Next
		case OutcomeFatal:
			return ResultNone, tr.Err
		case OutcomeManual:
			fmt.Println(T("purchasing_disabled"))
			return ResultManual, nil
		case OutcomeSuccess:
			c.finish(ctx)
			return ResultOrderPlaced, nil
		}
	}
}

// step runs one phase and reports where to go next.
func (c *Checkout) step(ctx context.Context, phase Phase) Transition {
	if err := ctx.Err(); err != nil {
		return Transition{Outcome: OutcomeFatal, Next: phase, Err: err}
	}

	switch phase {
	case PhaseAwaitingCheckoutPage:
		return c.awaitCheckoutPage(ctx)
	case PhaseScanningForSlot:
		return c.scanForSlot(ctx)
	case PhaseSlotSelected:
		return c.confirmSlot(ctx)
	case PhaseAwaitingPaymentOrOrderPage:
		return c.awaitPaymentOrOrder(ctx)
	case PhasePaymentPageHandling:
		return c.handlePayment(ctx)
	case PhaseOrderPageReady:
		return c.placeOrder(ctx)
	case PhaseErrorRecovery:
		if err := c.sleep(ctx, c.opts.RecoveryPause); err != nil {
			return Transition{Outcome: OutcomeFatal, Next: phase, Err: err}
		}
		return next(PhaseAwaitingCheckoutPage)
	default:
		return Transition{Outcome: OutcomeFatal, Next: phase, Err: fmt.Errorf("no step for %s", phase)}
	}
}

func (c *Checkout) awaitCheckoutPage(ctx context.Context) Transition {
	state, err := c.states.State(ctx)
	if err != nil {
		return c.unexpected(ctx, err)
	}
	if state == StateSlotSelection {
		return next(PhaseScanningForSlot)
	}
	if err := c.sleep(ctx, c.opts.PageWait); err != nil {
		return Transition{Outcome: OutcomeFatal, Next: PhaseAwaitingCheckoutPage, Err: err}
	}
	return next(PhaseAwaitingCheckoutPage)
}

// scanForSlot looks for a slot on an eligible day and clicks it. Without one
// it waits the refresh interval and reloads, the steady state of a run.
func (c *Checkout) scanForSlot(ctx context.Context) Transition {
	c.resyncClock(ctx)
	today, tomorrow := dayKeys(c.clock)

	eligible, err := c.dayEligible(ctx, today, tomorrow)
	if err != nil {
		return c.unexpected(ctx, err)
	}

	hasSlot, err := c.page.HasElement(ctx, c.site.Selectors.SlotButton)
	if err != nil {
		return c.unexpected(ctx, err)
	}

	if hasSlot && eligible {
		if err := c.page.Click(ctx, c.site.Selectors.SlotButton, c.opts.StepTimeout); err != nil {
			return c.transient(ctx, err)
		}
		fmt.Println(T("slot_selected"))
		return next(PhaseSlotSelected)
	}

	c.checks++
	log.Printf("[INFO] no delivery slots (check #%d), refreshing in %ds", c.checks, c.settings.Interval)
	if err := c.sleep(ctx, time.Duration(c.settings.Interval)*time.Second); err != nil {
		return Transition{Outcome: OutcomeFatal, Next: PhaseScanningForSlot, Err: err}
	}
	if err := c.page.Reload(ctx); err != nil {
		return c.unexpected(ctx, err)
	}
	return next(PhaseAwaitingCheckoutPage)
}

// dayEligible applies the today/tomorrow acceptance flags to the day tabs.
// A missing tab counts as disabled. When only tomorrow is accepted and today
// is still selectable, tomorrow's tab is clicked so its slots are shown.
func (c *Checkout) dayEligible(ctx context.Context, today, tomorrow string) (bool, error) {
	s := c.settings
	if s.TodayEnabled == s.TomorrowEnabled {
		return true, nil
	}

	todayTab, err := c.page.DayTab(ctx, today)
	if err != nil {
		return false, err
	}

	if s.TodayEnabled {
		return todayTab.Available(), nil
	}

	tomorrowTab, err := c.page.DayTab(ctx, tomorrow)
	if err != nil {
		return false, err
	}
	if !tomorrowTab.Available() {
		return false, nil
	}
	if todayTab.Available() {
		log.Printf("[DEBUG] switching to tomorrow's tab %s", tomorrow)
		if err := c.page.ClickDayTab(ctx, tomorrow); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *Checkout) confirmSlot(ctx context.Context) Transition {
	if err := c.page.Click(ctx, c.site.Selectors.ContinueButton, c.opts.StepTimeout); err != nil {
		return c.transient(ctx, err)
	}
	return next(PhaseAwaitingPaymentOrOrderPage)
}

func (c *Checkout) awaitPaymentOrOrder(ctx context.Context) Transition {
	state, err := c.waitState(ctx, StatePaymentSelection, StatePlaceOrder)
	if err != nil {
		return c.transient(ctx, err)
	}
	if state == StatePaymentSelection {
		return next(PhasePaymentPageHandling)
	}
	return next(PhaseOrderPageReady)
}

// handlePayment accepts the default payment method. The click is best effort,
// the order page is expected next either way.
func (c *Checkout) handlePayment(ctx context.Context) Transition {
	if err := c.page.Click(ctx, c.site.Selectors.PaymentContinue, c.opts.StepTimeout); err != nil {
		if c.fatal(ctx, err) {
			return Transition{Outcome: OutcomeFatal, Next: PhasePaymentPageHandling, Err: err}
		}
		log.Printf("[DEBUG] payment continue not clicked: %v", err)
	}

	if _, err := c.waitState(ctx, StatePlaceOrder); err != nil {
		return c.transient(ctx, err)
	}
	return next(PhaseOrderPageReady)
}

func (c *Checkout) placeOrder(ctx context.Context) Transition {
	if err := c.page.WaitElement(ctx, c.site.Selectors.PlaceOrder, c.opts.StepTimeout); err != nil {
		return c.transient(ctx, err)
	}

	if !c.settings.PurchasingEnabled {
		return Transition{Outcome: OutcomeManual, Next: PhaseOrderPageReady}
	}

	if err := c.page.Click(ctx, c.site.Selectors.PlaceOrder, c.opts.StepTimeout); err != nil {
		return Transition{Outcome: OutcomeFatal, Next: PhaseOrderPageReady, Err: fmt.Errorf("%w: %v", ErrPurchaseUncertain, err)}
	}
	return Transition{Outcome: OutcomeSuccess, Next: PhaseOrderPlaced}
}

// finish notifies and holds the session for the settle period.
func (c *Checkout) finish(ctx context.Context) {
	fmt.Println(T("order_placed"))
	if c.notifier != nil {
		if err := c.notifier.NotifyOrderPlaced(ctx); err != nil {
			log.Printf("[WARN] some notifications failed: %v", err)
		}
	}

	if c.opts.Settle > 0 {
		fmt.Println(T("settling", c.opts.Settle))
		if err := c.sleep(ctx, c.opts.Settle); err != nil {
			log.Printf("[DEBUG] settle interrupted: %v", err)
		}
	}
}

// waitState polls the page state until it is one of want or StepTimeout has
// elapsed. Slow page reads count against the bound.
func (c *Checkout) waitState(ctx context.Context, want ...PageState) (PageState, error) {
	deadline := c.now().Add(c.opts.StepTimeout)

	for {
		state, err := c.states.State(ctx)
		if err != nil {
			return StateUnknown, err
		}
		for _, w := range want {
			if state == w {
				return state, nil
			}
		}

		left := deadline.Sub(c.now())
		if left <= 0 {
			return state, fmt.Errorf("waiting for %v, page is %s: %w", want, state, errTitleTimeout)
		}
		if err := c.sleep(ctx, min(c.opts.PollEvery, left)); err != nil {
			return StateUnknown, err
		}
	}
}

// resyncClock refreshes a synchronized clock once its offset gets stale.
func (c *Checkout) resyncClock(ctx context.Context) {
	ts, ok := c.clock.(*TimeSync)
	if !ok || !ts.ShouldResync() {
		return
	}
	if err := ts.Sync(ctx); err != nil {
		log.Printf("[DEBUG] clock resync failed: %v", err)
	}
}

// transient handles failures of bounded waits and clicks: start over from the
// top without extra delay, the wait itself already took its time.
func (c *Checkout) transient(ctx context.Context, err error) Transition {
	if c.fatal(ctx, err) {
		return Transition{Outcome: OutcomeFatal, Next: PhaseAwaitingCheckoutPage, Err: err}
	}
	return Transition{Outcome: OutcomeRetry, Next: PhaseAwaitingCheckoutPage, Err: err}
}

// unexpected handles anything else, going through a short recovery pause.
func (c *Checkout) unexpected(ctx context.Context, err error) Transition {
	if c.fatal(ctx, err) {
		return Transition{Outcome: OutcomeFatal, Next: PhaseErrorRecovery, Err: err}
	}
	return Transition{Outcome: OutcomeRetry, Next: PhaseErrorRecovery, Err: err}
}

func (c *Checkout) fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, ErrSessionLost)
}

func next(p Phase) Transition {
	return Transition{Outcome: OutcomeContinue, Next: p}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
