package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	orderPlacedText = "Whole Foods order has been placed!"
	dialogText      = "Whole Foods purchase completed successfully!"
	slackUsername   = "Whole Foods Checkout Script"
	slackIconEmoji  = ":robot_face:"

	defaultTwilioURL   = "https://api.twilio.com"
	defaultTelegramURL = "https://api.telegram.org"
)

// Channel delivers the order-placed message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context) error
}

// Alerter shows a local dialog.
type Alerter interface {
	Alert(ctx context.Context, msg string) error
}

type NotifierOpts struct {
	Client      *http.Client
	TwilioURL   string
	TelegramURL string
	Alerter     Alerter
	Out         io.Writer
}

// Notifier fans the order-placed event out to every enabled channel.
type Notifier struct {
	channels []Channel
}

// NewNotifier builds the channels enabled in settings.
func NewNotifier(s Settings, opts NotifierOpts) *Notifier {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.TwilioURL == "" {
		opts.TwilioURL = defaultTwilioURL
	}
	if opts.TelegramURL == "" {
		opts.TelegramURL = defaultTelegramURL
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	var channels []Channel
	if s.SlackEnabled {
		channels = append(channels, &slackChannel{webhook: s.SlackWebhook, client: opts.Client})
	}
	if s.TwilioEnabled {
		channels = append(channels, &twilioChannel{
			baseURL: strings.TrimSuffix(opts.TwilioURL, "/"),
			sid:     s.TwilioAccountSID,
			token:   s.TwilioAuthToken,
			from:    s.TwilioPhoneNumber,
			to:      s.TwilioCellNumber,
			client:  opts.Client,
		})
	}
	if s.IFTTTEnabled {
		channels = append(channels, &iftttChannel{webhook: s.IFTTTWebhook, client: opts.Client})
	}
	if s.TelegramEnabled {
		channels = append(channels, &telegramChannel{
			baseURL: strings.TrimSuffix(opts.TelegramURL, "/"),
			token:   s.TelegramBotToken,
			chatID:  s.TelegramChatID,
			client:  opts.Client,
		})
	}
	if s.MessageBoxEnabled {
		channels = append(channels, &dialogChannel{alerter: opts.Alerter, out: opts.Out})
	}
	return &Notifier{channels: channels}
}

// Channels lists the names of the enabled channels.
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for _, ch := range n.channels {
		names = append(names, ch.Name())
	}
	return names
}

// NotifyOrderPlaced sends once through every channel. A failing channel does
// not stop the others; failures are logged and returned joined.
func (n *Notifier) NotifyOrderPlaced(ctx context.Context) error {
	var errs []error
	for _, ch := range n.channels {
		if err := ch.Send(ctx); err != nil {
			log.Printf("[WARN] %s notification failed: %v", ch.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		log.Printf("[INFO] %s notification sent", ch.Name())
	}
	return errors.Join(errs...)
}

type slackChannel struct {
	webhook string
	client  *http.Client
}

func (c *slackChannel) Name() string { return "slack" }

func (c *slackChannel) Send(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"text":       orderPlacedText,
		"username":   slackUsername,
		"icon_emoji": slackIconEmoji,
	})
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	return post(ctx, c.client, c.webhook, "application/json", bytes.NewReader(body), nil)
}

type iftttChannel struct {
	webhook string
	client  *http.Client
}

func (c *iftttChannel) Name() string { return "ifttt" }

func (c *iftttChannel) Send(ctx context.Context) error {
	form := url.Values{"value1": {orderPlacedText}}
	return post(ctx, c.client, c.webhook, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), nil)
}

// twilioChannel sends an SMS through the Twilio Messages REST resource.
type twilioChannel struct {
	baseURL string
	sid     string
	token   string
	from    string
	to      string
	client  *http.Client
}

func (c *twilioChannel) Name() string { return "twilio" }

func (c *twilioChannel) Send(ctx context.Context) error {
	if c.sid == "" || c.token == "" {
		return errors.New("twilio account sid and auth token are required")
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.sid))
	form := url.Values{
		"Body": {orderPlacedText},
		"From": {c.from},
		"To":   {c.to},
	}
	return post(ctx, c.client, endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()),
		func(req *http.Request) { req.SetBasicAuth(c.sid, c.token) })
}

type telegramChannel struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

func (c *telegramChannel) Name() string { return "telegram" }

func (c *telegramChannel) Send(ctx context.Context) error {
	if c.token == "" || c.chatID == "" {
		return errors.New("telegram bot token and chat id are required")
	}
	body, err := json.Marshal(map[string]string{"chat_id": c.chatID, "text": orderPlacedText})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	return post(ctx, c.client, endpoint, "application/json", bytes.NewReader(body), nil)
}

// dialogChannel prints a banner and raises an alert in the browser window.
type dialogChannel struct {
	alerter Alerter
	out     io.Writer
}

func (c *dialogChannel) Name() string { return "message-box" }

func (c *dialogChannel) Send(ctx context.Context) error {
	fmt.Fprintln(c.out, T("dialog_banner", dialogText))
	if c.alerter == nil {
		return nil
	}
	return c.alerter.Alert(ctx, dialogText)
}

func post(ctx context.Context, client *http.Client, endpoint, contentType string, body io.Reader, decorate func(*http.Request)) error {
	if endpoint == "" {
		return errors.New("no endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if decorate != nil {
		decorate(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
