package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	MinInterval = 5
	MaxInterval = 600
)

var (
	ErrNoDeliveryDay = errors.New("at least one delivery day must be accepted")
	ErrIntervalRange = fmt.Errorf("refresh interval must be between %d and %d seconds", MinInterval, MaxInterval)
)

// Settings is the flat record persisted between runs. Keys match the
// settings file written by earlier versions, so existing files keep working.
type Settings struct {
	Interval          int  `json:"interval"`
	PurchasingEnabled bool `json:"purchasing_enabled"`
	TodayEnabled      bool `json:"today_enabled"`
	TomorrowEnabled   bool `json:"tomorrow_enabled"`

	IFTTTEnabled bool   `json:"ifttt_enabled"`
	IFTTTWebhook string `json:"ifttt_webhook"`

	SlackEnabled bool   `json:"slack_enabled"`
	SlackWebhook string `json:"slack_webhook"`

	TwilioEnabled     bool   `json:"twilio_enabled"`
	TwilioAccountSID  string `json:"twilio_account_sid"`
	TwilioAuthToken   string `json:"twilio_auth_token"`
	TwilioPhoneNumber string `json:"twilio_phone_number"`
	TwilioCellNumber  string `json:"twilio_cell_number"`

	TelegramEnabled  bool   `json:"telegram_enabled"`
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   string `json:"telegram_chat_id"`

	MessageBoxEnabled bool `json:"message_box_enabled"`
}

func DefaultSettings() Settings {
	return Settings{
		Interval:          30,
		PurchasingEnabled: true,
		TodayEnabled:      true,
		TomorrowEnabled:   true,
		MessageBoxEnabled: true,
	}
}

// Validate checks the invariants the polling loop relies on.
func (s Settings) Validate() error {
	if s.Interval < MinInterval || s.Interval > MaxInterval {
		return ErrIntervalRange
	}
	if !s.TodayEnabled && !s.TomorrowEnabled {
		return ErrNoDeliveryDay
	}
	return nil
}

// Secrets returns credential values that must never show up in logs.
func (s Settings) Secrets() []string {
	var res []string
	for _, v := range []string{s.IFTTTWebhook, s.SlackWebhook, s.TwilioAuthToken, s.TelegramBotToken} {
		if v != "" {
			res = append(res, v)
		}
	}
	return res
}

// LoadSettings reads settings from path. Any read or parse failure, including
// a file that holds valid JSON but not an object, falls back to defaults and
// rewrites the file with them. Keys missing from the file keep their defaults.
func LoadSettings(path string, defaults Settings) Settings {
	s, err := readSettings(path, defaults)
	if err == nil {
		return s
	}

	log.Printf("[WARN] can't load settings from %s, using defaults: %v", path, err)
	if err := defaults.Save(path); err != nil {
		log.Printf("[WARN] can't write default settings to %s: %v", path, err)
	}
	return defaults
}

func readSettings(path string, defaults Settings) (Settings, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from CLI flag
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Settings{}, errors.New("settings file is not a JSON object")
	}
	if !utf8.Valid(data) {
		return Settings{}, errors.New("settings file is not valid UTF-8")
	}

	s := defaults
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// Save writes settings to path, replacing its content.
func (s Settings) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// DefaultSettingsPath is ~/config.json on Linux and ~/Documents/config.json
// everywhere else.
func DefaultSettingsPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "config.json"
	}
	if runtime.GOOS == "linux" {
		return filepath.Join(home, "config.json")
	}
	return filepath.Join(home, "Documents", "config.json")
}

func getUserDataDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return "./wfautobuy-data"
	}
	return filepath.Join(home, ".wfautobuy")
}

// Site holds everything tied to the retailer's checkout markup.
type Site struct {
	CheckoutURL  string
	AlternateURL string
	Selectors    SelectorConfig
	Titles       TitleConfig
}

type SelectorConfig struct {
	SlotButton      string
	ContinueButton  string
	PaymentContinue string
	PlaceOrder      string
}

type TitleConfig struct {
	SelectPayment string
	PlaceOrder    string
}

func DefaultSite() Site {
	return Site{
		CheckoutURL:  "https://www.amazon.com/gp/buy/shipoptionselect/handlers/display.html?hasWorkingJavascript=1",
		AlternateURL: "https://www.amazon.com/gp/buy/itemselect/handlers/display.html?ie=UTF8&useCase=singleAddress&hasWorkingJavascript=1",
		Selectors: SelectorConfig{
			SlotButton:      "//button[@class='a-button-text ufss-slot-toggle-native-button']",
			ContinueButton:  "//input[@class='a-button-input' and @type='submit']",
			PaymentContinue: "//input[@class='a-button-text ' and @type='submit']",
			PlaceOrder:      "//input[@class='a-button-text place-your-order-button']",
		},
		Titles: TitleConfig{
			SelectPayment: "Select a Payment Method - Amazon.com Checkout",
			PlaceOrder:    "Place Your Order - Amazon.com Checkout",
		},
	}
}
