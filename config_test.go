package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 30, s.Interval)
	assert.True(t, s.PurchasingEnabled)
	assert.True(t, s.TodayEnabled)
	assert.True(t, s.TomorrowEnabled)
	assert.True(t, s.MessageBoxEnabled)
	assert.False(t, s.IFTTTEnabled || s.SlackEnabled || s.TwilioEnabled || s.TelegramEnabled)
	assert.NoError(t, s.Validate())
}

func TestSettingsValidate(t *testing.T) {
	tbl := []struct {
		name string
		edit func(*Settings)
		err  error
	}{
		{"defaults", func(*Settings) {}, nil},
		{"lowest interval", func(s *Settings) { s.Interval = MinInterval }, nil},
		{"highest interval", func(s *Settings) { s.Interval = MaxInterval }, nil},
		{"interval too short", func(s *Settings) { s.Interval = MinInterval - 1 }, ErrIntervalRange},
		{"interval too long", func(s *Settings) { s.Interval = MaxInterval + 1 }, ErrIntervalRange},
		{"tomorrow only", func(s *Settings) { s.TodayEnabled = false }, nil},
		{"no day", func(s *Settings) { s.TodayEnabled, s.TomorrowEnabled = false, false }, ErrNoDeliveryDay},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.edit(&s)
			if tt.err == nil {
				assert.NoError(t, s.Validate())
				return
			}
			assert.ErrorIs(t, s.Validate(), tt.err)
		})
	}
}

func TestLoadSettingsFallsBackToDefaults(t *testing.T) {
	tbl := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"whitespace", "  \n"},
		{"truncated", `{"interval": 30, "today_enabled": tr`},
		{"array", `[]`},
		{"number", `42`},
		{"string", `"config"`},
		{"null", `null`},
		{"wrong type", `{"interval": "thirty"}`},
		{"invalid utf-8", "{\"slack_webhook\": \"\xff\"}"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o600))

			s := LoadSettings(path, DefaultSettings())
			assert.Equal(t, DefaultSettings(), s)

			// the broken file is replaced with the defaults
			stored, err := readSettings(path, Settings{})
			require.NoError(t, err)
			assert.Equal(t, DefaultSettings(), stored)
		})
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	s := LoadSettings(path, DefaultSettings())
	assert.Equal(t, DefaultSettings(), s)

	info, err := os.Stat(path)
	require.NoError(t, err, "defaults persisted")
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestLoadSettingsPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"interval": 120, "tomorrow_enabled": false, "slack_enabled": true, "slack_webhook": "https://hooks.slack.com/x", "unknown_key": 1}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	s := LoadSettings(path, DefaultSettings())
	want := DefaultSettings()
	want.Interval = 120
	want.TomorrowEnabled = false
	want.SlackEnabled = true
	want.SlackWebhook = "https://hooks.slack.com/x"
	assert.Equal(t, want, s)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, data, string(raw), "a readable file is left untouched")
}

func TestSettingsSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := Settings{
		Interval:          15,
		TomorrowEnabled:   true,
		TwilioEnabled:     true,
		TwilioAccountSID:  "AC123",
		TwilioAuthToken:   "secret",
		TwilioPhoneNumber: "+15550001",
		TwilioCellNumber:  "+15550002",
	}
	require.NoError(t, s.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"twilio_account_sid": "AC123"`)
	assert.Contains(t, string(raw), `"purchasing_enabled": false`)

	assert.Equal(t, s, LoadSettings(path, DefaultSettings()))
}

func TestSettingsSecrets(t *testing.T) {
	s := DefaultSettings()
	assert.Empty(t, s.Secrets())

	s.SlackWebhook = "https://hooks.slack.com/services/T/B/X"
	s.TwilioAuthToken = "tok"
	s.TwilioAccountSID = "AC1"
	assert.Equal(t, []string{"https://hooks.slack.com/services/T/B/X", "tok"}, s.Secrets())
}

func TestDefaultSettingsPath(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	want := filepath.Join(home, "Documents", "config.json")
	if runtime.GOOS == "linux" {
		want = filepath.Join(home, "config.json")
	}
	assert.Equal(t, want, DefaultSettingsPath())
}

func TestDefaultSite(t *testing.T) {
	site := DefaultSite()
	assert.Contains(t, site.CheckoutURL, "shipoptionselect")
	assert.Contains(t, site.AlternateURL, "itemselect")
	assert.NotEqual(t, site.Titles.SelectPayment, site.Titles.PlaceOrder)
	for _, xpath := range []string{
		site.Selectors.SlotButton, site.Selectors.ContinueButton,
		site.Selectors.PaymentContinue, site.Selectors.PlaceOrder,
	} {
		assert.Regexp(t, `^//`, xpath)
	}
}
