package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrPromptCancelled is returned when the user leaves the form without
// starting. Nothing is saved in that case.
var ErrPromptCancelled = errors.New("configuration cancelled")

const escKey = 27

// Prompt is the interactive settings form. Each answer defaults to the
// current value, an ESC line or end of input closes the form.
type Prompt struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompt makes a form reading answers from in and writing questions to out.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: bufio.NewReader(in), out: out}
}

// Run fills the form from current, persists the submitted snapshot to path
// and returns it.
func (p *Prompt) Run(current Settings, path string) (Settings, error) {
	s, err := p.fill(current)
	if err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	if err := s.Save(path); err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	fmt.Fprintln(p.out, T("settings_saved", path))
	return s, nil
}

func (p *Prompt) fill(s Settings) (Settings, error) {
	var err error
	fmt.Fprintln(p.out, T("instructions"))
	fmt.Fprintln(p.out)

	if s.Interval, err = p.askInt(T("ask_interval"), s.Interval, MinInterval, MaxInterval); err != nil {
		return s, err
	}
	if s.PurchasingEnabled, err = p.askBool(T("ask_purchasing"), s.PurchasingEnabled); err != nil {
		return s, err
	}

	// start stays disabled until a day is accepted
	for {
		if s.TodayEnabled, err = p.askBool(T("ask_today"), s.TodayEnabled); err != nil {
			return s, err
		}
		if s.TomorrowEnabled, err = p.askBool(T("ask_tomorrow"), s.TomorrowEnabled); err != nil {
			return s, err
		}
		if s.TodayEnabled || s.TomorrowEnabled {
			break
		}
		fmt.Fprintln(p.out, T("warn_no_day"))
	}

	if s.IFTTTEnabled, err = p.channel(T("ask_ifttt"), s.IFTTTEnabled,
		field{T("ask_ifttt_webhook"), &s.IFTTTWebhook}); err != nil {
		return s, err
	}
	if s.SlackEnabled, err = p.channel(T("ask_slack"), s.SlackEnabled,
		field{T("ask_slack_webhook"), &s.SlackWebhook}); err != nil {
		return s, err
	}
	if s.TwilioEnabled, err = p.channel(T("ask_twilio"), s.TwilioEnabled,
		field{T("ask_twilio_sid"), &s.TwilioAccountSID},
		field{T("ask_twilio_token"), &s.TwilioAuthToken},
		field{T("ask_twilio_phone"), &s.TwilioPhoneNumber},
		field{T("ask_twilio_cell"), &s.TwilioCellNumber}); err != nil {
		return s, err
	}
	if s.TelegramEnabled, err = p.channel(T("ask_telegram"), s.TelegramEnabled,
		field{T("ask_telegram_token"), &s.TelegramBotToken},
		field{T("ask_telegram_chat"), &s.TelegramChatID}); err != nil {
		return s, err
	}
	if s.MessageBoxEnabled, err = p.askBool(T("ask_message_box"), s.MessageBoxEnabled); err != nil {
		return s, err
	}

	fmt.Fprint(p.out, T("ask_start"))
	if _, err := p.readLine(); err != nil {
		return s, err
	}
	return s, nil
}

type field struct {
	label string
	value *string
}

// channel asks for a toggle and, when it is on, the channel's credentials.
func (p *Prompt) channel(label string, enabled bool, fields ...field) (bool, error) {
	on, err := p.askBool(label, enabled)
	if err != nil || !on {
		return on, err
	}
	for _, f := range fields {
		v, err := p.askString(f.label, *f.value)
		if err != nil {
			return on, err
		}
		*f.value = v
	}
	return on, nil
}

func (p *Prompt) askBool(label string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", label, hint)
		line, err := p.readLine()
		if err != nil {
			return def, err
		}
		switch strings.ToLower(line) {
		case "":
			return def, nil
		case "y", "yes", "true", "1":
			return true, nil
		case "n", "no", "false", "0":
			return false, nil
		}
		fmt.Fprintln(p.out, T("invalid_yes_no"))
	}
}

func (p *Prompt) askInt(label string, def, lo, hi int) (int, error) {
	for {
		fmt.Fprintf(p.out, "%s (%d-%d) [%d]: ", label, lo, hi, def)
		line, err := p.readLine()
		if err != nil {
			return def, err
		}
		v := def
		if line != "" {
			if v, err = strconv.Atoi(line); err != nil {
				fmt.Fprintln(p.out, T("invalid_number"))
				continue
			}
		}
		if v < lo || v > hi {
			fmt.Fprintln(p.out, T("invalid_interval", lo, hi))
			continue
		}
		return v, nil
	}
}

// askString keeps def on an empty answer, "-" clears the value.
func (p *Prompt) askString(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	line, err := p.readLine()
	if err != nil {
		return def, err
	}
	switch line {
	case "":
		return def, nil
	case "-":
		return "", nil
	}
	return line, nil
}

func (p *Prompt) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		if line == "" {
			return "", ErrPromptCancelled
		}
	}
	if strings.ContainsRune(line, escKey) {
		return "", ErrPromptCancelled
	}
	return strings.TrimSpace(line), nil
}
