package main

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed lang/*.yaml
var langFS embed.FS

const fallbackLocale = "en_US"

type Locale struct {
	translations map[string]string
	locale       string
}

var globalLocale *Locale

// InitLocale loads the catalogue matching the system locale, falling back to en_US.
func InitLocale() error {
	locale := DetectSystemLocale()

	l, err := LoadLocale(locale)
	if err != nil {
		l, err = LoadLocale(fallbackLocale)
		if err != nil {
			return fmt.Errorf("failed to load fallback locale %s: %w", fallbackLocale, err)
		}
	}

	globalLocale = l
	return nil
}

// DetectSystemLocale reads LANG, LC_ALL and LC_MESSAGES in that order.
func DetectSystemLocale() string {
	for _, env := range []string{"LANG", "LC_ALL", "LC_MESSAGES"} {
		if v := os.Getenv(env); v != "" {
			if code, _, _ := strings.Cut(v, "."); code != "" {
				return code
			}
		}
	}
	return fallbackLocale
}

// LoadLocale reads lang/<locale>.yaml next to the executable first, so users
// can drop in their own translation, then the embedded copy.
func LoadLocale(locale string) (*Locale, error) {
	data, err := readLocaleFile(locale)
	if err != nil {
		return nil, err
	}

	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, fmt.Errorf("failed to parse locale %s: %w", locale, err)
	}

	return &Locale{translations: translations, locale: locale}, nil
}

func readLocaleFile(locale string) ([]byte, error) {
	name := locale + ".yaml"
	if exePath, err := os.Executable(); err == nil {
		if data, err := os.ReadFile(filepath.Join(filepath.Dir(exePath), "lang", name)); err == nil {
			return data, nil
		}
	}

	data, err := langFS.ReadFile("lang/" + name)
	if err != nil {
		return nil, fmt.Errorf("no locale file for %s: %w", locale, err)
	}
	return data, nil
}

// T translates key, formatting params into the translation when given.
// Unknown keys are returned as is.
func T(key string, params ...interface{}) string {
	if globalLocale == nil {
		return key
	}

	translation, ok := globalLocale.translations[key]
	if !ok {
		return key
	}

	if len(params) > 0 {
		return fmt.Sprintf(translation, params...)
	}
	return translation
}

// GetLocale returns the active locale code.
func GetLocale() string {
	if globalLocale == nil {
		return fallbackLocale
	}
	return globalLocale.locale
}
