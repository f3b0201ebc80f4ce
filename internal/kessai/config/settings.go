package config

import (
	"context"
	"fmt"
	"net/mail"
	"net/url"
	"sort"
	"strconv"
)

// Keys of the config table understood by the service.
const (
	KeyNotifications               = "approval.notifications"
	KeyAdminEmail                  = "approval.admin_email"
	KeyFromAddress                 = "approval.from_address"
	KeyBaseURL                     = "approval.base_url"
	KeyEndEntityProfileLimitations = "approval.end_entity_profile_limitations"
)

type kind int

const (
	kindBool kind = iota
	kindEmail
	kindURL
)

var keys = map[string]kind{
	KeyNotifications:               kindBool,
	KeyAdminEmail:                  kindEmail,
	KeyFromAddress:                 kindEmail,
	KeyBaseURL:                     kindURL,
	KeyEndEntityProfileLimitations: kindBool,
}

// Keys returns every known key in sorted order.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks value against the type of key.
func Validate(key, value string) error {
	k, ok := keys[key]
	if !ok {
		return fmt.Errorf("config: unknown key %q", key)
	}
	switch k {
	case kindBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("config: %s must be true or false", key)
		}
	case kindEmail:
		if value == "" {
			return nil
		}
		if _, err := mail.ParseAddress(value); err != nil {
			return fmt.Errorf("config: %s: invalid address: %w", key, err)
		}
	case kindURL:
		u, err := url.Parse(value)
		if err != nil || (value != "" && (u.Scheme == "" || u.Host == "")) {
			return fmt.Errorf("config: %s must be an absolute URL", key)
		}
	}
	return nil
}

// Settings is an immutable snapshot of the runtime settings.
type Settings struct {
	Notifications               bool
	AdminEmail                  string
	FromAddress                 string
	BaseURL                     string
	EndEntityProfileLimitations bool
}

// Defaults returns the settings used for keys that were never set.
func Defaults() Settings {
	return Settings{
		FromAddress: "no-reply@localhost",
	}
}

// Load reads a snapshot, falling back to Defaults for unset keys. A stored
// value of the wrong type is an error.
func Load(ctx context.Context, st Store) (Settings, error) {
	all, err := st.List(ctx)
	if err != nil {
		return Settings{}, err
	}
	return FromMap(all)
}

// FromMap builds a snapshot from raw key/value pairs; unknown keys are
// ignored.
func FromMap(m map[string]string) (Settings, error) {
	s := Defaults()
	for key, value := range m {
		if _, known := keys[key]; !known {
			continue
		}
		if err := Validate(key, value); err != nil {
			return Settings{}, err
		}
		switch key {
		case KeyNotifications:
			s.Notifications, _ = strconv.ParseBool(value)
		case KeyAdminEmail:
			s.AdminEmail = value
		case KeyFromAddress:
			s.FromAddress = value
		case KeyBaseURL:
			s.BaseURL = value
		case KeyEndEntityProfileLimitations:
			s.EndEntityProfileLimitations, _ = strconv.ParseBool(value)
		}
	}
	return s, nil
}

// Static is a fixed SettingsSource.
type Static Settings

// Current returns the fixed snapshot.
func (s Static) Current() Settings { return Settings(s) }
