package launch

import (
	"fmt"
	"net/url"
)

// Options is a Config materialized for one authorize request. The patient
// and provider id lists become mutable Lists so that answers returned by
// the login and picker screens can be folded in before the options are
// re-encoded for the next hop.
type Options struct {
	Config
	Patients  *List
	Providers *List
}

// NewOptions decodes token into Options. An empty token yields the
// defaults: a provider EHR launch with automatic PKCE.
func NewOptions(token string) (*Options, error) {
	cfg := Config{LaunchType: ProviderEHR, PKCE: PKCEAuto}
	if token != "" {
		var err error
		if cfg, err = Decode(token); err != nil {
			return nil, fmt.Errorf("invalid launch options: %w", err)
		}
	}
	return FromConfig(cfg), nil
}

// FromConfig wraps an already decoded Config.
func FromConfig(cfg Config) *Options {
	return &Options{
		Config:    cfg,
		Patients:  NewList(cfg.Patient),
		Providers: NewList(cfg.Provider),
	}
}

// ApplyAnswers folds the parameters returned by the interactive screens
// into the options.
func (o *Options) ApplyAnswers(params url.Values) {
	if v := params.Get("patient"); v != "" {
		o.Patients.Set(v)
	}
	if v := params.Get("provider"); v != "" {
		o.Providers.Set(v)
	}
	if v := params.Get("encounter"); v != "" {
		o.Encounter = v
	}
	if params.Get("auth_success") == "1" {
		o.SkipAuth = true
	}
	if params.Get("login_success") == "1" {
		o.SkipLogin = true
	}
}

// HasConcreteEncounter reports whether an actual encounter id is selected
// rather than one of the AUTO or MANUAL selection modes.
func (o *Options) HasConcreteEncounter() bool {
	return o.Encounter != "" && o.Encounter != "AUTO" && o.Encounter != "MANUAL"
}

// Snapshot returns the Config with the current list contents.
func (o *Options) Snapshot() Config {
	cfg := o.Config
	cfg.Patient = o.Patients.String()
	cfg.Provider = o.Providers.String()
	return cfg
}

// Encode serializes the current state for the next authorize hop.
func (o *Options) Encode() string {
	return Encode(o.Snapshot())
}
