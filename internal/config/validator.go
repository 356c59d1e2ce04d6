// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator validates configuration against schema rules.
type Validator struct{}

// NewValidator creates a new config validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidationError contains multiple validation failures.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single field validation error.
type FieldError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(msgs, "; ")
}

// IsEmpty returns true if there are no validation errors.
func (e *ValidationError) IsEmpty() bool {
	return len(e.Errors) == 0
}

// Add adds a field error.
func (e *ValidationError) Add(field, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// Validate checks configuration validity.
func (v *Validator) Validate(cfg *Config) error {
	errs := &ValidationError{}

	v.validateRequired(cfg, errs)
	v.validateServer(cfg, errs)
	v.validateServices(cfg, errs)
	v.validateLogging(cfg, errs)
	v.validateDurations(cfg, errs)
	v.validateCrossReferences(cfg, errs)

	if errs.IsEmpty() {
		return nil
	}
	return errs
}

func (v *Validator) validateRequired(cfg *Config, errs *ValidationError) {
	if cfg.Version == "" {
		errs.Add("version", "is required")
	}
	if len(cfg.Services) == 0 {
		errs.Add("services", "at least one service descriptor is required")
	}
}

func (v *Validator) validateServer(cfg *Config, errs *ValidationError) {
	if cfg.Server.Socket == "" {
		errs.Add("server.socket", "is required")
	}
}

var validKinds = map[ServiceKind]bool{
	KindService:   true,
	KindTask:      true,
	KindRun:       true,
	KindInetd:     true,
	KindInetdConn: true,
}

var validLogModes = map[LogMode]bool{
	LogDisabled: true,
	LogNull:     true,
	LogConsole:  true,
	LogFile:     true,
	LogSyslog:   true,
}

func (v *Validator) validateServices(cfg *Config, errs *ValidationError) {
	seenIdents := make(map[string]bool)

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		prefix := fmt.Sprintf("services[%d]", i)

		if svc.Command == "" {
			errs.Add(prefix+".command", "is required")
		}

		if svc.Name == "" && svc.Command == "" {
			errs.Add(prefix+".name", "is required when command is empty")
		}

		ident := svc.Ident()
		if seenIdents[ident] {
			errs.Add(prefix+".name", fmt.Sprintf("duplicate service identity '%s'", ident))
		} else {
			seenIdents[ident] = true
		}

		kind := svc.EffectiveKind()
		if !validKinds[kind] {
			errs.Add(prefix+".kind", fmt.Sprintf("invalid kind '%s', must be one of: service, task, run, inetd, inetd-conn", svc.Kind))
		}

		if svc.Runlevels != "" && ParseRunlevels(svc.Runlevels) == 0 {
			errs.Add(prefix+".runlevels", fmt.Sprintf("'%s' does not parse to any runlevel", svc.Runlevels))
		}

		for j, cond := range svc.Conditions {
			name := strings.TrimPrefix(cond, "!")
			if name == "" {
				errs.Add(fmt.Sprintf("%s.conditions[%d]", prefix, j), "must not be empty")
			}
		}

		if mode := svc.Logging.Mode; mode != "" && !validLogModes[mode] {
			errs.Add(prefix+".logging.mode", fmt.Sprintf("invalid mode '%s', must be one of: disabled, null, console, file, syslog", mode))
		}
		if svc.Logging.Mode == LogFile && svc.Logging.Path == "" {
			errs.Add(prefix+".logging.path", "is required when logging.mode is 'file'")
		}

		if _, lerrs := svc.ParseLimits(); len(lerrs) > 0 {
			for _, lerr := range lerrs {
				errs.Add(prefix+".limits", lerr.Error())
			}
		}
	}
}

func (v *Validator) validateLogging(cfg *Config, errs *ValidationError) {
	if cfg.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[cfg.Logging.Level] {
			errs.Add("logging.level", fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", cfg.Logging.Level))
		}
	}

	if cfg.Logging.Format != "" {
		validFormats := map[string]bool{
			"json": true,
			"text": true,
		}
		if !validFormats[cfg.Logging.Format] {
			errs.Add("logging.format", fmt.Sprintf("invalid format '%s', must be one of: json, text", cfg.Logging.Format))
		}
	}
}

func (v *Validator) validateDurations(cfg *Config, errs *ValidationError) {
	if cfg.Watch.Debounce != "" {
		d, err := time.ParseDuration(cfg.Watch.Debounce)
		if err != nil {
			errs.Add("watch.debounce", fmt.Sprintf("invalid duration format: %s", err))
		} else if d < 0 {
			errs.Add("watch.debounce", "must be positive")
		}
	}

	if cfg.Events.History.MaxAge != "" {
		d, err := time.ParseDuration(cfg.Events.History.MaxAge)
		if err != nil {
			errs.Add("events.history.max_age", fmt.Sprintf("invalid duration format: %s", err))
		} else if d < 0 {
			errs.Add("events.history.max_age", "must be positive")
		}
	}

	if cfg.System.TermTimeout != "" {
		d, err := time.ParseDuration(cfg.System.TermTimeout)
		if err != nil {
			errs.Add("system.term_timeout", fmt.Sprintf("invalid duration format: %s", err))
		} else if d < 0 {
			errs.Add("system.term_timeout", "must be positive")
		}
	}

	if cfg.Crashes.MaxAge != "" {
		if _, err := parseDurationWithDays(cfg.Crashes.MaxAge); err != nil {
			errs.Add("crashes.max_age", fmt.Sprintf("invalid duration format: %s", err))
		}
	}
}

func (v *Validator) validateCrossReferences(cfg *Config, errs *ValidationError) {
	// Conditions named "pid/<ident>" implicitly reference another service's
	// process-presence condition; verify the referenced service exists.
	idents := make(map[string]bool)
	for i := range cfg.Services {
		idents[cfg.Services[i].Ident()] = true
		idents[strings.SplitN(cfg.Services[i].Ident(), ":", 2)[0]] = true
	}

	for i := range cfg.Services {
		svc := &cfg.Services[i]
		prefix := fmt.Sprintf("services[%d]", i)
		for j, cond := range svc.Conditions {
			name := strings.TrimPrefix(cond, "!")
			if !strings.HasPrefix(name, "pid/") {
				continue
			}
			target := strings.TrimPrefix(name, "pid/")
			if !idents[target] {
				errs.Add(fmt.Sprintf("%s.conditions[%d]", prefix, j),
					fmt.Sprintf("references unknown service '%s'", target))
			}
		}
	}
}

// parseDurationWithDays parses a duration string that may include days (e.g., "7d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err == nil {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}
