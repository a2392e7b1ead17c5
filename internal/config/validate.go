package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks structural invariants of the configuration.
//
// Policy uplink references are deliberately NOT resolved here: a policy
// naming an unconfigured uplink is rejected when it is activated, so that
// configs can carry policies for hardware that is not present yet.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if len(c.Uplinks) == 0 {
		errs = append(errs, ValidationError{Field: "uplink", Message: "at least one uplink must be configured"})
	}

	seenNames := make(map[string]bool)
	seenDevices := make(map[string]string)
	seenMarks := make(map[uint32]string)
	for _, u := range c.Uplinks {
		field := fmt.Sprintf("uplink %q", u.Name)
		if u.Name == "" {
			errs = append(errs, ValidationError{Field: "uplink", Message: "name must not be empty"})
			continue
		}
		if seenNames[u.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate uplink name"})
		}
		seenNames[u.Name] = true

		if u.Device == "" {
			errs = append(errs, ValidationError{Field: field, Message: "device must not be empty"})
		} else if prev, dup := seenDevices[u.Device]; dup {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("device %q already used by uplink %q", u.Device, prev)})
		} else {
			seenDevices[u.Device] = u.Name
		}

		if u.Mark == 0 {
			errs = append(errs, ValidationError{Field: field, Message: "mark must be non-zero"})
		} else if prev, dup := seenMarks[u.Mark]; dup {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("mark 0x%x already used by uplink %q", u.Mark, prev)})
		} else {
			seenMarks[u.Mark] = u.Name
		}

		if u.Weight < 1 {
			errs = append(errs, ValidationError{Field: field, Message: "weight must be a positive integer"})
		}
	}

	seenPolicies := make(map[string]bool)
	for _, p := range c.Policies {
		field := fmt.Sprintf("policy %q", p.Name)
		if p.Name == "" {
			errs = append(errs, ValidationError{Field: "policy", Message: "name must not be empty"})
			continue
		}
		if seenPolicies[p.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate policy name"})
		}
		seenPolicies[p.Name] = true

		if _, err := ParsePolicyKind(p.Kind); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
		if len(p.Uplinks) == 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must list at least one uplink"})
		}
	}

	if c.Global.Policy == "" {
		errs = append(errs, ValidationError{Field: "global.policy", Message: "active policy name must be set"})
	}

	errs = append(errs, c.Global.HealthCheck.validate()...)

	return errs
}

func (h HealthCheck) validate() ValidationErrors {
	var errs ValidationErrors

	if h.TimeoutSeconds < 1 {
		errs = append(errs, ValidationError{Field: "health_check.timeout", Message: "must be at least 1 second"})
	}
	if h.IntervalSeconds < 1 {
		errs = append(errs, ValidationError{Field: "health_check.interval", Message: "must be at least 1 second"})
	}
	if h.TimeoutSeconds > h.IntervalSeconds {
		errs = append(errs, ValidationError{Field: "health_check.timeout", Message: "must not exceed the probe interval"})
	}
	if h.FailThreshold < 1 {
		errs = append(errs, ValidationError{Field: "health_check.fail_threshold", Message: "must be at least 1"})
	}
	if h.SuccThreshold < 1 {
		errs = append(errs, ValidationError{Field: "health_check.succ_threshold", Message: "must be at least 1"})
	}

	switch h.Method {
	case "http":
		u, err := url.Parse(h.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{Field: "health_check.url", Message: "must be an absolute URL"})
		}
	case "ping":
		// No URL needed; target host may still be derived from it if set.
	default:
		errs = append(errs, ValidationError{Field: "health_check.method", Message: fmt.Sprintf("unknown probe method %q", h.Method)})
	}

	return errs
}
