package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/protocol"
	"grimm.is/flatvm/internal/transport"
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

// Validate validates the entire configuration. Defaults must already be applied.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateApp()...)
	errs = append(errs, c.validateVM()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validateShares()...)
	errs = append(errs, c.validateClipboard()...)

	if c.Metrics != nil {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, ValidationError{Field: "metrics.listen", Message: err.Error()})
		}
	}
	if c.Log != nil {
		if _, err := logging.ParseLevel(c.Log.Level); err != nil {
			errs = append(errs, ValidationError{Field: "log.level", Message: err.Error()})
		}
	}
	if c.QMP != nil {
		errs = append(errs, checkDuration("qmp.powerdown_timeout", c.QMP.PowerdownTimeout)...)
	}

	return errs
}

func (c *Config) validateApp() ValidationErrors {
	if c.App == nil {
		return ValidationErrors{{Field: "app", Message: "an app block is required"}}
	}
	if strings.TrimSpace(c.App.ID) == "" {
		return ValidationErrors{{Field: "app", Message: "app id must not be empty"}}
	}
	return nil
}

func (c *Config) validateVM() ValidationErrors {
	if c.VM == nil {
		return nil
	}
	var errs ValidationErrors
	if c.VM.Image == "" {
		errs = append(errs, ValidationError{Field: "vm.image", Message: "must not be empty"})
	}
	if c.VM.CPUs < 1 {
		errs = append(errs, ValidationError{Field: "vm.cpus", Message: fmt.Sprintf("must be at least 1, got %d", c.VM.CPUs)})
	}
	if c.VM.MemoryMB < 64 {
		errs = append(errs, ValidationError{Field: "vm.memory_mb", Message: fmt.Sprintf("must be at least 64, got %d", c.VM.MemoryMB)})
	}
	return errs
}

func (c *Config) validateAgent() ValidationErrors {
	if c.Agent == nil {
		return nil
	}
	var errs ValidationErrors
	if _, err := transport.ParseAddress(c.Agent.Address); err != nil {
		errs = append(errs, ValidationError{Field: "agent.address", Message: err.Error()})
	}
	if c.Agent.ConnectAttempts < -1 {
		errs = append(errs, ValidationError{
			Field:   "agent.connect_attempts",
			Message: fmt.Sprintf("must be -1 (no retries) or positive, got %d", c.Agent.ConnectAttempts),
		})
	}
	errs = append(errs, checkDuration("agent.connect_interval", c.Agent.ConnectInterval)...)
	errs = append(errs, checkDuration("agent.handshake_timeout", c.Agent.HandshakeTimeout)...)
	errs = append(errs, checkDuration("agent.round_trip_timeout", c.Agent.RoundTripTimeout)...)
	errs = append(errs, checkDuration("agent.write_timeout", c.Agent.WriteTimeout)...)
	return errs
}

func (c *Config) validateShares() ValidationErrors {
	var errs ValidationErrors
	for i, s := range c.Shares {
		field := fmt.Sprintf("share[%d]", i)
		kind := protocol.SharedDirKind(s.Kind)
		if !kind.Valid() {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("unknown kind %q (want system, user or app)", s.Kind),
			})
		}
		if s.Source == "" {
			errs = append(errs, ValidationError{Field: field + ".source", Message: "must not be empty"})
		}
		if kind == protocol.SharedDirApp && s.OwnerApp == "" {
			errs = append(errs, ValidationError{Field: field + ".owner_app", Message: "app shares need an owner"})
		}
	}
	return errs
}

func (c *Config) validateClipboard() ValidationErrors {
	if c.Clipboard == nil || !c.Clipboard.Enabled {
		return nil
	}
	errs := checkDuration("clipboard.poll_interval", c.Clipboard.PollInterval)
	if len(c.Clipboard.ReadCommand) == 0 || len(c.Clipboard.WriteCommand) == 0 {
		errs = append(errs, ValidationError{Field: "clipboard", Message: "read_command and write_command are required"})
	}
	return errs
}

func checkDuration(field, value string) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration %q", value)}}
	}
	if d < 0 {
		return ValidationErrors{{Field: field, Message: "must not be negative"}}
	}
	return nil
}
