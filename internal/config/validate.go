package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

var moduleNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

var moduleLevels = map[string]struct{}{
	"project": {},
	"subject": {},
	"study":   {},
	"series":  {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateResolver(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Modules))
	for i := range c.Modules {
		if err := ValidateModule(c.Modules[i]); err != nil {
			return fmt.Errorf("modules[%d]: %w", i, err)
		}
		if _, dup := seen[c.Modules[i].Name]; dup {
			return fmt.Errorf("modules[%d]: duplicate module name %q", i, c.Modules[i].Name)
		}
		seen[c.Modules[i].Name] = struct{}{}
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set (or pass --data)")
	}
	if c.Paths.LogDir == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateServer() error {
	switch c.Server.Mode {
	case ModeLocal:
	case ModeNetwork:
		if c.Server.NetworkBind == "" {
			return errors.New("server.network_bind is required in network mode")
		}
		if _, _, err := net.SplitHostPort(c.Server.NetworkBind); err != nil {
			return fmt.Errorf("server.network_bind: %w", err)
		}
	default:
		return fmt.Errorf("server.mode: unsupported value %q (want %q or %q)", c.Server.Mode, ModeLocal, ModeNetwork)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}
	if c.Server.HeartbeatTimeout <= c.Server.HeartbeatInterval {
		return errors.New("server.heartbeat_timeout must exceed server.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateResolver() error {
	for key, pattern := range map[string]string{
		"resolver.subject_pattern": c.Resolver.SubjectPattern,
		"resolver.study_pattern":   c.Resolver.StudyPattern,
	} {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

// ValidateModule checks a module definition independent of where it was declared.
func ValidateModule(m Module) error {
	if !moduleNamePattern.MatchString(m.Name) {
		return fmt.Errorf("module name %q must match %s", m.Name, moduleNamePattern)
	}
	if m.Command == "" {
		return fmt.Errorf("module %q: command is required", m.Name)
	}
	if _, ok := moduleLevels[m.Level]; !ok {
		return fmt.Errorf("module %q: unsupported level %q", m.Name, m.Level)
	}
	if m.TimeoutSeconds < 0 {
		return fmt.Errorf("module %q: timeout_seconds must be >= 0", m.Name)
	}
	for name, opt := range m.Options {
		if strings.EqualFold(name, "overwrite") {
			return fmt.Errorf("module %q: option name %q is reserved", m.Name, name)
		}
		if opt.Default != "" && len(opt.Values) > 0 && !contains(opt.Values, opt.Default) {
			return fmt.Errorf("module %q: option %q default %q is not an allowed value", m.Name, name, opt.Default)
		}
	}
	return nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
