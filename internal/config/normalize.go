package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeResolver()
	c.normalizePipeline()
	c.normalizeLogging()
	c.normalizeModules()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("SLUG_DATA_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.DataDir = strings.TrimSpace(value)
	}
	var err error
	if c.Paths.DataDir, err = expandPath(strings.TrimSpace(c.Paths.DataDir)); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.ModulesDir, err = expandPath(strings.TrimSpace(c.Paths.ModulesDir)); err != nil {
		return fmt.Errorf("paths.modules_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.Mode = strings.ToLower(strings.TrimSpace(c.Server.Mode))
	if c.Server.Mode == "" {
		c.Server.Mode = ModeLocal
	}
	c.Server.NetworkBind = strings.TrimSpace(c.Server.NetworkBind)
	c.Server.BrowserCommand = strings.TrimSpace(c.Server.BrowserCommand)
	if c.Server.HeartbeatInterval <= 0 {
		c.Server.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Server.HeartbeatTimeout <= 0 {
		c.Server.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.Server.ConnectTimeout <= 0 {
		c.Server.ConnectTimeout = defaultConnectTimeout
	}
	if c.Server.CloseGrace <= 0 {
		c.Server.CloseGrace = defaultCloseGrace
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = defaultShutdownGrace
	}
	if c.Server.Workers <= 0 {
		c.Server.Workers = defaultServerWorkers
	}
}

func (c *Config) normalizeResolver() {
	if c.Resolver.HeaderSamples <= 0 {
		c.Resolver.HeaderSamples = defaultHeaderSamples
	}
	if c.Resolver.Workers <= 0 {
		c.Resolver.Workers = defaultResolverWorkers
	}
	c.Resolver.SubjectPattern = strings.TrimSpace(c.Resolver.SubjectPattern)
	c.Resolver.StudyPattern = strings.TrimSpace(c.Resolver.StudyPattern)
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.TimeoutSeconds <= 0 {
		c.Pipeline.TimeoutSeconds = defaultPipelineTimeout
	}
	if c.Pipeline.LockRetryMillis <= 0 {
		c.Pipeline.LockRetryMillis = defaultLockRetryMillis
	}
	if c.Pipeline.ExcerptLines <= 0 {
		c.Pipeline.ExcerptLines = defaultExcerptLines
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeModules() {
	for i := range c.Modules {
		NormalizeModule(&c.Modules[i])
	}
}

// NormalizeModule trims fields and applies module defaults in place.
func NormalizeModule(m *Module) {
	m.Name = strings.TrimSpace(m.Name)
	m.Command = strings.TrimSpace(m.Command)
	m.Level = strings.ToLower(strings.TrimSpace(m.Level))
	if m.Level == "" {
		m.Level = "series"
	}
	if len(m.Inputs) == 0 {
		m.Inputs = []string{"**"}
	}
}
