package config

const (
	// ModeLocal binds to loopback only and ties the service lifetime to the browser session.
	ModeLocal = "local"
	// ModeNetwork binds to network_bind. It is outside the local-mode security guarantee.
	ModeNetwork = "network"
)

const (
	defaultDataDir           = "~/slug-data"
	defaultModulesDir        = "~/.config/slug/modules"
	defaultLogDir            = "~/.local/share/slug/logs"
	defaultLogFormat         = "auto"
	defaultLogLevel          = "info"
	defaultLogRetentionDays  = 30
	defaultHeartbeatInterval = 5
	defaultHeartbeatTimeout  = 30
	defaultConnectTimeout    = 120
	defaultCloseGrace        = 10
	defaultShutdownGrace     = 10
	defaultServerWorkers     = 8
	defaultHeaderSamples     = 2
	defaultResolverWorkers   = 4
	defaultPipelineTimeout   = 1800
	defaultLockRetryMillis   = 250
	defaultExcerptLines      = 40
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			ModulesDir: defaultModulesDir,
			LogDir:     defaultLogDir,
		},
		Server: Server{
			Mode:              ModeLocal,
			Port:              0,
			OpenBrowser:       true,
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
			ConnectTimeout:    defaultConnectTimeout,
			CloseGrace:        defaultCloseGrace,
			ShutdownGrace:     defaultShutdownGrace,
			Workers:           defaultServerWorkers,
		},
		Resolver: Resolver{
			HeaderSamples: defaultHeaderSamples,
			Workers:       defaultResolverWorkers,
		},
		Pipeline: Pipeline{
			TimeoutSeconds:  defaultPipelineTimeout,
			LockRetryMillis: defaultLockRetryMillis,
			ExcerptLines:    defaultExcerptLines,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
