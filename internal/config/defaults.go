package config

// Default returns the baseline configuration applied before any file overrides.
func Default() Config {
	return Config{
		Paths: Paths{
			StoreDir:   "~/.local/share/kiln/store",
			StagingDir: "~/.local/share/kiln/staging",
			LogDir:     "~/.local/share/kiln/logs",
			SubmitDir:  "~/.local/share/kiln/submit",
		},
		Build: Build{
			CacheEnabled: true,
			StageTimeout: 1800,
		},
		Run: Run{
			InstanceDir: "~/.local/share/kiln/instances",
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			BuildStarted:   true,
			BuildCompleted: true,
			Errors:         true,
		},
		Workflow: Workflow{
			QueuePollInterval:  5,
			ErrorRetryInterval: 30,
			HeartbeatInterval:  15,
			HeartbeatTimeout:   120,
		},
		Logging: Logging{
			Format:        "console",
			Level:         "info",
			RetentionDays: 14,
		},
	}
}
