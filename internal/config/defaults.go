package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:            "info",
			PollIntervalSeconds: 1,
		},
		Chat: ChatConfig{
			TimeoutSeconds: 30,
		},
		Inference: InferenceConfig{
			APIBase:        "http://localhost:11434",
			Model:          "llama3.1:8b",
			TimeoutSeconds: 120,
		},
		Context: ContextConfig{
			Enabled:           true,
			ExpirationSeconds: 240,
		},
		History: HistoryConfig{
			Enabled: false,
			DBPath:  "~/.matterbot/history.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9090",
			Endpoint: "/metrics",
		},
	}
}
