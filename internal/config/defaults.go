package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.wagate",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8080,
			ShutdownTimeoutSec: 15,
		},
		Store: StoreConfig{
			DBPath: "~/.wagate/wagate.db",
		},
		Session: SessionConfig{
			MaxReconnectAttempts:     3,
			ReconnectDelayMs:         2000,
			MaxReconnectDelayMs:      30000,
			Backoff:                  "exponential",
			ReconnectJitter:          0.2,
			ExternalReconnectDelayMs: 5000,
			MaxQRRegenerations:       5,
			SendRatePerMinute:        30,
			SendBurst:                5,
			BulkSendDelayMs:          1500,
			LoadConnectedOnStart:     true,
		},
		Providers: ProvidersConfig{
			Baileys: BaileysConfig{
				Enabled:    true,
				AuthDir:    "~/.wagate/auth",
				DeviceName: "wagate",
			},
			Evolution: EvolutionConfig{
				Enabled:        false,
				APIBase:        "http://localhost:8081",
				InstancePrefix: "wagate-",
				PollIntervalMs: 5000,
				TimeoutSec:     30,
			},
			WebJS: WebJSConfig{
				Enabled:        false,
				ProfileDir:     "~/.wagate/chrome-profiles",
				Headless:       true,
				URL:            "https://web.whatsapp.com",
				PollIntervalMs: 2000,
			},
		},
		Webhook: WebhookConfig{
			MaxBodyBytes: 5 << 20,
		},
		Alerts: AlertsConfig{
			Enabled:         false,
			DedupeWindowSec: 300,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
