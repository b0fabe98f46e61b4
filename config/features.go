package config

type Features struct {
	AuthEnabled    bool
	EmailEnabled   bool
	WebhookEnabled bool
	MetricsEnabled bool
	TickerEnabled  bool
}

func LoadFeatures() Features {
	return Features{
		AuthEnabled:    GetEnvBool("AUTH_ENABLED", false),
		EmailEnabled:   GetEnvBool("EMAIL_ENABLED", true),
		WebhookEnabled: GetEnvBool("WEBHOOK_ENABLED", true),
		MetricsEnabled: GetEnvBool("METRICS_ENABLED", true),
		TickerEnabled:  GetEnvBool("ENGINE_TICKER_ENABLED", false),
	}
}
