package constants

// Static route constants
const (
	HealthRoute  = "/healthz"
	WebhookRoute = "/webhooks/:provider"
	MetricsRoute = "/metrics"
	StatsRoute   = "/stats"
)
