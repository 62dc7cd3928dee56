package webhook

import (
	"net/http"
	"strings"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
)

// SecretEnvPrefix prefixes the per-provider secret environment variable.
const SecretEnvPrefix = "WEBHOOK_SECRET_"

// ResolveSource maps a provider path segment to the fixed source set.
func ResolveSource(provider string) model.WebhookSource {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "instagram":
		return model.SourceInstagram
	case "facebook", "messenger":
		return model.SourceFacebook
	case "whatsapp":
		return model.SourceWhatsApp
	case "stripe":
		return model.SourceStripe
	case "google":
		return model.SourceGoogle
	}
	return model.SourceOther
}

// SecretEnvKey returns the environment variable holding provider's secret.
func SecretEnvKey(provider string) string {
	name := strings.ToUpper(strings.TrimSpace(provider))
	name = strings.ReplaceAll(name, "-", "_")
	return SecretEnvPrefix + name
}

// ProviderFromEnvKey is the inverse of SecretEnvKey. ok is false for keys
// without the prefix.
func ProviderFromEnvKey(key string) (string, bool) {
	if !strings.HasPrefix(key, SecretEnvPrefix) || len(key) == len(SecretEnvPrefix) {
		return "", false
	}
	name := strings.ToLower(strings.TrimPrefix(key, SecretEnvPrefix))
	return strings.ReplaceAll(name, "_", "-"), true
}

// EventID returns the provider event id from x-event-id or x-request-id.
func EventID(h http.Header) string {
	if v := h.Get("X-Event-Id"); v != "" {
		return v
	}
	return h.Get("X-Request-Id")
}

// EventType returns the event type from x-event-type or x-message-type.
func EventType(h http.Header) string {
	if v := h.Get("X-Event-Type"); v != "" {
		return v
	}
	return h.Get("X-Message-Type")
}

// auditHeaders are copied onto the stored event.
var auditHeaders = []string{
	"Content-Type",
	"User-Agent",
	"X-Webhook-Signature",
	"X-Signature",
	"X-Hub-Signature-256",
	"X-Event-Id",
	"X-Request-Id",
	"X-Event-Type",
	"X-Message-Type",
	"X-Forwarded-For",
}

// AuditHeaders extracts the headers kept with a stored webhook event.
func AuditHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, name := range auditHeaders {
		if v := h.Get(name); v != "" {
			out[strings.ToLower(name)] = v
		}
	}
	return out
}
