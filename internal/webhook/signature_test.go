package webhook

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"test":1}`)
	sig := Sign("s3cret", body)

	require.Len(t, sig, 64)
	assert.NoError(t, Verify("s3cret", body, sig))
	assert.NoError(t, Verify("s3cret", body, "sha256="+sig))
	assert.ErrorIs(t, Verify("other", body, sig), ErrSignatureMismatch)
	assert.ErrorIs(t, Verify("s3cret", body, ""), ErrMissingSignature)
}

func TestVerifyUsesCompactJSON(t *testing.T) {
	sig := Sign("s3cret", []byte(`{"test":1}`))
	assert.NoError(t, Verify("s3cret", []byte("{ \"test\" : 1 }\n"), sig))
}

func TestVerifyAcceptsRawBytesSignature(t *testing.T) {
	raw := []byte("{\n  \"object\": \"page\"\n}")
	sig := hexMAC("s3cret", raw)
	assert.NoError(t, Verify("s3cret", raw, sig))
}

func TestVerifyRejectsAnySingleByteMutation(t *testing.T) {
	body := []byte(`{"object":"page","entry":[{"id":"42","time":1700000000}]}`)
	sig := Sign("s3cret", body)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		assert.Error(t, Verify("s3cret", mutated, sig), "byte %d", i)
	}
}

func TestSignatureFromHeaders(t *testing.T) {
	h := http.Header{}
	assert.Empty(t, SignatureFromHeaders(h))

	h.Set("X-Signature", "b")
	assert.Equal(t, "b", SignatureFromHeaders(h))

	h.Set("X-Webhook-Signature", "a")
	assert.Equal(t, "a", SignatureFromHeaders(h))
}

func TestPolicyCheck(t *testing.T) {
	body := []byte(`{"test":1}`)
	strict := Policy{Secrets: map[string]string{"stripe": "k"}}

	assert.NoError(t, strict.Check("Stripe", body, Sign("k", body)))
	assert.ErrorIs(t, strict.Check("stripe", body, "deadbeef"), ErrSignatureMismatch)
	assert.ErrorIs(t, strict.Check("google", body, ""), ErrMissingSecret)

	lax := Policy{Secrets: strict.Secrets, AllowUnsigned: true}
	assert.NoError(t, lax.Check("google", body, ""))
	assert.ErrorIs(t, lax.Check("stripe", body, ""), ErrMissingSignature)
}

func TestResolveSource(t *testing.T) {
	cases := map[string]model.WebhookSource{
		"instagram": model.SourceInstagram,
		"Facebook":  model.SourceFacebook,
		"messenger": model.SourceFacebook,
		"whatsapp":  model.SourceWhatsApp,
		"stripe":    model.SourceStripe,
		"google":    model.SourceGoogle,
		"twilio":    model.SourceOther,
		"":          model.SourceOther,
	}
	for in, want := range cases {
		assert.Equal(t, want, ResolveSource(in), in)
	}
}

func TestSecretEnvKey(t *testing.T) {
	assert.Equal(t, "WEBHOOK_SECRET_STRIPE", SecretEnvKey("stripe"))
	assert.Equal(t, "WEBHOOK_SECRET_MY_CRM", SecretEnvKey("my-crm"))

	p, ok := ProviderFromEnvKey("WEBHOOK_SECRET_MY_CRM")
	assert.True(t, ok)
	assert.Equal(t, "my-crm", p)

	_, ok = ProviderFromEnvKey("WEBHOOK_SECRET_")
	assert.False(t, ok)
}

func TestEventHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Request-Id", "req-1")
	h.Set("X-Message-Type", "message")
	assert.Equal(t, "req-1", EventID(h))
	assert.Equal(t, "message", EventType(h))

	h.Set("X-Event-Id", "evt-1")
	h.Set("X-Event-Type", "payment")
	assert.Equal(t, "evt-1", EventID(h))
	assert.Equal(t, "payment", EventType(h))
}
