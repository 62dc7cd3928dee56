package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kindred-ngo/messaging-gateway/internal/webhook"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Reader = strings.NewReader(stdin)
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"gatewayctl"}, args...))
	return out.String(), err
}

func TestSignAndVerify(t *testing.T) {
	body := `{"b": 2, "a": 1}`

	out, err := run(t, body, "sign", "--secret", "s3cret")
	require.NoError(t, err)
	sig := strings.TrimSpace(out)
	assert.Equal(t, webhook.Sign("s3cret", []byte(body)), sig)

	out, err = run(t, body, "verify", "--secret", "s3cret", "sha256="+sig)
	require.NoError(t, err)
	assert.Contains(t, out, "signature ok")

	_, err = run(t, body, "verify", "--secret", "other", sig)
	assert.ErrorIs(t, err, webhook.ErrSignatureMismatch)
}

func TestSignReadsProviderSecretFromEnv(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET_STRIPE", "whsec")

	out, err := run(t, `{"id":"evt_1"}`, "sign", "--provider", "stripe")
	require.NoError(t, err)
	assert.Equal(t, webhook.Sign("whsec", []byte(`{"id":"evt_1"}`)), strings.TrimSpace(out))

	_, err = run(t, `{}`, "sign")
	assert.ErrorContains(t, err, "--secret or --provider")
}

func TestNormalizePhone(t *testing.T) {
	out, err := run(t, "", "normalize-phone", "+1 (555) 010-9999", "12ab")
	assert.ErrorContains(t, err, "1 invalid")
	assert.Contains(t, out, "+1 (555) 010-9999\t15550109999")
	assert.Contains(t, out, "12ab\tinvalid")
}

func TestParse(t *testing.T) {
	out, err := run(t, `{"id":"m1","senderId":"u1","recipientId":"u2","text":"hi","timestamp":1700000000}`,
		"parse", "--channel", "inapp")
	require.NoError(t, err)
	assert.Contains(t, out, `"SenderID": "u1"`)

	out, err = run(t, `{"id":"m1","senderId":"u1"}`, "parse", "--channel", "inapp")
	require.NoError(t, err)
	assert.Contains(t, out, "not a message event")

	_, err = run(t, `{}`, "parse", "--channel", "pager")
	assert.ErrorContains(t, err, "unknown channel")
}

func TestConfigValidate(t *testing.T) {
	out, err := run(t, "", "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration ok")

	t.Setenv("ENV", "production")
	_, err = run(t, "", "config", "validate")
	assert.ErrorContains(t, err, "jwt_secret")
}
