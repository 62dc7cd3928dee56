package channel

import (
	"context"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
)

// Unsupported is a recognized channel with no provider integration. Send
// fails immediately without any network call.
type Unsupported struct {
	channel model.Channel
}

// NewSMS returns the SMS placeholder adapter.
func NewSMS() *Unsupported { return &Unsupported{channel: model.ChannelSMS} }

// NewEmail returns the email placeholder adapter.
func NewEmail() *Unsupported { return &Unsupported{channel: model.ChannelEmail} }

func (u *Unsupported) Channel() model.Channel { return u.channel }

func (u *Unsupported) Send(ctx context.Context, opts SendOptions) (*SendResult, error) {
	return nil, ErrNotImplemented
}

func (u *Unsupported) ParseWebhook(raw []byte) (*IncomingMessage, error) {
	return nil, ErrNotMessageEvent
}
