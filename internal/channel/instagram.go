package channel

import (
	"context"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

// Instagram sends Instagram direct messages through the Graph API.
type Instagram struct {
	graph *graphClient
}

var (
	_ Adapter            = (*Instagram)(nil)
	_ ConversationReader = (*Instagram)(nil)
)

// NewInstagram creates the adapter. An empty graphURL uses DefaultGraphURL.
func NewInstagram(graphURL string, cfg ClientConfig, log *logger.Logger) *Instagram {
	pc := newProviderClient(model.ChannelInstagram, cfg, log)
	return &Instagram{graph: newGraphClient(graphURL, "instagram", pc)}
}

func (i *Instagram) Channel() model.Channel { return model.ChannelInstagram }

// Send posts a text, quick reply, media or template message from the page.
func (i *Instagram) Send(ctx context.Context, opts SendOptions) (*SendResult, error) {
	return i.graph.send(ctx, opts)
}

// ParseWebhook reads entry[0].messaging[0]. Postback-only events are not
// messages on Instagram.
func (i *Instagram) ParseWebhook(raw []byte) (*IncomingMessage, error) {
	return parseMessaging(model.ChannelInstagram, raw, false)
}

// ListConversations returns the page's Instagram threads.
func (i *Instagram) ListConversations(ctx context.Context, creds Credentials, limit int) ([]RemoteConversation, error) {
	return i.graph.listConversations(ctx, creds, limit)
}

// ConversationMessages returns the latest messages of a thread.
func (i *Instagram) ConversationMessages(ctx context.Context, creds Credentials, conversationID string, limit int) ([]RemoteMessage, error) {
	return i.graph.conversationMessages(ctx, creds, conversationID, limit)
}
