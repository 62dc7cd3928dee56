package channel

import (
	"context"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

// Messenger sends Facebook Messenger messages through the Graph API.
type Messenger struct {
	graph *graphClient
}

var (
	_ Adapter            = (*Messenger)(nil)
	_ ConversationReader = (*Messenger)(nil)
)

// NewMessenger creates the adapter. An empty graphURL uses DefaultGraphURL.
func NewMessenger(graphURL string, cfg ClientConfig, log *logger.Logger) *Messenger {
	pc := newProviderClient(model.ChannelFacebook, cfg, log)
	return &Messenger{graph: newGraphClient(graphURL, "messenger", pc)}
}

func (m *Messenger) Channel() model.Channel { return model.ChannelFacebook }

// Send posts a text, quick reply, media or template message from the page.
func (m *Messenger) Send(ctx context.Context, opts SendOptions) (*SendResult, error) {
	return m.graph.send(ctx, opts)
}

// ParseWebhook reads entry[0].messaging[0], including quick_reply and
// postback variants. A postback's title becomes the message text.
func (m *Messenger) ParseWebhook(raw []byte) (*IncomingMessage, error) {
	return parseMessaging(model.ChannelFacebook, raw, true)
}

// ListConversations returns the page's Messenger threads.
func (m *Messenger) ListConversations(ctx context.Context, creds Credentials, limit int) ([]RemoteConversation, error) {
	return m.graph.listConversations(ctx, creds, limit)
}

// ConversationMessages returns the latest messages of a thread.
func (m *Messenger) ConversationMessages(ctx context.Context, creds Credentials, conversationID string, limit int) ([]RemoteMessage, error) {
	return m.graph.conversationMessages(ctx, creds, conversationID, limit)
}
