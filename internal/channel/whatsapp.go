package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
)

// WhatsApp sends through a WhatsApp messaging gateway REST API and parses
// Cloud API webhooks.
type WhatsApp struct {
	baseURL string
	client  *providerClient
}

// NewWhatsApp creates the adapter for the gateway at baseURL.
func NewWhatsApp(baseURL string, cfg ClientConfig, log *logger.Logger) *WhatsApp {
	return &WhatsApp{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newProviderClient(model.ChannelWhatsApp, cfg, log),
	}
}

func (w *WhatsApp) Channel() model.Channel { return model.ChannelWhatsApp }

type waSendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             *waText  `json:"text,omitempty"`
	Image            *waMedia `json:"image,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID      string `json:"id,omitempty"`
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type waSendResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	Messages  []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (r *waSendResponse) messageID() string {
	switch {
	case len(r.Messages) > 0 && r.Messages[0].ID != "":
		return r.Messages[0].ID
	case r.MessageID != "":
		return r.MessageID
	}
	return r.ID
}

// Send delivers text, or an image with the text as caption when MediaURL is set.
func (w *WhatsApp) Send(ctx context.Context, opts SendOptions) (*SendResult, error) {
	raw := opts.Phone
	if raw == "" {
		raw = opts.Recipient
	}
	phone, err := NormalizePhone(raw)
	if err != nil {
		return nil, err
	}

	req := waSendRequest{MessagingProduct: "whatsapp", To: phone}
	if opts.MediaURL != "" {
		req.Type = "image"
		req.Image = &waMedia{Link: opts.MediaURL, Caption: opts.Text}
	} else {
		req.Type = "text"
		req.Text = &waText{Body: opts.Text}
	}

	header := http.Header{}
	if opts.AccessToken != "" {
		header.Set("Authorization", "Bearer "+opts.AccessToken)
	}

	var resp waSendResponse
	if err := w.client.do(ctx, http.MethodPost, w.baseURL+"/messages", header, req, &resp); err != nil {
		return nil, w.client.sendFailed(phone, err)
	}

	return &SendResult{
		ID:        resp.messageID(),
		Status:    model.StatusSent,
		Timestamp: time.Now().UTC(),
	}, nil
}

type waWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				MessagingProduct string `json:"messaging_product"`
				Metadata         struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []waInbound `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waInbound struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *waText  `json:"text,omitempty"`
	Image     *waMedia `json:"image,omitempty"`
	Video     *waMedia `json:"video,omitempty"`
	Audio     *waMedia `json:"audio,omitempty"`
	Document  *waMedia `json:"document,omitempty"`
	Location  *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location,omitempty"`
}

// ParseWebhook reads entry[0].changes[0].value.messages[0].
func (w *WhatsApp) ParseWebhook(raw []byte) (*IncomingMessage, error) {
	var payload waWebhook
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ParseError{Channel: model.ChannelWhatsApp, Reason: "invalid JSON", Err: err}
	}
	if len(payload.Entry) == 0 || len(payload.Entry[0].Changes) == 0 {
		return nil, ErrNotMessageEvent
	}
	value := payload.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		return nil, ErrNotMessageEvent
	}
	m := value.Messages[0]
	if m.From == "" || m.ID == "" {
		return nil, &ParseError{Channel: model.ChannelWhatsApp, Reason: "message without sender or id"}
	}

	in := &IncomingMessage{
		Channel:     model.ChannelWhatsApp,
		ExternalID:  m.ID,
		SenderID:    m.From,
		SenderPhone: m.From,
		RecipientID: value.Metadata.PhoneNumberID,
		Timestamp:   parseUnixString(m.Timestamp),
	}

	switch {
	case m.Text != nil:
		in.Text = m.Text.Body
	case m.Image != nil:
		in.Text = m.Image.Caption
		in.Attachments = append(in.Attachments, mediaAttachment("image", m.Image))
	case m.Video != nil:
		in.Text = m.Video.Caption
		in.Attachments = append(in.Attachments, mediaAttachment("video", m.Video))
	case m.Audio != nil:
		in.Attachments = append(in.Attachments, mediaAttachment("audio", m.Audio))
	case m.Document != nil:
		in.Text = m.Document.Caption
		in.Attachments = append(in.Attachments, mediaAttachment("document", m.Document))
	case m.Location != nil:
		in.Text = strconv.FormatFloat(m.Location.Latitude, 'f', -1, 64) + "," +
			strconv.FormatFloat(m.Location.Longitude, 'f', -1, 64)
		in.Attachments = append(in.Attachments, Attachment{Type: "location"})
	}
	return in, nil
}

func mediaAttachment(kind string, m *waMedia) Attachment {
	url := m.Link
	if url == "" && m.ID != "" {
		url = "media:" + m.ID
	}
	return Attachment{Type: kind, URL: url}
}

func parseUnixString(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
