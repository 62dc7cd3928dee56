package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/channel"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/internal/store"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
	"github.com/kindred-ngo/messaging-gateway/pkg/metrics"
	"github.com/kindred-ngo/messaging-gateway/pkg/tracing"
)

// UnifiedService sends one message over several channels.
type UnifiedService struct {
	registry       *channel.Registry
	accounts       store.SocialAccountStore
	messages       *MessageService
	conversations  *ConversationService
	whatsappAPIKey string
	logger         *logger.Logger
	now            func() time.Time
}

// NewUnifiedService creates a new unified messaging service.
func NewUnifiedService(
	registry *channel.Registry,
	accounts store.SocialAccountStore,
	messages *MessageService,
	conversations *ConversationService,
	whatsappAPIKey string,
	log *logger.Logger,
) *UnifiedService {
	return &UnifiedService{
		registry:       registry,
		accounts:       accounts,
		messages:       messages,
		conversations:  conversations,
		whatsappAPIKey: whatsappAPIKey,
		logger:         log.Named("unified"),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// prerequisiteError is a client-facing reason a channel was not attempted.
type prerequisiteError struct{ msg string }

func (e *prerequisiteError) Error() string { return e.msg }

func missing(msg string) error { return &prerequisiteError{msg: msg} }

// Send attempts every requested channel in order and returns one result per
// channel. A failing channel never stops the others.
func (s *UnifiedService) Send(ctx context.Context, p model.Principal, req *model.SendRequest) []model.SendResult {
	results := make([]model.SendResult, 0, len(req.Channels))
	for _, name := range req.Channels {
		results = append(results, s.sendOne(ctx, p, req, name))
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	s.logger.Info("unified send completed",
		zap.String("user_id", p.UserID),
		zap.Int("channels", len(results)),
		zap.Int("succeeded", succeeded),
	)
	return results
}

func (s *UnifiedService) sendOne(ctx context.Context, p model.Principal, req *model.SendRequest, name string) model.SendResult {
	ch := model.Channel(strings.ToLower(strings.TrimSpace(name)))
	result := model.SendResult{Channel: name}
	if !ch.Valid() {
		result.Error = "unsupported channel: " + name
		return result
	}
	result.Channel = string(ch)

	adapter, ok := s.registry.Get(ch)
	if !ok {
		result.Error = "unsupported channel: " + name
		return result
	}

	ctx, span := tracing.Tracer().Start(ctx, "messaging.send")
	span.SetAttributes(attribute.String("channel", string(ch)))
	defer span.End()

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Channel:        ch,
		Direction:      model.DirectionOutbound,
		Status:         model.StatusPending,
		UserID:         p.UserID,
		Content:        req.Message,
		ContentType:    model.ContentText,
		MediaURL:       req.MediaURL,
		SenderID:       p.UserID,
		RecipientID:    req.RecipientID,
		RecipientPhone: req.RecipientPhone,
		CreatedAt:      s.now(),
	}
	if req.MediaURL != "" {
		msg.ContentType = model.ContentImage
	}

	var sendErr error
	opts, err := s.prepare(ctx, p, ch, req, msg)
	if err != nil {
		sendErr = err
	} else {
		start := time.Now()
		var res *channel.SendResult
		res, sendErr = adapter.Send(ctx, opts)
		metrics.RecordSend(string(ch), sendErr == nil, time.Since(start).Seconds())
		if sendErr == nil {
			msg.ExternalID = res.ID
			result.MessageID = res.ID
		}
	}

	at := s.now()
	if sendErr != nil {
		result.Error = failureMessage(ch, sendErr)
		msg.ApplyStatus(model.StatusFailed, at, result.Error)
		span.SetStatus(codes.Error, result.Error)
		s.logger.Warn("channel send failed",
			zap.String("channel", string(ch)),
			zap.String("user_id", p.UserID),
			zap.Error(sendErr),
		)
	} else {
		result.Success = true
		msg.ApplyStatus(model.StatusSent, at, "")
	}

	if err := s.messages.Record(ctx, msg); err != nil {
		s.logger.Error("failed to store outbound message",
			zap.String("channel", string(ch)),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return result
	}
	result.RecordID = msg.ID
	return result
}

// prepare checks channel prerequisites and builds the adapter options. It
// performs no provider I/O.
func (s *UnifiedService) prepare(ctx context.Context, p model.Principal, ch model.Channel, req *model.SendRequest, msg *model.Message) (channel.SendOptions, error) {
	opts := channel.SendOptions{
		Text:     req.Message,
		MediaURL: req.MediaURL,
		SenderID: p.UserID,
	}

	switch ch {
	case model.ChannelWhatsApp:
		if req.RecipientPhone == "" {
			return opts, missing("Recipient phone number is required for WhatsApp")
		}
		opts.Phone = req.RecipientPhone
		opts.Recipient = req.RecipientPhone
		opts.AccessToken = s.whatsappAPIKey
		msg.ConversationID = model.ThreadID(ch, phoneIdentity(req.RecipientPhone))

	case model.ChannelSMS:
		opts.Phone = req.RecipientPhone
		opts.Recipient = req.RecipientPhone
		msg.ConversationID = adHocThread(ch, phoneIdentity(req.RecipientPhone))

	case model.ChannelEmail:
		opts.Recipient = req.RecipientID
		msg.ConversationID = adHocThread(ch, req.RecipientID)

	case model.ChannelInstagram, model.ChannelFacebook:
		// The linked account is checked first: without it no recipient
		// could be reached.
		acct, err := s.usableAccount(ctx, p, ch)
		if err != nil {
			return opts, err
		}
		if req.RecipientID == "" {
			return opts, missing("Recipient ID is required for " + channelTitle(ch))
		}
		opts.Recipient = req.RecipientID
		opts.AccessToken = acct.AccessToken
		opts.PageID = acct.PageID
		msg.ConversationID = model.ThreadID(ch, req.RecipientID)

	case model.ChannelInApp:
		if req.RecipientID == "" {
			return opts, missing("Recipient ID is required for in-app messages")
		}
		opts.Recipient = req.RecipientID
		msg.ConversationID = model.ThreadID(ch, req.RecipientID)
		conv, err := s.conversations.EnsureDirect(ctx, p.UserID, req.RecipientID)
		if err != nil {
			s.logger.Warn("failed to resolve direct conversation",
				zap.String("recipient_id", req.RecipientID),
				zap.Error(err),
			)
		} else {
			msg.ConversationID = conv.ID
		}
	}
	opts.MessageID = msg.ID
	opts.ConversationID = msg.ConversationID
	return opts, nil
}

// phoneIdentity is the digits-only form of phone when it parses, so that
// outbound and inbound threads of one number share an id.
func phoneIdentity(phone string) string {
	if digits, err := channel.NormalizePhone(phone); err == nil {
		return digits
	}
	return strings.TrimSpace(phone)
}

// adHocThread returns the thread of identity on ch, or "" when there is no
// identity to thread by.
func adHocThread(ch model.Channel, identity string) string {
	if identity == "" {
		return ""
	}
	return model.ThreadID(ch, identity)
}

func (s *UnifiedService) usableAccount(ctx context.Context, p model.Principal, ch model.Channel) (*model.SocialAccount, error) {
	notConnected := missing(notConnectedMessage(ch))
	acct, err := s.accounts.GetSocialAccount(ctx, p.UserID, ch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notConnected
	}
	if err != nil {
		s.logger.Error("failed to load social account",
			zap.String("channel", string(ch)),
			zap.String("user_id", p.UserID),
			zap.Error(err),
		)
		return nil, missing("failed to load linked " + channelTitle(ch) + " account")
	}
	if !acct.Usable(s.now()) {
		return nil, notConnected
	}
	return acct, nil
}

// RemoteConversations lists provider-side conversations of the caller's
// linked account.
func (s *UnifiedService) RemoteConversations(ctx context.Context, p model.Principal, ch model.Channel, limit int) ([]channel.RemoteConversation, error) {
	reader, creds, err := s.reader(ctx, p, ch)
	if err != nil {
		return nil, err
	}
	convs, err := reader.ListConversations(ctx, creds, limit)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []channel.RemoteConversation{}
	}
	return convs, nil
}

// RemoteMessages lists the messages of one provider-side conversation.
func (s *UnifiedService) RemoteMessages(ctx context.Context, p model.Principal, ch model.Channel, conversationID string, limit int) ([]channel.RemoteMessage, error) {
	reader, creds, err := s.reader(ctx, p, ch)
	if err != nil {
		return nil, err
	}
	msgs, err := reader.ConversationMessages(ctx, creds, conversationID, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []channel.RemoteMessage{}
	}
	return msgs, nil
}

func (s *UnifiedService) reader(ctx context.Context, p model.Principal, ch model.Channel) (channel.ConversationReader, channel.Credentials, error) {
	if !ch.Valid() {
		return nil, channel.Credentials{}, apperr.BadRequest("INVALID_CHANNEL", "unknown channel: "+string(ch))
	}
	adapter, _ := s.registry.Get(ch)
	reader, ok := adapter.(channel.ConversationReader)
	if !ok {
		return nil, channel.Credentials{}, apperr.BadRequest("UNSUPPORTED_CHANNEL",
			channelTitle(ch)+" does not support conversation history")
	}
	acct, err := s.usableAccount(ctx, p, ch)
	if err != nil {
		return nil, channel.Credentials{}, apperr.BadRequest("ACCOUNT_NOT_CONNECTED", err.Error())
	}
	return reader, channel.Credentials{AccessToken: acct.AccessToken, PageID: acct.PageID}, nil
}

// failureMessage is the client-safe reason for a failed attempt.
func failureMessage(ch model.Channel, err error) string {
	var pre *prerequisiteError
	if errors.As(err, &pre) {
		return pre.msg
	}
	if errors.Is(err, channel.ErrNotImplemented) {
		return channelTitle(ch) + " channel not yet implemented"
	}
	if appErr := apperr.As(err); appErr != nil && appErr.Kind != apperr.KindInternal {
		return appErr.Message
	}
	return "failed to send via " + string(ch)
}

func notConnectedMessage(ch model.Channel) string {
	if ch == model.ChannelFacebook {
		return "Facebook page not connected or missing page"
	}
	return channelTitle(ch) + " account not connected or missing page"
}

func channelTitle(ch model.Channel) string {
	switch ch {
	case model.ChannelWhatsApp:
		return "WhatsApp"
	case model.ChannelInstagram:
		return "Instagram"
	case model.ChannelFacebook:
		return "Facebook"
	case model.ChannelInApp:
		return "In-app"
	case model.ChannelSMS:
		return "SMS"
	case model.ChannelEmail:
		return "Email"
	}
	return string(ch)
}
