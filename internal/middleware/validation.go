package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/kindred-ngo/messaging-gateway/internal/model"
)

const maxContentLength = 100000

// ValidateMessageContent validates outbound message text.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("message cannot be empty")
	}
	if len(content) > maxContentLength {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ValidateSendRequest checks the shape of a unified send request. Channel
// names must all be known.
func ValidateSendRequest(req *model.SendRequest) error {
	if len(req.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	for _, name := range req.Channels {
		if !model.Channel(strings.ToLower(strings.TrimSpace(name))).Valid() {
			return errors.New("unsupported channel: " + name)
		}
	}
	if req.MediaURL == "" {
		return ValidateMessageContent(req.Message)
	}
	if !strings.HasPrefix(req.MediaURL, "https://") && !strings.HasPrefix(req.MediaURL, "http://") {
		return errors.New("mediaUrl must be an http(s) URL")
	}
	if len(req.Message) > maxContentLength {
		return errors.New("message exceeds maximum length")
	}
	return nil
}

// ValidateID validates a path identifier.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("id exceeds maximum length")
	}
	return nil
}

// ValidateTitle validates a conversation title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}
