package channel

import (
	"strings"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// NormalizePhone strips formatting and a leading "+" and returns the digits.
// Anything other than 7 to 15 digits is a bad request.
func NormalizePhone(phone string) (string, error) {
	s := strings.TrimSpace(phone)
	s = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(s)
	s = strings.TrimPrefix(s, "+")

	if len(s) < minPhoneDigits || len(s) > maxPhoneDigits {
		return "", apperr.BadRequest("INVALID_PHONE", "phone number must have 7 to 15 digits")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", apperr.BadRequest("INVALID_PHONE", "phone number may only contain digits")
		}
	}
	return s, nil
}
