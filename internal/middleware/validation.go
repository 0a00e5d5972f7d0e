package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateConversationID validates a conversation ID taken from a path.
func ValidateConversationID(id string) error {
	if id == "" {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("conversation ID exceeds maximum length")
	}
	if !utf8.ValidString(id) || strings.ContainsAny(id, " \t\r\n.*>") {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateRequest checks a decoded request body against its validate tags.
func ValidateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid field %s: failed %s", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return err
	}
	return nil
}
