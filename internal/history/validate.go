package history

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // max message payload size
	MaxContentChars = 2000 // max character count
)

// ValidateContent checks that message content meets storage requirements. It
// runs before any database work so oversized or malformed payloads are
// rejected cheaply.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("history: message content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("history: message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("history: message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("history: message contains invalid UTF-8")
	}
	return nil
}
