package translate

import (
	"errors"
	"fmt"
)

var errResponseTimeout = errors.New("no response")

// TranslationRequestError reports a chunk that was sent but not translated.
// Requests are never retried; the chunk's transcript is simply missing.
type TranslationRequestError struct {
	RequestID string
	Direction Direction
	Err       error
}

func (e *TranslationRequestError) Error() string {
	return fmt.Sprintf("translation request %s (%s): %v", e.RequestID, e.Direction, e.Err)
}

func (e *TranslationRequestError) Unwrap() error { return e.Err }

// UserMessage is the short text shown to the user.
func (e *TranslationRequestError) UserMessage() string {
	return "Part of the conversation could not be translated."
}
