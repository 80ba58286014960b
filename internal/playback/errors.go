package playback

import "fmt"

// PlaybackError reports an item that could not be played. Stage is one of
// validate, decode, output or fallback.
type PlaybackError struct {
	Key   string
	Stage string
	Err   error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback %s (%s): %v", e.Key, e.Stage, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// UserMessage is the short text shown to the user.
func (e *PlaybackError) UserMessage() string {
	return "A translated clip could not be played."
}
