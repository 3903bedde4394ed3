package flow

import "errors"

// ErrTimeout indicates no callback was observed within the flow deadline.
// It is surfaced as a distinct rejection so a UI can tell "user never
// finished" apart from "login failed".
var ErrTimeout = errors.New("authentication timed out")
