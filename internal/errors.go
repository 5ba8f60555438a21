package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Error kinds returned by the homeserver core and the gateway. Callers match
// with errors.Is; store lookups return ErrRoomNotFound rather than panicking
// so that authorization checks can run before any event data is touched.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrRoomNotFound           = errors.New("room not found")
	ErrNotAMember             = errors.New("not a member of the room")
	ErrInvalidPayload         = errors.New("invalid payload")
	ErrSyncTransientFailure   = errors.New("transient sync failure")
)

// RemoteCallError is returned by the remote homeserver client whenever the
// upstream responds with a non-2xx status.
type RemoteCallError struct {
	Op         string
	StatusCode int
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("remote call %s failed: HTTP %d", e.Op, e.StatusCode)
}

type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and CHATD_DEBUG=1 then the program panics.
// If expr is false and CHATD_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("CHATD_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
