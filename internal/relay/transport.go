package relay

import (
	"context"
	"errors"
)

// ErrLoginAborted is returned by a Prompter when the operator gives up.
var ErrLoginAborted = errors.New("login aborted")

// Fetcher reads the newest messages of a source.
type Fetcher interface {
	FetchLatest(ctx context.Context, source string, limit int) ([]Item, error)
}

// Sender forwards a snapshot to one destination.
type Sender interface {
	Send(ctx context.Context, destination string, s *Snapshot) error
}

// Conn is a live transport connection.
type Conn interface {
	Fetcher
	Sender

	// SendText delivers plain text (used by the log sink).
	SendText(ctx context.Context, chat, text string) error

	// Close releases the connection. Implementations must tolerate repeated calls.
	Close(ctx context.Context) error
}

// Transport establishes connections.
//
// credential is the stored session token (possibly empty). When it is empty
// or no longer valid, Connect drives the interactive login through p.
// The returned credential is the one to persist for the next start; it
// equals the input when nothing changed.
type Transport interface {
	Name() string
	Connect(ctx context.Context, credential string, p Prompter) (Conn, string, error)
}

// Prompter supplies interactive login answers.
type Prompter interface {
	Phone(ctx context.Context) (string, error)
	Code(ctx context.Context) (string, error)
	Password(ctx context.Context) (string, error)

	// LoginError reports a login failure to the operator. The flow may ask again.
	LoginError(err error)
}
