package transport

import "github.com/MrWong99/voxlink/internal/protocol"

// Presenter receives every decoded control message that is not part of the
// speech protocol: transcripts, assistant text and status lines.
//
// Present is called from the session's read loop. It must not block for long
// and must not call Stop or Close on the session synchronously.
type Presenter interface {
	Present(sessionID string, msg protocol.Inbound)
}

// PresenterFunc adapts a function to [Presenter].
type PresenterFunc func(sessionID string, msg protocol.Inbound)

// Present implements [Presenter].
func (f PresenterFunc) Present(sessionID string, msg protocol.Inbound) { f(sessionID, msg) }

// Presenters fans every message out to each presenter in order.
type Presenters []Presenter

// Present implements [Presenter].
func (ps Presenters) Present(sessionID string, msg protocol.Inbound) {
	for _, p := range ps {
		if p != nil {
			p.Present(sessionID, msg)
		}
	}
}

type discardPresenter struct{}

func (discardPresenter) Present(string, protocol.Inbound) {}
