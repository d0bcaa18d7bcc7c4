package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/transport"
)

// clearLine returns the cursor to column 0 and erases the line.
const clearLine = "\r\033[K"

var _ transport.Presenter = (*console)(nil)

// console prints transcripts, assistant replies and status lines to a
// terminal. Partial transcripts arrive already accumulated, so each one
// overwrites the previous.
type console struct {
	mu sync.Mutex
	w  io.Writer

	// partial is set while an unfinished transcript line is on screen.
	partial bool
	// streaming is set while assistant deltas are being printed.
	streaming bool
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

// Present implements [transport.Presenter].
func (c *console) Present(_ string, msg protocol.Inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := msg.(type) {
	case protocol.PartialTranscript:
		c.endStream()
		fmt.Fprintf(c.w, "%s> %s", clearLine, m.Text)
		c.partial = true
	case protocol.FinalTranscript:
		c.endStream()
		fmt.Fprintf(c.w, "%s> %s\n", clearLine, m.Text)
		c.partial = false
	case protocol.AssistantTextDelta:
		c.endPartial()
		if !c.streaming {
			fmt.Fprint(c.w, "< ")
			c.streaming = true
		}
		fmt.Fprint(c.w, m.Delta)
	case protocol.AssistantText:
		c.endPartial()
		if c.streaming {
			// The deltas already printed the text.
			fmt.Fprintln(c.w)
			c.streaming = false
			return
		}
		fmt.Fprintf(c.w, "< %s\n", m.Text)
	case protocol.Status:
		if m.State == protocol.StateDebug {
			return
		}
		c.endPartial()
		c.endStream()
		fmt.Fprintf(c.w, "[%s] %s\n", m.State, m.Message)
	}
}

func (c *console) endPartial() {
	if c.partial {
		fmt.Fprintln(c.w)
		c.partial = false
	}
}

func (c *console) endStream() {
	if c.streaming {
		fmt.Fprintln(c.w)
		c.streaming = false
	}
}
