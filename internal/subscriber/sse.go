package subscriber

import (
	"bufio"
	"io"
	"strings"
)

// sseMessage is one decoded server-sent event.
type sseMessage struct {
	Event string
	ID    string
	Data  string
}

// sseReader incrementally decodes a text/event-stream body. gin-contrib/sse
// decodes whole bodies at EOF, which never arrives on a live stream, so the
// client side needs this small line-oriented reader.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{scanner: bufio.NewScanner(r)}
}

// Next blocks until a full event (terminated by a blank line) has been read.
// It returns io.EOF when the stream ends, or the underlying read error.
func (r *sseReader) Next() (sseMessage, error) {
	var msg sseMessage
	var data []string
	seen := false

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !seen {
				continue
			}
			msg.Data = strings.Join(data, "\n")
			return msg, nil
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment line, ignored.
		case strings.HasPrefix(line, "event:"):
			seen = true
			msg.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			seen = true
			msg.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			seen = true
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := r.scanner.Err(); err != nil {
		return msg, err
	}
	return msg, io.EOF
}
