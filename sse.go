package notify

import (
	"bufio"
	"io"
	"strings"
)

// streamEvent is one decoded event from either transport.
type streamEvent struct {
	ID      string
	HasID   bool
	Name    string
	Data    string
	HasData bool
}

// sseDecoder splits a text/event-stream body into events. Comment lines
// (": keep-alive") produce no event but still count as activity.
type sseDecoder struct {
	r        *bufio.Reader
	activity func()
}

func newSSEDecoder(r io.Reader, activity func()) *sseDecoder {
	if activity == nil {
		activity = func() {}
	}
	return &sseDecoder{r: bufio.NewReader(r), activity: activity}
}

// next returns the next dispatchable event. It returns io.EOF when the
// stream ends; a partially buffered event at EOF is discarded.
func (d *sseDecoder) next() (streamEvent, error) {
	var (
		ev   streamEvent
		data strings.Builder
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return streamEvent{}, io.EOF
			}
			if err != io.EOF {
				return streamEvent{}, err
			}
		}
		d.activity()
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if err == io.EOF {
				return streamEvent{}, io.EOF
			}
			if !ev.HasData && !ev.HasID {
				continue
			}
			ev.Data = data.String()
			if ev.Name == "" {
				ev.Name = "message"
			}
			return ev, nil
		}

		if strings.HasPrefix(line, ":") {
			if err == io.EOF {
				return streamEvent{}, io.EOF
			}
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			if ev.HasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			ev.HasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
				ev.HasID = true
			}
		}

		if err == io.EOF {
			return streamEvent{}, io.EOF
		}
	}
}
