package eventstream

import (
	"bufio"
	"io"
	"strings"
)

const maxFrameBytes = 1 << 20

// frame is one server-sent event. Comment lines are returned as frames with
// comment set so they count as liveness.
type frame struct {
	event   string
	data    string
	comment bool
}

type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	return &frameReader{scanner: s}
}

// next returns the next complete frame. It returns io.EOF when the server
// closes the stream.
func (r *frameReader) next() (frame, error) {
	var (
		f       frame
		data    []string
		hasData bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if f.event == "" && !hasData {
				continue
			}
			if f.event == "" {
				f.event = "message"
			}
			f.data = strings.Join(data, "\n")
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			if f.event == "" && !hasData {
				return frame{comment: true}, nil
			}
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.event = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return frame{}, err
	}
	return frame{}, io.EOF
}
