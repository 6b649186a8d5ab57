package eventstream

import (
	"strings"

	"github.com/goccy/go-json"
)

// Topic is a logical channel demultiplexed from the stream.
type Topic string

const (
	// TopicBuildStatus carries build start, success and fail transitions.
	TopicBuildStatus Topic = "build.status"
	// TopicLog carries everything else: builder and app log lines.
	TopicLog Topic = "log"
)

// BroadcastSubject marks a message sent to every subscriber of an account.
// The real subject is carried in Body.Subject.
const BroadcastSubject = "-"

// Message is one event delivered on the stream.
type Message struct {
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Level   string `json:"level"`
	Key     string `json:"key,omitempty"`
	Body    Body   `json:"body"`
}

// Body is the payload of a message.
type Body struct {
	Message  string          `json:"message,omitempty"`
	Code     string          `json:"code,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
	Subject  string          `json:"subject,omitempty"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// Topic returns the channel the message belongs to.
func (m Message) Topic() Topic {
	if m.Key == string(TopicBuildStatus) {
		return TopicBuildStatus
	}
	return TopicLog
}

// matchSubject reports whether m is addressed to subject, either directly by
// prefix or as a broadcast naming it in the body. Broadcasts are rewritten
// to carry their real subject.
func matchSubject(m *Message, subject string) bool {
	if m.Subject == BroadcastSubject {
		if m.Body.Subject == "" || !strings.HasPrefix(m.Body.Subject, subject) {
			return false
		}
		m.Subject = m.Body.Subject
		return true
	}
	return strings.HasPrefix(m.Subject, subject)
}

func parseMessage(data string) (Message, error) {
	var m Message
	err := json.Unmarshal([]byte(data), &m)
	return m, err
}
