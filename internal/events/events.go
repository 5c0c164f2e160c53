// Package events carries approval resolutions from the broker to waiting
// handshakes over a publish/subscribe bus.
package events

import (
	"context"
	"strings"
)

const (
	// TopicApprovalsResolved matches every resolution subject.
	TopicApprovalsResolved = "approvals.*.resolved"
	// TopicApprovalsAll matches everything under the approvals prefix.
	TopicApprovalsAll = "approvals.>"
)

// ResolvedTopic is the subject a resolution for one payload is published on.
func ResolvedTopic(payloadUUID string) string {
	return "approvals." + payloadUUID + ".resolved"
}

// ApprovalResolved is published once the approval service reports that a
// payload was signed, declined or expired.
type ApprovalResolved struct {
	PayloadUUID string `json:"payload_uuid"`
	Signed      bool   `json:"signed"`
	Account     string `json:"account,omitempty"`
	TxID        string `json:"txid,omitempty"`
	Hex         string `json:"hex,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Subscriber receives events from the event bus.
type Subscriber interface {
	// Subscribe delivers raw event payloads on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}

// Match reports whether subject matches pattern using NATS token rules:
// "*" matches one token, a trailing ">" matches one or more.
func Match(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
