// Package publisher defines the notification message shared by the sink
// implementations in its subpackages.
package publisher

import "time"

// Message is the wire form of one delivery.
type Message struct {
	Destination string    `json:"destination"`
	Text        string    `json:"text"`
	Header      bool      `json:"header"`
	SentAt      time.Time `json:"sent_at"`
}
