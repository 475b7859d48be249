package channel

import (
	"encoding/json"
	"net/url"
	"slices"
	"strings"
)

// ContextMessage is one message pushed by the development server on its
// data and log channels.
type ContextMessage struct {
	ContextID  string            `json:"contextId,omitempty"`
	Level      string            `json:"level,omitempty"`
	Text       string            `json:"text"`
	Labels     []string          `json:"labels,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Timestamp  int64             `json:"timestamp,omitempty"`
}

// HasLabel reports whether the message carries label.
func (m ContextMessage) HasLabel(label string) bool {
	return slices.Contains(m.Labels, label)
}

// DecodeData unmarshals the data payload into v. A message without data
// leaves v untouched.
func (m ContextMessage) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Topic maps a channel URL onto the topic name used by hubs and brokers:
// its path without the leading slash. Anything that does not parse as a
// URL is used as is.
func Topic(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return strings.TrimPrefix(rawURL, "/")
	}
	return strings.TrimPrefix(u.Path, "/")
}
