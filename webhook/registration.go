package webhook

import (
	"errors"
	"fmt"

	"github.com/erlorenz/topicbridge/registry"
)

// ErrInvalidRegistration is returned for a registration without a topic or
// target URL.
var ErrInvalidRegistration = errors.New("webhook: registration needs a topic and a url")

// Registration forwards every message on Topic to URL.
type Registration struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	URL    string `json:"url"`
	User   string `json:"user,omitempty"`
	Secret string `json:"secret,omitempty"`
}

func (r Registration) validate() error {
	if r.Topic == "" || r.URL == "" {
		return fmt.Errorf("%w (id %q)", ErrInvalidRegistration, r.ID)
	}
	return nil
}

// FromSubmission converts a registry submission. The explicit id wins over
// the registry's internal one.
func FromSubmission(s registry.Submission) Registration {
	id := s.ID
	if id == "" {
		id = s.InternalID
	}
	return Registration{
		ID:     id,
		Topic:  stringField(s.Data, "topic"),
		URL:    stringField(s.Data, "url"),
		User:   stringField(s.Data, "user"),
		Secret: stringField(s.Data, "secret"),
	}
}

func stringField(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
