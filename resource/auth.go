package resource

import (
	"errors"
	"net/http"
)

var (
	// ErrNotAuthenticated is reported when Authenticate rejects a request.
	ErrNotAuthenticated = errors.New("resource: authentication denied")

	// ErrNotAuthorized is reported when an authorize hook denies access.
	ErrNotAuthorized = errors.New("resource: not authorized")
)

// AuthError wraps an error returned by an auth hook.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "resource: auth hook failed: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// AuthenticateFunc decides whether a request is authenticated and returns
// the subject passed on to the authorize hooks.
type AuthenticateFunc func(r *http.Request) (ok bool, subject any, err error)

// AuthorizeGetFunc decides whether subject may wait for messages on topic.
type AuthorizeGetFunc func(subject any, topic string) (bool, error)

// AuthorizePutFunc decides whether subject may publish payload to topic.
type AuthorizePutFunc func(subject any, topic string, payload []byte) (bool, error)

// UpdatedFunc is called after a payload has been stored and published.
type UpdatedFunc func(topic string, payload []byte)

// AllowAll authenticates every request with an empty subject.
func AllowAll(*http.Request) (bool, any, error) {
	return true, struct{}{}, nil
}

func allowGet(any, string) (bool, error) {
	return true, nil
}

func allowPut(any, string, []byte) (bool, error) {
	return true, nil
}

// statusFor maps an auth outcome to the response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
