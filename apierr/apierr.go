// Package apierr classifies failed API calls into a fixed set of kinds, each
// with the message shown to the user.
package apierr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of a failed call.
type Kind int

const (
	// KindRequestFailed covers other 4xx responses and transport failures.
	KindRequestFailed Kind = iota
	// KindAuthenticationExpired means the session is gone and the user must sign in again.
	KindAuthenticationExpired
	KindForbidden
	KindRateLimited
	KindServerError
	KindValidationFailed
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticationExpired:
		return "authentication_expired"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindValidationFailed:
		return "validation_failed"
	default:
		return "request_failed"
	}
}

// User-facing messages.
const (
	MsgAuthenticationExpired = "Your session has expired. Please sign in again."
	MsgForbidden             = "You do not have permission to perform this action."
	MsgRateLimited           = "Too many requests. Please try again later."
	MsgServerError           = "Server error. Please try again later."
	MsgValidationFailed      = "The submitted data is invalid."
	MsgRequestFailed         = "Something went wrong. Please try again."
)

// FieldError is one entry of a validation error map.
type FieldError struct {
	Field   string
	Message string
}

// Error is a classified API failure.
type Error struct {
	Kind       Kind
	StatusCode int // 0 for transport failures
	Message    string
	Fields     []FieldError // in the order the server sent them
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err,
// &Error{Kind: KindForbidden}) works without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.StatusCode == 0 && t.Message == ""
}

// body is the backend's error envelope.
type body struct {
	Message          string          `json:"message"`
	ValidationErrors json.RawMessage `json:"validationErrors"`
}

// Classify maps a failed response to an Error. It never fails: unreadable
// bodies fall back to the generic message of the kind.
func Classify(status int, raw []byte) *Error {
	var b body
	_ = json.Unmarshal(raw, &b)

	e := &Error{StatusCode: status}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthenticationExpired
		e.Message = MsgAuthenticationExpired
	case status == http.StatusForbidden:
		e.Kind = KindForbidden
		e.Message = MsgForbidden
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.Message = MsgRateLimited
	case status >= 500:
		e.Kind = KindServerError
		e.Message = MsgServerError
	case status == http.StatusBadRequest && len(b.ValidationErrors) > 0:
		fields := decodeFields(b.ValidationErrors)
		if fields == nil {
			// validationErrors present but not a usable map
			e.Kind = KindRequestFailed
			e.Message = messageOr(b.Message, MsgRequestFailed)
			break
		}
		e.Kind = KindValidationFailed
		e.Fields = fields
		e.Message = MsgValidationFailed
		for _, f := range fields {
			if f.Message != "" {
				e.Message = f.Message
				break
			}
		}
	default:
		e.Kind = KindRequestFailed
		e.Message = messageOr(b.Message, MsgRequestFailed)
	}
	return e
}

// FromTransport wraps a network-level failure.
func FromTransport(err error) *Error {
	return &Error{Kind: KindRequestFailed, Message: MsgRequestFailed, Err: err}
}

// Expired returns an AuthenticationExpired error caused by err.
func Expired(err error) *Error {
	return &Error{Kind: KindAuthenticationExpired, Message: MsgAuthenticationExpired, Err: err}
}

// KindOf returns the kind of err, or KindRequestFailed when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRequestFailed
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// decodeFields reads a JSON object of field -> message (or list of messages)
// keeping key order. It returns nil when raw is not an object.
func decodeFields(raw json.RawMessage) []FieldError {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil
	}

	fields := []FieldError{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, _ := keyTok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil
		}
		fields = append(fields, FieldError{Field: key, Message: fieldMessage(value)})
	}
	return fields
}

func fieldMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}
