package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "notFound"
	KindServer       Kind = "server"
	KindNetwork      Kind = "network"
)

const (
	MsgNetwork        = "Network error. Please check your internet connection."
	MsgTimeout        = "Request timed out. Please check your connection and try again."
	MsgCanceled       = "Request was canceled."
	MsgSessionExpired = "Session expired. Please login again."
	MsgNotFound       = "The requested resource was not found."
	MsgBadResponse    = "Unexpected response from server."

	maxMessageRunes = 512
)

// APIError is the only error type the gateway returns. Message is always
// populated.
type APIError struct {
	Kind           Kind
	Status         int
	Message        string
	RequiresLogin  bool
	IsNetworkError bool
	Method         string
	Path           string
	cause          error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// NewError builds an APIError for failures detected on the client side.
func NewError(kind Kind, message string) *APIError {
	e := &APIError{Kind: kind, Message: strings.TrimSpace(message)}
	if e.Message == "" {
		e.Message = fallbackMessage(kind, 0)
	}
	switch kind {
	case KindNetwork:
		e.IsNetworkError = true
	case KindUnauthorized:
		e.RequiresLogin = true
	}
	return e
}

func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Kind
	}
	return ""
}

func IsUnauthorized(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.RequiresLogin
}

func IsNetwork(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.IsNetworkError
}

func classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 500:
		return KindServer
	default:
		return KindValidation
	}
}

func statusError(status int, body []byte) *APIError {
	kind := classify(status)
	msg := extractMessage(body)
	if msg == "" {
		msg = fallbackMessage(kind, status)
	}
	return &APIError{
		Kind:          kind,
		Status:        status,
		Message:       msg,
		RequiresLogin: kind == KindUnauthorized,
	}
}

func fallbackMessage(kind Kind, status int) string {
	switch kind {
	case KindUnauthorized:
		return MsgSessionExpired
	case KindNotFound:
		return MsgNotFound
	case KindNetwork:
		return MsgNetwork
	case KindServer:
		if status > 0 {
			return fmt.Sprintf("Server error (status %d). Please try again later.", status)
		}
		return "Server error. Please try again later."
	default:
		if status > 0 {
			return fmt.Sprintf("Request failed with status %d.", status)
		}
		return "Request failed."
	}
}

// extractMessage tries the error shapes the backend is known to use, in
// order: bare string, {error}, {message}, any other JSON value stringified,
// then plain text.
func extractMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	if !json.Valid(trimmed) {
		return clip(string(trimmed))
	}

	var asString string
	if err := json.Unmarshal(trimmed, &asString); err == nil {
		return clip(strings.TrimSpace(asString))
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &asObject); err == nil {
		for _, field := range []string{"error", "message"} {
			if msg := stringField(asObject, field); msg != "" {
				return clip(msg)
			}
		}
		if len(asObject) == 0 {
			return ""
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return clip(string(trimmed))
	}
	if compact.String() == "null" {
		return ""
	}
	return clip(compact.String())
}

func stringField(obj map[string]json.RawMessage, field string) string {
	raw, ok := obj[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func clip(s string) string {
	if utf8.RuneCountInString(s) <= maxMessageRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxMessageRunes]) + "…"
}
