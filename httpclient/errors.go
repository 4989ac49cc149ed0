package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrServiceTokenRequired is returned, before any request is made, when a
// service-role call is attempted without a service token.
var ErrServiceTokenRequired = errors.New("service role requires a service token")

// APIError is a non-2xx response from the platform.
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d [%s]: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}

// IsUnauthorized reports whether err is an APIError with status 401 or 403.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Status == 401 || apiErr.Status == 403)
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status, Body: append([]byte(nil), body...)}

	var payload struct {
		Message   string `json:"message"`
		Detail    string `json:"detail"`
		Error     string `json:"error"`
		Code      string `json:"code"`
		ErrorType string `json:"error_type"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		e.Code = firstNonEmpty(payload.Code, payload.ErrorType)
		e.Message = firstNonEmpty(payload.Message, payload.Detail, payload.Error)
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = "request failed"
	}
	return e
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
