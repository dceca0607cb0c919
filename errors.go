package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error taxonomy for the primary mutation path. Secondary corrective fetches
// log and drop their errors instead of surfacing these.

// a 404. On the delete path this is reclassified as success (already gone).
var ErrNotFound = errors.New("not found")

// archive called on an entity type whose list views do not split into
// active and archived
var ErrArchiveUnsupported = errors.New("entity type does not partition on archived state")

// transport-level failure. No automatic retry; the caller decides.
type NetworkError struct {
	Cause error
}

func (self *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s", self.Cause)
}

func (self *NetworkError) Unwrap() error {
	return self.Cause
}

// 4xx with structured detail, surfaced verbatim
type ValidationError struct {
	StatusCode int
	Message    string
}

func (self *ValidationError) Error() string {
	return self.Message
}

// 429 or quota-exhausted 402
type ThrottledError struct {
	StatusCode int
	Message    string
}

func (self *ThrottledError) Error() string {
	if self.Message != "" {
		return self.Message
	}
	return "rate limited"
}

// 5xx, surfaced with a generic message
type ServerError struct {
	StatusCode int
}

func (self *ServerError) Error() string {
	return fmt.Sprintf("server error (%d)", self.StatusCode)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// the backend wraps error messages as {"detail": "..."}
func errorDetail(responseBodyBytes []byte) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(responseBodyBytes, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return strings.TrimSpace(string(responseBodyBytes))
}

func classifyStatus(statusCode int, responseBodyBytes []byte) error {
	switch {
	case statusCode == http.StatusNotFound:
		return ErrNotFound
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusPaymentRequired:
		return &ThrottledError{
			StatusCode: statusCode,
			Message:    errorDetail(responseBodyBytes),
		}
	case 500 <= statusCode:
		return &ServerError{
			StatusCode: statusCode,
		}
	case 400 <= statusCode:
		return &ValidationError{
			StatusCode: statusCode,
			Message:    errorDetail(responseBodyBytes),
		}
	default:
		return fmt.Errorf("unexpected status %d", statusCode)
	}
}
