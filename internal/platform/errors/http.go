package errors

import "time"

// APIError is the logical error response shape the HTTP façade returns,
// per the external-interfaces contract.
type APIError struct {
	StatusCode int      `json:"status_code"`
	Error      string   `json:"error"`
	Message    any      `json:"message"` // string or []string
	Details    any      `json:"details,omitempty"`
	Timestamp  string   `json:"timestamp"`
	Path       string   `json:"path"`
	RequestID  string   `json:"request_id,omitempty"`
}

// NewAPIError builds an APIError for a single message.
func NewAPIError(statusCode int, errName, message, path, requestID string) APIError {
	return APIError{
		StatusCode: statusCode,
		Error:      errName,
		Message:    message,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Path:       path,
		RequestID:  requestID,
	}
}

// NewAPIErrorList builds an APIError carrying multiple messages (e.g. a
// batch of field validation failures).
func NewAPIErrorList(statusCode int, errName string, messages []string, path, requestID string) APIError {
	return APIError{
		StatusCode: statusCode,
		Error:      errName,
		Message:    messages,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Path:       path,
		RequestID:  requestID,
	}
}

// KindToStatusCode maps a domain error Kind to the HTTP status code the
// façade should answer with.
func KindToStatusCode(kind Kind) int {
	switch kind {
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindValidation, KindReferentialIntegrity, KindDecode:
		return 400
	case KindLockLost, KindFatalIO, KindTransaction, KindRowDB:
		return 503
	default:
		return 500
	}
}
