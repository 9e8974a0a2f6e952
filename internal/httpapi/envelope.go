package httpapi

import "net/http"

// Error codes used on the wire and in last_error_code. Every handler and
// every dispatch outcome reports one of these, never a bare Go error string.
const (
	ErrBadRequest                = "BAD_REQUEST"
	ErrNotFound                  = "NOT_FOUND"
	ErrSignatureTimestampExpired = "SIGNATURE_TIMESTAMP_EXPIRED"
	ErrInvalidSignature          = "INVALID_SIGNATURE"
	ErrInstanceNotFound          = "INSTANCE_NOT_FOUND"
	ErrInstanceNotActive         = "INSTANCE_NOT_ACTIVE"
	ErrTokenSignFailed           = "TOKEN_SIGN_FAILED"
	ErrJWKSParseError            = "JWKS_PARSE_ERROR"
	ErrRequestTimeout            = "REQUEST_TIMEOUT"
	ErrRequestFailed             = "REQUEST_FAILED"
	ErrUnacceptedResponse        = "UNACCEPTED_RESPONSE"
	ErrQueueSendFailed           = "QUEUE_SEND_FAILED"
	ErrRetryScheduleFailed       = "RETRY_SCHEDULE_FAILED"
	ErrMaxAttemptsExceeded       = "MAX_ATTEMPTS_EXCEEDED"
	ErrDLQReached                = "DLQ_REACHED"
	ErrUnknown                   = "UNKNOWN_ERROR"
	ErrInternal                  = "INTERNAL_ERROR"
)

// httpStatusForCode maps a wire error code to its default HTTP status.
// Handlers may still choose a different status for a code where the route
// contract requires it (INSTANCE_NOT_FOUND is 404 on deregister/status but
// never reached on sync).
var httpStatusForCode = map[string]int{
	ErrBadRequest:                http.StatusBadRequest,
	ErrNotFound:                  http.StatusNotFound,
	ErrSignatureTimestampExpired: http.StatusUnauthorized,
	ErrInvalidSignature:          http.StatusUnauthorized,
	ErrInstanceNotFound:          http.StatusNotFound,
	ErrInstanceNotActive:         http.StatusConflict,
	ErrTokenSignFailed:           http.StatusInternalServerError,
	ErrJWKSParseError:            http.StatusInternalServerError,
	ErrRequestTimeout:            http.StatusGatewayTimeout,
	ErrRequestFailed:             http.StatusBadGateway,
	ErrUnacceptedResponse:        http.StatusBadGateway,
	ErrQueueSendFailed:           http.StatusInternalServerError,
	ErrRetryScheduleFailed:       http.StatusInternalServerError,
	ErrMaxAttemptsExceeded:       http.StatusInternalServerError,
	ErrDLQReached:                http.StatusInternalServerError,
	ErrUnknown:                   http.StatusInternalServerError,
	ErrInternal:                  http.StatusInternalServerError,
}

// StatusForCode returns the HTTP status a code should surface as, falling
// back to 500 for anything not in the taxonomy.
func StatusForCode(code string) int {
	if s, ok := httpStatusForCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Envelope is the wire shape for every JSON response this service emits:
// {ok, data?, error?}. Exactly one of Data/Error is populated.
type Envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the error half of Envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK wraps a successful payload.
func OK(data interface{}) Envelope {
	return Envelope{OK: true, Data: data}
}

// Fail wraps a wire error code and message.
func Fail(code, message string) Envelope {
	return Envelope{OK: false, Error: &ErrorBody{Code: code, Message: message}}
}
