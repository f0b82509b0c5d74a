package shared

import (
	"errors"
	"fmt"
)

// Error codes returned to clients in the error_code field.
const (
	CodeGenerationFailed  = 1004
	CodeModelNotFound     = 1005
	CodeInvalidParams     = 1007
	CodeRateLimitExceeded = 1010
	CodeNotEnoughZaps     = 1011
	CodeUnauthorized      = 1013
)

// RequestError is used when we want a specific error message and StatusCode.
// sane defaults are listed below. Handlers return these directly when the
// message is meant for the caller; anything else should be wrapped so the
// router falls back to a generic 500.
//
// Code is the numeric error_code surfaced next to the message.
type RequestError struct {
	StatusCode int
	Code       int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

func (r *RequestError) Unwrap() error {
	return r.Err
}

// Message is the text shown to the caller.
func (r *RequestError) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

var (
	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401, Code: CodeUnauthorized}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401, Code: CodeUnauthorized}
	ErrUnauthorized  = &RequestError{Err: errors.New("unauthorized"), StatusCode: 401, Code: CodeUnauthorized}

	ErrInvalidRequest = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400, Code: CodeInvalidParams}
	ErrMissingPrompt  = &RequestError{Err: errors.New("prompt is required"), StatusCode: 400, Code: CodeInvalidParams}
	ErrUnknownModel   = &RequestError{Err: errors.New("model not found"), StatusCode: 400, Code: CodeModelNotFound}

	ErrNoCredits        = &RequestError{Err: errors.New("Insufficient Zaps! Please visit the profile page to get more zaps."), StatusCode: 402, Code: CodeNotEnoughZaps}
	ErrNoCreditsPostHoc = &RequestError{Err: errors.New("no zaps"), StatusCode: 402, Code: CodeNotEnoughZaps}
	ErrCostOutOfRange   = &RequestError{Err: errors.New("requested generation is too expensive"), StatusCode: 400, Code: CodeInvalidParams}

	ErrModerationBlocked = &RequestError{Err: errors.New("generation blocked by content moderation"), StatusCode: 422, Code: CodeGenerationFailed}
	ErrRateLimited       = &RequestError{Err: errors.New("rate limit exceeded, please try again later"), StatusCode: 429, Code: CodeRateLimitExceeded}

	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500, Code: CodeGenerationFailed}
	ErrGenerationFailed    = &RequestError{Err: errors.New("generation failed"), StatusCode: 500, Code: CodeGenerationFailed}

	ErrUpstreamHTTP       = &MetricsError{Msg: "failed to send http request to upstream", Code: "upstream_http_err"}
	ErrUpstreamStatus     = &MetricsError{Msg: "upstream responded with non-200", Code: "upstream_http_status_err"}
	ErrUpstreamRead       = &MetricsError{Msg: "failed to read upstream response", Code: "upstream_response_err"}
	ErrUpstreamEmpty      = &MetricsError{Msg: "upstream returned no content", Code: "upstream_empty"}
	ErrUpstreamModeration = &MetricsError{Msg: "upstream declined by safety filter", Code: "upstream_moderation"}
)

// NewValidationError builds a 400 with a caller facing message.
func NewValidationError(format string, args ...any) *RequestError {
	return &RequestError{StatusCode: 400, Code: CodeInvalidParams, Err: fmt.Errorf(format, args...)}
}

// IsValidation reports whether err carries a 400 RequestError.
func IsValidation(err error) bool {
	var rerr *RequestError
	return errors.As(err, &rerr) && rerr.StatusCode == 400
}

type MetricsError struct {
	Msg  string
	Code string
}

func (m *MetricsError) Error() string {
	return m.String()
}

func (m *MetricsError) String() string {
	return m.Msg
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// ErrorBodyFrom renders err for a client. Unclassified errors never leak
// their text.
func ErrorBodyFrom(err error) (int, ErrorBody) {
	var rerr *RequestError
	if errors.As(err, &rerr) {
		return rerr.StatusCode, ErrorBody{Error: rerr.Message(), ErrorCode: rerr.Code}
	}
	return 500, ErrorBody{Error: ErrInternalServerError.Message(), ErrorCode: CodeGenerationFailed}
}
