// Package response provides the unified JSON envelope used by every HTTP endpoint.
package response

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kart-io/fincheck/pkg/utils/errors"
)

// HeaderXRequestID is the header carrying the request identifier.
const HeaderXRequestID = "X-Request-ID"

// Response is the unified API response structure.
type Response struct {
	// Code is the business error code (0 = success)
	Code int `json:"code"`

	// Message is a human-readable message
	Message string `json:"message"`

	// Data contains the response payload (nil for errors)
	Data interface{} `json:"data,omitempty"`

	// RequestID is the unique request identifier for tracing
	RequestID string `json:"request_id,omitempty"`

	// Timestamp is the response timestamp (Unix milliseconds)
	Timestamp int64 `json:"timestamp,omitempty"`

	httpCode int
}

// Success creates a successful response with data.
func Success(data interface{}) *Response {
	return &Response{
		Code:     0,
		Message:  "success",
		Data:     data,
		httpCode: http.StatusOK,
	}
}

// Err creates an error response from an Errno type.
func Err(e *errors.Errno) *Response {
	if e == nil {
		return Success(nil)
	}
	return &Response{
		Code:     e.Code,
		Message:  e.Detail(),
		httpCode: e.HTTPStatus(),
	}
}

// ErrWithLang creates an error response with a language-specific message.
func ErrWithLang(e *errors.Errno, lang string) *Response {
	r := Err(e)
	if e != nil && strings.HasPrefix(strings.ToLower(lang), "zh") {
		r.Message = e.Message("zh")
	}
	return r
}

// WithRequestID adds request ID to the response.
func (r *Response) WithRequestID(requestID string) *Response {
	r.RequestID = requestID
	return r
}

// WithData attaches a payload, typically error details.
func (r *Response) WithData(data interface{}) *Response {
	r.Data = data
	return r
}

// WithTimestamp adds timestamp to the response.
func (r *Response) WithTimestamp(timestamp int64) *Response {
	r.Timestamp = timestamp
	return r
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Code == 0
}

// HTTPStatus returns the HTTP status code for this response.
func (r *Response) HTTPStatus() int {
	if r.httpCode != 0 {
		return r.httpCode
	}
	if r.Code == 0 {
		return http.StatusOK
	}
	if e, ok := errors.Lookup(r.Code); ok {
		return e.HTTPStatus()
	}

	switch errors.GetCategory(r.Code) {
	case errors.CategoryRequest:
		return http.StatusBadRequest
	case errors.CategoryResource:
		return http.StatusNotFound
	case errors.CategoryConflict:
		return http.StatusConflict
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout
	case errors.CategoryNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// OK writes a success envelope.
func OK(c *gin.Context, data interface{}) {
	Send(c, Success(data))
}

// Created writes a success envelope with status 201.
func Created(c *gin.Context, data interface{}) {
	r := Success(data)
	r.httpCode = http.StatusCreated
	Send(c, r)
}

// Fail writes the envelope for err, converting it to an Errno first.
func Fail(c *gin.Context, err error) {
	Send(c, ErrWithLang(errors.FromError(err), c.GetHeader("Accept-Language")))
}

// Send stamps the request ID and timestamp and writes r.
func Send(c *gin.Context, r *Response) {
	if r.RequestID == "" {
		r.RequestID = c.Writer.Header().Get(HeaderXRequestID)
	}
	r.Timestamp = time.Now().UnixMilli()
	c.JSON(r.HTTPStatus(), r)
}

// Abort writes the envelope for err and stops the handler chain.
func Abort(c *gin.Context, err error) {
	Fail(c, err)
	c.Abort()
}
