package response

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Response is the envelope of every REST reply.
type Response struct {
	Data     any        `json:"data"`
	Error    *ErrorBody `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

// ErrorBody represents a structured error response.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Metadata carries the request ID and the server clock. Candidate clients
// use ServerTimeMs to correct the countdown they render between state
// events.
type Metadata struct {
	RequestID    string `json:"request_id"`
	Timestamp    string `json:"timestamp"`
	ServerTimeMs int64  `json:"server_time_ms"`
}

// Success sends a successful JSON response with the given status code and data.
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{Data: data, Metadata: buildMetadata(c)})
}

// Fail sends an error response with an error code and no field-level details.
func Fail(c *gin.Context, statusCode int, code ErrCode) {
	c.JSON(statusCode, errorResponse(c, code, nil))
}

// FailWithFields sends an error response with field-level validation details.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	c.JSON(statusCode, errorResponse(c, code, fields))
}

// AbortFail aborts the middleware chain and sends an error response.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, errorResponse(c, code, nil))
}

// AbortRetry is AbortFail with a Retry-After header, for throttled or
// temporarily unavailable requests.
func AbortRetry(c *gin.Context, statusCode int, code ErrCode, after time.Duration) {
	secs := int((after + time.Second - 1) / time.Second)
	c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
	AbortFail(c, statusCode, code)
}

func errorResponse(c *gin.Context, code ErrCode, fields map[string]string) Response {
	return Response{
		Error:    &ErrorBody{Code: code, Message: GetMessage(code), Fields: fields},
		Metadata: buildMetadata(c),
	}
}

func buildMetadata(c *gin.Context) Metadata {
	id := RequestID(c)
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return Metadata{
		RequestID:    id,
		Timestamp:    now.Format(time.RFC3339),
		ServerTimeMs: now.UnixMilli(),
	}
}
