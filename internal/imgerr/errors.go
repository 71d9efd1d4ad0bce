// Package imgerr defines the externally visible error kinds of the image
// handler. Every kind carries a stable code, an HTTP-style status and a
// message that is safe to return to callers.
package imgerr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

const (
	CodeImageFormatNotSupported  = "ImageFormatNotSupported"
	CodeImageProcessingError     = "ImageProcessingError"
	CodeImageEditsError          = "ImageEditsError"
	CodeImageFormatError         = "ImageFormatError"
	CodeTooLargeImageException   = "TooLargeImageException"
	CodeTimeoutException         = "TimeoutException"
	CodeS3ObjectLambdaWriteError = "S3ObjectLambdaWriteError"
	CodeInvalidEdits             = "InvalidEdits"
	CodeRequestTypeError         = "RequestTypeError"
	CodeNoSuchKey                = "NoSuchKey"
	CodeConfigurationError       = "ConfigurationError"
	CodeCannotAccessBucket       = "CannotAccessBucket"
	CodeInternalError            = "InternalError"
)

const internalErrorMessage = "Internal error. Please contact the system administrator."

type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func New(status int, code, message string, err error) *Error {
	return &Error{Status: status, Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Body is the JSON document returned to clients. The wrapped cause is never
// serialized.
func (e *Error) Body() []byte {
	body, _ := json.Marshal(struct {
		Status  int    `json:"status"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}{e.Status, e.Code, e.Message})
	return body
}

func ImageFormatNotSupported(message string) *Error {
	return New(http.StatusBadRequest, CodeImageFormatNotSupported, message, nil)
}

func ImageProcessingError(message string, err error) *Error {
	return New(http.StatusInternalServerError, CodeImageProcessingError, message, err)
}

func ImageEditsError(message string, err error) *Error {
	return New(http.StatusInternalServerError, CodeImageEditsError, message, err)
}

func ImageFormatError(message string, err error) *Error {
	return New(http.StatusInternalServerError, CodeImageFormatError, message, err)
}

func TooLargeImage() *Error {
	return New(http.StatusRequestEntityTooLarge, CodeTooLargeImageException, "The converted image is too large to return.", nil)
}

func Timeout() *Error {
	return New(http.StatusGatewayTimeout, CodeTimeoutException, "Image processing timed out.", nil)
}

func S3ObjectLambdaWriteError(err error) *Error {
	return New(http.StatusInternalServerError, CodeS3ObjectLambdaWriteError, "Could not write the response to the object lambda route.", err)
}

func InvalidEdits(message string) *Error {
	return New(http.StatusBadRequest, CodeInvalidEdits, message, nil)
}

func RequestTypeError(message string, err error) *Error {
	return New(http.StatusBadRequest, CodeRequestTypeError, message, err)
}

func NoSuchKey(err error) *Error {
	return New(http.StatusNotFound, CodeNoSuchKey, "The image you specified could not be found.", err)
}

func CannotAccessBucket(bucket string) *Error {
	return New(http.StatusForbidden, CodeCannotAccessBucket, "The bucket "+bucket+" is not in the list of allowed source buckets.", nil)
}

func ConfigurationError(message string) *Error {
	return New(http.StatusInternalServerError, CodeConfigurationError, message, nil)
}

func Internal(err error) *Error {
	return New(http.StatusInternalServerError, CodeInternalError, internalErrorMessage, err)
}

// As converts any error into an *Error. Context deadline errors become
// timeouts; anything unrecognized becomes the generic internal error.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t := Timeout()
		t.Err = err
		return t
	}
	return Internal(err)
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
