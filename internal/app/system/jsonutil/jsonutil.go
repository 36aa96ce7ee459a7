// Package jsonutil writes the JSON envelope shared by every API response.
//
// Successful responses look like {"success": true, "data": ...} and failures
// look like {"success": false, "error": "message"}. Handlers should never
// write raw JSON themselves so clients can rely on the envelope.
package jsonutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"
)

// MaxBodyBytes caps request bodies read by Decode. Two 5 MB images encoded
// as base64 fit with room for the surrounding JSON.
const MaxBodyBytes = 16 << 20

// Envelope is the response body shape.
type Envelope struct {
	Success    bool              `json:"success"`
	Data       any               `json:"data,omitempty"`
	Error      string            `json:"error,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	RetryAfter int               `json:"retry_after,omitempty"`
}

// JSON writes v as the response body with the given status code.
// Use it for payloads that already carry a success flag (health checks).
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// OK writes 200 {"success": true, "data": data}.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// Created writes 201 {"success": true, "data": data}.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, Envelope{Success: true, Data: data})
}

// Success writes 200 {"success": true} with no data.
func Success(w http.ResponseWriter) {
	JSON(w, http.StatusOK, Envelope{Success: true})
}

// Error writes {"success": false, "error": message} with the given status.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, Envelope{Success: false, Error: message})
}

// BadRequest writes a 400 error response.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

// Unauthorized writes a 401 error response.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, message)
}

// Forbidden writes a 403 error response.
func Forbidden(w http.ResponseWriter, message string) {
	Error(w, http.StatusForbidden, message)
}

// NotFound writes a 404 error response.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, message)
}

// MethodNotAllowed writes a 405 error response.
func MethodNotAllowed(w http.ResponseWriter, message string) {
	Error(w, http.StatusMethodNotAllowed, message)
}

// Conflict writes a 409 error response. Used when an action is not valid
// for the current state of a record.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, message)
}

// TooManyRequests writes a 429 error response. The Retry-After header and
// the retry_after body field carry the wait in whole seconds (at least 1).
func TooManyRequests(w http.ResponseWriter, message string, retryAfter time.Duration) {
	secs := RetryAfterSeconds(retryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	JSON(w, http.StatusTooManyRequests, Envelope{Success: false, Error: message, RetryAfter: secs})
}

// InternalError writes a 500 error response.
// Do not expose internal details to clients; log the actual error separately.
func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, message)
}

// ServiceUnavailable writes a 503 error response.
func ServiceUnavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, message)
}

// ValidationError writes a 400 response with field-level messages.
//
//	jsonutil.ValidationError(w, "login_id is required", map[string]string{
//	    "login_id": "login_id is required",
//	})
func ValidationError(w http.ResponseWriter, message string, fields map[string]string) {
	JSON(w, http.StatusBadRequest, Envelope{Success: false, Error: message, Fields: fields})
}

// RetryAfterSeconds rounds d up to whole seconds, never below 1.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ErrEmptyBody is returned by Decode when the request has no body.
var ErrEmptyBody = errors.New("request body is empty")

// Decode reads a single JSON object from the request body into v.
// Unknown fields and trailing data are rejected. The returned error message
// is safe to pass to BadRequest.
//
//	var input checkInRequest
//	if err := jsonutil.Decode(r, &input); err != nil {
//	    jsonutil.BadRequest(w, err.Error())
//	    return
//	}
func Decode(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return ErrEmptyBody
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			return fmt.Errorf("malformed JSON at offset %d", syntaxErr.Offset)
		case errors.As(err, &typeErr):
			return fmt.Errorf("invalid value for %q", typeErr.Field)
		}
		return fmt.Errorf("invalid JSON: %v", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// DecodeOptional is Decode that treats an empty body as an empty object.
func DecodeOptional(r *http.Request, v any) error {
	err := Decode(r, v)
	if errors.Is(err, ErrEmptyBody) {
		return nil
	}
	return err
}
