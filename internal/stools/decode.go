package stools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultMaxBodyBytes is the body limit when the request context sets none.
const DefaultMaxBodyBytes = 1 << 20

// MaxBytesError represents an error when the request body exceeds the maximum allowed size
type MaxBytesError struct {
	Message string
	Limit   int64
}

func (e *MaxBytesError) Error() string {
	return e.Message
}

// MalformedJSONError represents an error when the request body contains malformed JSON
type MalformedJSONError struct {
	Message string
}

func (e *MalformedJSONError) Error() string {
	return e.Message
}

type maxBodyKey struct{}

// WithMaxBodyBytes overrides the body limit DecodeJSONBody applies.
func WithMaxBodyBytes(ctx context.Context, n int64) context.Context {
	return context.WithValue(ctx, maxBodyKey{}, n)
}

func maxBodyBytes(ctx context.Context) int64 {
	if n, ok := ctx.Value(maxBodyKey{}).(int64); ok && n > 0 {
		return n
	}
	return DefaultMaxBodyBytes
}

// DecodeJSONBody decodes a single JSON object from the request body into dst,
// rejecting unknown fields, trailing data and bodies over the limit.
func DecodeJSONBody(r *http.Request, dst interface{}) error {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "application/json") {
		return &MalformedJSONError{Message: "Content-Type header is not application/json"}
	}

	limit := maxBodyBytes(r.Context())
	r.Body = http.MaxBytesReader(nil, r.Body, limit)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err != nil {
		var syntaxError *json.SyntaxError
		var unmarshalTypeError *json.UnmarshalTypeError
		var invalidUnmarshalError *json.InvalidUnmarshalError
		var maxBytesError *http.MaxBytesError

		switch {
		case errors.As(err, &maxBytesError):
			return &MaxBytesError{
				Message: fmt.Sprintf("Request body must not be larger than %d bytes", limit),
				Limit:   limit,
			}

		case errors.As(err, &syntaxError):
			return &MalformedJSONError{
				Message: fmt.Sprintf("Request body contains malformed JSON (at position %d)", syntaxError.Offset),
			}

		case errors.Is(err, io.ErrUnexpectedEOF):
			return &MalformedJSONError{Message: "Request body contains malformed JSON"}

		case errors.As(err, &unmarshalTypeError):
			return &MalformedJSONError{
				Message: fmt.Sprintf("Request body contains an invalid value for the %q field (at position %d)", unmarshalTypeError.Field, unmarshalTypeError.Offset),
			}

		case strings.HasPrefix(err.Error(), "json: unknown field "):
			fieldName := strings.TrimPrefix(err.Error(), "json: unknown field ")
			return &MalformedJSONError{Message: fmt.Sprintf("Request body contains unknown field %s", fieldName)}

		case errors.Is(err, io.EOF):
			return &MalformedJSONError{Message: "Request body must not be empty"}

		case errors.As(err, &invalidUnmarshalError):
			return fmt.Errorf("invalid unmarshal error: %w", err)

		default:
			// custom UnmarshalJSON implementations (amounts, times) land here
			return &MalformedJSONError{Message: fmt.Sprintf("Request body is invalid: %v", err)}
		}
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return &MalformedJSONError{Message: "Request body must only contain a single JSON object"}
	}
	return nil
}
