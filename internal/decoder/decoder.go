// Package decoder turns raw record values into typed payloads.
package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyPayload = errors.New("empty payload")
	ErrMalformed    = errors.New("malformed payload")
	ErrInvalid      = errors.New("invalid payload")
)

// Func decodes a record value. It never panics on bad input.
type Func[T any] func(data []byte) (T, error)

// JSON returns a decoder that unmarshals data into T and then runs validate,
// if given. Empty and null payloads fail with ErrEmptyPayload.
func JSON[T any](validate func(T) error) Func[T] {
	return func(data []byte) (T, error) {
		var out T
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return out, ErrEmptyPayload
		}
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return out, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if validate != nil {
			if err := validate(out); err != nil {
				return out, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
		return out, nil
	}
}
