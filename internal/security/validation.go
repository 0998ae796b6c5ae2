package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Validation limits.
const (
	DefaultMaxJSONDepth = 32
	MaxRequestIDLength  = 128
)

// Validation errors.
var (
	ErrJSONTooDeep      = errors.New("JSON nesting exceeds maximum depth")
	ErrInvalidJSON      = errors.New("invalid JSON")
	ErrInvalidRequestID = errors.New("invalid request id")
)

// ValidateJSONDepth checks that the JSON in data does not nest deeper
// than limit levels. Fragment metadata is free-form, so this bounds the
// work done before decoding. If limit is <= 0, DefaultMaxJSONDepth is used.
func ValidateJSONDepth(data []byte, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxJSONDepth
	}
	if len(data) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
		}

		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > limit {
				return fmt.Errorf("%w: depth %d (max %d)", ErrJSONTooDeep, depth, limit)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}

// ValidateRequestID accepts caller-supplied correlation ids made of
// printable ASCII without spaces, up to MaxRequestIDLength bytes. They
// end up in logs and the stats log verbatim.
func ValidateRequestID(id string) error {
	if id == "" || len(id) > MaxRequestIDLength {
		return fmt.Errorf("%w: length %d (1..%d)", ErrInvalidRequestID, len(id), MaxRequestIDLength)
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return fmt.Errorf("%w: byte %d", ErrInvalidRequestID, i)
		}
	}
	return nil
}
