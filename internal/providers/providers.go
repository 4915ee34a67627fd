// Package providers holds the error taxonomy shared by the per-provider
// webhook normalizers.
package providers

import (
	"errors"
	"fmt"
)

// ErrInvalidPayload marks a structurally malformed or incomplete provider
// notification. The webhook handlers convert it to a 400 response; it is
// never retried server-side.
var ErrInvalidPayload = errors.New("invalid provider payload")

// ErrDecodeFailure marks a base64 or JSON decode error inside a payload. It
// matches ErrInvalidPayload under errors.Is.
var ErrDecodeFailure = fmt.Errorf("decode failure: %w", ErrInvalidPayload)
