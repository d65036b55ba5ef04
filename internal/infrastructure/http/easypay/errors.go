package easypay

import (
	"errors"
	"fmt"
)

// GatewayHTTPError is a non-2xx answer from the gateway. Body is kept verbatim
// for diagnostics.
type GatewayHTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *GatewayHTTPError) Error() string {
	return fmt.Sprintf("pg %s: http status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// IsGatewayHTTPError reports whether err wraps a GatewayHTTPError.
func IsGatewayHTTPError(err error) bool {
	var ge *GatewayHTTPError
	return errors.As(err, &ge)
}
