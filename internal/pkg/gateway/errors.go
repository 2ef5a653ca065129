package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// APIError is a non-2xx response from the payment gateway. The status code
// drives the retryability split: 4xx-class rejections are permanent, 5xx-class
// responses are transient.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s (status=%d code=%s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("gateway: %s (status=%d)", e.Message, e.StatusCode)
}

// ErrPaymentDeclined marks a charge attempt the gateway rejected on business
// grounds (card declined, insufficient funds). Declines are not infrastructure
// failures; the dunning schedule decides whether to try again.
var ErrPaymentDeclined = errors.New("gateway: payment declined")

// IsRetryable classifies a gateway call error. Network errors, timeouts and
// 5xx-class responses are transient; 4xx-class responses (malformed request,
// auth failure) never succeed on replay.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified errors (connection resets wrapped by the transport and the
	// like) default to retryable so a flaky gateway never dead-letters events.
	return true
}
