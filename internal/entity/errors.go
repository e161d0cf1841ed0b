package entity

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Error taxonomy shared by every provider adapter. Adapters translate their
// wire-level failures into these before anything crosses the capability
// interfaces; the engines only ever branch on this set.
var (
	ErrAssetUnsupported       = errors.New("asset unsupported")
	ErrQuoteUnsupported       = errors.New("quote asset unsupported")
	ErrNoValueFound           = errors.New("no value found")
	ErrNoBalancesFound        = errors.New("no balances found")
	ErrAddressTypeUnsupported = errors.New("address type unsupported")
	ErrProviderUnavailable    = errors.New("provider temporarily unavailable")
	ErrNoSupportedAssets      = errors.New("provider lists no supported assets")
	ErrNoSupportedPairs       = errors.New("provider lists no supported asset pairs")
	ErrInvalidConfig          = errors.New("invalid configuration")
)

// RateLimitError signals a transient rate-limit response. RetryAfter is the
// exact delay the provider asked for, or zero when the response carried no
// Retry-After hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// AsRateLimit unwraps err into a RateLimitError if there is one in the chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
