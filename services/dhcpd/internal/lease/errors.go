package lease

import "errors"

var (
	// ErrPoolExhausted is returned by Allocate when no address is free. The
	// exchange should be dropped; the client retries on its own.
	ErrPoolExhausted = errors.New("address pool exhausted")

	// ErrNoActiveLease is returned by Renew when the client has no lease or
	// its lease already expired. Callers fall back to Allocate.
	ErrNoActiveLease = errors.New("no active lease")

	// ErrUnsupportedMask is returned by Generate for any mask other than
	// 255.255.255.0.
	ErrUnsupportedMask = errors.New("unsupported subnet mask")
)
