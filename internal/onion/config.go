package onion

import "time"

const (
	// MaxRequestSize is the maximum size of the outermost onion request
	// body that may be posted to a guard.
	MaxRequestSize = 10 * 1024 * 1024

	// requestSizeWarnRatio is the fraction of MaxRequestSize at which a
	// warning is logged instead of waiting for the hard limit.
	requestSizeWarnRatio = 0.75

	// DefaultTimeout is used when a caller does not override the per-call
	// timeout.
	DefaultTimeout = 10 * time.Second

	// v3TargetVersion and v4TargetVersion select the server response
	// envelope format: JSON body vs. bencoded body.
	v3TargetVersion = 3
	v4TargetVersion = 4
)
