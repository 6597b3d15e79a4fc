package pathbuilder

import "time"

const (
	// PathLen is the number of distinct service nodes in every path,
	// guard included.
	PathLen = 3

	// TargetPaths is the number of paths the builder keeps cached.
	TargetPaths = 2

	// PathFailThreshold is the number of credited failures that evicts a
	// path: its guard is dropped from the guard set and each hop is
	// independently credited with one node failure.
	PathFailThreshold = 3

	// MinNodeVersion is the minimum guard_stats version string a guard
	// candidate must report to pass the guard test.
	MinNodeVersion = "2.0.7"

	// guardTestTimeout bounds the direct HTTPS guard test call.
	guardTestTimeout = 3 * time.Second

	// guardRetryBackoff is the delay between guard-candidate attempts.
	guardRetryBackoff = 100 * time.Millisecond
)
