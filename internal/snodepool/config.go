package snodepool

import "time"

const (
	// MinPool is the minimum pool size before any path-building can succeed.
	// Below this threshold the pool must be refreshed.
	MinPool = 12

	// PoolTTL is how long a cached pool is considered fresh.
	PoolTTL = 2 * time.Hour

	// MaxPoolSize caps how many nodes are retained after a refresh.
	MaxPoolSize = 256

	// MinIntersectionSize is the size the three-way intersection of queried
	// nodes' pool views must exceed during a non-bootstrap refresh.
	MinIntersectionSize = 24

	// seedFetchRetries is how many times a seed node request is retried
	// before the refresh fails with ErrPoolUpdatingFailed.
	seedFetchRetries = 2

	// quorumQueryNodes is how many existing pool members are queried in
	// parallel during a non-bootstrap refresh.
	quorumQueryNodes = 3
)

// Seeds is the compiled-in list of bootstrap seed node URLs. Mainnet is the
// default; a build can swap this slice for a testnet list.
var Seeds = []string{
	"https://seed1.getsession.org",
	"https://seed2.getsession.org",
	"https://seed3.getsession.org",
}
