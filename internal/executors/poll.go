// Package executors implements the jobqueue.Executor variants lanternd
// registers against the job runner: polling the local swarm for new
// messages and rebuilding onion paths ahead of need. Each executor is a
// thin adapter from the jobqueue.Executor contract onto an existing
// component (internal/poller, internal/pathbuilder) — no new domain logic
// lives here.
package executors

import (
	"context"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/crypto"
	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/jobqueue"
	"github.com/lanterncore/lantern/internal/pathbuilder"
	"github.com/lanterncore/lantern/internal/poller"
	"github.com/lanterncore/lantern/internal/snodepool"
	"github.com/lanterncore/lantern/internal/storagerpc"
	"github.com/lanterncore/lantern/internal/swarmresolver"
)

// PollInterval is how far out a successful poll reschedules itself.
const PollInterval = 5 * time.Second

// PathRebuildInterval is how far out a successful path-rebuild check
// reschedules itself.
const PathRebuildInterval = 60 * time.Second

// VariantPoll is the recurring job variant that polls the local account's
// own swarm for new messages across every namespace it tracks.
const VariantPoll = "message-receive"

// SwarmSource resolves the set of nodes responsible for one recipient.
type SwarmSource interface {
	GetSwarm(ctx context.Context, recipientPubkey string) ([]snodepool.ServiceNode, error)
}

// PollExecutor drives internal/poller against the local identity's own
// swarm on every run, logging what came back. It never fails permanently
// — a swarm or network error is reported as deferred, not as a failure. A
// deferral leaves the job's next run time unchanged, so the job is due
// again at once; three deferrals within two seconds are turned by the
// runner into a non-permanent failure, which applies its retry backoff.
type PollExecutor struct {
	poller  *poller.Poller
	swarms  SwarmSource
	keyPair *crypto.KeyPair
	logger  *zap.Logger

	// Namespaces lists the namespaces polled on every run. A bare client
	// core with no config namespaces of its own polls only the default
	// conversation namespace.
	Namespaces []poller.NamespaceRequest
}

// NewPollExecutor creates a PollExecutor polling namespaces on every run.
func NewPollExecutor(p *poller.Poller, swarms SwarmSource, keyPair *crypto.KeyPair, namespaces []poller.NamespaceRequest, logger *zap.Logger) *PollExecutor {
	return &PollExecutor{
		poller:     p,
		swarms:     swarms,
		keyPair:    keyPair,
		Namespaces: namespaces,
		logger:     logger.Named("executors.poll"),
	}
}

func (e *PollExecutor) MaxFailureCount() int       { return -1 }
func (e *PollExecutor) RequiresThreadID() bool      { return false }
func (e *PollExecutor) RequiresInteractionID() bool { return false }

func (e *PollExecutor) Run(ctx context.Context, job *db.Job, success jobqueue.SuccessFunc, failure jobqueue.FailureFunc, deferred jobqueue.DeferredFunc) {
	ownPubkey := hex.EncodeToString(e.keyPair.X25519Public[:])
	members, err := e.swarms.GetSwarm(ctx, ownPubkey)
	if err != nil || len(members) == 0 {
		e.logger.Warn("poll deferred: could not resolve own swarm", zap.Error(err))
		deferred()
		return
	}

	node := members[0]
	results, expiries, err := e.poller.Poll(ctx, node, e.Namespaces, nil)
	if err != nil {
		e.logger.Warn("poll deferred: swarm request failed", zap.Error(err))
		deferred()
		return
	}

	total := 0
	for _, r := range results {
		total += len(r.Messages)
	}
	e.logger.Info("poll completed",
		zap.Int("namespaces", len(results)),
		zap.Int("messages", total),
		zap.Int("expiries_refreshed", len(expiries)),
	)
	job.NextRunTimestamp = time.Now().Add(PollInterval).UnixMilli()
	success(false)
}

// VariantPathRebuild is the recurring job variant that opportunistically
// tops up the onion path pool ahead of need, rather than only building a
// path lazily the first time one is requested.
const VariantPathRebuild = "path-rebuild"

// PathSource is the subset of pathbuilder.Manager a rebuild job depends on.
type PathSource interface {
	GetPath(ctx context.Context, excluding *snodepool.NodeKey) (pathbuilder.Path, error)
}

// PathRebuildExecutor requests a path with no exclusion, which returns an
// existing one if the pool already has a usable path and builds one
// otherwise — run on a recurring schedule this keeps a warm path ready.
type PathRebuildExecutor struct {
	paths  PathSource
	logger *zap.Logger
}

// NewPathRebuildExecutor creates a PathRebuildExecutor.
func NewPathRebuildExecutor(paths PathSource, logger *zap.Logger) *PathRebuildExecutor {
	return &PathRebuildExecutor{paths: paths, logger: logger.Named("executors.path_rebuild")}
}

func (e *PathRebuildExecutor) MaxFailureCount() int       { return -1 }
func (e *PathRebuildExecutor) RequiresThreadID() bool      { return false }
func (e *PathRebuildExecutor) RequiresInteractionID() bool { return false }

func (e *PathRebuildExecutor) Run(ctx context.Context, job *db.Job, success jobqueue.SuccessFunc, failure jobqueue.FailureFunc, deferred jobqueue.DeferredFunc) {
	if _, err := e.paths.GetPath(ctx, nil); err != nil {
		e.logger.Warn("path rebuild deferred", zap.Error(err))
		deferred()
		return
	}
	job.NextRunTimestamp = time.Now().Add(PathRebuildInterval).UnixMilli()
	success(false)
}

// NewDefaultNamespaces returns the namespace set a fresh identity polls:
// just the authenticated default conversation namespace.
func NewDefaultNamespaces() []poller.NamespaceRequest {
	return []poller.NamespaceRequest{
		{Namespace: storagerpc.DefaultNamespace, Authenticated: true},
	}
}

var _ SwarmSource = (*swarmresolver.Resolver)(nil)
var _ PathSource = (*pathbuilder.Manager)(nil)
