package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lanterncore/lantern/internal/crypto"
	"github.com/lanterncore/lantern/internal/db"
	"github.com/lanterncore/lantern/internal/jobqueue"
	"github.com/lanterncore/lantern/internal/onion"
	"github.com/lanterncore/lantern/internal/pathbuilder"
	"github.com/lanterncore/lantern/internal/poller"
	"github.com/lanterncore/lantern/internal/snodepool"
	"github.com/lanterncore/lantern/internal/storagerpc"
)

type fakeSender struct {
	batchHandler func(params map[string]any) ([]byte, error)
}

func (f *fakeSender) Send(ctx context.Context, payload []byte, destination onion.Destination) ([]byte, error) {
	var req struct {
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if req.Method != "batch" {
		return nil, fmt.Errorf("fakeSender: unexpected method %q", req.Method)
	}
	return f.batchHandler(req.Params)
}

func newTestClient(t *testing.T, sender storagerpc.Sender) (*storagerpc.Client, *crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return storagerpc.New(kp, sender, nil, zap.NewNop()), kp
}

type fakeSwarmSource struct {
	members []snodepool.ServiceNode
	err     error
}

func (f *fakeSwarmSource) GetSwarm(ctx context.Context, recipientPubkey string) ([]snodepool.ServiceNode, error) {
	return f.members, f.err
}

type fakePathSource struct {
	path pathbuilder.Path
	err  error
}

func (f *fakePathSource) GetPath(ctx context.Context, excluding *snodepool.NodeKey) (pathbuilder.Path, error) {
	return f.path, f.err
}

func okBatchHandler(params map[string]any) ([]byte, error) {
	reqs, _ := params["requests"].([]any)
	resp := make([]map[string]any, 0, len(reqs))
	for range reqs {
		resp = append(resp, map[string]any{"code": 200, "body": json.RawMessage(`{"messages":[]}`)})
	}
	return json.Marshal(resp)
}

func TestPollExecutorSuccessAdvancesNextRun(t *testing.T) {
	sender := &fakeSender{batchHandler: okBatchHandler}
	client, kp := newTestClient(t, sender)
	p := poller.New(client, zap.NewNop())

	node := snodepool.ServiceNode{IP: "10.0.0.1", StoragePort: 1}
	swarms := &fakeSwarmSource{members: []snodepool.ServiceNode{node}}

	exec := NewPollExecutor(p, swarms, kp, NewDefaultNamespaces(), zap.NewNop())

	job := &db.Job{Variant: VariantPoll}
	var succeeded bool
	var shouldStop bool
	success := jobqueue.SuccessFunc(func(stop bool) { succeeded = true; shouldStop = stop })
	failure := jobqueue.FailureFunc(func(err error, permanent bool) { t.Fatalf("unexpected failure: %v", err) })
	deferredCalled := false
	deferredFn := jobqueue.DeferredFunc(func() { deferredCalled = true })

	before := job.NextRunTimestamp
	exec.Run(context.Background(), job, success, failure, deferredFn)

	require.True(t, succeeded)
	require.False(t, shouldStop)
	require.False(t, deferredCalled)
	require.Greater(t, job.NextRunTimestamp, before)
}

func TestPollExecutorDefersWhenSwarmUnresolvable(t *testing.T) {
	sender := &fakeSender{batchHandler: okBatchHandler}
	client, kp := newTestClient(t, sender)
	p := poller.New(client, zap.NewNop())

	swarms := &fakeSwarmSource{err: errors.New("no swarm found")}
	exec := NewPollExecutor(p, swarms, kp, NewDefaultNamespaces(), zap.NewNop())

	job := &db.Job{Variant: VariantPoll}
	success := jobqueue.SuccessFunc(func(stop bool) { t.Fatalf("unexpected success") })
	failure := jobqueue.FailureFunc(func(err error, permanent bool) { t.Fatalf("unexpected failure: %v", err) })
	deferredCalled := false
	deferredFn := jobqueue.DeferredFunc(func() { deferredCalled = true })

	exec.Run(context.Background(), job, success, failure, deferredFn)

	require.True(t, deferredCalled)
}

func TestPollExecutorDefersWhenBatchRequestFails(t *testing.T) {
	sender := &fakeSender{batchHandler: func(params map[string]any) ([]byte, error) {
		return nil, errors.New("transport down")
	}}
	client, kp := newTestClient(t, sender)
	p := poller.New(client, zap.NewNop())

	node := snodepool.ServiceNode{IP: "10.0.0.1", StoragePort: 1}
	swarms := &fakeSwarmSource{members: []snodepool.ServiceNode{node}}
	exec := NewPollExecutor(p, swarms, kp, NewDefaultNamespaces(), zap.NewNop())

	job := &db.Job{Variant: VariantPoll}
	success := jobqueue.SuccessFunc(func(stop bool) { t.Fatalf("unexpected success") })
	failure := jobqueue.FailureFunc(func(err error, permanent bool) { t.Fatalf("unexpected failure: %v", err) })
	deferredCalled := false
	deferredFn := jobqueue.DeferredFunc(func() { deferredCalled = true })

	exec.Run(context.Background(), job, success, failure, deferredFn)

	require.True(t, deferredCalled)
}

func TestPathRebuildExecutorSuccessAdvancesNextRun(t *testing.T) {
	paths := &fakePathSource{path: pathbuilder.Path{Nodes: []snodepool.ServiceNode{{IP: "10.0.0.2", StoragePort: 2}}}}
	exec := NewPathRebuildExecutor(paths, zap.NewNop())

	job := &db.Job{Variant: VariantPathRebuild}
	var succeeded bool
	success := jobqueue.SuccessFunc(func(stop bool) { succeeded = true })
	failure := jobqueue.FailureFunc(func(err error, permanent bool) { t.Fatalf("unexpected failure: %v", err) })
	deferredCalled := false
	deferredFn := jobqueue.DeferredFunc(func() { deferredCalled = true })

	before := job.NextRunTimestamp
	exec.Run(context.Background(), job, success, failure, deferredFn)

	require.True(t, succeeded)
	require.False(t, deferredCalled)
	require.Greater(t, job.NextRunTimestamp, before)
}

func TestPathRebuildExecutorDefersOnError(t *testing.T) {
	paths := &fakePathSource{err: errors.New("no nodes available")}
	exec := NewPathRebuildExecutor(paths, zap.NewNop())

	job := &db.Job{Variant: VariantPathRebuild}
	success := jobqueue.SuccessFunc(func(stop bool) { t.Fatalf("unexpected success") })
	failure := jobqueue.FailureFunc(func(err error, permanent bool) { t.Fatalf("unexpected failure: %v", err) })
	deferredCalled := false
	deferredFn := jobqueue.DeferredFunc(func() { deferredCalled = true })

	exec.Run(context.Background(), job, success, failure, deferredFn)

	require.True(t, deferredCalled)
}
