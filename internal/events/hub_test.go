package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestClient(topics ...string) *Client {
	return &Client{
		send:   make(chan Message, sendBufferSize),
		topics: topics,
	}
}

func drain(t *testing.T, c *Client, timeout time.Duration) Message {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatalf("client channel closed unexpectedly")
		}
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for a message")
		return Message{}
	}
}

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	return hub, cancel
}

func TestPublishDeliversOnlyToSubscribedTopic(t *testing.T) {
	hub, cancel := runHub(t)
	defer cancel()

	jobsClient := newTestClient("jobs")
	poolClient := newTestClient("pool")
	hub.Subscribe(jobsClient)
	hub.Subscribe(poolClient)

	waitForConnected(t, hub, 2)

	hub.Publish("jobs", Message{Type: MsgJobSucceeded, Topic: "jobs"})

	msg := drain(t, jobsClient, time.Second)
	if msg.Type != MsgJobSucceeded {
		t.Fatalf("unexpected message type: %v", msg.Type)
	}

	select {
	case <-poolClient.send:
		t.Fatalf("pool subscriber should not have received a jobs message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJobSucceededPublishesBothGlobalAndPerJobTopics(t *testing.T) {
	hub, cancel := runHub(t)
	defer cancel()

	global := newTestClient("jobs")
	specific := newTestClient("job:42")
	hub.Subscribe(global)
	hub.Subscribe(specific)
	waitForConnected(t, hub, 2)

	hub.JobSucceeded(42, "message-send")

	gm := drain(t, global, time.Second)
	sm := drain(t, specific, time.Second)
	if gm.Type != MsgJobSucceeded || sm.Type != MsgJobSucceeded {
		t.Fatalf("expected both subscribers to see job.succeeded, got %v and %v", gm.Type, sm.Type)
	}
	if sm.Topic != "job:42" {
		t.Fatalf("expected per-job topic job:42, got %q", sm.Topic)
	}
}

func TestJobFailedCarriesErrorAndPermanentFlag(t *testing.T) {
	hub, cancel := runHub(t)
	defer cancel()

	client := newTestClient("jobs")
	hub.Subscribe(client)
	waitForConnected(t, hub, 1)

	hub.JobFailed(7, "attachment-download", errors.New("boom"), true)

	msg := drain(t, client, time.Second)
	payload, ok := msg.Payload.(JobPayload)
	if !ok {
		t.Fatalf("expected JobPayload, got %T", msg.Payload)
	}
	if payload.Err != "boom" || !payload.Permanent {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, cancel := runHub(t)
	defer cancel()

	client := newTestClient("pool")
	hub.Subscribe(client)
	waitForConnected(t, hub, 1)

	hub.Unsubscribe(client)
	waitForConnected(t, hub, 0)

	select {
	case _, ok := <-client.send:
		if ok {
			t.Fatalf("expected no further messages after unsubscribe")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected send channel to be closed on unsubscribe")
	}
}

func TestContextCancelClosesAllClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := newTestClient("jobs")
	hub.Subscribe(client)
	waitForConnected(t, hub, 1)

	cancel()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Fatalf("expected send channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for shutdown to close client channel")
	}
}

func waitForConnected(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		if hub.ConnectedCount() == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for ConnectedCount() == %d, got %d", want, hub.ConnectedCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
