package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
	ttls     []int32
	deleted  []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	if o != nil && o.TimeToLive != nil {
		f.ttls = append(f.ttls, *o.TimeToLive)
	}
	return azqueue.EnqueueMessagesResponse{}, nil
}

func (f *fakeQueue) DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azqueue.DequeueMessagesResponse{}, f.err
	}
	if len(f.messages) == 0 {
		return azqueue.DequeueMessagesResponse{}, nil
	}
	text := f.messages[0]
	f.messages = f.messages[1:]
	id, receipt, count := "m1", "r1", int64(2)
	return azqueue.DequeueMessagesResponse{Messages: []*azqueue.DequeuedMessage{{
		MessageID:    &id,
		PopReceipt:   &receipt,
		MessageText:  &text,
		DequeueCount: &count,
	}}}, nil
}

func (f *fakeQueue) DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID+"/"+popReceipt)
	return azqueue.DeleteMessageResponse{}, nil
}

func TestNotifierEnqueuesEvent(t *testing.T) {
	q := &fakeQueue{}
	n := newNotifier(q)

	ev := domain.CardEvent{
		Type:        domain.CardUpdated,
		WorkspaceID: "ws",
		CardID:      "c1",
		UserID:      "u1",
		Timestamp:   42,
	}
	if err := n.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(q.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(q.messages))
	}
	var got domain.CardEvent
	if err := sonic.Unmarshal([]byte(q.messages[0]), &got); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if got != ev {
		t.Fatalf("unexpected event: %+v", got)
	}
	if len(q.ttls) != 1 || q.ttls[0] != 86400 {
		t.Fatalf("expected one day ttl, got %v", q.ttls)
	}
}

func TestNotifierReturnsQueueError(t *testing.T) {
	q := &fakeQueue{err: errors.New("queue down")}
	n := newNotifier(q)
	if err := n.Publish(context.Background(), domain.CardEvent{Type: domain.CardDeleted}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNotifierReceiveAndAck(t *testing.T) {
	q := &fakeQueue{messages: []string{`{"type":"card-created"}`}}
	n := newNotifier(q)
	ctx := context.Background()

	d, ok, err := n.Receive(ctx)
	if err != nil || !ok {
		t.Fatalf("receive: ok=%v err=%v", ok, err)
	}
	if d.Text != `{"type":"card-created"}` || d.DequeueCount != 2 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if err := n.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(q.deleted) != 1 || q.deleted[0] != "m1/r1" {
		t.Fatalf("unexpected deletes %v", q.deleted)
	}

	if _, ok, err := n.Receive(ctx); ok || err != nil {
		t.Fatalf("expected empty queue, ok=%v err=%v", ok, err)
	}
}
