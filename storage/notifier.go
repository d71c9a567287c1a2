package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Delivery is one message taken from the notifications queue. It becomes
// visible again unless acknowledged before the visibility timeout.
type Delivery struct {
	ID           string
	Receipt      string
	Text         string
	DequeueCount int64
}

// Notifier forwards card events to the notifications queue.
type Notifier struct {
	queue queueClient
	ttl   *int32
}

// NewNotifier connects to the named queue.
func NewNotifier(connStr, queueName string) (*Notifier, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    500 * time.Millisecond,
				MaxRetryDelay: 5 * time.Second,
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return newNotifier(q), nil
}

func newNotifier(q queueClient) *Notifier {
	// one day is plenty for the notification worker to catch up
	ttl := int32((24 * time.Hour).Seconds())
	return &Notifier{queue: q, ttl: &ttl}
}

// Publish enqueues ev as a JSON message.
func (n *Notifier) Publish(ctx context.Context, ev domain.CardEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = n.queue.EnqueueMessage(ctx, string(data), &azqueue.EnqueueMessageOptions{TimeToLive: n.ttl})
	return err
}

// Receive takes the next message off the queue. ok is false when the queue
// is empty.
func (n *Notifier) Receive(ctx context.Context) (d Delivery, ok bool, err error) {
	resp, err := n.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return Delivery{}, false, err
	}
	if len(resp.Messages) == 0 || resp.Messages[0] == nil {
		return Delivery{}, false, nil
	}
	msg := resp.Messages[0]
	d = Delivery{
		ID:      deref(msg.MessageID),
		Receipt: deref(msg.PopReceipt),
		Text:    deref(msg.MessageText),
	}
	if msg.DequeueCount != nil {
		d.DequeueCount = *msg.DequeueCount
	}
	return d, true, nil
}

// Ack removes a processed message.
func (n *Notifier) Ack(ctx context.Context, d Delivery) error {
	_, err := n.queue.DeleteMessage(ctx, d.ID, d.Receipt, nil)
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
