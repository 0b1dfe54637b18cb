package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_DeliversAndDrains(t *testing.T) {
	q := NewMemoryQueue(8, 2)
	var (
		mu  sync.Mutex
		got []string
	)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), Signal{Kind: KindOpen, PixelID: id}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(_ context.Context, s Signal) error {
			mu.Lock()
			got = append(got, s.PixelID)
			mu.Unlock()
			return nil
		})
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
}

func TestMemoryQueue_FullBuffer(t *testing.T) {
	q := NewMemoryQueue(1, 1)
	require.NoError(t, q.Enqueue(context.Background(), Signal{Kind: KindOpen}))
	assert.ErrorIs(t, q.Enqueue(context.Background(), Signal{Kind: KindOpen}), ErrQueueFull)
}

type fakeSQS struct {
	mu       sync.Mutex
	sent     []string
	inbox    []types.Message
	deleted  []string
	received chan struct{}
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m")}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	msgs := f.inbox
	f.inbox = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		select {
		case f.received <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueue_EnqueueEncodesSignal(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQSQueue(fake, "https://sqs.local/q")

	require.NoError(t, q.Enqueue(context.Background(), Signal{Kind: KindProvider, MessageID: "pm-1", Event: domain.EventBounced}))
	require.Len(t, fake.sent, 1)

	var s Signal
	require.NoError(t, json.Unmarshal([]byte(fake.sent[0]), &s))
	assert.Equal(t, domain.EventBounced, s.Event)
	assert.Equal(t, "pm-1", s.MessageID)
}

func TestSQSQueue_RunDeletesHandledAndUndecodable(t *testing.T) {
	body, _ := json.Marshal(Signal{Kind: KindOpen, PixelID: "px1"})
	failing, _ := json.Marshal(Signal{Kind: KindOpen, PixelID: "boom"})
	fake := &fakeSQS{
		received: make(chan struct{}, 1),
		inbox: []types.Message{
			{Body: aws.String(string(body)), ReceiptHandle: aws.String("ok")},
			{Body: aws.String("not json"), ReceiptHandle: aws.String("bad")},
			{Body: aws.String(string(failing)), ReceiptHandle: aws.String("retry")},
		},
	}
	q := NewSQSQueue(fake, "https://sqs.local/q")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(_ context.Context, s Signal) error {
			if s.PixelID == "boom" {
				return errors.New("transient")
			}
			return nil
		})
		close(done)
	}()

	<-fake.received
	cancel()
	<-done
	assert.Equal(t, []string{"ok", "bad"}, fake.deleted)
}
