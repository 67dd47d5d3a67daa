package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/BearBump/PartSync/internal/broker/messages"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

// scriptedReader returns msgs in order, then blocks until ctx is done or fails with err.
type scriptedReader struct {
	msgs      []kafka.Message
	err       error
	i         int
	committed []int64
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.i < len(r.msgs) {
		m := r.msgs[r.i]
		r.i++
		return m, nil
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error {
	return nil
}

func refreshMsg(t *testing.T, offset int64, domain string) kafka.Message {
	t.Helper()
	b, err := json.Marshal(messages.RefreshRequested{Domain: domain, RequestedBy: "ops"})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func TestConsumer_CommitsEachHandledCommand(t *testing.T) {
	r := &scriptedReader{msgs: []kafka.Message{refreshMsg(t, 7, "tracking"), refreshMsg(t, 8, "stock")}}
	c := newConsumerWithReader(r, "partsync.commands")

	ctx, cancel := context.WithCancel(context.Background())
	var domains []string
	err := c.Consume(ctx, func(_, v []byte) error {
		var cmd messages.RefreshRequested
		require.NoError(t, json.Unmarshal(v, &cmd))
		domains = append(domains, cmd.Domain)
		if len(domains) == 2 {
			cancel()
		}
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"tracking", "stock"}, domains)
	require.Equal(t, []int64{7, 8}, r.committed)
}

func TestConsumer_HandlerErrorLeavesOffsetUncommitted(t *testing.T) {
	r := &scriptedReader{msgs: []kafka.Message{refreshMsg(t, 3, "")}}
	c := newConsumerWithReader(r, "partsync.commands")

	want := errors.New("engine busy")
	err := c.Consume(context.Background(), func(_, _ []byte) error { return want })
	require.ErrorIs(t, err, want)
	require.Contains(t, err.Error(), "partsync.commands offset 3")
	require.Empty(t, r.committed)
}

func TestConsumer_FetchErrorIsWrapped(t *testing.T) {
	r := &scriptedReader{err: errors.New("broker unreachable")}
	c := newConsumerWithReader(r, "partsync.commands")

	err := c.Consume(context.Background(), func(_, _ []byte) error { return nil })
	require.Error(t, err)
	require.Contains(t, err.Error(), "fetch from partsync.commands")
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "partsync.commands", "sync-worker")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}
