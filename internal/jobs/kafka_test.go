package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/model"
)

type mockWriter struct{ mock.Mock }

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return m.Called(ctx, msgs).Error(0)
}

func (m *mockWriter) Close() error { return m.Called().Error(0) }

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	for i := range msgs {
		msgs[i].Offset = int64(i)
	}
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	if len(r.queue) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func reportMessage(t *testing.T, r Report) kafka.Message {
	t.Helper()
	b, err := json.Marshal(r)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(r.JobID), Value: b}
}

func TestKafkaDispatcher_KeysByJobID(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 || string(msgs[0].Key) != "j1" {
			return false
		}
		var req Request
		return json.Unmarshal(msgs[0].Value, &req) == nil &&
			req.Kind == KindEvaluation &&
			string(msgs[0].Headers[0].Value) == "evaluation"
	})).Return(nil)

	d := newKafkaDispatcher(w, "requests")
	require.NoError(t, d.Dispatch(context.Background(), Request{JobID: "j1", Kind: KindEvaluation}))
	w.AssertExpectations(t)
}

func TestKafkaDispatcher_WriteError(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(kafka.LeaderNotAvailable)

	d := newKafkaDispatcher(w, "requests")
	err := d.Dispatch(context.Background(), Request{JobID: "j1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish j1 to requests")
}

func TestNewKafkaDispatcher_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaDispatcher(nil, "requests")
	assert.Error(t, err)
	_, err = NewKafkaDispatcher([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

func TestStatusConsumer_AppliesAndCommits(t *testing.T) {
	reader := newFakeReader(
		reportMessage(t, Report{JobID: "j1", Status: model.JobRunning}),
		kafka.Message{Key: []byte("j2"), Value: []byte("{not json")},
		reportMessage(t, Report{JobID: "j3", Status: model.JobCompleted}),
	)

	sink := &collect{}
	var calls int
	applier := applierFunc(func(_ context.Context, source string, r Report) (*Result, error) {
		assert.Equal(t, "kafka", source)
		calls++
		if r.JobID == "j3" && calls == 2 {
			return nil, apperr.Conflictf("trained_model", "m3", "version moved")
		}
		sink.add(r)
		return &Result{Outcome: OutcomeApplied}, nil
	})

	c := newStatusConsumer(reader, applier, fastRetry)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-reader.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the topic")
	}
	cancel()
	require.NoError(t, <-done)

	// The malformed message is committed and dropped; the conflict is retried.
	assert.Equal(t, []int64{0, 1, 2}, reader.commits())
	got := sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, "j1", got[0].JobID)
	assert.Equal(t, "j3", got[1].JobID)
	assert.Equal(t, 3, calls)
}

func TestStatusConsumer_RejectedReportIsNotRetried(t *testing.T) {
	reader := newFakeReader(reportMessage(t, Report{JobID: "j1", Status: model.JobCompleted}))

	var calls int
	applier := applierFunc(func(context.Context, string, Report) (*Result, error) {
		calls++
		return nil, apperr.Validationf("trained_model", "m1", "completed without artifact")
	})

	c := newStatusConsumer(reader, applier, fastRetry)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-reader.drained
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []int64{0}, reader.commits())
}

type failingReader struct{ fakeReader }

func (r *failingReader) FetchMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, errors.New("broker gone")
}

func TestStatusConsumer_ReaderFailure(t *testing.T) {
	c := newStatusConsumer(&failingReader{}, applierFunc(nil), fastRetry)
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch status message")
}
