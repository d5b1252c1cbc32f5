package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/phrazzld/slidegen/internal/domain"
	"github.com/phrazzld/slidegen/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob() task.Job {
	return task.Job{
		TaskID:      uuid.New(),
		RequesterID: "alice",
		Document:    domain.DocumentKey{ID: "2401.1", Source: "arxiv"},
		Origin:      domain.DocumentOriginSystem,
		Kind:        domain.ArtifactKindPoster,
		Params:      domain.GenerationParams{Title: "Poster", Style: "academic"},
	}
}

func message(t *testing.T, v any) *sarama.ConsumerMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: "test", Value: data}
}

func TestDispatcher_Submit(t *testing.T) {
	mock := mocks.NewSyncProducer(t, NewProducerConfig())
	defer func() { assert.NoError(t, mock.Close()) }()

	job := testJob()
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var msg JobMessage
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		if msg.Job != job {
			return errors.New("unexpected job payload")
		}
		if msg.SubmittedAt.IsZero() {
			return errors.New("missing submitted_at")
		}
		return nil
	})

	d, err := NewDispatcher(NewProducerFromSync(mock), "jobs", "control", discardLogger())
	require.NoError(t, err)

	receipt, err := d.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, receipt.Ref, "jobs/")
}

func TestDispatcher_SubmitFailure(t *testing.T) {
	mock := mocks.NewSyncProducer(t, NewProducerConfig())
	defer func() { assert.NoError(t, mock.Close()) }()
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d, err := NewDispatcher(NewProducerFromSync(mock), "jobs", "control", discardLogger())
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), testJob())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestDispatcher_SubmitCancelledContext(t *testing.T) {
	mock := mocks.NewSyncProducer(t, NewProducerConfig())
	defer func() { assert.NoError(t, mock.Close()) }()

	d, err := NewDispatcher(NewProducerFromSync(mock), "jobs", "control", discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Submit(ctx, testJob())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_Revoke(t *testing.T) {
	mock := mocks.NewSyncProducer(t, NewProducerConfig())
	defer func() { assert.NoError(t, mock.Close()) }()

	id := uuid.New()
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var msg ControlMessage
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		if msg.Action != ActionRevoke || msg.TaskID != id {
			return errors.New("unexpected control message")
		}
		return nil
	})

	d, err := NewDispatcher(NewProducerFromSync(mock), "jobs", "control", discardLogger())
	require.NoError(t, err)
	require.NoError(t, d.Revoke(context.Background(), id))
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(nil, "jobs", "control", nil)
	assert.Error(t, err)

	mock := mocks.NewSyncProducer(t, NewProducerConfig())
	defer func() { assert.NoError(t, mock.Close()) }()
	_, err = NewDispatcher(NewProducerFromSync(mock), "", "control", nil)
	assert.Error(t, err)

	_, err = NewResultPublisher(nil, "results")
	assert.Error(t, err)
	_, err = NewResultPublisher(NewProducerFromSync(mock), "")
	assert.Error(t, err)
}

func TestResultPublisher_RoundTrip(t *testing.T) {
	mock := mocks.NewSyncProducer(t, NewProducerConfig())
	defer func() { assert.NoError(t, mock.Close()) }()

	var published []byte
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		published = val
		return nil
	})

	publisher, err := NewResultPublisher(NewProducerFromSync(mock), "results")
	require.NoError(t, err)

	id := uuid.New()
	result := &domain.ArtifactResult{FilePath: "/artifacts/poster.png", Assets: []string{"/artifacts/fig.png"}}
	require.NoError(t, publisher.Publish(context.Background(), id, task.Succeeded(result)))

	var gotID uuid.UUID
	var gotOutcome task.Outcome
	handler := ResultHandler(func(ctx context.Context, taskID uuid.UUID, outcome task.Outcome) error {
		gotID = taskID
		gotOutcome = outcome
		return nil
	})
	require.NoError(t, handler(context.Background(), &sarama.ConsumerMessage{Value: published}))

	assert.Equal(t, id, gotID)
	assert.True(t, gotOutcome.Success())
	assert.Equal(t, result, gotOutcome.Result)
}

func TestResultMessage_Outcome(t *testing.T) {
	failed := ResultMessage{TaskID: uuid.New(), Reason: "renderer crashed"}
	assert.False(t, failed.Outcome().Success())
	assert.Equal(t, "renderer crashed", failed.Outcome().Reason)

	empty := ResultMessage{TaskID: uuid.New()}
	assert.Equal(t, task.ReasonUnknownFailure, empty.Outcome().Reason)
}

func TestHandlers(t *testing.T) {
	ctx := context.Background()

	t.Run("job handler submits the job", func(t *testing.T) {
		job := testJob()
		var got task.Job
		handler := JobHandler(func(ctx context.Context, j task.Job) error {
			got = j
			return nil
		})

		require.NoError(t, handler(ctx, message(t, JobMessage{Job: job, SubmittedAt: time.Now()})))
		assert.Equal(t, job, got)
	})

	t.Run("control handler revokes", func(t *testing.T) {
		id := uuid.New()
		var got uuid.UUID
		handler := ControlHandler(func(ctx context.Context, taskID uuid.UUID) error {
			got = taskID
			return nil
		})

		require.NoError(t, handler(ctx, message(t, ControlMessage{Action: ActionRevoke, TaskID: id})))
		assert.Equal(t, id, got)

		got = uuid.Nil
		require.NoError(t, handler(ctx, message(t, ControlMessage{Action: "pause", TaskID: id})))
		assert.Equal(t, uuid.Nil, got)
	})

	t.Run("malformed messages", func(t *testing.T) {
		garbage := &sarama.ConsumerMessage{Value: []byte("{not json")}
		noop := func(context.Context, uuid.UUID, task.Outcome) error { return nil }

		assert.ErrorIs(t, ResultHandler(noop)(ctx, garbage), ErrMalformedMessage)
		assert.ErrorIs(t, ResultHandler(noop)(ctx, message(t, ResultMessage{})), ErrMalformedMessage)
		assert.ErrorIs(t, JobHandler(nil)(ctx, message(t, JobMessage{})), ErrMalformedMessage)
		assert.ErrorIs(t, ControlHandler(nil)(ctx, garbage), ErrMalformedMessage)
	})
}

// fakeSession records marked messages. Unused methods panic via the nil embed.
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestConsumerHandler_ConsumeClaim(t *testing.T) {
	var calls []int64
	failures := map[int64]int{1: 1, 2: 10}
	h := &consumerHandler{
		fn: func(ctx context.Context, msg *sarama.ConsumerMessage) error {
			calls = append(calls, msg.Offset)
			if failures[msg.Offset] > 0 {
				failures[msg.Offset]--
				return errors.New("transient")
			}
			return nil
		},
		attempts: 3,
		backoff:  time.Millisecond,
		logger:   discardLogger(),
	}

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 4)}
	for offset := int64(0); offset < 3; offset++ {
		claim.messages <- &sarama.ConsumerMessage{Offset: offset}
	}
	close(claim.messages)
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, h.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{0, 1, 2}, session.marked)
	// Offset 1 succeeds on retry; offset 2 is dropped after three attempts.
	assert.Equal(t, []int64{0, 1, 1, 2, 2, 2}, calls)
}

func TestConsumerHandler_MalformedNotRetried(t *testing.T) {
	calls := 0
	h := &consumerHandler{
		fn: func(ctx context.Context, msg *sarama.ConsumerMessage) error {
			calls++
			return ErrMalformedMessage
		},
		attempts: 5,
		backoff:  time.Millisecond,
		logger:   discardLogger(),
	}

	h.handle(context.Background(), &sarama.ConsumerMessage{})
	assert.Equal(t, 1, calls)
}

func TestConsumerHandler_StopsOnCancel(t *testing.T) {
	h := &consumerHandler{
		fn:       func(context.Context, *sarama.ConsumerMessage) error { return nil },
		attempts: 1,
		logger:   discardLogger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}
	assert.NoError(t, h.ConsumeClaim(&fakeSession{ctx: ctx}, claim))
}
