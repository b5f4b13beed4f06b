package pipeline

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OnyxLab-Core/internal/config"
	"OnyxLab-Core/internal/deploy"
	xerrors "OnyxLab-Core/internal/errors"
	"OnyxLab-Core/internal/observability/alerting"
	"OnyxLab-Core/internal/session"
)

type fakeDeployer struct {
	mu      sync.Mutex
	calls   map[string]int
	results func(sessionID string, call int) error
	total   atomic.Int32
}

func (f *fakeDeployer) Deploy(_ context.Context, sessionID string) (*session.Session, *session.DeployedWorkflow, error) {
	f.mu.Lock()
	f.calls[sessionID]++
	call := f.calls[sessionID]
	f.mu.Unlock()
	defer f.total.Add(1)
	if err := f.results(sessionID, call); err != nil {
		return &session.Session{ID: sessionID, Status: session.StatusDeployError}, nil, err
	}
	return &session.Session{ID: sessionID, Status: session.StatusDeployed}, &session.DeployedWorkflow{SessionID: sessionID, DeploymentID: "wf-" + sessionID}, nil
}

func (f *fakeDeployer) callsFor(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[sessionID]
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func startProcessor(t *testing.T, deployer Deployer, opts ...ProcessorOption) (*MemoryQueue, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	queue := NewMemoryQueue(1024)
	processor := NewProcessor(deployer, queue, queue, opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) && !stdErrors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return queue, cancel
}

func TestProcessorHandlesConcurrentSessions(t *testing.T) {
	deployer := &fakeDeployer{calls: map[string]int{}, results: func(string, int) error { return nil }}
	queue, _ := startProcessor(t, deployer, WithWorkerCount(8))

	total := 100
	for i := 0; i < total; i++ {
		require.NoError(t, queue.Publish(context.Background(), fmt.Sprintf("s-%d", i)))
	}
	require.Eventually(t, func() bool { return int(deployer.total.Load()) == total }, 5*time.Second, 10*time.Millisecond)
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	deployer := &fakeDeployer{calls: map[string]int{}, results: func(_ string, call int) error {
		if call < 3 {
			return xerrors.New(deploy.CodeDeploymentFailed, "cre unavailable")
		}
		return nil
	}}
	alerts := &recordingAlerts{}
	queue, _ := startProcessor(t, deployer, WithMaxRetries(2), WithRetryDelay(time.Millisecond), WithAlertDispatcher(alerts))

	require.NoError(t, queue.Publish(context.Background(), "s-retry"))
	require.Eventually(t, func() bool { return deployer.callsFor("s-retry") == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, deployer.callsFor("s-retry"))
	assert.Zero(t, alerts.count())
}

func TestProcessorStopsAfterMaxRetries(t *testing.T) {
	deployer := &fakeDeployer{calls: map[string]int{}, results: func(string, int) error {
		return xerrors.New(deploy.CodeDeploymentFailed, "cre unavailable")
	}}
	alerts := &recordingAlerts{}
	queue, _ := startProcessor(t, deployer, WithMaxRetries(1), WithRetryDelay(time.Millisecond), WithAlertDispatcher(alerts))

	require.NoError(t, queue.Publish(context.Background(), "s-fail"))
	require.Eventually(t, func() bool { return alerts.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, deployer.callsFor("s-fail"))
}

func TestProcessorSkipsBusyAndInvalidSessions(t *testing.T) {
	deployer := &fakeDeployer{calls: map[string]int{}, results: func(sessionID string, _ int) error {
		switch sessionID {
		case "busy":
			return xerrors.New(xerrors.CodeSessionBusy, "busy")
		case "done":
			return xerrors.New(xerrors.CodeInvalidTransition, "already deployed")
		default:
			return xerrors.New(session.CodePaymentRequired, "unpaid")
		}
	}}
	alerts := &recordingAlerts{}
	queue, _ := startProcessor(t, deployer, WithRetryDelay(time.Millisecond), WithAlertDispatcher(alerts))

	for _, id := range []string{"busy", "done", "unpaid"} {
		require.NoError(t, queue.Publish(context.Background(), id))
	}
	require.Eventually(t, func() bool { return deployer.total.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return alerts.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, deployer.callsFor("busy"))
	assert.Equal(t, 1, deployer.callsFor("unpaid"))
}

func TestProcessorRequiresConsumer(t *testing.T) {
	p := NewProcessor(nil, nil, nil)
	err := p.Start(context.Background())
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	err := q.Publish(context.Background(), "s")
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
}

func TestNewQueueDrivers(t *testing.T) {
	q, err := NewQueue(context.Background(), config.QueueConfig{Driver: "memory", MemorySize: 4})
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	_, err = NewQueue(context.Background(), config.QueueConfig{Driver: "kafka"})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))

	_, err = NewQueue(context.Background(), config.QueueConfig{Driver: "redis"})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))

	_, err = NewQueue(context.Background(), config.QueueConfig{Driver: "rabbitmq"})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
