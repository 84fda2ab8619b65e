package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/rtdebridge/internal/errors"
	"github.com/conneroisu/rtdebridge/internal/fanout"
	"github.com/conneroisu/rtdebridge/internal/frame"
	"github.com/conneroisu/rtdebridge/internal/logging"
)

// blockingService serves until its context is cancelled.
type blockingService struct {
	started atomic.Bool
	stopped atomic.Bool
}

func (s *blockingService) Serve(ctx context.Context) error {
	s.started.Store(true)
	<-ctx.Done()
	s.stopped.Store(true)
	return nil
}

type failingService struct{ err error }

func (s failingService) Serve(context.Context) error { return s.err }

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func runSupervisor(ctx context.Context, t *testing.T, sup *Supervisor) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return")
		return nil
	}
}

func TestSupervisorConnectFailureStopsEverything(t *testing.T) {
	ch := &fakeChannel{connectErr: fmt.Errorf("connection refused")}
	loop := newLoop(ch, fanout.New[*frame.Snapshot](0), NewTargetPoseCell())

	svc := &blockingService{}
	sup := NewSupervisor(loop, nil, logging.Discard())
	sup.Add("websocket", svc)

	err := runSupervisor(context.Background(), t, sup)
	require.Error(t, err)
	assert.True(t, errors.IsConnectionError(err))
	assert.True(t, sup.Signal().IsSet())
	assert.True(t, svc.stopped.Load())
}

func TestSupervisorEndOfStreamIsClean(t *testing.T) {
	ch := &fakeChannel{script: []step{
		deliver(frame.FromPairs("x", 1)),
		fail(errors.ErrEndOfStream),
	}}
	loop := newLoop(ch, fanout.New[*frame.Snapshot](0), NewTargetPoseCell())

	svc := &blockingService{}
	sup := NewSupervisor(loop, nil, logging.Discard())
	sup.Add("websocket", svc)

	require.NoError(t, runSupervisor(context.Background(), t, sup))
	assert.True(t, sup.Signal().IsSet())
	assert.True(t, svc.stopped.Load())
}

func TestSupervisorServiceFailureStopsController(t *testing.T) {
	ch := &fakeChannel{}
	loop := newLoop(ch, fanout.New[*frame.Snapshot](0), NewTargetPoseCell())

	listenErr := errors.NewTransportError(errors.ErrCodeListenFailed, "address in use", nil)
	sup := NewSupervisor(loop, nil, logging.Discard())
	sup.Add("websocket", failingService{err: listenErr})

	err := runSupervisor(context.Background(), t, sup)
	assert.ErrorIs(t, err, listenErr)

	calls := ch.Calls()
	assert.Equal(t, []string{"pause", "disconnect"}, calls[len(calls)-2:])
}

func TestSupervisorExternalCancel(t *testing.T) {
	ch := &fakeChannel{}
	loop := newLoop(ch, fanout.New[*frame.Snapshot](0), NewTargetPoseCell())

	signal := NewShutdownSignal()
	svc := &blockingService{}
	sup := NewSupervisor(loop, signal, logging.Discard())
	sup.Add("websocket", svc)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	require.NoError(t, runSupervisor(ctx, t, sup))
	assert.True(t, signal.IsSet())
	assert.True(t, svc.started.Load())
	assert.True(t, svc.stopped.Load())
}

func TestSupervisorSignalFromOutside(t *testing.T) {
	signal := NewShutdownSignal()
	sup := NewSupervisor(runnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}), signal, logging.Discard())

	time.AfterFunc(20*time.Millisecond, signal.Set)
	require.NoError(t, runSupervisor(context.Background(), t, sup))
}

func TestSupervisorPrefersControllerError(t *testing.T) {
	ctrlErr := errors.NewProtocolError(errors.ErrCodeMalformedPacket, "garbage", nil)
	sup := NewSupervisor(runnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctrlErr
	}), nil, logging.Discard())
	sup.Add("mqtt", failingService{err: fmt.Errorf("broker gone")})

	err := runSupervisor(context.Background(), t, sup)
	assert.Same(t, ctrlErr, err)
}
