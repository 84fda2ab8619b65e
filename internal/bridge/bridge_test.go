package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/rtdebridge/internal/errors"
	"github.com/conneroisu/rtdebridge/internal/fanout"
	"github.com/conneroisu/rtdebridge/internal/frame"
	"github.com/conneroisu/rtdebridge/internal/logging"
	"github.com/conneroisu/rtdebridge/internal/recipe"
)

type step func() (*frame.Snapshot, error)

func deliver(snap *frame.Snapshot) step {
	return func() (*frame.Snapshot, error) { return snap, nil }
}

func fail(err error) step {
	return func() (*frame.Snapshot, error) { return nil, err }
}

// fakeChannel replays a script of receive results. Once the script is
// exhausted Receive blocks until its context is cancelled.
type fakeChannel struct {
	mu     sync.Mutex
	calls  []string
	sent   []frame.Pose
	script []step

	connectErr   error
	configureErr error
	startErr     error
	refuseStart  bool
	sendErr      error
}

func (c *fakeChannel) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeChannel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeChannel) Sent() []frame.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame.Pose(nil), c.sent...)
}

func (c *fakeChannel) Connect(context.Context) (frame.ControllerVersion, error) {
	c.record("connect")
	return frame.ControllerVersion{Major: 5, Minor: 11}, c.connectErr
}

func (c *fakeChannel) Configure(state, setpoint recipe.Recipe) (*frame.Setpoint, error) {
	c.record("configure")
	if c.configureErr != nil {
		return nil, c.configureErr
	}
	return frame.NewSetpoint(1, setpoint)
}

func (c *fakeChannel) Start() (bool, error) {
	c.record("start")
	return !c.refuseStart, c.startErr
}

func (c *fakeChannel) Receive(ctx context.Context) (*frame.Snapshot, error) {
	c.mu.Lock()
	if len(c.script) == 0 {
		c.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := c.script[0]
	c.script = c.script[1:]
	c.mu.Unlock()
	return next()
}

func (c *fakeChannel) Send(sp *frame.Setpoint) error {
	c.record("send")
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.sent = append(c.sent, sp.Pose())
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Pause() error {
	c.record("pause")
	return nil
}

func (c *fakeChannel) Disconnect() error {
	c.record("disconnect")
	return nil
}

func testRecipes() (recipe.Recipe, recipe.Recipe) {
	state := recipe.Recipe{Key: "state", Fields: []recipe.Field{{Name: "x", Type: recipe.TypeInt32}}}
	setp := recipe.Recipe{Key: "setp"}
	for i := 0; i < frame.PoseSize; i++ {
		setp.Fields = append(setp.Fields, recipe.Field{Name: frame.PoseRegister(i), Type: recipe.TypeDouble})
	}
	return state, setp
}

func newLoop(ch ControllerChannel, f *fanout.Fanout[*frame.Snapshot], cell *TargetPoseCell) *ControllerLoop {
	state, setp := testRecipes()
	return NewControllerLoop(ch, state, setp, f, cell, logging.Discard())
}

func collect(t *testing.T, sub *fanout.Subscription[*frame.Snapshot], n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		snap, err := sub.Next(ctx)
		require.NoError(t, err)
		data, err := snap.Encode()
		require.NoError(t, err)
		out = append(out, string(data))
	}
	return out
}

func TestControllerLoopPublishesEveryFrameInOrder(t *testing.T) {
	ch := &fakeChannel{script: []step{
		deliver(frame.FromPairs("x", 1)),
		deliver(frame.FromPairs("x", 2)),
		deliver(frame.FromPairs("x", 3)),
		fail(errors.ErrEndOfStream),
	}}
	f := fanout.New[*frame.Snapshot](0)
	sub := f.Subscribe()
	defer sub.Close()

	loop := newLoop(ch, f, NewTargetPoseCell())
	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, []string{`{"x":1}`, `{"x":2}`, `{"x":3}`}, collect(t, sub, 3))
	assert.Equal(t, uint64(3), loop.Frames())

	// Only the startup zero pose goes out while the cell is empty.
	assert.Equal(t, []frame.Pose{frame.ZeroPose}, ch.Sent())
	assert.Equal(t, uint64(1), loop.Setpoints())
	assert.Equal(t,
		[]string{"connect", "configure", "start", "send", "pause", "disconnect"},
		ch.Calls())
}

func TestControllerLoopTracksControllerTime(t *testing.T) {
	ch := &fakeChannel{script: []step{
		deliver(frame.FromPairs("timestamp", 1.5)),
		deliver(frame.FromPairs("timestamp", 2.5, "x", 1)),
		fail(errors.ErrEndOfStream),
	}}
	loop := newLoop(ch, fanout.New[*frame.Snapshot](0), NewTargetPoseCell())
	assert.Equal(t, -1.0, loop.controllerTime())

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, 2.5, loop.controllerTime())

	ch = &fakeChannel{script: []step{
		deliver(frame.FromPairs("x", 1)),
		fail(errors.ErrEndOfStream),
	}}
	loop = newLoop(ch, fanout.New[*frame.Snapshot](0), NewTargetPoseCell())
	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, -1.0, loop.controllerTime())
}

func TestControllerLoopForwardsPoseOnNextCycle(t *testing.T) {
	cell := NewTargetPoseCell()
	pose := frame.Pose{0.1, 0.2, 0.3, 0, 0, 0}

	ch := &fakeChannel{}
	ch.script = []step{
		deliver(frame.FromPairs("x", 1)),
		func() (*frame.Snapshot, error) {
			cell.Store(pose)
			return frame.FromPairs("x", 2), nil
		},
		deliver(frame.FromPairs("x", 3)),
		fail(errors.ErrEndOfStream),
	}

	loop := newLoop(ch, fanout.New[*frame.Snapshot](0), cell)
	require.NoError(t, loop.Run(context.Background()))

	// One transmission per frame once the cell is set; the same pose is
	// sent again unchanged on every cycle.
	assert.Equal(t, []frame.Pose{frame.ZeroPose, pose, pose}, ch.Sent())
}

func TestControllerLoopUsesLatestPose(t *testing.T) {
	cell := NewTargetPoseCell()
	p1 := frame.Pose{1, 1, 1, 1, 1, 1}
	p2 := frame.Pose{2, 2, 2, 2, 2, 2}

	ch := &fakeChannel{}
	ch.script = []step{
		func() (*frame.Snapshot, error) {
			cell.Store(p1)
			cell.Store(p2)
			return frame.FromPairs("x", 1), nil
		},
		fail(errors.ErrEndOfStream),
	}

	loop := newLoop(ch, fanout.New[*frame.Snapshot](0), cell)
	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, []frame.Pose{frame.ZeroPose, p2}, ch.Sent())
}

func TestControllerLoopConnectFailure(t *testing.T) {
	ch := &fakeChannel{connectErr: fmt.Errorf("connection refused")}

	err := newLoop(ch, fanout.New[*frame.Snapshot](0), NewTargetPoseCell()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsConnectionError(err))
	assert.Equal(t, []string{"connect"}, ch.Calls())
}

func TestControllerLoopSetupFailures(t *testing.T) {
	tests := []struct {
		name  string
		ch    *fakeChannel
		calls []string
	}{
		{
			name:  "configure",
			ch:    &fakeChannel{configureErr: fmt.Errorf("NOT_FOUND")},
			calls: []string{"connect", "configure", "disconnect"},
		},
		{
			name:  "start error",
			ch:    &fakeChannel{startErr: fmt.Errorf("timeout")},
			calls: []string{"connect", "configure", "start", "disconnect"},
		},
		{
			name:  "start refused",
			ch:    &fakeChannel{refuseStart: true},
			calls: []string{"connect", "configure", "start", "disconnect"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newLoop(tt.ch, fanout.New[*frame.Snapshot](0), NewTargetPoseCell()).Run(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsConnectionError(err), "got %v", err)
			assert.Equal(t, tt.calls, tt.ch.Calls())
			assert.Empty(t, tt.ch.Sent())
		})
	}
}

func TestControllerLoopReceiveFailureIsProtocolError(t *testing.T) {
	ch := &fakeChannel{script: []step{
		deliver(frame.FromPairs("x", 1)),
		fail(fmt.Errorf("bad checksum")),
	}}

	err := newLoop(ch, fanout.New[*frame.Snapshot](0), NewTargetPoseCell()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsProtocolError(err))
	assert.False(t, errors.IsEndOfStream(err))
	assert.Equal(t, []string{"pause", "disconnect"}, ch.Calls()[4:])
}

func TestControllerLoopSendFailureIsProtocolError(t *testing.T) {
	ch := &fakeChannel{sendErr: fmt.Errorf("broken pipe")}

	err := newLoop(ch, fanout.New[*frame.Snapshot](0), NewTargetPoseCell()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsProtocolError(err))
}

func TestControllerLoopStopsOnCancel(t *testing.T) {
	ch := &fakeChannel{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- newLoop(ch, fanout.New[*frame.Snapshot](0), NewTargetPoseCell()).Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}
	calls := ch.Calls()
	assert.Equal(t, []string{"pause", "disconnect"}, calls[len(calls)-2:])
}

func TestTargetPoseCell(t *testing.T) {
	var cell TargetPoseCell
	_, ok := cell.Load()
	assert.False(t, ok)

	cell.Store(frame.Pose{1, 2, 3, 4, 5, 6})
	p, ok := cell.Load()
	assert.True(t, ok)
	assert.Equal(t, frame.Pose{1, 2, 3, 4, 5, 6}, p)
}

func TestTargetPoseCellNeverTorn(t *testing.T) {
	cell := NewTargetPoseCell()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ctx.Err() == nil; i++ {
				v := float64(w*1000000 + i)
				cell.Store(frame.Pose{v, v, v, v, v, v})
			}
		}(w)
	}

	torn := false
	for ctx.Err() == nil {
		p, ok := cell.Load()
		if !ok {
			continue
		}
		for _, v := range p[1:] {
			if v != p[0] {
				torn = true
			}
		}
	}
	wg.Wait()
	assert.False(t, torn)
}

func TestShutdownSignal(t *testing.T) {
	s := NewShutdownSignal()
	assert.False(t, s.IsSet())

	s.Set()
	s.Set()
	assert.True(t, s.IsSet())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Set")
	}

}

func TestShutdownSignalConcurrentSet(t *testing.T) {
	s := NewShutdownSignal()
	done := s.Done()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.IsSet()
			s.Set()
		}()
	}
	wg.Wait()

	assert.True(t, s.IsSet())
	assert.Equal(t, done, s.Done(), "Done is the same channel before and after Set")
	<-done
}
