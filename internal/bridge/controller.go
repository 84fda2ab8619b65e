// Package bridge couples a robot controller channel to the network side:
// the controller loop polls state and forwards setpoints, the supervisor
// runs the loop next to the network services and coordinates shutdown.
package bridge

import (
	"context"
	"sync/atomic"

	"github.com/conneroisu/rtdebridge/internal/errors"
	"github.com/conneroisu/rtdebridge/internal/frame"
	"github.com/conneroisu/rtdebridge/internal/logging"
	"github.com/conneroisu/rtdebridge/internal/recipe"
)

// ControllerChannel is a session with the robot controller. Calls other
// than Receive are made only from the controller loop goroutine, before or
// after the receive loop.
type ControllerChannel interface {
	Connect(ctx context.Context) (frame.ControllerVersion, error)
	Configure(state, setpoint recipe.Recipe) (*frame.Setpoint, error)
	Start() (bool, error)
	// Receive blocks for the next state frame. It returns
	// errors.ErrEndOfStream once the controller closes the stream and
	// ctx.Err() when ctx is cancelled.
	Receive(ctx context.Context) (*frame.Snapshot, error)
	Send(sp *frame.Setpoint) error
	Pause() error
	Disconnect() error
}

// Publisher accepts every state frame the loop receives.
type Publisher interface {
	Publish(snap *frame.Snapshot) int
}

// PoseSource yields the latest target pose, if any.
type PoseSource interface {
	Load() (frame.Pose, bool)
}

// ControllerLoop owns the controller channel. It publishes each received
// state frame and, while a target pose is present, answers each frame with
// exactly one setpoint carrying that pose.
type ControllerLoop struct {
	channel   ControllerChannel
	state     recipe.Recipe
	setpoint  recipe.Recipe
	publisher Publisher
	poses     PoseSource
	logger    logging.Logger

	frames atomic.Uint64
	sent   atomic.Uint64

	// last is touched only by the Run goroutine.
	last *frame.Snapshot
}

// NewControllerLoop wires a loop. The recipes are looked up by the caller.
func NewControllerLoop(
	channel ControllerChannel,
	state, setpoint recipe.Recipe,
	publisher Publisher,
	poses PoseSource,
	logger logging.Logger,
) *ControllerLoop {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ControllerLoop{
		channel:   channel,
		state:     state,
		setpoint:  setpoint,
		publisher: publisher,
		poses:     poses,
		logger:    logger.WithComponent("controller"),
	}
}

// Frames returns the number of state frames received.
func (l *ControllerLoop) Frames() uint64 {
	return l.frames.Load()
}

// Setpoints returns the number of setpoint frames transmitted, including
// the initial zero pose.
func (l *ControllerLoop) Setpoints() uint64 {
	return l.sent.Load()
}

// Run connects, configures and starts the controller, then loops until the
// stream ends or ctx is cancelled. End of stream and cancellation return
// nil. Setup failures are connection errors; failures inside the loop are
// protocol errors. Neither is retried.
func (l *ControllerLoop) Run(ctx context.Context) error {
	version, err := l.channel.Connect(ctx)
	if err != nil {
		return connectionError(errors.ErrCodeConnectFailed, "connecting to controller", err)
	}
	l.logger.Info(ctx, "Connected to controller", "version", version.String())

	started := false
	defer func() { l.teardown(ctx, started) }()

	sp, err := l.channel.Configure(l.state, l.setpoint)
	if err != nil {
		return connectionError(errors.ErrCodeHandshakeFailed, "configuring recipes", err)
	}
	sp.SetPose(frame.ZeroPose)

	ok, err := l.channel.Start()
	if err != nil {
		return connectionError(errors.ErrCodeStartFailed, "starting synchronization", err)
	}
	if !ok {
		return errors.NewConnectionError(errors.ErrCodeStartFailed,
			"controller refused to start synchronization", nil).WithComponent("controller")
	}
	started = true
	l.logger.Info(ctx, "Synchronization started",
		"state_recipe", l.state.Key, "setpoint_recipe", l.setpoint.Key)

	if err := l.send(sp); err != nil {
		return l.finish(ctx, err)
	}

	var last frame.Pose
	applied := false
	for {
		snap, err := l.channel.Receive(ctx)
		if err != nil {
			return l.finish(ctx, err)
		}
		if l.frames.Add(1) == 1 {
			l.logger.Debug(ctx, "First state frame", "fields", snap.Len())
		}
		l.last = snap
		l.publisher.Publish(snap)

		pose, ok := l.poses.Load()
		if !ok {
			continue
		}
		if !applied || pose != last {
			l.logger.Debug(ctx, "New pose", "pose", pose)
			last, applied = pose, true
		}
		sp.SetPose(pose)
		if err := l.send(sp); err != nil {
			return l.finish(ctx, err)
		}
	}
}

func (l *ControllerLoop) send(sp *frame.Setpoint) error {
	if err := l.channel.Send(sp); err != nil {
		return err
	}
	l.sent.Add(1)
	return nil
}

// finish classifies an error that ended the loop.
func (l *ControllerLoop) finish(ctx context.Context, err error) error {
	switch {
	case errors.IsEndOfStream(err):
		l.logger.Info(ctx, "Controller stream ended",
			"frames", l.frames.Load(), "controller_time", l.controllerTime())
		return nil
	case ctx.Err() != nil:
		l.logger.Info(ctx, "Controller loop cancelled",
			"frames", l.frames.Load(), "controller_time", l.controllerTime())
		return nil
	case errors.IsProtocolError(err):
		return err
	default:
		return errors.NewProtocolError(errors.ErrCodeMalformedPacket,
			"controller exchange failed", err).WithComponent("controller")
	}
}

// controllerTime is the controller clock of the last state frame, or -1
// when no frame carried a timestamp.
func (l *ControllerLoop) controllerTime() float64 {
	if l.last == nil {
		return -1
	}
	v, ok := l.last.Get("timestamp")
	if !ok {
		return -1
	}
	ts, ok := v.(float64)
	if !ok {
		return -1
	}
	return ts
}

func (l *ControllerLoop) teardown(ctx context.Context, started bool) {
	if started {
		if err := l.channel.Pause(); err != nil {
			l.logger.Warn(ctx, err, "Pausing controller failed")
		}
	}
	if err := l.channel.Disconnect(); err != nil {
		l.logger.Warn(ctx, err, "Disconnecting controller failed")
	}
	l.logger.Info(ctx, "Disconnected from controller")
}

func connectionError(code, msg string, err error) error {
	if errors.IsConnectionError(err) {
		return err
	}
	return errors.NewConnectionError(code, msg, err).WithComponent("controller")
}
