package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/rtdebridge/internal/frame"
	"github.com/conneroisu/rtdebridge/internal/rtde"
)

func TestLoadRecipes(t *testing.T) {
	state, setp := LoadRecipes(t)
	assert.Equal(t, "state", state.Key)
	assert.Equal(t, []string{"timestamp", "robot_mode", "actual_q", "actual_TCP_pose"}, state.Names())

	sp, err := frame.NewSetpoint(0, setp)
	require.NoError(t, err)
	sp.SetPose(frame.Pose{1, 2, 3, 4, 5, 6})
	assert.Equal(t, frame.Pose{1, 2, 3, 4, 5, 6}, sp.Pose())
}

func TestMalformedPosesAreRejected(t *testing.T) {
	for _, payload := range MalformedPoses {
		_, err := frame.DecodePose([]byte(payload))
		assert.Error(t, err, "payload %q", payload)
	}
}

func TestStartSimulatorAcceptsClients(t *testing.T) {
	_, host, port := StartSimulator(t, rtde.SimulatorConfig{})

	c := rtde.NewClient(host, port)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Connect(ctx)
	require.NoError(t, err)
	assert.NoError(t, c.Disconnect())
}

func TestWaitReady(t *testing.T) {
	ready := make(chan struct{})
	close(ready)
	WaitReady(t, ready, time.Second)
}
