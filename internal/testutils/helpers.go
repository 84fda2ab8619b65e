// Package testutils holds fixtures shared by the bridge's package tests.
package testutils

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/rtdebridge/internal/logging"
	"github.com/conneroisu/rtdebridge/internal/recipe"
	"github.com/conneroisu/rtdebridge/internal/rtde"
)

// RecipeXML is a control loop configuration with a state recipe and a
// six-register setpoint recipe.
const RecipeXML = `<?xml version="1.0"?>
<rtde_config>
	<recipe key="state">
		<field name="timestamp" type="DOUBLE"/>
		<field name="robot_mode" type="INT32"/>
		<field name="actual_q" type="VECTOR6D"/>
		<field name="actual_TCP_pose" type="VECTOR6D"/>
	</recipe>
	<recipe key="setp">
		<field name="input_double_register_0" type="DOUBLE"/>
		<field name="input_double_register_1" type="DOUBLE"/>
		<field name="input_double_register_2" type="DOUBLE"/>
		<field name="input_double_register_3" type="DOUBLE"/>
		<field name="input_double_register_4" type="DOUBLE"/>
		<field name="input_double_register_5" type="DOUBLE"/>
	</recipe>
</rtde_config>
`

// MalformedPoses are client payloads the pose decoder must reject.
var MalformedPoses = []string{
	`[1,2,3]`,
	`[1,2,3,4,5,6,7]`,
	`[1,2,3,4,5,null]`,
	`["1",2,3,4,5,6]`,
	`{"x":1}`,
	`1.5`,
	`not json`,
	``,
}

// WriteRecipeFile writes RecipeXML into a temporary directory and returns
// its path.
func WriteRecipeFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control_loop_configuration.xml")
	require.NoError(t, os.WriteFile(path, []byte(RecipeXML), 0o600))
	return path
}

// LoadRecipes returns the state and setpoint recipes of RecipeXML.
func LoadRecipes(t *testing.T) (state, setpoint recipe.Recipe) {
	t.Helper()
	src, err := recipe.LoadFile(WriteRecipeFile(t))
	require.NoError(t, err)
	state, err = src.LoadRecipe("state")
	require.NoError(t, err)
	setpoint, err = src.LoadRecipe("setp")
	require.NoError(t, err)
	return state, setpoint
}

// StartSimulator serves a simulated controller on a loopback port until
// the test ends and returns it with its host and port.
func StartSimulator(t *testing.T, cfg rtde.SimulatorConfig) (*rtde.Simulator, string, int) {
	t.Helper()

	sim := rtde.NewSimulator(cfg, logging.Discard())
	require.NoError(t, sim.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("simulator did not stop")
		}
	})

	host, portStr, err := net.SplitHostPort(sim.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return sim, host, port
}

// WaitReady fails the test unless ready is closed within timeout.
func WaitReady(t *testing.T, ready <-chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case <-ready:
	case <-time.After(timeout):
		t.Fatalf("not ready within %v", timeout)
	}
}

// Dial opens a WebSocket client to addr, closed when the test ends.
func Dial(t *testing.T, addr net.Addr) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+addr.String()+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}
