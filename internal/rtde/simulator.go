package rtde

import (
	"bufio"
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/rtdebridge/internal/frame"
	"github.com/conneroisu/rtdebridge/internal/logging"
	"github.com/conneroisu/rtdebridge/internal/recipe"
)

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	// Version is reported to clients.
	Version frame.ControllerVersion
	// Frequency overrides the rate a client requests when > 0.
	Frequency float64
	// MaxFrames closes each connection after that many data packages.
	// Zero streams until the client pauses or disconnects.
	MaxFrames int
}

// DefaultSimulatorVersion is reported when SimulatorConfig.Version is zero.
var DefaultSimulatorVersion = frame.ControllerVersion{Major: 5, Minor: 11, Bugfix: 0, Build: 108}

const (
	simOutputRecipeID uint8 = 1
	simInputRecipeID  uint8 = 2
)

// Simulator is an in-process RTDE controller. It answers the handshake,
// streams synthetic state and records the setpoints it receives. The
// simulated TCP pose tracks the last received setpoint.
type Simulator struct {
	cfg    SimulatorConfig
	logger logging.Logger

	mu        sync.Mutex
	ln        net.Listener
	conns     map[net.Conn]struct{}
	setpoints []frame.Pose
	frames    int
}

// NewSimulator creates a simulator. Call Listen, then Serve.
func NewSimulator(cfg SimulatorConfig, logger logging.Logger) *Simulator {
	if cfg.Version == (frame.ControllerVersion{}) {
		cfg.Version = DefaultSimulatorVersion
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Simulator{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the simulator to addr. Port 0 picks a free port.
func (s *Simulator) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Simulator) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts clients until ctx is done.
func (s *Simulator) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("simulator: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Setpoints returns every pose received so far, in arrival order.
func (s *Simulator) Setpoints() []frame.Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame.Pose, len(s.setpoints))
	copy(out, s.setpoints)
	return out
}

// FramesSent returns the number of data packages streamed to all clients.
func (s *Simulator) FramesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Simulator) handle(ctx context.Context, conn net.Conn) {
	sess := &simSession{sim: s, conn: conn, protocol: 1}
	log := s.logger.With("peer", conn.RemoteAddr().String())
	log.Info(ctx, "Controller client connected")

	defer func() {
		sess.stopStream()
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		log.Info(ctx, "Controller client disconnected")
	}()

	r := bufio.NewReader(conn)
	for {
		cmd, payload, err := readPacket(r)
		if err != nil {
			return
		}
		if err := sess.dispatch(cmd, payload); err != nil {
			log.Debug(ctx, "Simulator session ended", "error", err)
			return
		}
	}
}

func (s *Simulator) recordSetpoint(p frame.Pose) {
	s.mu.Lock()
	s.setpoints = append(s.setpoints, p)
	s.mu.Unlock()
}

func (s *Simulator) countFrame() {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
}

// simSession is the state of one client connection.
type simSession struct {
	sim      *Simulator
	conn     net.Conn
	writeMu  sync.Mutex
	protocol uint16

	frequency   float64
	outputNames []string
	outputTypes []string
	inputNames  []string
	inputTypes  []string

	poseMu sync.Mutex
	pose   frame.Pose

	cancel context.CancelFunc
	done   chan struct{}
}

func (ss *simSession) write(cmd byte, payload []byte) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	return writePacket(ss.conn, cmd, payload)
}

func (ss *simSession) dispatch(cmd byte, payload []byte) error {
	switch cmd {
	case cmdRequestProtocolVersion:
		if len(payload) < 2 {
			return fmt.Errorf("short protocol version request")
		}
		v := binary.BigEndian.Uint16(payload)
		ok := v == 1 || v == ProtocolVersion
		if ok {
			ss.protocol = v
		}
		return ss.write(cmd, []byte{boolByte(ok)})

	case cmdGetURControlVersion:
		v := ss.sim.cfg.Version
		reply := make([]byte, 0, 16)
		for _, n := range []uint32{v.Major, v.Minor, v.Bugfix, v.Build} {
			reply = binary.BigEndian.AppendUint32(reply, n)
		}
		return ss.write(cmd, reply)

	case cmdSetupOutputs:
		names := payload
		ss.frequency = DefaultFrequency
		if ss.protocol >= 2 {
			if len(payload) < 8 {
				return fmt.Errorf("short output setup")
			}
			ss.frequency = math.Float64frombits(binary.BigEndian.Uint64(payload))
			names = payload[8:]
		}
		if ss.sim.cfg.Frequency > 0 {
			ss.frequency = ss.sim.cfg.Frequency
		}
		ss.outputNames = splitTypes(string(names))
		ss.outputTypes = resolve(ss.outputNames, outputType)
		return ss.write(cmd, setupReply(simOutputRecipeID, ss.outputTypes))

	case cmdSetupInputs:
		ss.inputNames = splitTypes(string(payload))
		ss.inputTypes = resolve(ss.inputNames, inputType)
		return ss.write(cmd, setupReply(simInputRecipeID, ss.inputTypes))

	case cmdStart:
		ok := len(ss.outputTypes) > 0 && !hasMissing(ss.outputTypes) && ss.frequency > 0
		if err := ss.write(cmd, []byte{boolByte(ok)}); err != nil {
			return err
		}
		if ok {
			ss.startStream()
		}
		return nil

	case cmdPause:
		ss.stopStream()
		return ss.write(cmd, []byte{1})

	case cmdDataPackage:
		ss.receiveSetpoint(payload)
		return nil

	default:
		return nil
	}
}

func (ss *simSession) receiveSetpoint(payload []byte) {
	if len(payload) < 1 || payload[0] != simInputRecipeID || hasMissing(ss.inputTypes) {
		return
	}
	values, err := decodeValues(ss.inputTypes, payload[1:])
	if err != nil {
		return
	}

	var pose frame.Pose
	found := 0
	for i, name := range ss.inputNames {
		idx, ok := registerIndex("input_double_register_", name)
		if !ok || idx >= frame.PoseSize {
			continue
		}
		if f, ok := values[i].(float64); ok {
			pose[idx] = f
			found++
		}
	}
	if found != frame.PoseSize {
		return
	}

	ss.poseMu.Lock()
	ss.pose = pose
	ss.poseMu.Unlock()
	ss.sim.recordSetpoint(pose)
}

func (ss *simSession) startStream() {
	if ss.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	ss.done = make(chan struct{})
	go ss.stream(ctx, ss.done)
}

func (ss *simSession) stopStream() {
	if ss.cancel == nil {
		return
	}
	ss.cancel()
	<-ss.done
	ss.cancel = nil
	ss.done = nil
}

func (ss *simSession) stream(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / ss.frequency))
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		body, err := encodeValues(ss.outputTypes, ss.sample(n))
		if err != nil {
			return
		}
		payload := append([]byte{simOutputRecipeID}, body...)
		if err := ss.write(cmdDataPackage, payload); err != nil {
			return
		}
		ss.sim.countFrame()

		if limit := ss.sim.cfg.MaxFrames; limit > 0 && n+1 >= limit {
			_ = ss.conn.Close()
			return
		}
	}
}

// sample produces the n-th state frame.
func (ss *simSession) sample(n int) []interface{} {
	t := float64(n) / ss.frequency

	ss.poseMu.Lock()
	pose := ss.pose
	ss.poseMu.Unlock()

	values := make([]interface{}, len(ss.outputNames))
	for i, name := range ss.outputNames {
		switch name {
		case "timestamp":
			values[i] = t
		case "actual_TCP_pose", "target_TCP_pose":
			values[i] = append([]float64(nil), pose[:]...)
		case "actual_q", "target_q":
			q := make([]float64, 6)
			for j := range q {
				q[j] = 0.1 * math.Sin(t+float64(j))
			}
			values[i] = q
		case "robot_mode":
			values[i] = int32(7) // RUNNING
		case "safety_mode":
			values[i] = int32(1) // NORMAL
		case "runtime_state":
			values[i] = uint32(2) // PLAYING
		case "speed_scaling", "target_speed_fraction":
			values[i] = 1.0
		default:
			if idx, ok := registerIndex("input_double_register_", name); ok && idx < frame.PoseSize {
				values[i] = pose[idx]
				continue
			}
			values[i] = frame.ZeroValue(ss.outputTypes[i])
		}
	}
	return values
}

func setupReply(id uint8, types []string) []byte {
	if hasMissing(types) {
		id = 0
	}
	return append([]byte{id}, strings.Join(types, ",")...)
}

func resolve(names []string, lookup func(string) string) []string {
	types := make([]string, len(names))
	for i, name := range names {
		types[i] = lookup(name)
	}
	return types
}

func hasMissing(types []string) bool {
	for _, t := range types {
		if t == typeNotFound || t == typeInUse {
			return true
		}
	}
	return false
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

var outputCatalog = map[string]string{
	"timestamp":                    recipe.TypeDouble,
	"target_q":                     recipe.TypeVector6D,
	"target_qd":                    recipe.TypeVector6D,
	"target_qdd":                   recipe.TypeVector6D,
	"target_current":               recipe.TypeVector6D,
	"target_moment":                recipe.TypeVector6D,
	"actual_q":                     recipe.TypeVector6D,
	"actual_qd":                    recipe.TypeVector6D,
	"actual_current":               recipe.TypeVector6D,
	"joint_control_output":         recipe.TypeVector6D,
	"actual_TCP_pose":              recipe.TypeVector6D,
	"actual_TCP_speed":             recipe.TypeVector6D,
	"actual_TCP_force":             recipe.TypeVector6D,
	"target_TCP_pose":              recipe.TypeVector6D,
	"target_TCP_speed":             recipe.TypeVector6D,
	"actual_digital_input_bits":    recipe.TypeUint64,
	"actual_digital_output_bits":   recipe.TypeUint64,
	"joint_temperatures":           recipe.TypeVector6D,
	"actual_execution_time":        recipe.TypeDouble,
	"robot_mode":                   recipe.TypeInt32,
	"joint_mode":                   recipe.TypeVector6Int32,
	"safety_mode":                  recipe.TypeInt32,
	"safety_status":                recipe.TypeInt32,
	"actual_tool_accelerometer":    recipe.TypeVector3D,
	"speed_scaling":                recipe.TypeDouble,
	"target_speed_fraction":        recipe.TypeDouble,
	"actual_momentum":              recipe.TypeDouble,
	"actual_main_voltage":          recipe.TypeDouble,
	"actual_robot_voltage":         recipe.TypeDouble,
	"actual_robot_current":         recipe.TypeDouble,
	"actual_joint_voltage":         recipe.TypeVector6D,
	"runtime_state":                recipe.TypeUint32,
	"robot_status_bits":            recipe.TypeUint32,
	"safety_status_bits":           recipe.TypeUint32,
	"elbow_position":               recipe.TypeVector3D,
	"elbow_velocity":               recipe.TypeVector3D,
	"tool_mode":                    recipe.TypeUint32,
	"tool_output_voltage":          recipe.TypeInt32,
	"tool_temperature":             recipe.TypeDouble,
	"output_bit_registers0_to_31":  recipe.TypeUint32,
	"output_bit_registers32_to_63": recipe.TypeUint32,
}

var inputCatalog = map[string]string{
	"speed_slider_mask":                recipe.TypeUint32,
	"speed_slider_fraction":            recipe.TypeDouble,
	"standard_digital_output_mask":     recipe.TypeUint8,
	"standard_digital_output":          recipe.TypeUint8,
	"configurable_digital_output_mask": recipe.TypeUint8,
	"configurable_digital_output":      recipe.TypeUint8,
	"tool_digital_output_mask":         recipe.TypeUint8,
	"tool_digital_output":              recipe.TypeUint8,
	"standard_analog_output_mask":      recipe.TypeUint8,
	"standard_analog_output_type":      recipe.TypeUint8,
	"standard_analog_output_0":         recipe.TypeDouble,
	"standard_analog_output_1":         recipe.TypeDouble,
	"input_bit_registers0_to_31":       recipe.TypeUint32,
	"input_bit_registers32_to_63":      recipe.TypeUint32,
}

// outputType resolves a state field name. Input registers can be read
// back as outputs.
func outputType(name string) string {
	if t, ok := outputCatalog[name]; ok {
		return t
	}
	for _, prefix := range []string{"output_", "input_"} {
		if t := registerType(prefix, name); t != typeNotFound {
			return t
		}
	}
	return typeNotFound
}

func inputType(name string) string {
	if t, ok := inputCatalog[name]; ok {
		return t
	}
	return registerType("input_", name)
}

func registerType(prefix, name string) string {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return typeNotFound
	}
	if idx, ok := registerIndex("double_register_", rest); ok && idx < 48 {
		return recipe.TypeDouble
	}
	if idx, ok := registerIndex("int_register_", rest); ok && idx < 48 {
		return recipe.TypeInt32
	}
	if idx, ok := registerIndex("bit_register_", rest); ok && idx >= 64 && idx < 128 {
		return recipe.TypeBool
	}
	return typeNotFound
}

func registerIndex(prefix, name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok || rest == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
