package rtde

import (
	"bufio"
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/conneroisu/rtdebridge/internal/errors"
	"github.com/conneroisu/rtdebridge/internal/frame"
	"github.com/conneroisu/rtdebridge/internal/logging"
	"github.com/conneroisu/rtdebridge/internal/recipe"
)

// DefaultFrequency is the output rate requested when none is configured.
const DefaultFrequency = 125.0

const (
	defaultDialTimeout = 5 * time.Second
	replyTimeout       = 5 * time.Second
	pauseTimeout       = time.Second
)

// Client is a controller channel over a single RTDE TCP connection. A
// Client is used by one goroutine at a time.
type Client struct {
	addr        string
	frequency   float64
	dialTimeout time.Duration
	logger      logging.Logger

	conn   net.Conn
	reader *bufio.Reader
	// desynced is set when a cancelled Receive stopped inside a packet.
	// The reader no longer sits on a packet boundary.
	desynced bool

	outputID    uint8
	outputNames []string
	outputTypes []string
	inputTypes  []string
}

// Option configures a Client.
type Option func(*Client)

// WithFrequency sets the requested output frequency in Hz.
func WithFrequency(hz float64) Option {
	return func(c *Client) {
		if hz > 0 {
			c.frequency = hz
		}
	}
}

// WithDialTimeout bounds the TCP connect.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithLogger sets the logger used for controller text messages.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the controller at host:port. Nothing is
// dialled until Connect.
func NewClient(host string, port int, opts ...Option) *Client {
	c := &Client{
		addr:        net.JoinHostPort(host, strconv.Itoa(port)),
		frequency:   DefaultFrequency,
		dialTimeout: defaultDialTimeout,
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the controller address.
func (c *Client) Addr() string {
	return c.addr
}

// Connect dials the controller, negotiates the protocol version and reads
// the controller software version.
func (c *Client) Connect(ctx context.Context) (frame.ControllerVersion, error) {
	var version frame.ControllerVersion

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return version, errors.NewConnectionError(errors.ErrCodeConnectFailed,
			"unable to reach controller", err).WithContext("addr", c.addr)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.desynced = false

	fail := func(err error) (frame.ControllerVersion, error) {
		_ = c.Disconnect()
		return version, err
	}

	var req [2]byte
	binary.BigEndian.PutUint16(req[:], ProtocolVersion)
	reply, err := c.request(cmdRequestProtocolVersion, req[:])
	if err != nil {
		return fail(errors.NewConnectionError(errors.ErrCodeHandshakeFailed,
			"protocol version request failed", err))
	}
	if len(reply) < 1 || reply[0] != 1 {
		return fail(errors.NewConnectionError(errors.ErrCodeHandshakeFailed,
			fmt.Sprintf("controller rejected protocol version %d", ProtocolVersion), nil))
	}

	reply, err = c.request(cmdGetURControlVersion, nil)
	if err != nil {
		return fail(errors.NewConnectionError(errors.ErrCodeHandshakeFailed,
			"controller version request failed", err))
	}
	if len(reply) < 16 {
		return fail(errors.NewConnectionError(errors.ErrCodeHandshakeFailed,
			"short controller version reply", nil))
	}
	version = frame.ControllerVersion{
		Major:  binary.BigEndian.Uint32(reply[0:]),
		Minor:  binary.BigEndian.Uint32(reply[4:]),
		Bugfix: binary.BigEndian.Uint32(reply[8:]),
		Build:  binary.BigEndian.Uint32(reply[12:]),
	}
	return version, nil
}

// Configure registers the output (state) and input (setpoint) recipes and
// returns a zeroed setpoint buffer bound to the controller's input id.
func (c *Client) Configure(state, setpoint recipe.Recipe) (*frame.Setpoint, error) {
	if c.conn == nil {
		return nil, errors.NewConnectionError(errors.ErrCodeHandshakeFailed, "not connected", nil)
	}

	payload := binary.BigEndian.AppendUint64(nil, math.Float64bits(c.frequency))
	payload = append(payload, strings.Join(state.Names(), ",")...)
	id, types, err := c.setup(cmdSetupOutputs, payload, state)
	if err != nil {
		return nil, err
	}
	c.outputID = id
	c.outputNames = state.Names()
	c.outputTypes = types

	id, types, err = c.setup(cmdSetupInputs, []byte(strings.Join(setpoint.Names(), ",")), setpoint)
	if err != nil {
		return nil, err
	}
	c.inputTypes = types

	sp, err := frame.NewSetpoint(id, setpoint)
	if err != nil {
		return nil, err
	}
	return sp, nil
}

func (c *Client) setup(cmd byte, payload []byte, r recipe.Recipe) (uint8, []string, error) {
	reply, err := c.request(cmd, payload)
	if err != nil {
		return 0, nil, errors.NewConnectionError(errors.ErrCodeHandshakeFailed,
			fmt.Sprintf("recipe %q setup failed", r.Key), err)
	}
	if len(reply) < 1 {
		return 0, nil, errors.NewConnectionError(errors.ErrCodeHandshakeFailed,
			fmt.Sprintf("empty setup reply for recipe %q", r.Key), nil)
	}
	id := reply[0]
	types := splitTypes(string(reply[1:]))

	names := r.Names()
	for i, typ := range types {
		if typ != typeNotFound && typ != typeInUse {
			continue
		}
		name := "?"
		if i < len(names) {
			name = names[i]
		}
		return 0, nil, errors.NewConnectionError(errors.ErrCodeHandshakeFailed,
			fmt.Sprintf("recipe %q field %s is %s", r.Key, name, typ), nil).
			WithContext("recipe", r.Key).WithContext("field", name)
	}
	if len(types) != len(names) {
		return 0, nil, errors.NewConnectionError(errors.ErrCodeHandshakeFailed,
			fmt.Sprintf("recipe %q: controller returned %d types for %d fields", r.Key, len(types), len(names)), nil)
	}
	want := r.Types()
	for i, typ := range types {
		if want[i] != "" && want[i] != typ {
			return 0, nil, errors.NewConnectionError(errors.ErrCodeHandshakeFailed,
				fmt.Sprintf("recipe %q field %s: controller type %s, recipe type %s", r.Key, names[i], typ, want[i]), nil)
		}
	}
	return id, types, nil
}

// Start asks the controller to begin streaming. It reports whether the
// controller accepted.
func (c *Client) Start() (bool, error) {
	if c.conn == nil {
		return false, errors.NewConnectionError(errors.ErrCodeStartFailed, "not connected", nil)
	}
	reply, err := c.request(cmdStart, nil)
	if err != nil {
		return false, errors.NewConnectionError(errors.ErrCodeStartFailed, "start request failed", err)
	}
	return len(reply) > 0 && reply[0] == 1, nil
}

// Receive blocks until the next data package and decodes it into a
// snapshot. Text messages from the controller are logged and skipped. A
// closed stream yields errors.ErrEndOfStream; a cancelled ctx yields
// ctx.Err().
func (c *Client) Receive(ctx context.Context) (*frame.Snapshot, error) {
	if c.conn == nil {
		return nil, errors.ErrEndOfStream
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.desynced {
		return nil, errors.NewProtocolError(errors.ErrCodeMalformedPacket,
			"stream position lost by an earlier cancelled receive", nil)
	}

	conn := c.conn
	// Clear a deadline left behind by an earlier cancellation.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, errors.NewProtocolError(errors.ErrCodeMalformedPacket, "reading data package", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		// Waiting for the first byte consumes nothing, so a cancellation
		// there leaves the stream aligned.
		if _, err := c.reader.Peek(1); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isClosed(err) {
				return nil, errors.ErrEndOfStream
			}
			return nil, errors.NewProtocolError(errors.ErrCodeMalformedPacket,
				"reading data package", err)
		}
		cmd, payload, err := readPacket(c.reader)
		if err != nil {
			if ctx.Err() != nil {
				c.desynced = true
				return nil, ctx.Err()
			}
			if isClosed(err) {
				return nil, errors.ErrEndOfStream
			}
			return nil, errors.NewProtocolError(errors.ErrCodeMalformedPacket,
				"reading data package", err)
		}

		switch cmd {
		case cmdDataPackage:
			return c.decodeSnapshot(payload)
		case cmdTextMessage:
			c.logText(ctx, payload)
		default:
			c.logger.Debug(ctx, "Skipping controller package", "command", string(cmd), "size", len(payload))
		}
	}
}

func (c *Client) decodeSnapshot(payload []byte) (*frame.Snapshot, error) {
	if len(payload) < 1 {
		return nil, errors.NewProtocolError(errors.ErrCodeMalformedPacket, "empty data package", nil)
	}
	if payload[0] != c.outputID {
		return nil, errors.NewProtocolError(errors.ErrCodeMalformedPacket,
			fmt.Sprintf("data package for recipe %d, expected %d", payload[0], c.outputID), nil)
	}
	values, err := decodeValues(c.outputTypes, payload[1:])
	if err != nil {
		return nil, errors.NewProtocolError(errors.ErrCodeMalformedPacket, "decoding data package", err)
	}
	fields := make([]frame.Field, len(values))
	for i, v := range values {
		fields[i] = frame.Field{Name: c.outputNames[i], Value: v}
	}
	return frame.NewSnapshot(c.outputID, fields), nil
}

// Send writes one setpoint data package.
func (c *Client) Send(sp *frame.Setpoint) error {
	if c.conn == nil {
		return errors.NewProtocolError(errors.ErrCodeSendFailed, "not connected", nil)
	}
	body, err := encodeValues(c.inputTypes, sp.Values())
	if err != nil {
		return errors.NewProtocolError(errors.ErrCodeSendFailed, "encoding setpoint", err)
	}
	payload := make([]byte, 0, 1+len(body))
	payload = append(payload, sp.RecipeID())
	payload = append(payload, body...)
	if err := writePacket(c.conn, cmdDataPackage, payload); err != nil {
		if isClosed(err) {
			return errors.ErrEndOfStream
		}
		return errors.NewProtocolError(errors.ErrCodeSendFailed, "writing setpoint", err)
	}
	return nil
}

// Pause asks the controller to stop streaming. Data packages still in
// flight are discarded while waiting for the reply. After a Receive was
// cancelled mid-packet no reply can be matched, so the exchange is skipped
// and the controller stops streaming when the connection closes.
func (c *Client) Pause() error {
	if c.conn == nil {
		return nil
	}
	if c.desynced {
		c.logger.Debug(context.Background(), "Skipping pause, stream position lost")
		return nil
	}
	if err := c.conn.SetDeadline(time.Now().Add(pauseTimeout)); err != nil {
		return errors.NewProtocolError(errors.ErrCodeSendFailed, "pause", err)
	}
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	reply, err := c.exchange(cmdPause, nil)
	if err != nil {
		return errors.NewProtocolError(errors.ErrCodeSendFailed, "pause request failed", err)
	}
	if len(reply) < 1 || reply[0] != 1 {
		return errors.NewProtocolError(errors.ErrCodeSendFailed, "controller refused to pause", nil)
	}
	return nil
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.desynced = false
	if err != nil && !stderrors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// request performs a command with the default reply deadline.
func (c *Client) request(cmd byte, payload []byte) ([]byte, error) {
	if err := c.conn.SetDeadline(time.Now().Add(replyTimeout)); err != nil {
		return nil, err
	}
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	return c.exchange(cmd, payload)
}

// exchange writes cmd and reads packets until the matching reply.
func (c *Client) exchange(cmd byte, payload []byte) ([]byte, error) {
	if err := writePacket(c.conn, cmd, payload); err != nil {
		return nil, err
	}
	for {
		got, reply, err := readPacket(c.reader)
		if err != nil {
			return nil, err
		}
		switch got {
		case cmd:
			return reply, nil
		case cmdTextMessage:
			c.logText(context.Background(), reply)
		}
	}
}

func (c *Client) logText(ctx context.Context, payload []byte) {
	m, err := decodeTextMessage(payload)
	if err != nil {
		c.logger.Debug(ctx, "Dropping malformed text message", "error", err)
		return
	}
	fields := []interface{}{"source", m.Source}
	switch m.Level {
	case levelException, levelError:
		c.logger.Error(ctx, nil, m.Message, fields...)
	case levelWarning:
		c.logger.Warn(ctx, nil, m.Message, fields...)
	default:
		c.logger.Info(ctx, m.Message, fields...)
	}
}

func isClosed(err error) bool {
	return stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, net.ErrClosed) ||
		stderrors.Is(err, syscall.ECONNRESET)
}
