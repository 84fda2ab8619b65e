// Package websocket serves bridge clients over WebSocket. Every accepted
// connection becomes a session that streams state frames to the client and
// feeds the target poses it sends back into the pose store.
package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"

	"github.com/conneroisu/rtdebridge/internal/errors"
	"github.com/conneroisu/rtdebridge/internal/fanout"
	"github.com/conneroisu/rtdebridge/internal/frame"
	"github.com/conneroisu/rtdebridge/internal/logging"
	"github.com/conneroisu/rtdebridge/internal/middleware"
)

const (
	// DefaultPort is the default client port.
	DefaultPort = 8765

	// Largest client message accepted. A pose is six numbers.
	defaultReadLimit = 4096

	shutdownGrace     = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Config configures a Service.
type Config struct {
	Host      string
	Port      int
	ReadLimit int64
}

// PoseStore receives every pose decoded from a client.
type PoseStore interface {
	Store(p frame.Pose)
}

// Service is the network side of the bridge.
//
// Invariants:
//   - sessions map access is protected by mu
//   - once closing is set no new session is registered
//   - Serve returns only after every session goroutine has returned
type Service struct {
	addr      string
	readLimit int64
	poses     PoseStore
	states    *fanout.Fanout[*frame.Snapshot]
	logger    logging.Logger
	errs      *errors.Handler

	mu       sync.RWMutex
	sessions map[uint64]context.CancelFunc
	nextID   uint64
	closing  bool
	active   sync.WaitGroup

	listener net.Listener
	ready    chan struct{}

	reportMu sync.Mutex
	reports  []healthReport
}

type healthReport struct {
	name   string
	report func() interface{}
}

// NewService creates a service. Nothing listens until Serve.
func NewService(
	cfg Config,
	poses PoseStore,
	states *fanout.Fanout[*frame.Snapshot],
	logger logging.Logger,
) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	logger = logger.WithComponent("websocket")
	return &Service{
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		readLimit: cfg.ReadLimit,
		poses:     poses,
		states:    states,
		logger:    logger,
		errs:      errors.NewHandler(logger),
		sessions:  make(map[uint64]context.CancelFunc),
		ready:     make(chan struct{}),
	}
}

// Handler returns the HTTP handler: WebSocket upgrades on "/" and a JSON
// health document on "/healthz", behind request logging and panic recovery.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleWebSocket)

	chain := middleware.NewChain(
		middleware.Logging(s.logger),
		middleware.Recover(s.errs),
	)
	return chain.Apply(mux)
}

// AddHealthReport adds a named section to the health document. report is
// called on every health request and must be safe for concurrent use.
func (s *Service) AddHealthReport(name string, report func() interface{}) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	s.reports = append(s.reports, healthReport{name: name, report: report})
}

// Serve listens and serves sessions until ctx is cancelled. It then
// closes the listener and every session and waits for them to finish.
func (s *Service) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.NewTransportError(errors.ErrCodeListenFailed,
			"cannot listen for clients", err).WithContext("addr", s.addr)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info(ctx, "Serving WebSocket clients", "addr", ln.Addr().String())

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errc:
		if !stderrors.Is(err, http.ErrServerClosed) {
			serveErr = errors.NewTransportError(errors.ErrCodeListenFailed, "serving clients", err)
		}
	}

	s.closeSessions()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(ctx, err, "HTTP shutdown incomplete")
	}
	s.active.Wait()

	s.logger.Info(ctx, "WebSocket service stopped")
	return serveErr
}

// Ready is closed once Serve is listening.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listening address, or nil before Serve binds.
func (s *Service) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions returns the number of connected clients.
func (s *Service) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.states.Stats()
	doc := map[string]interface{}{
		"status":     "ok",
		"sessions":   s.Sessions(),
		"published":  stats.Published,
		"unrouted":   stats.Unrouted,
		"overflowed": stats.Overflowed,
	}
	s.reportMu.Lock()
	for _, r := range s.reports {
		doc[r.name] = r.report()
	}
	s.reportMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // accept any origin
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		s.logger.Debug(r.Context(), "WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id, ok := s.register(cancel)
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unregister(id)

	s.serveSession(ctx, cancel, &session{
		id:     id,
		conn:   conn,
		logger: s.logger.With("session", id, "remote", r.RemoteAddr),
	})
}

func (s *Service) register(cancel context.CancelFunc) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return 0, false
	}
	s.nextID++
	s.sessions[s.nextID] = cancel
	s.active.Add(1)
	return s.nextID, true
}

func (s *Service) unregister(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.active.Done()
}

func (s *Service) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for _, cancel := range s.sessions {
		cancel()
	}
}

// session is one connected client.
type session struct {
	id        uint64
	conn      *websocket.Conn
	logger    logging.Logger
	closeOnce sync.Once
}

func (ss *session) close(code websocket.StatusCode, reason string) {
	ss.closeOnce.Do(func() {
		_ = ss.conn.Close(code, reason)
	})
}

// serveSession runs the receiver and the sender. Whichever ends first
// cancels the other; the connection is closed exactly once.
func (s *Service) serveSession(ctx context.Context, cancel context.CancelFunc, ss *session) {
	sub := s.states.Subscribe()
	defer sub.Close()

	ss.logger.Info(ctx, "Client connected", "sessions", s.Sessions())

	stop := context.AfterFunc(ctx, func() {
		ss.close(websocket.StatusGoingAway, "session closed")
	})
	defer stop()

	// I/O is bounded by the connection, which the AfterFunc above closes.
	ioCtx := context.WithoutCancel(ctx)

	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		s.receive(ctx, ioCtx, ss)
	})
	wg.Go(func() {
		defer cancel()
		s.send(ctx, ioCtx, ss, sub)
	})
	wg.Wait()

	ss.close(websocket.StatusNormalClosure, "")
	ss.logger.Info(ctx, "Client disconnected", "discarded", sub.Len())
}

// receive decodes poses from the client into the pose store.
func (s *Service) receive(ctx, ioCtx context.Context, ss *session) {
	for {
		_, data, err := ss.conn.Read(ioCtx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.CloseStatus(err) != -1:
				s.errs.Handle(ctx, errors.NewTransportError(errors.ErrCodeTransportClosed,
					"client closed the connection", err).WithContext("session", ss.id))
			default:
				ss.logger.Debug(ctx, "Read failed", "error", err)
			}
			return
		}

		pose, err := frame.DecodePose(data)
		if err != nil {
			var be *errors.BridgeError
			if stderrors.As(err, &be) {
				err = be.WithComponent("websocket").WithContext("session", ss.id)
			}
			s.errs.Handle(ctx, err)
			ss.close(websocket.StatusInvalidFramePayloadData, "expected a JSON array of 6 numbers")
			return
		}
		s.poses.Store(pose)
		ss.logger.Debug(ctx, "Received pose", "pose", pose)
	}
}

// send streams state frames to the client in publish order.
func (s *Service) send(ctx, ioCtx context.Context, ss *session, sub *fanout.Subscription[*frame.Snapshot]) {
	for {
		snap, err := sub.Next(ctx)
		if err != nil {
			return
		}
		data, err := snap.Encode()
		if err != nil {
			ss.logger.Warn(ctx, err, "Dropping unencodable state frame")
			continue
		}
		if err := ss.conn.Write(ioCtx, websocket.MessageText, data); err != nil {
			if ctx.Err() == nil {
				ss.logger.Debug(ctx, "Write failed", "error", err)
			}
			return
		}
	}
}
