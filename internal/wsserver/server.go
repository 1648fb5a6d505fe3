// Package wsserver implements the authenticated status and command channel.
//
// Clients connect over a websocket and must send a handshake carrying the
// pre-shared keys as their first message. The server keeps one outgoing status
// slot and one incoming command slot; both drop the oldest value when full, so
// producers on either side never block for longer than a channel operation.
package wsserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/istvanzk/rpicampy-sub000/internal/logger"
	"github.com/istvanzk/rpicampy-sub000/internal/retry"
)

const (
	DefaultMaxClients       = 3
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultSendAttempts     = 3
	DefaultSendTimeout      = 2 * time.Second
	DefaultSendDelay        = time.Second
	DefaultLoopInterval     = 100 * time.Millisecond

	maxMessageSize = 64 * 1024
	closeWait      = time.Second
)

// ErrServerClosed is returned by Start after Stop.
var ErrServerClosed = errors.New("channel server closed")

// Config tunes the server. Zero values select the defaults.
type Config struct {
	Listen           string
	MaxClients       int
	DeviceID         string
	CmdRatePerMin    int
	HandshakeTimeout time.Duration
	SendAttempts     int
	SendTimeout      time.Duration
	SendDelay        time.Duration
	LoopInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = DefaultSendAttempts
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.SendDelay <= 0 {
		c.SendDelay = DefaultSendDelay
	}
	if c.LoopInterval <= 0 {
		c.LoopInterval = DefaultLoopInterval
	}
	return c
}

// Command is a command string received from an authorized sender.
type Command struct {
	DeviceID      string
	Time          string
	CommandString string
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID       string
	DeviceID string
	Caps     Capability
}

type client struct {
	id       string
	deviceID string
	key      string // record key: the device id, or id when that is unusable
	conn     *websocket.Conn
	caps     Capability
	limiter  *rate.Limiter

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *client) write(data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) writeJSON(v any, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(v)
}

func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		closeConn(c.conn, code, reason)
	})
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWait))
	_ = conn.Close()
}

// Server is the channel server.
type Server struct {
	cfg      Config
	logger   *logger.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader
	keys     atomic.Pointer[Keys]

	outgoing chan []byte
	incoming chan Command

	mu      sync.RWMutex
	clients map[string]*client
	conns   map[*websocket.Conn]struct{}
	closing bool

	httpSrv  *http.Server
	listener net.Listener

	// send writes one status payload to a client.
	send func(c *client, payload []byte, deadline time.Time) error

	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup
	loops    sync.WaitGroup
	stopOnce sync.Once
}

// New creates a server authorizing clients against keys.
func New(cfg Config, keys Keys, log *logger.Logger, m *Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg.withDefaults(),
		logger:  log.Named("wsserver"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers are devices, not browsers; access is decided by the handshake keys.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		outgoing: make(chan []byte, 1),
		incoming: make(chan Command, 1),
		clients:  make(map[string]*client),
		conns:    make(map[*websocket.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		send:     (*client).write,
	}
	s.keys.Store(&keys)
	return s
}

// SetKeys replaces the handshake keys. Connected clients keep their capabilities.
func (s *Server) SetKeys(k Keys) {
	s.keys.Store(&k)
}

func (s *Server) Keys() Keys {
	return *s.keys.Load()
}

// Handler returns the websocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// Start listens on cfg.Listen and runs the broadcast loop until Stop.
func (s *Server) Start() error {
	if s.ctx.Err() != nil {
		return ErrServerClosed
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Listen)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("channel server failed", err)
		}
	}()
	go s.Run(s.ctx)

	s.logger.Info("channel server started",
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "max_clients", Value: s.cfg.MaxClients})
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SendStatus queues v for delivery to every client allowed to receive status.
// A status still waiting in the slot is replaced.
func (s *Server) SendStatus(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal status")
	}
	if offer(s.outgoing, data) {
		s.metrics.message("out", "replaced")
		s.logger.Debug("pending status replaced")
	}
	return nil
}

// ReceiveCommand pops the pending command, if any.
func (s *Server) ReceiveCommand() (Command, bool) {
	select {
	case cmd := <-s.incoming:
		return cmd, true
	default:
		return Command{}, false
	}
}

func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Clients returns the connected clients.
func (s *Server) Clients() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, ClientInfo{ID: c.id, DeviceID: c.deviceID, Caps: c.caps})
	}
	return out
}

// Run drives cleanup and status delivery until ctx is done or the server stops.
func (s *Server) Run(ctx context.Context) {
	s.loops.Add(1)
	defer s.loops.Done()

	ticker := time.NewTicker(s.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
			select {
			case payload := <-s.outgoing:
				s.broadcast(ctx, payload)
			default:
			}
		}
	}
}

// Stop closes every connection with 1001 and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		clients := make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		conns := make([]*websocket.Conn, 0, len(s.conns))
		for conn := range s.conns {
			conns = append(conns, conn)
		}
		s.clients = make(map[string]*client)
		s.mu.Unlock()

		s.cancel()
		for _, c := range clients {
			c.close(websocket.CloseGoingAway, "Server shutdown")
		}
		for _, conn := range conns {
			_ = conn.Close()
		}
		s.metrics.setClients(0)

		if s.httpSrv != nil {
			if serr := s.httpSrv.Shutdown(ctx); serr != nil {
				err = errors.Wrap(serr, "shutdown http server")
			}
		}

		done := make(chan struct{})
		go func() {
			s.handlers.Wait()
			s.loops.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = errors.Wrap(ctx.Err(), "wait for channel goroutines")
		}
		s.logger.Info("channel server stopped", logger.Field{Key: "closed_clients", Value: len(clients)})
	})
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		closeConn(conn, websocket.CloseGoingAway, "Server shutdown")
		return
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.handlers.Done()
	}()

	c, ok := s.handshake(conn, r.RemoteAddr)
	if !ok {
		return
	}
	s.readLoop(c)
}

// handshake authorizes the first message and registers the client.
func (s *Server) handshake(conn *websocket.Conn, remote string) (*client, bool) {
	log := s.logger.With(logger.Field{Key: "remote", Value: remote})

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.metrics.handshake("timeout")
			log.Info("handshake timeout")
			rejectWithError(conn, ErrHandshakeTimeout)
			return nil, false
		}
		s.metrics.handshake("read_error")
		log.Debug("connection closed before handshake", logger.Field{Key: "error", Value: err.Error()})
		_ = conn.Close()
		return nil, false
	}

	var req HandshakeRequest
	if typ, err := decodeType(data); err != nil || typ != TypeHandshake || json.Unmarshal(data, &req) != nil {
		s.metrics.handshake("required")
		log.Info("first message is not a handshake")
		rejectWithError(conn, ErrHandshakeRequired)
		return nil, false
	}

	deviceID := normalizePeerString(req.DeviceID)
	caps := s.Keys().Authorize(req.AuthTokens)
	if caps == 0 {
		s.metrics.handshake("unauthorized")
		log.Info("handshake unauthorized", logger.Field{Key: "device_id", Value: deviceID})
		rejectWithReply(conn, ReplyUnauthorized)
		return nil, false
	}

	c := &client{
		id:       uuid.NewString(),
		deviceID: deviceID,
		conn:     conn,
		caps:     caps,
	}
	c.key = c.id
	if validDeviceID(deviceID) {
		c.key = deviceID
	}
	if n := s.cfg.CmdRatePerMin; n > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
	}

	// Hold the write lock until the reply is out so no status overtakes it.
	c.writeMu.Lock()
	old, ok := s.register(c)
	if !ok {
		c.writeMu.Unlock()
		s.metrics.handshake("max_clients")
		log.Warn("handshake rejected, max number of clients reached",
			logger.Field{Key: "device_id", Value: deviceID},
			logger.Field{Key: "max_clients", Value: s.cfg.MaxClients})
		rejectWithReply(conn, ReplyMaxClients)
		return nil, false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
	err = conn.WriteJSON(HandshakeReply{Type: TypeHandshake, HandshakeString: AuthorizedPrefix + caps.AuthString()})
	c.writeMu.Unlock()

	if old != nil {
		log.Info("replacing connection with the same device id", logger.Field{Key: "device_id", Value: deviceID})
		old.close(websocket.CloseGoingAway, "Replaced by new connection")
	}
	if err != nil {
		s.remove(c)
		c.close(websocket.CloseGoingAway, "")
		return nil, false
	}

	s.metrics.handshake("ok")
	log.Info("client authorized",
		logger.Field{Key: "client_id", Value: c.id},
		logger.Field{Key: "device_id", Value: deviceID},
		logger.Field{Key: "capabilities", Value: caps.AuthString()})
	return c, true
}

func rejectWithError(conn *websocket.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(closeWait))
	_ = conn.WriteJSON(newErrorMessage(msg))
	closeConn(conn, websocket.ClosePolicyViolation, msg)
}

func rejectWithReply(conn *websocket.Conn, reply string) {
	_ = conn.SetWriteDeadline(time.Now().Add(closeWait))
	_ = conn.WriteJSON(HandshakeReply{Type: TypeHandshake, HandshakeString: reply})
	closeConn(conn, websocket.ClosePolicyViolation, reply)
}

// register adds c unless the server is full. A client with the same record
// key is replaced and returned.
func (s *Server) register(c *client) (*client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return nil, false
	}
	old, dup := s.clients[c.key]
	if !dup && len(s.clients) >= s.cfg.MaxClients {
		return nil, false
	}
	s.clients[c.key] = c
	s.metrics.setClients(len(s.clients))
	return old, true
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	if cur, ok := s.clients[c.key]; ok && cur == c {
		delete(s.clients, c.key)
	}
	n := len(s.clients)
	s.mu.Unlock()

	s.metrics.setClients(n)
	s.logger.Debug("client removed",
		logger.Field{Key: "client_id", Value: c.id},
		logger.Field{Key: "device_id", Value: c.deviceID})
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.remove(c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure,
			) {
				s.logger.Warn("client read error",
					logger.Field{Key: "device_id", Value: c.deviceID},
					logger.Field{Key: "error", Value: err.Error()})
			}
			return
		}
		if !s.handleMessage(c, data) {
			return
		}
	}
}

// handleMessage processes one client message and reports whether the connection stays open.
func (s *Server) handleMessage(c *client, data []byte) bool {
	typ, err := decodeType(data)
	if err != nil {
		s.metrics.message("in", "invalid")
		s.logger.Info("invalid message, closing client", logger.Field{Key: "device_id", Value: c.deviceID})
		_ = c.writeJSON(newErrorMessage(ErrInvalidMessage), time.Now().Add(closeWait))
		c.close(websocket.ClosePolicyViolation, ErrInvalidMessage)
		return false
	}

	switch typ {
	case TypeCommand:
		if !c.caps.Has(CanSendCommands) {
			s.metrics.message("in", "unauthorized")
			s.logger.Debug("command from client without send capability dropped",
				logger.Field{Key: "device_id", Value: c.deviceID})
			return true
		}
		var msg CommandMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.metrics.message("in", "invalid")
			_ = c.writeJSON(newErrorMessage(ErrInvalidMessage), time.Now().Add(closeWait))
			c.close(websocket.ClosePolicyViolation, ErrInvalidMessage)
			return false
		}
		if c.limiter != nil && !c.limiter.Allow() {
			s.metrics.message("in", "rate_limited")
			s.logger.Debug("command rate limited", logger.Field{Key: "device_id", Value: c.deviceID})
			return true
		}
		cmd := Command{DeviceID: c.deviceID, Time: msg.Time, CommandString: normalizePeerString(msg.CommandString)}
		if offer(s.incoming, cmd) {
			s.logger.Debug("pending command replaced")
		}
		s.metrics.message("in", "ok")
		s.logger.Info("command received",
			logger.Field{Key: "device_id", Value: c.deviceID},
			logger.Field{Key: "command", Value: cmd.CommandString})
	case TypeHandshake:
		s.logger.Debug("repeated handshake ignored", logger.Field{Key: "device_id", Value: c.deviceID})
	default:
		s.metrics.message("in", "ignored")
		s.logger.Debug("message type ignored",
			logger.Field{Key: "device_id", Value: c.deviceID},
			logger.Field{Key: "type", Value: typ})
	}
	return true
}

// broadcast sends payload to every status recipient concurrently.
func (s *Server) broadcast(ctx context.Context, payload []byte) {
	s.mu.RLock()
	recipients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.caps.Has(CanReceiveStatus) && !c.closed.Load() {
			recipients = append(recipients, c)
		}
	}
	s.mu.RUnlock()

	if len(recipients) == 0 {
		s.metrics.message("out", "no_clients")
		return
	}

	var wg sync.WaitGroup
	for _, c := range recipients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			s.sendWithRetry(ctx, c, payload)
		}(c)
	}
	wg.Wait()
}

func (s *Server) sendWithRetry(ctx context.Context, c *client, payload []byte) {
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:    s.cfg.SendAttempts,
		Delay:          s.cfg.SendDelay,
		AttemptTimeout: s.cfg.SendTimeout,
		Backoff:        retry.Linear,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.logger.Debug("status send failed, retrying",
				logger.Field{Key: "device_id", Value: c.deviceID},
				logger.Field{Key: "attempt", Value: attempt},
				logger.Field{Key: "wait", Value: wait.String()},
				logger.Field{Key: "error", Value: err.Error()})
		},
	}, func(actx context.Context, _ int) error {
		deadline, _ := actx.Deadline()
		return s.send(c, payload, deadline)
	})
	if err == nil {
		s.metrics.message("out", "ok")
		return
	}

	s.metrics.message("out", "failed")
	if c.closed.Load() {
		return
	}
	s.logger.Warn("status delivery failed, disconnecting client",
		logger.Field{Key: "device_id", Value: c.deviceID},
		logger.Field{Key: "error", Value: err.Error()})
	_ = c.writeJSON(newErrorMessage(ErrSendRetries), time.Now().Add(closeWait))
	c.close(websocket.CloseGoingAway, ErrSendRetries)
	s.remove(c)
}

// cleanup drops records of clients whose connection is already closed.
func (s *Server) cleanup() {
	s.mu.Lock()
	var removed int
	for id, c := range s.clients {
		if c.closed.Load() {
			delete(s.clients, id)
			removed++
		}
	}
	n := len(s.clients)
	s.mu.Unlock()

	if removed > 0 {
		s.metrics.setClients(n)
		s.logger.Debug("stale clients removed", logger.Field{Key: "count", Value: removed})
	}
}

// offer puts v into a one-slot channel, evicting the pending value if needed.
// It reports whether a value was evicted.
func offer[T any](ch chan T, v T) bool {
	evicted := false
	for {
		select {
		case ch <- v:
			return evicted
		default:
		}
		select {
		case <-ch:
			evicted = true
		default:
		}
	}
}
