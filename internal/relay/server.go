package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/questrail/gocan/internal/bqueue"
	"github.com/questrail/gocan/internal/canframe"
	"github.com/questrail/gocan/internal/logging"
	"github.com/questrail/gocan/internal/metrics"
)

// Sentinel errors, wrapped so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrContext   = errors.New("context_cancelled")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}

// BackpressurePolicy controls what Broadcast does when a client's outbound
// queue is full: drop the frame, or disconnect the slow client.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Client is one connected relay client's outbound queue, backed by the same
// bqueue.Queue bounded FIFO the transport adapters use. The queue itself
// never blocks a broadcaster: Broadcast uses a non-blocking Put and applies
// Policy on overflow.
type Client struct {
	out       *bqueue.Queue[canframe.Frame]
	done      chan struct{}
	closeOnce sync.Once
}

func newRelayClient(bufSize int) *Client {
	if bufSize <= 0 {
		bufSize = 512
	}
	return &Client{out: bqueue.New[canframe.Frame](bufSize), done: make(chan struct{})}
}

// close signals the client's writer to exit. Idempotent.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// SendFunc transmits a frame read from a relay client onward (typically
// Comm.Send). It reports acceptance, not delivery: false means the frame was
// dropped, most commonly because an outbound queue was full.
type SendFunc func(canframe.Frame) bool

// Server owns the TCP listener, the set of connected relay clients, and the
// fan-out/backpressure policy applied when broadcasting inbound frames to
// them.
type Server struct {
	mu   sync.RWMutex
	addr string
	Send SendFunc

	// OutBufSize sizes each client's outbound queue; Policy governs what
	// happens to a broadcast frame the queue can't absorb.
	OutBufSize int
	Policy     BackpressurePolicy

	frameFilter func(*canframe.Frame) bool

	flushInterval      time.Duration
	batchSize          int
	readDeadline       time.Duration
	handshakeTimeout   time.Duration
	maxClients         int
	readyOnce          sync.Once
	readyCh            chan struct{}
	lastErrMu          sync.Mutex
	lastErr            error
	errCh              chan error
	listener           net.Listener
	clientsMu          sync.RWMutex
	clients            map[*Client]net.Conn
	wg                 sync.WaitGroup
	logger             *slog.Logger
	nextConnID         uint64
	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalConnected     atomic.Uint64
	totalDisconnected  atomic.Uint64
	totalSendRejected  atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
)

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// NewServer builds a Server with defaults, applying opts in order.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithSend(send SendFunc) ServerOption  { return func(s *Server) { s.Send = send } }
func WithOutBufSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.OutBufSize = n
		}
	}
}
func WithBackpressurePolicy(p BackpressurePolicy) ServerOption {
	return func(s *Server) { s.Policy = p }
}
func WithFrameFilter(fn func(*canframe.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Count returns the number of connected relay clients.
func (s *Server) Count() int {
	s.clientsMu.RLock()
	n := len(s.clients)
	s.clientsMu.RUnlock()
	return n
}

// Broadcast fans fr out to every connected relay client's outbound queue,
// applying Policy when a client can't absorb it. Register this as a
// demux.Handler to relay every inbound (or every unrouted) frame.
func (s *Server) Broadcast(fr canframe.Frame) {
	s.clientsMu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for cl := range s.clients {
		clients = append(clients, cl)
	}
	s.clientsMu.RUnlock()

	metrics.SetBroadcastFanout(len(clients))
	metrics.SetHubClients(len(clients))
	if len(clients) > 0 {
		max, sum := 0, 0
		for _, cl := range clients {
			l := cl.out.Size()
			if l > max {
				max = l
			}
			sum += l
		}
		metrics.SetQueueDepth(max, sum/len(clients))
	}
	for _, cl := range clients {
		if err := cl.out.Put(context.Background(), fr, 0); err != nil {
			if s.Policy == PolicyKick {
				metrics.IncHubKick()
				cl.close()
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Serve accepts TCP clients and spawns reader/writer goroutines per client,
// blocking until ctx is cancelled or a fatal listener error occurs.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	if s.readyCh != nil {
		s.readyOnce.Do(func() { close(s.readyCh) })
	}
	s.logger.Info("relay_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.totalHandshakeFail.Add(1)
		connLogger.Warn("relay_handshake_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}
	if s.maxClients > 0 && s.Count() >= s.maxClients {
		metrics.IncHubReject()
		connLogger.Warn("relay_client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	client := newRelayClient(s.OutBufSize)
	s.clientsMu.Lock()
	s.clients[client] = conn
	n := len(s.clients)
	s.clientsMu.Unlock()
	metrics.SetHubClients(n)
	if n == 1 {
		connLogger.Info("relay_clients_first_connected")
	}
	s.totalConnected.Add(1)
	connLogger.Info("relay_client_connected")
	s.startWriter(ctx, conn, client, connLogger)
	s.startReader(ctx, conn, client, connLogger)
	return nil
}

// removeClient unregisters cl and signals its writer to exit. Safe to call
// more than once.
func (s *Server) removeClient(cl *Client) {
	s.clientsMu.Lock()
	_, existed := s.clients[cl]
	delete(s.clients, cl)
	n := len(s.clients)
	s.clientsMu.Unlock()
	cl.close()
	metrics.SetHubClients(n)
	if existed && n == 0 {
		s.logger.Info("relay_clients_last_disconnected")
	}
}

// Shutdown closes the listener and all client connections, waiting for their
// IO goroutines to exit or ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		cl.close()
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("relay_shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeFail.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"send_rejected", s.totalSendRejected.Load())
		return nil
	}
}
