// Package transport serves the WebSocket endpoint, pairing each upgraded
// connection with a session and pumping frames between the socket and the
// router.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wampd/internal/limits"
	"github.com/adred-codev/wampd/internal/metrics"
	"github.com/adred-codev/wampd/internal/processor"
	"github.com/adred-codev/wampd/internal/router"
	"github.com/adred-codev/wampd/internal/session"
	"github.com/adred-codev/wampd/internal/wamp"
)

// Subprotocol is the only WebSocket subprotocol the router speaks.
const Subprotocol = "wamp.2.json"

// Close codes used by the router.
const (
	closeCodeNormal = 1000
	closeCodeAbort  = 1
)

// AuthorizeFunc decides at upgrade time whether a connection may open a
// session. Details returned on allow become the connection's metadata. On
// deny the error message is carried in the ABORT frame.
type AuthorizeFunc func(r *http.Request) (allow bool, details map[string]any, errMessage string)

// AllowAll authorizes every connection with empty details.
func AllowAll(*http.Request) (bool, map[string]any, string) {
	return true, map[string]any{}, ""
}

// Config holds the transport settings. The connection-accept limiter
// fields fall back to the limits package defaults when zero.
type Config struct {
	Addr           string
	MaxConnections int
	SendBufferSize int
	FrameRate      float64
	FrameBurst     int

	ConnRate        float64
	ConnBurst       int
	ConnGlobalRate  float64
	ConnGlobalBurst int
}

// Server is the WebSocket front end of the router.
type Server struct {
	config    Config
	logger    zerolog.Logger
	router    *router.Router
	authorize AuthorizeFunc
	limiter   *limits.ConnectionRateLimiter

	listener       net.Listener
	httpServer     *http.Server
	connectionsSem chan struct{}
	wg             sync.WaitGroup
	shuttingDown   int32
	startTime      time.Time
}

// NewServer builds the transport around an existing router.
func NewServer(config Config, rt *router.Router, authorize AuthorizeFunc, logger zerolog.Logger) *Server {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10000
	}
	if authorize == nil {
		authorize = AllowAll
	}
	return &Server{
		config:    config,
		logger:    logger,
		router:    rt,
		authorize: authorize,
		limiter: limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPRate:      config.ConnRate,
			IPBurst:     config.ConnBurst,
			GlobalRate:  config.ConnGlobalRate,
			GlobalBurst: config.ConnGlobalBurst,
			Logger:      logger,
		}),
		connectionsSem: make(chan struct{}, config.MaxConnections),
		startTime:      time.Now(),
	}
}

// Start begins listening and serving. It returns once the listener is
// bound; the accept loop runs in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().
		Str("address", s.config.Addr).
		Int("max_connections", s.config.MaxConnections).
		Msg("Server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !s.limiter.Allow(ip) {
		metrics.ConnectionsFailed.Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		metrics.ConnectionsFailed.Inc()
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	upgrader := ws.HTTPUpgrader{
		Protocol: func(proto string) bool { return proto == Subprotocol },
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		<-s.connectionsSem
		metrics.ConnectionsFailed.Inc()
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	cl := newClient(conn, s.config.SendBufferSize, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cl.writePump()
	}()

	allow, details, errMessage := s.authorize(r)
	if !allow {
		s.abort(cl, errMessage)
		<-s.connectionsSem
		return
	}

	sess := s.router.Attach(cl, details)
	atomic.StoreInt64(&cl.sessionID, sess.ID)

	s.logger.Debug().
		Int64("session_id", sess.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("Connection opened")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readPump(cl, sess)
	}()
}

// abort rejects a connection after upgrade: an ABORT frame is queued,
// then the socket closes with the abort close code. The close-time flush
// delivers the frame before the close frame.
func (s *Server) abort(cl *client, errMessage string) {
	metrics.ConnectionsAborted.Inc()
	abortMsg, err := wamp.NewAbortMessage(processor.URIUnauthorized)
	if err == nil {
		abortMsg.Details["message"] = errMessage
		if data, err := wamp.Marshal(abortMsg); err == nil {
			_ = cl.WriteMessage(data)
		}
	}
	_ = cl.Close(closeCodeAbort, errMessage)
}

// readPump reads frames off the wire and hands them to the router. It owns
// the connection's cleanup: when the pump exits for any reason the session
// is detached and the socket closed.
func (s *Server) readPump(cl *client, sess *session.Connection) {
	frameLimiter := limits.NewFrameLimiter(s.config.FrameRate, s.config.FrameBurst)

	defer func() {
		s.router.Detach(sess)
		_ = cl.Close(int(ws.StatusGoingAway), "")
		<-s.connectionsSem
		s.logger.Debug().Int64("session_id", sess.ID).Msg("Connection closed")
	}()

	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(cl.conn)
		if err != nil {
			return
		}
		_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if !frameLimiter.Allow() {
				s.logger.Warn().
					Int64("session_id", sess.ID).
					Msg("Session rate limited, dropping frame")
				continue
			}
			disposition, err := s.router.HandleFrame(context.Background(), sess, msg)
			if err != nil {
				s.logger.Warn().
					Int64("session_id", sess.ID).
					Err(err).
					Msg("Closing connection on undecodable frame")
				return
			}
			if disposition.MustClose {
				code := disposition.CloseCode
				if code == 0 {
					code = closeCodeNormal
				}
				_ = cl.Close(code, disposition.CloseReason)
				return
			}
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	connections := s.router.Registry().Count()
	status := "healthy"
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		status = "draining"
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": map[string]any{
			"capacity": map[string]any{
				"current": connections,
				"max":     s.config.MaxConnections,
			},
		},
		"node_id": s.router.Topics().NodeID(),
		"topics":  len(s.router.Topics().TopicNames()),
		"uptime":  time.Since(s.startTime).Seconds(),
	})
}

// Shutdown drains the server: new connections are rejected, the listener
// closes, live sessions get a grace period, and the router's Redis
// resources are released.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Forcing remaining connections closed")
		_ = s.httpServer.Close()
	}

	s.router.Registry().Range(func(c *session.Connection) bool {
		_ = c.CloseSink(int(ws.StatusGoingAway), "server shutting down")
		return true
	})

	s.limiter.Stop()
	s.router.Shutdown()
	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
