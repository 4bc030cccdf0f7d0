package agi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
)

// Channel variables set for the dialplan
const (
	VarStatus    = "CHECK_STATUS"
	VarError     = "CHECK_ERROR"
	VarConnected = "CALL_CONNECTED"
	VarChannelID = "CALL_CHANNEL_ID"
	VarMessage   = "CALL_MESSAGE"
)

// Service is what the dialplan can ask of the checker
type Service interface {
	CheckConnection(ctx context.Context, dialedNumber, callerID string) (*models.ConnectionResult, error)
	Disconnect(ctx context.Context, channelID string) (*models.DisconnectResult, error)
}

type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

type Config struct {
	ListenAddress   string
	Port            int
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is a FastAGI endpoint. Each session carries one request named by
// the path of agi_request, e.g. agi://checker:4573/check-connection, and
// ends when the server closes the connection.
type Server struct {
	service Service
	config  Config
	metrics MetricsInterface

	listener     net.Listener
	connections  sync.WaitGroup
	shuttingDown atomic.Bool

	mu          sync.Mutex
	activeConns map[string]*Session
	connCount   atomic.Int64
	sessionSeq  atomic.Uint64
}

type Session struct {
	id      string
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	headers map[string]string
	server  *Server
	ctx     context.Context
}

func NewServer(service Service, config Config, metrics MetricsInterface) *Server {
	if config.Port == 0 && config.ListenAddress == "" {
		config.Port = 4573
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Server{
		service:     service,
		config:      config,
		metrics:     metrics,
		activeConns: make(map[string]*Session),
	}
}

// Listen binds the listener without accepting yet
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.config.ListenAddress, fmt.Sprintf("%d", s.config.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "failed to start AGI server")
	}

	s.listener = listener
	logger.Info("AGI server started", "address", listener.Addr().String())
	return nil
}

// Addr is the bound address, valid after Listen
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start listens and serves until Stop
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts sessions until Stop
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return errors.Wrap(err, errors.ErrInternal, "AGI accept failed")
		}

		if s.config.MaxConnections > 0 && int(s.connCount.Load()) >= s.config.MaxConnections {
			logger.Warn("Connection limit reached, rejecting connection")
			conn.Close()
			s.metrics.IncrementCounter("agi_connections_rejected", map[string]string{
				"reason": "limit_exceeded",
			})
			continue
		}

		s.connections.Add(1)
		s.connCount.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) Stop() error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connections.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("AGI server stopped gracefully")
	case <-time.After(s.config.ShutdownTimeout):
		logger.Warn("AGI server shutdown timeout, forcing close")
		s.forceCloseConnections()
	}

	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.connections.Done()
		s.connCount.Add(-1)
		s.metrics.SetGauge("agi_connections_active", float64(s.connCount.Load()), nil)
		conn.Close()
	}()

	session := &Session{
		id:      fmt.Sprintf("agi-%d", s.sessionSeq.Add(1)),
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		headers: make(map[string]string),
		server:  s,
		ctx:     context.Background(),
	}

	s.mu.Lock()
	s.activeConns[session.id] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.activeConns, session.id)
		s.mu.Unlock()
	}()

	logger.Debug("New AGI connection",
		"session_id", session.id,
		"remote_addr", conn.RemoteAddr().String())

	s.metrics.SetGauge("agi_connections_active", float64(s.connCount.Load()), nil)

	start := time.Now()
	if err := session.handle(); err != nil {
		if err != io.EOF && !strings.Contains(err.Error(), "use of closed network connection") {
			logger.Warn("Session error", "session_id", session.id, "error", err)
		}
	}

	logger.Debug("AGI session completed",
		"session_id", session.id,
		"duration", time.Since(start).Seconds())
}

func (session *Session) handle() error {
	if err := session.readHeaders(); err != nil {
		return err
	}

	request := session.headers["agi_request"]
	if request == "" {
		return errors.New(errors.ErrBadRequest, "no AGI request found")
	}

	if uid := session.headers["agi_uniqueid"]; uid != "" {
		session.ctx = context.WithValue(session.ctx, logger.RequestIDKey, uid)
	}

	log := logger.WithContext(session.ctx)
	log.Info("Processing AGI request",
		"request", request,
		"channel", session.headers["agi_channel"],
		"callerid", session.headers["agi_callerid"],
		"extension", session.headers["agi_extension"])

	action := requestAction(request)
	start := time.Now()
	defer func() {
		session.server.metrics.ObserveHistogram("agi_processing_time", time.Since(start).Seconds(), map[string]string{
			"action": action,
		})
	}()

	switch action {
	case "check-connection":
		return session.handleCheck()
	case "disconnect-call":
		return session.handleDisconnect()
	default:
		log.Warn("Unknown AGI request", "request", request)
		session.server.countRequest("unknown", "rejected")
		return session.setVariables(VarStatus, "error", VarError, string(errors.ErrBadRequest))
	}
}

// requestAction extracts the script path of an agi:// request
func requestAction(request string) string {
	u, err := url.Parse(request)
	if err != nil || u.Path == "" {
		return strings.Trim(request, "/")
	}
	return strings.Trim(u.Path, "/")
}

func (session *Session) readHeaders() error {
	for {
		session.conn.SetReadDeadline(time.Now().Add(session.server.config.ReadTimeout))
		line, err := session.reader.ReadString('\n')
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			return nil
		}

		if key, value, ok := strings.Cut(line, ":"); ok {
			session.headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
}

// arg returns agi_arg_n, falling back to the given header
func (session *Session) arg(n int, fallback string) string {
	if v := session.headers[fmt.Sprintf("agi_arg_%d", n)]; v != "" {
		return v
	}
	return session.headers[fallback]
}

// handleCheck looks up the dialed number (first argument, else the
// extension) and reports through channel variables. An unreachable
// telephony server sets CHECK_STATUS=error and leaves CALL_CONNECTED unset.
func (session *Session) handleCheck() error {
	dialed := session.arg(1, "agi_extension")
	callerID := session.arg(2, "agi_callerid")

	result, err := session.server.service.CheckConnection(session.ctx, dialed, callerID)
	if err != nil {
		return session.fail("check-connection", err)
	}

	connected := "0"
	channelID := ""
	if result.Connected {
		connected = "1"
		channelID = *result.ChannelID
	}

	if err := session.setVariables(
		VarStatus, "ok",
		VarConnected, connected,
		VarChannelID, channelID,
		VarMessage, result.Message,
	); err != nil {
		return err
	}

	session.server.countRequest("check-connection", "success")
	return nil
}

func (session *Session) handleDisconnect() error {
	channelID := session.arg(1, "")

	if _, err := session.server.service.Disconnect(session.ctx, channelID); err != nil {
		return session.fail("disconnect-call", err)
	}

	if err := session.setVariables(VarStatus, "ok"); err != nil {
		return err
	}

	session.server.countRequest("disconnect-call", "success")
	return nil
}

func (session *Session) fail(action string, err error) error {
	logger.WithContext(session.ctx).WithError(err).Warn("AGI request failed", "action", action)

	code := string(errors.ErrInternal)
	if appErr, ok := errors.As(err); ok {
		code = string(appErr.Code)
	}

	if err := session.setVariables(VarStatus, "error", VarError, code); err != nil {
		return err
	}

	session.server.countRequest(action, "error")
	return nil
}

func (s *Server) countRequest(action, result string) {
	s.metrics.IncrementCounter("agi_requests", map[string]string{
		"action": action,
		"result": result,
	})
}

// setVariables issues SET VARIABLE for each name/value pair
func (session *Session) setVariables(kv ...string) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if err := session.setVariable(kv[i], kv[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (session *Session) setVariable(name, value string) error {
	value = strings.ReplaceAll(value, `"`, `\"`)
	cmd := fmt.Sprintf("SET VARIABLE %s \"%s\"", name, value)
	if err := session.sendCommand(cmd); err != nil {
		return err
	}

	response, err := session.readResponse()
	if err != nil {
		return err
	}

	logger.WithContext(session.ctx).Debug("Set AGI variable",
		"variable", name,
		"value", value,
		"response", response)

	return nil
}

func (session *Session) sendCommand(cmd string) error {
	session.conn.SetWriteDeadline(time.Now().Add(session.server.config.WriteTimeout))

	if _, err := session.writer.WriteString(cmd + "\n"); err != nil {
		return err
	}

	return session.writer.Flush()
}

func (session *Session) readResponse() (string, error) {
	session.conn.SetReadDeadline(time.Now().Add(session.server.config.ReadTimeout))

	response, err := session.reader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(response), nil
}

func (s *Server) forceCloseConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, session := range s.activeConns {
		logger.Info("Force closing connection", "session_id", id)
		session.conn.Close()
	}
}

type noopMetrics struct{}

func (noopMetrics) IncrementCounter(string, map[string]string)          {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}
