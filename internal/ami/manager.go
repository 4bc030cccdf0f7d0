package ami

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
)

// Manager handles Asterisk Manager Interface connections
type Manager struct {
	config Config

	connMu sync.Mutex // serializes Connect
	mu     sync.RWMutex
	conn   net.Conn
	writer *bufio.Writer
	// closed when the current connection's reader exits
	connDone  chan struct{}
	connected bool
	loggedIn  bool

	writeMu sync.Mutex

	// Action handling
	actionID       uint64
	pendingActions map[string]*pendingAction
	actionMutex    sync.Mutex

	// Connection management
	shutdown      chan struct{}
	shutdownOnce  sync.Once
	reconnectChan chan struct{}
	loopsOnce     sync.Once
	wg            sync.WaitGroup

	// Metrics
	totalEvents   uint64
	totalActions  uint64
	failedActions uint64
}

// Config holds AMI connection configuration
type Config struct {
	Host              string
	Port              int
	Username          string
	Password          string
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	ActionTimeout     time.Duration
	ConnectTimeout    time.Duration
	BufferSize        int
}

// Event represents an AMI message: a response or an event
type Event map[string]string

// Action represents an AMI action
type Action struct {
	Action   string
	ActionID string
	Fields   map[string]string
}

type pendingAction struct {
	events chan Event
	done   chan struct{}
}

// NewManager creates a new AMI manager
func NewManager(config Config) *Manager {
	if config.Port == 0 {
		config.Port = 5038
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ActionTimeout == 0 {
		config.ActionTimeout = 5 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.BufferSize == 0 {
		config.BufferSize = 256
	}

	return &Manager{
		config:         config,
		pendingActions: make(map[string]*pendingAction),
		shutdown:       make(chan struct{}),
		reconnectChan:  make(chan struct{}, 1),
	}
}

// Connect establishes connection to AMI and logs in
func (m *Manager) Connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.IsLoggedIn() {
		return nil
	}

	select {
	case <-m.shutdown:
		return errors.New(errors.ErrUpstreamUnavailable, "AMI manager shutting down")
	default:
	}

	addr := net.JoinHostPort(m.config.Host, fmt.Sprintf("%d", m.config.Port))
	logger.Info("Connecting to Asterisk AMI", "addr", addr)

	dialer := net.Dialer{
		Timeout: m.config.ConnectTimeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrUpstreamUnavailable, "failed to connect to AMI")
	}

	reader := bufio.NewReader(conn)

	// Set read deadline for banner
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	banner, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return errors.Wrap(err, errors.ErrUpstreamUnavailable, "failed to read AMI banner")
	}

	conn.SetReadDeadline(time.Time{})

	banner = strings.TrimSpace(banner)
	logger.Debug("AMI Banner received", "banner", banner)

	if !strings.Contains(banner, "Asterisk Call Manager") {
		conn.Close()
		return errors.New(errors.ErrUpstreamUnavailable, fmt.Sprintf("invalid AMI banner: %s", banner))
	}

	done := make(chan struct{})

	m.mu.Lock()
	m.conn = conn
	m.writer = bufio.NewWriter(conn)
	m.connDone = done
	m.connected = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.eventReader(conn, reader, done)

	if err := m.performLogin(ctx); err != nil {
		m.dropConnection(conn)
		return err
	}

	m.mu.Lock()
	m.loggedIn = true
	m.mu.Unlock()

	m.loopsOnce.Do(func() {
		m.wg.Add(2)
		go m.pingLoop()
		go m.reconnectHandler()
	})

	logger.Info("Connected to Asterisk AMI successfully")

	return nil
}

// performLogin handles the login process. Events are switched off so the
// connection only carries replies to our own actions.
func (m *Manager) performLogin(ctx context.Context) error {
	logger.Debug("Performing AMI login", "username", m.config.Username)

	response, err := m.send(ctx, Action{
		Action: "Login",
		Fields: map[string]string{
			"Username": m.config.Username,
			"Secret":   m.config.Password,
			"Events":   "off",
		},
	}, "")
	if err != nil {
		return err
	}

	if response[0]["Response"] != "Success" {
		msg := response[0]["Message"]
		if msg == "" {
			msg = "Authentication failed"
		}
		return errors.New(errors.ErrAuthFailed, msg)
	}

	logger.Debug("AMI login successful")
	return nil
}

// Close closes the AMI connection and stops background loops
func (m *Manager) Close() {
	m.shutdownOnce.Do(func() { close(m.shutdown) })

	m.mu.Lock()
	m.connected = false
	m.loggedIn = false
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("AMI manager closed gracefully")
	case <-time.After(5 * time.Second):
		logger.Warn("AMI manager close timeout")
	}
}

// SendAction sends an AMI action and waits for its response
func (m *Manager) SendAction(ctx context.Context, action Action) (Event, error) {
	if !m.IsLoggedIn() {
		return nil, errors.New(errors.ErrUpstreamUnavailable, "not logged in to AMI")
	}

	events, err := m.send(ctx, action, "")
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// sendList sends an action whose response is followed by a list of events
// ending with completeEvent, and returns the response and the list items.
func (m *Manager) sendList(ctx context.Context, action Action, completeEvent string) (Event, []Event, error) {
	if !m.IsLoggedIn() {
		return nil, nil, errors.New(errors.ErrUpstreamUnavailable, "not logged in to AMI")
	}

	events, err := m.send(ctx, action, completeEvent)
	if err != nil {
		return nil, nil, err
	}
	if len(events) < 2 {
		return events[0], nil, nil
	}
	// drop the completion marker
	return events[0], events[1 : len(events)-1], nil
}

// send writes action and collects messages carrying its ActionID. Without
// completeEvent it returns after the response; with one it keeps reading
// until that event arrives, unless the response is an error.
func (m *Manager) send(ctx context.Context, action Action, completeEvent string) ([]Event, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ActionTimeout)
		defer cancel()
	}

	m.mu.RLock()
	connected, writer, connDone := m.connected, m.writer, m.connDone
	m.mu.RUnlock()
	if !connected {
		return nil, errors.New(errors.ErrUpstreamUnavailable, "not connected to AMI")
	}

	actionID := fmt.Sprintf("%d", atomic.AddUint64(&m.actionID, 1))
	action.ActionID = actionID

	pending := &pendingAction{
		events: make(chan Event, m.config.BufferSize),
		done:   make(chan struct{}),
	}

	m.actionMutex.Lock()
	m.pendingActions[actionID] = pending
	m.actionMutex.Unlock()

	defer func() {
		m.actionMutex.Lock()
		delete(m.pendingActions, actionID)
		m.actionMutex.Unlock()
		close(pending.done)
	}()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Action: %s\r\n", action.Action))
	sb.WriteString(fmt.Sprintf("ActionID: %s\r\n", actionID))
	for key, value := range action.Fields {
		sb.WriteString(fmt.Sprintf("%s: %s\r\n", key, value))
	}
	sb.WriteString("\r\n")

	m.writeMu.Lock()
	_, err := writer.WriteString(sb.String())
	if err == nil {
		err = writer.Flush()
	}
	m.writeMu.Unlock()

	if err != nil {
		atomic.AddUint64(&m.failedActions, 1)
		m.triggerReconnect()
		return nil, errors.Wrap(err, errors.ErrUpstreamUnavailable, "failed to write AMI action")
	}

	atomic.AddUint64(&m.totalActions, 1)

	var collected []Event
	for {
		select {
		case event := <-pending.events:
			collected = append(collected, event)
			if len(collected) == 1 {
				if completeEvent == "" || event["Response"] != "Success" {
					return collected, nil
				}
				continue
			}
			if event["Event"] == completeEvent {
				return collected, nil
			}
		case <-ctx.Done():
			atomic.AddUint64(&m.failedActions, 1)
			return nil, errors.Wrap(ctx.Err(), errors.ErrUpstreamUnavailable,
				fmt.Sprintf("AMI %s timed out", action.Action))
		case <-connDone:
			atomic.AddUint64(&m.failedActions, 1)
			return nil, errors.New(errors.ErrUpstreamUnavailable, "AMI connection lost")
		case <-m.shutdown:
			return nil, errors.New(errors.ErrUpstreamUnavailable, "AMI manager shutting down")
		}
	}
}

// eventReader reads messages for one connection and routes them to the
// pending action with the same ActionID
func (m *Manager) eventReader(conn net.Conn, reader *bufio.Reader, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)

	for {
		event, err := readEvent(reader)
		if err != nil {
			select {
			case <-m.shutdown:
				return
			default:
			}
			if !strings.Contains(err.Error(), "use of closed network connection") {
				logger.Error("Failed to read AMI event", "error", err)
			}
			m.dropConnection(conn)
			m.triggerReconnect()
			return
		}

		atomic.AddUint64(&m.totalEvents, 1)

		actionID := event["ActionID"]
		if actionID == "" {
			continue
		}

		m.actionMutex.Lock()
		pending, ok := m.pendingActions[actionID]
		m.actionMutex.Unlock()
		if !ok {
			continue
		}

		select {
		case pending.events <- event:
		case <-pending.done:
		case <-m.shutdown:
			return
		}
	}
}

// readEvent reads a single blank-line terminated message
func readEvent(reader *bufio.Reader) (Event, error) {
	event := make(Event)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimSpace(line)

		// Empty line = end of event
		if line == "" {
			if len(event) > 0 {
				return event, nil
			}
			continue
		}

		if idx := strings.Index(line, ":"); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+1:])
			event[key] = value
		}
	}
}

// dropConnection marks conn as gone if it is still the current connection
func (m *Manager) dropConnection(conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != conn {
		return
	}
	m.connected = false
	m.loggedIn = false
	conn.Close()
}

func (m *Manager) triggerReconnect() {
	select {
	case m.reconnectChan <- struct{}{}:
	default:
	}
}

// pingLoop sends periodic pings; a failed ping forces a reconnect
func (m *Manager) pingLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			if !m.IsLoggedIn() {
				continue
			}
			if err := m.Ping(context.Background()); err != nil {
				logger.Warn("AMI ping failed", "error", err)
				m.mu.RLock()
				conn := m.conn
				m.mu.RUnlock()
				if conn != nil {
					m.dropConnection(conn)
				}
				m.triggerReconnect()
			}
		}
	}
}

// reconnectHandler handles reconnection
func (m *Manager) reconnectHandler() {
	defer m.wg.Done()

	for {
		select {
		case <-m.shutdown:
			return
		case <-m.reconnectChan:
			if m.IsLoggedIn() {
				continue
			}
			logger.Info("AMI reconnection triggered")

			select {
			case <-m.shutdown:
				return
			case <-time.After(m.config.ReconnectInterval):
			}

			ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout)
			err := m.Connect(ctx)
			cancel()
			if err != nil {
				logger.Error("AMI reconnection failed", "error", err)
				m.triggerReconnect()
			}
		}
	}
}

// Helper methods

// IsConnected returns connection status
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// IsLoggedIn returns login status
func (m *Manager) IsLoggedIn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loggedIn
}

// GetStats returns AMI statistics
func (m *Manager) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_events":   atomic.LoadUint64(&m.totalEvents),
		"total_actions":  atomic.LoadUint64(&m.totalActions),
		"failed_actions": atomic.LoadUint64(&m.failedActions),
		"connected":      m.IsConnected(),
		"logged_in":      m.IsLoggedIn(),
	}
}

// ConnectWithRetry attempts connection with retries
func (m *Manager) ConnectWithRetry(ctx context.Context, maxRetries int) error {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			logger.Info("Retrying AMI connection", "attempt", i+1, "max", maxRetries)
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.ErrUpstreamUnavailable, "AMI connection aborted")
			case <-time.After(m.config.ReconnectInterval):
			}
		}

		err := m.Connect(ctx)
		if err == nil {
			return nil
		}

		lastErr = err
		logger.Warn("AMI connection attempt failed", "attempt", i+1, "error", err)
	}

	return lastErr
}

// ConnectOptional keeps trying to connect in the background until ctx ends
// or the first successful login; after that the reconnect loop takes over.
func (m *Manager) ConnectOptional(ctx context.Context) {
	go func() {
		for {
			err := m.Connect(ctx)
			if err == nil {
				return
			}
			logger.Debug("AMI connection failed, will retry", "error", err)

			select {
			case <-ctx.Done():
				return
			case <-m.shutdown:
				return
			case <-time.After(m.config.ReconnectInterval):
			}
		}
	}()
}

// Ping checks that the server answers actions
func (m *Manager) Ping(ctx context.Context) error {
	response, err := m.SendAction(ctx, Action{Action: "Ping"})
	if err != nil {
		return err
	}
	if response["Response"] != "Success" {
		return errors.New(errors.ErrUpstreamUnavailable, "AMI ping rejected")
	}
	return nil
}
