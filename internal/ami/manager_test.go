package ami

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
)

// fakeAMI is a minimal Asterisk manager endpoint
type fakeAMI struct {
	listener net.Listener
	secret   string
	channels []Event
	live     map[string]bool
	silent   map[string]bool // actions left unanswered

	mu      sync.Mutex
	actions []Event
	conns   []net.Conn
}

func newFakeAMI(t *testing.T, opts ...func(*fakeAMI)) *fakeAMI {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeAMI{
		listener: l,
		secret:   "s3cret",
		live:     map[string]bool{},
		silent:   map[string]bool{},
	}
	for _, opt := range opts {
		opt(f)
	}
	go f.serve()
	t.Cleanup(func() {
		l.Close()
		f.mu.Lock()
		for _, c := range f.conns {
			c.Close()
		}
		f.mu.Unlock()
	})
	return f
}

func (f *fakeAMI) config() Config {
	addr := f.listener.Addr().(*net.TCPAddr)
	return Config{
		Host:              addr.IP.String(),
		Port:              addr.Port,
		Username:          "checker",
		Password:          f.secret,
		ActionTimeout:     time.Second,
		ReconnectInterval: 50 * time.Millisecond,
		PingInterval:      time.Hour,
	}
}

func (f *fakeAMI) received(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actions {
		if a["Action"] == action {
			n++
		}
	}
	return n
}

func (f *fakeAMI) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeAMI) handle(conn net.Conn) {
	defer conn.Close()
	fmt.Fprint(conn, "Asterisk Call Manager/5.0.1\r\n")

	reader := bufio.NewReader(conn)
	for {
		action, err := readEvent(reader)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.actions = append(f.actions, action)
		silent := f.silent[action["Action"]]
		f.mu.Unlock()
		if silent {
			continue
		}

		id := action["ActionID"]
		var out strings.Builder
		switch action["Action"] {
		case "Login":
			if action["Secret"] == f.secret && action["Events"] == "off" {
				writeMessage(&out, "Response", "Success", "ActionID", id, "Message", "Authentication accepted")
			} else {
				writeMessage(&out, "Response", "Error", "ActionID", id, "Message", "Authentication failed")
			}
		case "Ping":
			writeMessage(&out, "Response", "Success", "ActionID", id, "Ping", "Pong")
		case "CoreShowChannels":
			writeMessage(&out, "Response", "Success", "ActionID", id, "EventList", "start")
			// unrelated traffic is ignored by the reader
			writeMessage(&out, "Event", "FullyBooted", "Status", "Fully Booted")
			for _, ch := range f.channels {
				fields := []string{"Event", "CoreShowChannel", "ActionID", id}
				for k, v := range ch {
					fields = append(fields, k, v)
				}
				writeMessage(&out, fields...)
			}
			writeMessage(&out, "Event", "CoreShowChannelsComplete", "ActionID", id,
				"EventList", "Complete", "ListItems", strconv.Itoa(len(f.channels)))
		case "Hangup":
			f.mu.Lock()
			ok := f.live[action["Channel"]]
			delete(f.live, action["Channel"])
			f.mu.Unlock()
			if ok {
				writeMessage(&out, "Response", "Success", "ActionID", id, "Message", "Channel Hungup")
			} else {
				writeMessage(&out, "Response", "Error", "ActionID", id, "Message", "No such channel")
			}
		default:
			writeMessage(&out, "Response", "Error", "ActionID", id, "Message", "Invalid/unknown command")
		}
		if _, err := conn.Write([]byte(out.String())); err != nil {
			return
		}
	}
}

func writeMessage(sb *strings.Builder, kv ...string) {
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(sb, "%s: %s\r\n", kv[i], kv[i+1])
	}
	sb.WriteString("\r\n")
}

func connectedManager(t *testing.T, f *fakeAMI) *Manager {
	t.Helper()
	m := NewManager(f.config())
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(m.Close)
	return m
}

func TestManager_ConnectAndPing(t *testing.T) {
	f := newFakeAMI(t)
	m := connectedManager(t, f)

	assert.True(t, m.IsConnected())
	assert.True(t, m.IsLoggedIn())
	require.NoError(t, m.Ping(context.Background()))
	assert.Equal(t, 1, f.received("Login"))
	assert.Equal(t, 1, f.received("Ping"))

	stats := m.GetStats()
	assert.Equal(t, true, stats["logged_in"])
	assert.GreaterOrEqual(t, stats["total_actions"].(uint64), uint64(1))
}

func TestManager_BadLogin(t *testing.T) {
	f := newFakeAMI(t)
	cfg := f.config()
	cfg.Password = "wrong"
	m := NewManager(cfg)
	defer m.Close()

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuthFailed))
	assert.False(t, m.IsLoggedIn())
}

func TestManager_ActionsRequireLogin(t *testing.T) {
	m := NewManager(Config{Host: "127.0.0.1", Port: 1})
	defer m.Close()

	_, err := m.ListActiveChannels(context.Background())
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))

	err = m.TerminateChannel(context.Background(), "PJSIP/x")
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))
}

func TestManager_ListActiveChannels(t *testing.T) {
	f := newFakeAMI(t, func(f *fakeAMI) {
		f.channels = []Event{
			{"Channel": "PJSIP/trunk-00000001", "Exten": "19025809678", "CallerIDNum": "5551234567", "ChannelState": "6", "Uniqueid": "1760000000.1"},
			{"Channel": "PJSIP/trunk-00000002", "Exten": "5550100", "ChannelState": "5", "Uniqueid": "1760000001.2"},
		}
	})
	m := connectedManager(t, f)

	channels, err := m.ListActiveChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "PJSIP/trunk-00000001", channels[0].ID)
	assert.Equal(t, models.ChannelStateUp, channels[0].State)
	assert.Equal(t, "5551234567", channels[0].CallerIDNumber)
	assert.Equal(t, models.ChannelStateRinging, channels[1].State)
}

func TestManager_ListActiveChannelsEmpty(t *testing.T) {
	f := newFakeAMI(t)
	m := connectedManager(t, f)

	channels, err := m.ListActiveChannels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestManager_TerminateChannel(t *testing.T) {
	f := newFakeAMI(t, func(f *fakeAMI) { f.live["PJSIP/trunk-00000001"] = true })
	m := connectedManager(t, f)

	require.NoError(t, m.TerminateChannel(context.Background(), "PJSIP/trunk-00000001"))

	err := m.TerminateChannel(context.Background(), "PJSIP/trunk-00000001")
	assert.True(t, errors.Is(err, errors.ErrChannelNotFound))
}

func TestManager_ActionTimeout(t *testing.T) {
	f := newFakeAMI(t, func(f *fakeAMI) { f.silent["CoreShowChannels"] = true })
	m := connectedManager(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.ListActiveChannels(ctx)
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))
	assert.Less(t, time.Since(start), time.Second)

	// the connection stays usable
	require.NoError(t, m.Ping(context.Background()))
}

func TestManager_ConnectionLostFailsPendingAction(t *testing.T) {
	f := newFakeAMI(t, func(f *fakeAMI) { f.silent["CoreShowChannels"] = true })
	m := connectedManager(t, f)

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.mu.Lock()
		for _, c := range f.conns {
			c.Close()
		}
		f.mu.Unlock()
	}()

	_, err := m.ListActiveChannels(context.Background())
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))
}

func TestManager_Reconnects(t *testing.T) {
	f := newFakeAMI(t)
	m := connectedManager(t, f)

	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.mu.Unlock()

	assert.Eventually(t, func() bool {
		return f.received("Login") >= 2 && m.IsLoggedIn()
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Ping(context.Background()))
}

func TestManager_ConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	m := NewManager(Config{Host: "127.0.0.1", Port: port, ConnectTimeout: time.Second})
	defer m.Close()

	err = m.Connect(context.Background())
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))
}
