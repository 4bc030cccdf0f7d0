package agi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) CheckConnection(ctx context.Context, dialedNumber, callerID string) (*models.ConnectionResult, error) {
	args := m.Called(dialedNumber, callerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ConnectionResult), args.Error(1)
}

func (m *MockService) Disconnect(ctx context.Context, channelID string) (*models.DisconnectResult, error) {
	args := m.Called(channelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DisconnectResult), args.Error(1)
}

func startServer(t *testing.T, svc Service, cfg Config) *Server {
	t.Helper()

	cfg.ListenAddress = "127.0.0.1"
	srv := NewServer(svc, cfg, nil)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// runSession plays the Asterisk side of one FastAGI session and returns the
// variables the server set, in order.
func runSession(t *testing.T, addr net.Addr, headers map[string]string) map[string]string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	var b strings.Builder
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	b.WriteString("\n")
	_, err = conn.Write([]byte(b.String()))
	require.NoError(t, err)

	vars := map[string]string{}
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return vars
		}
		line = strings.TrimSpace(line)

		rest, ok := strings.CutPrefix(line, "SET VARIABLE ")
		require.True(t, ok, "unexpected command %q", line)
		name, value, _ := strings.Cut(rest, " ")
		vars[name] = strings.Trim(value, `"`)

		_, err = conn.Write([]byte("200 result=1\n"))
		require.NoError(t, err)
	}
}

func TestRequestAction(t *testing.T) {
	assert.Equal(t, "check-connection", requestAction("agi://10.0.0.5:4573/check-connection"))
	assert.Equal(t, "disconnect-call", requestAction("agi://checker/disconnect-call"))
	assert.Equal(t, "check-connection", requestAction("check-connection"))
}

func TestCheckConnection_Connected(t *testing.T) {
	svc := new(MockService)
	channelID := "PJSIP/trunk-00000001"
	svc.On("CheckConnection", "9025809678", "4155550100").Return(&models.ConnectionResult{
		Connected: true,
		ChannelID: &channelID,
		Message:   "Call exists on server",
	}, nil)

	srv := startServer(t, svc, Config{})

	vars := runSession(t, srv.Addr(), map[string]string{
		"agi_request":  "agi://127.0.0.1/check-connection",
		"agi_uniqueid": "1697712000.42",
		"agi_arg_1":    "9025809678",
		"agi_arg_2":    "4155550100",
	})

	assert.Equal(t, "ok", vars[VarStatus])
	assert.Equal(t, "1", vars[VarConnected])
	assert.Equal(t, channelID, vars[VarChannelID])
	assert.Equal(t, "Call exists on server", vars[VarMessage])
	svc.AssertExpectations(t)
}

func TestCheckConnection_FallsBackToExtension(t *testing.T) {
	svc := new(MockService)
	svc.On("CheckConnection", "5809678", "100").Return(&models.ConnectionResult{
		Message: "No matching call found",
	}, nil)

	srv := startServer(t, svc, Config{})

	vars := runSession(t, srv.Addr(), map[string]string{
		"agi_request":   "agi://127.0.0.1/check-connection",
		"agi_extension": "5809678",
		"agi_callerid":  "100",
	})

	assert.Equal(t, "ok", vars[VarStatus])
	assert.Equal(t, "0", vars[VarConnected])
	assert.Empty(t, vars[VarChannelID])
	svc.AssertExpectations(t)
}

func TestCheckConnection_UpstreamDown(t *testing.T) {
	svc := new(MockService)
	svc.On("CheckConnection", "5809678", "").Return(nil,
		errors.New(errors.ErrUpstreamUnavailable, "telephony server unavailable"))

	srv := startServer(t, svc, Config{})

	vars := runSession(t, srv.Addr(), map[string]string{
		"agi_request": "agi://127.0.0.1/check-connection",
		"agi_arg_1":   "5809678",
	})

	assert.Equal(t, "error", vars[VarStatus])
	assert.Equal(t, string(errors.ErrUpstreamUnavailable), vars[VarError])
	_, set := vars[VarConnected]
	assert.False(t, set)
}

func TestDisconnect(t *testing.T) {
	svc := new(MockService)
	svc.On("Disconnect", "mock-5809678-1").Return(&models.DisconnectResult{
		Success: true, ChannelID: "mock-5809678-1", Mock: true,
	}, nil)
	svc.On("Disconnect", "PJSIP/gone").Return(nil,
		errors.New(errors.ErrChannelNotFound, "channel not found"))

	srv := startServer(t, svc, Config{})

	vars := runSession(t, srv.Addr(), map[string]string{
		"agi_request": "agi://127.0.0.1/disconnect-call",
		"agi_arg_1":   "mock-5809678-1",
	})
	assert.Equal(t, "ok", vars[VarStatus])

	vars = runSession(t, srv.Addr(), map[string]string{
		"agi_request": "agi://127.0.0.1/disconnect-call",
		"agi_arg_1":   "PJSIP/gone",
	})
	assert.Equal(t, "error", vars[VarStatus])
	assert.Equal(t, string(errors.ErrChannelNotFound), vars[VarError])
	svc.AssertExpectations(t)
}

func TestUnknownRequest(t *testing.T) {
	svc := new(MockService)
	srv := startServer(t, svc, Config{})

	vars := runSession(t, srv.Addr(), map[string]string{
		"agi_request": "agi://127.0.0.1/route-call",
	})

	assert.Equal(t, "error", vars[VarStatus])
	assert.Equal(t, string(errors.ErrBadRequest), vars[VarError])
	svc.AssertNotCalled(t, "CheckConnection", mock.Anything, mock.Anything)
}

func TestStop_IsIdempotent(t *testing.T) {
	srv := NewServer(new(MockService), Config{ListenAddress: "127.0.0.1", ShutdownTimeout: time.Second}, nil)
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}
