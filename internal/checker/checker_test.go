package checker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/mockstore"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
)

// --- Mocks ---

type MockChannelSource struct {
	mock.Mock
}

func (m *MockChannelSource) ListActiveChannels(ctx context.Context) ([]models.Channel, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Channel), args.Error(1)
}

func (m *MockChannelSource) TerminateChannel(ctx context.Context, channelID string) error {
	args := m.Called(ctx, channelID)
	return args.Error(0)
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
	gauges   map[string]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counters: map[string]int{}, gauges: map[string]float64{}}
}

func (r *recordingMetrics) IncrementCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[fmt.Sprintf("%s/%s/%s", name, labels["source"], labels["result"])]++
}

func (r *recordingMetrics) ObserveHistogram(string, float64, map[string]string) {}

func (r *recordingMetrics) SetGauge(name string, value float64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

func newTestChecker(t *testing.T, source ChannelSource) (*Checker, *mockstore.Store, *recordingMetrics) {
	t.Helper()
	store := mockstore.New(mockstore.Config{})
	t.Cleanup(store.Close)
	metrics := newRecordingMetrics()
	return New(store, source, metrics, Config{UpstreamTimeout: time.Second}), store, metrics
}

// --- Tests ---

func TestCheckConnection_MockThenClear(t *testing.T) {
	source := new(MockChannelSource)
	source.On("ListActiveChannels", mock.Anything).Return([]models.Channel{}, nil)
	c, _, metrics := newTestChecker(t, source)
	ctx := context.Background()

	_, err := c.AddMock([]string{"19025809678"}, 0)
	require.NoError(t, err)
	assert.Equal(t, float64(1), metrics.gauges["mock_entries"])

	res, err := c.CheckConnection(ctx, "19025809678", "")
	require.NoError(t, err)
	assert.True(t, res.Connected)
	require.NotNil(t, res.ChannelID)
	assert.True(t, mockstore.IsMockChannel(*res.ChannelID))
	assert.Equal(t, MessageMockActive, res.Message)
	assert.False(t, res.Timestamp.IsZero())
	source.AssertNotCalled(t, "ListActiveChannels", mock.Anything)

	assert.Equal(t, 1, c.ClearMocks())

	res, err = c.CheckConnection(ctx, "19025809678", "")
	require.NoError(t, err)
	assert.False(t, res.Connected)
	assert.Nil(t, res.ChannelID)
	assert.Equal(t, MessageNotFound, res.Message)
	source.AssertNumberOfCalls(t, "ListActiveChannels", 1)
	assert.Equal(t, 1, metrics.counters["connection_checks/mock/connected"])
	assert.Equal(t, 1, metrics.counters["connection_checks/live/not_found"])
}

func TestCheckConnection_LiveMatch(t *testing.T) {
	now := time.Now()
	source := new(MockChannelSource)
	source.On("ListActiveChannels", mock.Anything).Return([]models.Channel{
		{ID: "PJSIP/trunk-00000001", DialedNumber: "19025809678", CallerIDNumber: "5551234567", State: models.ChannelStateUp, CreatedAt: now.Add(-time.Minute)},
		{ID: "PJSIP/trunk-00000002", DialedNumber: "9025809678", CallerIDNumber: "5559999999", State: models.ChannelStateEarlyMedia, CreatedAt: now},
	}, nil)
	c, _, _ := newTestChecker(t, source)

	res, err := c.CheckConnection(context.Background(), "+1 902-580-9678", "555-123-4567")
	require.NoError(t, err)
	assert.True(t, res.Connected)
	assert.Equal(t, "PJSIP/trunk-00000001", *res.ChannelID)
	assert.Equal(t, MessageCallExists, res.Message)
	assert.Equal(t, SourceLive, res.Source)
}

func TestCheckConnection_UpstreamFailureIsNotNotConnected(t *testing.T) {
	source := new(MockChannelSource)
	source.On("ListActiveChannels", mock.Anything).Return(nil, fmt.Errorf("dial tcp: connection refused"))
	c, _, metrics := newTestChecker(t, source)

	res, err := c.CheckConnection(context.Background(), "19025809678", "")
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))
	assert.Equal(t, 1, metrics.counters["connection_checks/live/error"])
}

func TestCheckConnection_UpstreamTimeout(t *testing.T) {
	source := new(MockChannelSource)
	source.On("ListActiveChannels", mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	store := mockstore.New(mockstore.Config{})
	defer store.Close()
	c := New(store, source, nil, Config{UpstreamTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := c.CheckConnection(context.Background(), "5809678", "")
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheckConnection_NoSourceConfigured(t *testing.T) {
	c, _, _ := newTestChecker(t, nil)

	_, err := c.CheckConnection(context.Background(), "5809678", "")
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))
}

func TestCheckConnection_EmptyDialedNumber(t *testing.T) {
	source := new(MockChannelSource)
	c, _, _ := newTestChecker(t, source)

	res, err := c.CheckConnection(context.Background(), "unknown", "")
	require.NoError(t, err)
	assert.False(t, res.Connected)
	source.AssertNotCalled(t, "ListActiveChannels", mock.Anything)
}

func TestDisconnect_MockNeverContactsUpstream(t *testing.T) {
	source := new(MockChannelSource)
	c, store, _ := newTestChecker(t, source)

	_, err := c.AddMock([]string{"5550100"}, 0)
	require.NoError(t, err)
	entry, ok := store.Lookup("5550100")
	require.True(t, ok)

	res, err := c.Disconnect(context.Background(), entry.ChannelID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Mock)
	assert.Equal(t, entry.ChannelID, res.ChannelID)

	_, ok = store.Lookup("5550100")
	assert.False(t, ok)
	source.AssertNotCalled(t, "TerminateChannel", mock.Anything, mock.Anything)
}

func TestDisconnect_StaleMockIDIsNotFound(t *testing.T) {
	source := new(MockChannelSource)
	c, _, _ := newTestChecker(t, source)

	_, err := c.Disconnect(context.Background(), "mock-5550100-7")
	assert.True(t, errors.Is(err, errors.ErrChannelNotFound))
	source.AssertNotCalled(t, "TerminateChannel", mock.Anything, mock.Anything)
}

func TestDisconnect_UnknownLiveChannel(t *testing.T) {
	source := new(MockChannelSource)
	source.On("TerminateChannel", mock.Anything, "PJSIP/gone-00000009").
		Return(errors.New(errors.ErrChannelNotFound, "No such channel"))
	c, _, metrics := newTestChecker(t, source)

	_, err := c.Disconnect(context.Background(), "PJSIP/gone-00000009")
	assert.True(t, errors.Is(err, errors.ErrChannelNotFound))
	source.AssertExpectations(t)
	assert.Equal(t, 1, metrics.counters["disconnects/live/not_found"])
}

func TestDisconnect_LiveChannel(t *testing.T) {
	source := new(MockChannelSource)
	source.On("TerminateChannel", mock.Anything, "PJSIP/trunk-00000001").Return(nil)
	c, _, _ := newTestChecker(t, source)

	res, err := c.Disconnect(context.Background(), "PJSIP/trunk-00000001")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Mock)
	source.AssertExpectations(t)
}

func TestDisconnect_TransportFailure(t *testing.T) {
	source := new(MockChannelSource)
	source.On("TerminateChannel", mock.Anything, "PJSIP/trunk-00000001").Return(fmt.Errorf("broken pipe"))
	c, _, _ := newTestChecker(t, source)

	_, err := c.Disconnect(context.Background(), "PJSIP/trunk-00000001")
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))
}

func TestDisconnect_EmptyID(t *testing.T) {
	c, _, _ := newTestChecker(t, new(MockChannelSource))

	_, err := c.Disconnect(context.Background(), "")
	assert.True(t, errors.Is(err, errors.ErrBadRequest))
}

func TestAddMock_PropagatesRangeErrors(t *testing.T) {
	c, _, _ := newTestChecker(t, nil)

	_, err := c.AddMock([]string{"10:9"}, 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidRange))
	assert.Equal(t, 0, c.MockStatus().TotalCount)
	assert.Equal(t, mockstore.DefaultTTL, c.MockTTL())
}
