package checker

import (
	"context"
	"time"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/mockstore"
	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/phone"
)

const (
	MessageMockActive = "mock connection active"
	MessageCallExists = "call exists on server"
	MessageNotFound   = "call not found on server"

	SourceMock = "mock"
	SourceLive = "live"
)

// ChannelSource is the telephony server: it lists live channels and hangs
// them up. Implementations return ErrUpstreamUnavailable when the server
// cannot be reached and ErrChannelNotFound for unknown channels.
type ChannelSource interface {
	ListActiveChannels(ctx context.Context) ([]models.Channel, error)
	TerminateChannel(ctx context.Context, channelID string) error
}

// MetricsInterface defines metrics operations
type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Config holds checker configuration
type Config struct {
	UpstreamTimeout time.Duration
}

// Checker answers whether a dialed call exists, consulting the mock store
// before the telephony server.
type Checker struct {
	store   *mockstore.Store
	source  ChannelSource
	metrics MetricsInterface
	config  Config
	now     func() time.Time
}

// New creates a checker. source may be nil when no telephony server is
// configured; live lookups then fail as upstream unavailable.
func New(store *mockstore.Store, source ChannelSource, metrics MetricsInterface, config Config) *Checker {
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Checker{
		store:   store,
		source:  source,
		metrics: metrics,
		config:  config,
		now:     time.Now,
	}
}

// CheckConnection reports whether dialedNumber is an active call. callerID
// is optional. A telephony server failure is returned as an error, never as
// a not-connected result.
func (c *Checker) CheckConnection(ctx context.Context, dialedNumber, callerID string) (*models.ConnectionResult, error) {
	dialedKey := phone.Normalize(dialedNumber)
	callerKey := phone.Normalize(callerID)

	log := logger.WithContext(ctx).WithFields(map[string]interface{}{
		"dialed_key": dialedKey,
		"caller_key": callerKey,
	})

	if entry, ok := c.store.Lookup(dialedKey); ok {
		log.Info("Mock connection found", "channel_id", entry.ChannelID)
		c.countCheck(SourceMock, "connected")
		return c.result(true, entry.ChannelID, MessageMockActive, SourceMock), nil
	}

	if dialedKey == "" {
		log.Debug("Dialed number has no digits")
		c.countCheck(SourceLive, "not_found")
		return c.result(false, "", MessageNotFound, SourceLive), nil
	}

	channels, err := c.listChannels(ctx)
	if err != nil {
		log.WithError(err).Warn("Telephony server unavailable")
		c.countCheck(SourceLive, "error")
		return nil, err
	}

	ch, ok := MatchChannel(dialedKey, callerKey, channels)
	if !ok {
		log.Info("No matching call found", "channels", len(channels))
		c.countCheck(SourceLive, "not_found")
		return c.result(false, "", MessageNotFound, SourceLive), nil
	}

	log.Info("Call found on server", "channel_id", ch.ID, "state", ch.State)
	c.countCheck(SourceLive, "connected")
	return c.result(true, ch.ID, MessageCallExists, SourceLive), nil
}

// Disconnect ends a call. Mock channels are removed from the store without
// contacting the telephony server; everything else is hung up upstream.
func (c *Checker) Disconnect(ctx context.Context, channelID string) (*models.DisconnectResult, error) {
	log := logger.WithContext(ctx).WithField("channel_id", channelID)

	if channelID == "" {
		return nil, errors.New(errors.ErrBadRequest, "channel id is required")
	}

	if c.store.Remove(channelID) {
		log.Info("Mock channel disconnected")
		c.countDisconnect(SourceMock, "success")
		c.updateMockGauge()
		return &models.DisconnectResult{Success: true, ChannelID: channelID, Mock: true}, nil
	}

	if mockstore.IsMockChannel(channelID) {
		c.countDisconnect(SourceMock, "not_found")
		return nil, errors.New(errors.ErrChannelNotFound, "mock channel not found or expired").
			WithContext("channel_id", channelID)
	}

	if c.source == nil {
		c.countDisconnect(SourceLive, "error")
		return nil, errors.New(errors.ErrUpstreamUnavailable, "telephony server not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.UpstreamTimeout)
	defer cancel()

	start := time.Now()
	err := c.source.TerminateChannel(ctx, channelID)
	c.metrics.ObserveHistogram("upstream_request_duration", time.Since(start).Seconds(), map[string]string{
		"action": "hangup",
	})
	if err != nil {
		result := "error"
		if errors.Is(err, errors.ErrChannelNotFound) {
			result = "not_found"
		}
		c.countDisconnect(SourceLive, result)
		log.WithError(err).Warn("Failed to disconnect channel")
		return nil, asUpstreamError(err, "hangup channel")
	}

	log.Info("Channel disconnected")
	c.countDisconnect(SourceLive, "success")
	return &models.DisconnectResult{Success: true, ChannelID: channelID}, nil
}

// AddMock inserts numbers and ranges into the mock store.
func (c *Checker) AddMock(numbers []string, ttl time.Duration) (*models.MockAddResult, error) {
	res, err := c.store.Add(numbers, ttl)
	if err != nil {
		return nil, err
	}
	c.updateMockGauge()
	logger.WithField("count", len(res.AddedKeys)).Info("Mock connections added")
	return res, nil
}

// ClearMocks empties the mock store.
func (c *Checker) ClearMocks() int {
	n := c.store.Clear()
	c.updateMockGauge()
	logger.WithField("count", n).Info("Cleared mock connections")
	return n
}

// MockStatus lists live mock entries.
func (c *Checker) MockStatus() models.MockStatus {
	status := c.store.Status()
	c.metrics.SetGauge("mock_entries", float64(status.TotalCount), nil)
	return status
}

// MockTTL is the expiry applied to mocks added without one.
func (c *Checker) MockTTL() time.Duration {
	return c.store.DefaultTTL()
}

func (c *Checker) listChannels(ctx context.Context) ([]models.Channel, error) {
	if c.source == nil {
		return nil, errors.New(errors.ErrUpstreamUnavailable, "telephony server not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.UpstreamTimeout)
	defer cancel()

	start := time.Now()
	channels, err := c.source.ListActiveChannels(ctx)
	c.metrics.ObserveHistogram("upstream_request_duration", time.Since(start).Seconds(), map[string]string{
		"action": "list_channels",
	})
	if err != nil {
		return nil, asUpstreamError(err, "list active channels")
	}
	return channels, nil
}

func (c *Checker) result(connected bool, channelID, message, source string) *models.ConnectionResult {
	res := &models.ConnectionResult{
		Connected: connected,
		Message:   message,
		Source:    source,
		Timestamp: c.now(),
	}
	if channelID != "" {
		res.ChannelID = &channelID
	}
	return res
}

func (c *Checker) countCheck(source, result string) {
	c.metrics.IncrementCounter("connection_checks", map[string]string{
		"source": source,
		"result": result,
	})
}

func (c *Checker) countDisconnect(source, result string) {
	c.metrics.IncrementCounter("disconnects", map[string]string{
		"source": source,
		"result": result,
	})
}

func (c *Checker) updateMockGauge() {
	c.metrics.SetGauge("mock_entries", float64(c.store.Len()), nil)
}

// asUpstreamError keeps typed errors from the source and treats anything
// else, including context expiry, as the server being unavailable.
func asUpstreamError(err error, action string) error {
	if errors.Is(err, errors.ErrChannelNotFound) || errors.Is(err, errors.ErrUpstreamUnavailable) {
		return err
	}
	if _, ok := errors.As(err); ok {
		appErr := errors.New(errors.ErrUpstreamUnavailable, action)
		appErr.Err = err
		return appErr
	}
	return errors.Wrap(err, errors.ErrUpstreamUnavailable, action)
}

type noopMetrics struct{}

func (noopMetrics) IncrementCounter(string, map[string]string)          {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}
