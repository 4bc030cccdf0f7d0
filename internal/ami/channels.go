package ami

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/phone"
)

// HangupCauseNormal is Q.850 cause 16, normal call clearing.
const HangupCauseNormal = 16

// ListActiveChannels returns a snapshot of the server's channels via
// CoreShowChannels.
func (m *Manager) ListActiveChannels(ctx context.Context) ([]models.Channel, error) {
	response, events, err := m.sendList(ctx, Action{Action: "CoreShowChannels"}, "CoreShowChannelsComplete")
	if err != nil {
		return nil, err
	}

	if response["Response"] != "Success" {
		return nil, errors.New(errors.ErrUpstreamUnavailable,
			fmt.Sprintf("CoreShowChannels failed: %s", response["Message"]))
	}

	now := time.Now()
	channels := make([]models.Channel, 0, len(events))
	for _, event := range events {
		if event["Event"] != "CoreShowChannel" {
			continue
		}
		ch, ok := parseChannel(event, now)
		if !ok {
			logger.Debug("Skipping channel event without a name", "action_id", event["ActionID"])
			continue
		}
		channels = append(channels, ch)
	}

	logger.Debug("Retrieved channels from Asterisk AMI", "count", len(channels))
	return channels, nil
}

// TerminateChannel hangs up a channel by name
func (m *Manager) TerminateChannel(ctx context.Context, channelID string) error {
	response, err := m.SendAction(ctx, Action{
		Action: "Hangup",
		Fields: map[string]string{
			"Channel": channelID,
			"Cause":   strconv.Itoa(HangupCauseNormal),
		},
	})
	if err != nil {
		return err
	}

	if response["Response"] == "Success" {
		logger.Info("Channel hung up", "channel", channelID)
		return nil
	}

	msg := response["Message"]
	if strings.Contains(strings.ToLower(msg), "no such channel") {
		return errors.New(errors.ErrChannelNotFound, msg).WithContext("channel_id", channelID)
	}
	return errors.New(errors.ErrUpstreamUnavailable, fmt.Sprintf("hangup failed: %s", msg)).
		WithContext("channel_id", channelID)
}

// parseChannel converts a CoreShowChannel event. now anchors the Duration
// fallback for creation time.
func parseChannel(event Event, now time.Time) (models.Channel, bool) {
	name := event["Channel"]
	if name == "" {
		return models.Channel{}, false
	}

	return models.Channel{
		ID:             name,
		DialedNumber:   dialedNumber(event),
		CallerIDNumber: event["CallerIDNum"],
		State:          parseState(event["ChannelState"], event["ChannelStateDesc"]),
		CreatedAt:      createdAt(event, now),
	}, true
}

// dialedNumber prefers the dialplan extension; for outbound legs sitting in
// "s" or similar the connected line carries the number.
func dialedNumber(event Event) string {
	if exten := event["Exten"]; phone.Digits(exten) != "" {
		return exten
	}
	return event["ConnectedLineNum"]
}

// Asterisk channel states (ast_channel_state)
var channelStates = map[string]models.ChannelState{
	"0": models.ChannelStateDown,
	"4": models.ChannelStateEarlyMedia,
	"5": models.ChannelStateRinging,
	"6": models.ChannelStateUp,
	"7": models.ChannelStateBusy,
}

var channelStateDescs = map[string]models.ChannelState{
	"down":    models.ChannelStateDown,
	"ring":    models.ChannelStateEarlyMedia,
	"ringing": models.ChannelStateRinging,
	"up":      models.ChannelStateUp,
	"busy":    models.ChannelStateBusy,
}

func parseState(code, desc string) models.ChannelState {
	if state, ok := channelStates[strings.TrimSpace(code)]; ok {
		return state
	}
	if state, ok := channelStateDescs[strings.ToLower(strings.TrimSpace(desc))]; ok {
		return state
	}
	return models.ChannelStateUnknown
}

// createdAt reads the epoch prefix of the Uniqueid. Its suffix is a counter,
// kept as nanoseconds so channels created within one second stay ordered.
func createdAt(event Event, now time.Time) time.Time {
	if uid := event["Uniqueid"]; uid != "" {
		secPart, seqPart, _ := strings.Cut(uid, ".")
		if sec, err := strconv.ParseInt(secPart, 10, 64); err == nil && sec > 0 {
			seq, _ := strconv.ParseInt(seqPart, 10, 64)
			return time.Unix(sec, seq)
		}
	}

	if d, ok := parseDuration(event["Duration"]); ok {
		return now.Add(-d)
	}
	return time.Time{}
}

// parseDuration parses HH:MM:SS as reported by CoreShowChannel
func parseDuration(s string) (time.Duration, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, false
	}
	var total time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, false
		}
		total += time.Duration(n) * units[i]
	}
	return total, true
}
