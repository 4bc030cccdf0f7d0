package checker

import (
	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/phone"
)

// MatchChannel selects the channel carrying the dialed call, if any.
//
// Only ringing, early-media and answered channels are considered, and the
// dialed key must match. A non-empty callerKey narrows the candidates, but
// if no candidate carries that caller id the dialed-only candidates are used
// instead. The most recently created candidate wins; on equal creation
// times the first one in channels wins.
func MatchChannel(dialedKey, callerKey string, channels []models.Channel) (models.Channel, bool) {
	if dialedKey == "" {
		return models.Channel{}, false
	}

	var dialed []models.Channel
	for _, ch := range channels {
		if !ch.State.Eligible() {
			continue
		}
		if phone.Normalize(ch.DialedNumber) != dialedKey {
			continue
		}
		dialed = append(dialed, ch)
	}
	if len(dialed) == 0 {
		return models.Channel{}, false
	}

	candidates := dialed
	if callerKey != "" {
		var byCaller []models.Channel
		for _, ch := range dialed {
			if phone.Normalize(ch.CallerIDNumber) == callerKey {
				byCaller = append(byCaller, ch)
			}
		}
		if len(byCaller) > 0 {
			candidates = byCaller
		}
	}

	best := candidates[0]
	for _, ch := range candidates[1:] {
		if ch.CreatedAt.After(best.CreatedAt) {
			best = ch
		}
	}
	return best, true
}
