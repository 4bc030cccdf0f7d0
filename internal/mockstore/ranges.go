package mockstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/phone"
)

// maxRangeWidth keeps range endpoints inside uint64.
const maxRangeWidth = 19

type item struct {
	key      string
	original string
}

// span is one parsed input entry: a literal (first == last) or an A:B range.
type span struct {
	raw         string
	width       int
	first, last uint64
	literal     bool
}

func (s span) size() uint64 {
	if s.literal {
		return 1
	}
	return s.last - s.first + 1
}

func parseEntry(raw string) (span, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, ":") {
		if phone.Normalize(trimmed) == "" {
			return span{}, errors.New(errors.ErrInvalidRange,
				fmt.Sprintf("number %q contains no digits", raw))
		}
		return span{raw: trimmed, literal: true}, nil
	}

	parts := strings.Split(trimmed, ":")
	if len(parts) != 2 {
		return span{}, errors.New(errors.ErrInvalidRange,
			fmt.Sprintf("range %q must have the form A:B", raw))
	}

	from, to := phone.Digits(parts[0]), phone.Digits(parts[1])
	if from == "" || to == "" {
		return span{}, errors.New(errors.ErrInvalidRange,
			fmt.Sprintf("range %q has an empty endpoint", raw))
	}
	if len(from) != len(to) {
		return span{}, errors.New(errors.ErrInvalidRange,
			fmt.Sprintf("range %q endpoints differ in digit length", raw))
	}
	if len(from) > maxRangeWidth {
		return span{}, errors.New(errors.ErrInvalidRange,
			fmt.Sprintf("range %q endpoints are longer than %d digits", raw, maxRangeWidth))
	}

	first, err := strconv.ParseUint(from, 10, 64)
	if err != nil {
		return span{}, errors.Wrap(err, errors.ErrInvalidRange, fmt.Sprintf("range %q", raw))
	}
	last, err := strconv.ParseUint(to, 10, 64)
	if err != nil {
		return span{}, errors.Wrap(err, errors.ErrInvalidRange, fmt.Sprintf("range %q", raw))
	}
	if first > last {
		return span{}, errors.New(errors.ErrInvalidRange,
			fmt.Sprintf("range %q starts after it ends", raw))
	}

	return span{raw: trimmed, width: len(from), first: first, last: last}, nil
}

// expand parses every entry and returns the items in request order, failing
// before any allocation if the total would exceed limit.
func expand(numbers []string, limit int) ([]item, error) {
	spans := make([]span, 0, len(numbers))
	var total uint64
	for _, raw := range numbers {
		s, err := parseEntry(raw)
		if err != nil {
			return nil, err
		}
		size := s.size()
		if size > uint64(limit) || total+size > uint64(limit) {
			return nil, errors.New(errors.ErrRangeTooLarge,
				fmt.Sprintf("request expands to more than %d numbers", limit)).
				WithContext("limit", limit)
		}
		total += size
		spans = append(spans, s)
	}

	items := make([]item, 0, int(total))
	for _, s := range spans {
		if s.literal {
			items = append(items, item{key: phone.Normalize(s.raw), original: s.raw})
			continue
		}
		for v := s.first; ; v++ {
			number := fmt.Sprintf("%0*d", s.width, v)
			items = append(items, item{key: phone.Normalize(number), original: number})
			if v == s.last {
				break
			}
		}
	}
	return items, nil
}
