package recommend

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"garden-hub/internal/store"
)

// ErrScheduleParse marks a time expression that could not be read.
var ErrScheduleParse = errors.New("schedule parse")

// TimeOfDay is one parsed trigger time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Schedule is the structured reading of one free-text description.
type Schedule struct {
	Times    []TimeOfDay
	Days     []int
	Negative bool
	// Failed holds the tokens that did not parse.
	Failed []string
}

// Normalize folds text to NFC lowercase so that composed and decomposed
// Vietnamese diacritics compare equal.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(text)))
}

var negativeMarkers = []string{
	"không cần",
	"không nên",
	"không khuyến nghị",
	"not recommended",
	"not needed",
}

// IsNegative reports whether normalized text advises against acting.
func IsNegative(text string) bool {
	for _, m := range negativeMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

var sentenceEnd = regexp.MustCompile(`\.\s`)

// LeadingSegment cuts text at the first period followed by whitespace.
func LeadingSegment(text string) string {
	if loc := sentenceEnd.FindStringIndex(text); loc != nil {
		return strings.TrimSpace(text[:loc[0]])
	}
	return strings.TrimSpace(strings.TrimSuffix(text, "."))
}

// SplitTimeTokens splits a segment on commas. A token holding a range
// keeps only its start: the first hyphen-separated piece with a digit.
func SplitTimeTokens(segment string) []string {
	var out []string
	for _, tok := range strings.Split(segment, ",") {
		if strings.ContainsAny(tok, "-–") {
			tok = rangeStart(tok)
		}
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func rangeStart(tok string) string {
	pieces := strings.FieldsFunc(tok, func(r rune) bool { return r == '-' || r == '–' })
	for _, p := range pieces {
		if strings.ContainsAny(p, "0123456789") {
			return p
		}
	}
	return ""
}

// timePattern matches hour[sep][minute][am|pm]. The hour may follow any
// non-digit, so "lúc7:00" reads as 07:00. "giờ" comes before "g" so the
// longer separator wins.
var timePattern = regexp.MustCompile(`(?:^|\D)(\d{1,2})\s*(?:(giờ|[:hg])\s*(\d{1,2})?)?\s*(a\.?m\.?|p\.?m\.?)?`)

// ParseTimeToken reads the first time expression in tok. A bare number
// is not a time: it needs a separator or an AM/PM suffix.
func ParseTimeToken(tok string) (TimeOfDay, error) {
	for _, m := range timePattern.FindAllStringSubmatch(tok, -1) {
		sep, minStr, meridiem := m[2], m[3], strings.ReplaceAll(m[4], ".", "")
		if sep == "" && meridiem == "" {
			continue
		}
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if minStr != "" {
			minute, _ = strconv.Atoi(minStr)
		}
		// 0 AM is read as midnight; 0 PM has no meaning.
		switch meridiem {
		case "am":
			if hour > 12 {
				return TimeOfDay{}, fmt.Errorf("%w: hour %d with am in %q", ErrScheduleParse, hour, tok)
			}
			if hour == 12 {
				hour = 0
			}
		case "pm":
			if hour < 1 || hour > 12 {
				return TimeOfDay{}, fmt.Errorf("%w: hour %d with pm in %q", ErrScheduleParse, hour, tok)
			}
			if hour < 12 {
				hour += 12
			}
		}
		if hour > 23 || minute > 59 {
			return TimeOfDay{}, fmt.Errorf("%w: %02d:%02d out of range in %q", ErrScheduleParse, hour, minute, tok)
		}
		return TimeOfDay{Hour: hour, Minute: minute}, nil
	}
	return TimeOfDay{}, fmt.Errorf("%w: no time in %q", ErrScheduleParse, tok)
}

// dayRules is scanned in order; the first keyword hit decides.
var dayRules = []struct {
	keywords []string
	days     []int
}{
	{[]string{"hàng ngày", "mỗi ngày", "daily", "every day"}, []int{0, 1, 2, 3, 4, 5, 6}},
	{[]string{"trong tuần", "ngày làm việc", "weekdays"}, []int{1, 2, 3, 4, 5}},
	{[]string{"cuối tuần", "weekend"}, []int{0, 6}},
}

// InferWeekdays maps day keywords in normalized text to a weekday set,
// defaulting to every day.
func InferWeekdays(text string) []int {
	for _, r := range dayRules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				return append([]int(nil), r.days...)
			}
		}
	}
	return store.AllDays()
}

// ParseSchedule runs every stage over one description. A negative
// description yields an empty Schedule with Negative set. Tokens that
// fail are collected; an error is returned only when nothing parsed.
func ParseSchedule(text string) (*Schedule, error) {
	folded := Normalize(text)
	if IsNegative(folded) {
		return &Schedule{Negative: true}, nil
	}

	s := &Schedule{Days: InferWeekdays(folded)}
	seen := make(map[TimeOfDay]bool)
	for _, tok := range SplitTimeTokens(LeadingSegment(folded)) {
		t, err := ParseTimeToken(tok)
		if err != nil {
			s.Failed = append(s.Failed, tok)
			continue
		}
		if !seen[t] {
			seen[t] = true
			s.Times = append(s.Times, t)
		}
	}
	if len(s.Times) == 0 {
		return s, fmt.Errorf("%w: no usable time in %q", ErrScheduleParse, text)
	}
	return s, nil
}

// Rules turns a description into unsaved rules for device with the
// given action.
func Rules(device store.Device, action bool, text, actor string) ([]*store.ScheduleRule, *Schedule, error) {
	s, err := ParseSchedule(text)
	if err != nil || s.Negative {
		return nil, s, err
	}
	rules := make([]*store.ScheduleRule, 0, len(s.Times))
	for _, t := range s.Times {
		rules = append(rules, &store.ScheduleRule{
			Device:    device,
			Action:    action,
			Hour:      t.Hour,
			Minute:    t.Minute,
			Days:      append([]int(nil), s.Days...),
			Active:    true,
			Source:    store.SourceAI,
			CreatedBy: actor,
		})
	}
	return rules, s, nil
}
