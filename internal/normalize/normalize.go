package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"threatguard/internal/model"
)

var ErrMissingKind = errors.New("event has no kind")

// EventFields is what a feed parser extracted from one record, before
// defaulting.
type EventFields struct {
	Timestamp   string
	Kind        string
	Severity    string
	ClientIP    string
	UserID      string
	SessionID   string
	Geolocation string
	Metadata    map[string]any
	Raw         string
}

// Normalize turns parsed fields into an event. Missing or unreadable inputs
// are defaulted rather than rejected: an unknown kind is kept verbatim, a
// missing or bad timestamp becomes now and a missing severity comes from the
// kind. Only a record without any kind is refused.
func Normalize(fields EventFields, now time.Time) (model.SecurityEvent, error) {
	kind := model.ParseKind(fields.Kind)
	if kind == "" {
		return model.SecurityEvent{}, ErrMissingKind
	}

	ts := now.UTC()
	if fields.Timestamp != "" {
		if parsed, err := ParseTimestamp(fields.Timestamp, time.UTC); err == nil {
			ts = parsed.UTC()
		}
	}

	severity, ok := model.ParseSeverity(fields.Severity)
	if !ok {
		severity = model.SeverityMedium
		if info, known := model.LookupKind(kind); known {
			severity = info.Severity
		}
	}

	meta := fields.Metadata
	if ua, ok := meta["user_agent"].(string); ok && ua != "" {
		meta = withUserAgent(meta, ua)
	}

	return model.SecurityEvent{
		Kind:        kind,
		Severity:    severity,
		ClientIP:    strings.TrimSpace(fields.ClientIP),
		UserID:      strings.TrimSpace(fields.UserID),
		SessionID:   strings.TrimSpace(fields.SessionID),
		Geolocation: strings.ToUpper(strings.TrimSpace(fields.Geolocation)),
		Metadata:    meta,
		Timestamp:   ts,
	}, nil
}

// withUserAgent folds a flat user_agent field into the headers map.
func withUserAgent(meta map[string]any, ua string) map[string]any {
	headers := map[string]any{}
	switch h := meta[model.MetaHeaders].(type) {
	case map[string]any:
		for k, v := range h {
			headers[k] = v
		}
	case map[string]string:
		for k, v := range h {
			headers[k] = v
		}
	}
	for k := range headers {
		if strings.EqualFold(k, "user-agent") {
			return meta
		}
	}
	headers["user-agent"] = ua
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if k != "user_agent" {
			out[k] = v
		}
	}
	out[model.MetaHeaders] = headers
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// parseUnix reads seconds, or milliseconds when the value has 13+ digits.
func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
