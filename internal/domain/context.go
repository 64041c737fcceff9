package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ─── Selection Context ──────────────────────────────────────────────────────
// A fixed struct of recognized fields plus an overflow map for
// experiment-specific extensions. Hashing sorts keys lexicographically so
// identical contexts produce identical keys across processes and restarts.

// Recognized values for the fixed context fields.
const (
	UserTypeColdStart = "cold_start"
	UserTypeRegular   = "regular"
	UserTypePowerUser = "power_user"

	PeriodMorning   = "morning"
	PeriodAfternoon = "afternoon"
	PeriodEvening   = "evening"
	PeriodNight     = "night"

	DayWeekday = "weekday"
	DayWeekend = "weekend"
)

// SelectionContext describes the situation in which an arm is chosen.
type SelectionContext struct {
	UserType        string            `json:"user_type,omitempty"`
	TimePeriod      string            `json:"time_period,omitempty"`
	DayOfWeek       string            `json:"day_of_week,omitempty"`
	GenreSaturation string            `json:"genre_saturation,omitempty"`
	SessionPosition string            `json:"session_position,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Map flattens the context into key → value form. Extra entries never
// shadow the fixed fields.
func (c SelectionContext) Map() map[string]string {
	m := make(map[string]string, 5+len(c.Extra))
	for k, v := range c.Extra {
		m[k] = v
	}
	if c.UserType != "" {
		m["user_type"] = c.UserType
	}
	if c.TimePeriod != "" {
		m["time_period"] = c.TimePeriod
	}
	if c.DayOfWeek != "" {
		m["day_of_week"] = c.DayOfWeek
	}
	if c.GenreSaturation != "" {
		m["genre_saturation"] = c.GenreSaturation
	}
	if c.SessionPosition != "" {
		m["session_position"] = c.SessionPosition
	}
	return m
}

// Key returns the stable hash partitioning policy state by context.
// SHA-256 over lexicographically sorted "k=v" pairs, truncated to
// 16 hex characters (64 bits).
func (c SelectionContext) Key() string {
	return ContextKeyFromMap(c.Map())
}

// ContextKeyFromMap hashes an arbitrary flattened context map. Insertion
// order never affects the result.
func ContextKeyFromMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(m[k]))
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
