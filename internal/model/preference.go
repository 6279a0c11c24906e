package model

import (
	"slices"
	"time"
	_ "time/tzdata"
)

// Channel is a delivery modality.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

var AllowedChannels = []Channel{ChannelSMS, ChannelWhatsApp, ChannelEmail}

func (c Channel) Valid() bool {
	return slices.Contains(AllowedChannels, c)
}

// Preference field names, used for change diffs, validation errors and
// operational log details.
const (
	FieldOffsets         = "offsets"
	FieldChannelPriority = "channel_priority"
	FieldAllowFallback   = "allow_fallback_channels"
	FieldDailySweepTime  = "daily_sweep_time"
	FieldSendWindowStart = "send_window_start"
	FieldTimeZone        = "time_zone"
)

// ImpactFields change which intents exist and therefore require a rebuild.
var ImpactFields = []string{FieldOffsets, FieldChannelPriority}

// ScheduleFields change when sweeps run and only require a reschedule.
var ScheduleFields = []string{FieldDailySweepTime, FieldSendWindowStart, FieldTimeZone}

const (
	DefaultTimeZone = "Asia/Jerusalem"
	MaxOffsets      = 4
	MaxOffsetDays   = 60
)

var DefaultOffsets = []int{7}

// Preference is one owner's configuration record. Nil or empty fields inherit
// from the parent owner.
type Preference struct {
	ID                    int64      `json:"id,omitempty"`
	Owner                 Owner      `json:"owner"`
	Offsets               []int      `json:"offsets,omitempty"`
	ChannelPriority       []Channel  `json:"channel_priority,omitempty"`
	AllowFallbackChannels *bool      `json:"allow_fallback_channels,omitempty"`
	DailySweepTime        *WallClock `json:"daily_sweep_time,omitempty"`
	SendWindowStart       *WallClock `json:"send_window_start,omitempty"`
	TimeZone              *string    `json:"time_zone,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at,omitempty"`
}

// Has reports whether the record sets the named field itself.
func (p *Preference) Has(field string) bool {
	if p == nil {
		return false
	}
	switch field {
	case FieldOffsets:
		return len(p.Offsets) > 0
	case FieldChannelPriority:
		return len(p.ChannelPriority) > 0
	case FieldAllowFallback:
		return p.AllowFallbackChannels != nil
	case FieldDailySweepTime:
		return p.DailySweepTime != nil
	case FieldSendWindowStart:
		return p.SendWindowStart != nil
	case FieldTimeZone:
		return p.TimeZone != nil && *p.TimeZone != ""
	}
	return false
}

// ChangedFields diffs two versions of the same owner's record. A nil record
// means absent (every field inherits).
func ChangedFields(old, new *Preference) []string {
	var changed []string
	if !slices.Equal(offsetsOf(old), offsetsOf(new)) {
		changed = append(changed, FieldOffsets)
	}
	if !slices.Equal(channelsOf(old), channelsOf(new)) {
		changed = append(changed, FieldChannelPriority)
	}
	if !equalPtr(fallbackOf(old), fallbackOf(new)) {
		changed = append(changed, FieldAllowFallback)
	}
	if !equalPtr(sweepOf(old), sweepOf(new)) {
		changed = append(changed, FieldDailySweepTime)
	}
	if !equalPtr(windowOf(old), windowOf(new)) {
		changed = append(changed, FieldSendWindowStart)
	}
	if !equalPtr(zoneOf(old), zoneOf(new)) {
		changed = append(changed, FieldTimeZone)
	}
	return changed
}

// Intersect keeps the fields of a that also appear in b, in a's order.
func Intersect(a, b []string) []string {
	var out []string
	for _, f := range a {
		if slices.Contains(b, f) {
			out = append(out, f)
		}
	}
	return out
}

func offsetsOf(p *Preference) []int {
	if p == nil {
		return nil
	}
	return p.Offsets
}

func channelsOf(p *Preference) []Channel {
	if p == nil {
		return nil
	}
	return p.ChannelPriority
}

func fallbackOf(p *Preference) *bool {
	if p == nil {
		return nil
	}
	return p.AllowFallbackChannels
}

func sweepOf(p *Preference) *WallClock {
	if p == nil {
		return nil
	}
	return p.DailySweepTime
}

func windowOf(p *Preference) *WallClock {
	if p == nil {
		return nil
	}
	return p.SendWindowStart
}

func zoneOf(p *Preference) *string {
	if p == nil || p.TimeZone == nil || *p.TimeZone == "" {
		return nil
	}
	return p.TimeZone
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// EffectiveConfig is the fully resolved configuration for one owner.
type EffectiveConfig struct {
	Offsets               []int      `json:"offsets"`
	ChannelPriority       []Channel  `json:"channel_priority"`
	AllowFallbackChannels bool       `json:"allow_fallback_channels"`
	DailySweepTime        *WallClock `json:"daily_sweep_time"`
	SendWindowStart       *WallClock `json:"send_window_start"`
	TimeZone              string     `json:"time_zone"`
}

// Location loads the configured zone, falling back to the default zone.
func (c EffectiveConfig) Location() *time.Location {
	if loc, err := time.LoadLocation(c.TimeZone); err == nil {
		return loc
	}
	if loc, err := time.LoadLocation(DefaultTimeZone); err == nil {
		return loc
	}
	return time.UTC
}

// PreferenceChange is emitted after a committed preference write.
type PreferenceChange struct {
	Owner     Owner       `json:"owner"`
	Old       *Preference `json:"old,omitempty"`
	New       *Preference `json:"new,omitempty"`
	ChangedAt time.Time   `json:"changed_at"`
	ChangedBy string      `json:"changed_by,omitempty"`
}

func (c PreferenceChange) ChangedFields() []string {
	return ChangedFields(c.Old, c.New)
}
