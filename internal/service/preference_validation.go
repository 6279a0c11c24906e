package service

import (
	"fmt"
	"slices"
	"time"

	appErr "github.com/samims/hakhel/internal/errors"
	"github.com/samims/hakhel/internal/model"
)

// NormalizePreference sorts and de-duplicates offsets and removes repeated
// channels, keeping the first occurrence of each.
func NormalizePreference(p *model.Preference) {
	if len(p.Offsets) > 0 {
		offsets := slices.Clone(p.Offsets)
		slices.Sort(offsets)
		p.Offsets = slices.Compact(offsets)
	}
	if len(p.ChannelPriority) > 0 {
		seen := make(map[model.Channel]bool, len(p.ChannelPriority))
		channels := make([]model.Channel, 0, len(p.ChannelPriority))
		for _, ch := range p.ChannelPriority {
			if !seen[ch] {
				seen[ch] = true
				channels = append(channels, ch)
			}
		}
		p.ChannelPriority = channels
	}
	if p.TimeZone != nil && *p.TimeZone == "" {
		p.TimeZone = nil
	}
}

// ValidatePreference checks a normalized record. ancestors are the stored
// records above the owner, most specific first; they take part in the
// sweep/window ordering check. The result is nil or a *ValidationError.
func ValidatePreference(p *model.Preference, ancestors ...*model.Preference) error {
	verr := appErr.NewValidationError()

	if !p.Owner.Valid() {
		verr.Add("owner", "is invalid")
	}
	system := p.Owner.Kind == model.OwnerSystem

	if len(p.Offsets) > model.MaxOffsets {
		verr.Add(model.FieldOffsets, fmt.Sprintf("must have at most %d entries", model.MaxOffsets))
	}
	for _, o := range p.Offsets {
		if o < 0 || o > model.MaxOffsetDays {
			verr.Add(model.FieldOffsets, fmt.Sprintf("%d is not between 0 and %d", o, model.MaxOffsetDays))
		}
	}
	for _, ch := range p.ChannelPriority {
		if !ch.Valid() {
			verr.Add(model.FieldChannelPriority, fmt.Sprintf("%q is not one of sms, whatsapp, email", ch))
		}
	}

	if p.TimeZone != nil {
		if _, err := time.LoadLocation(*p.TimeZone); err != nil {
			verr.Add(model.FieldTimeZone, fmt.Sprintf("%q is not a known time zone", *p.TimeZone))
		}
	}
	if p.DailySweepTime != nil && !p.DailySweepTime.Valid() {
		verr.Add(model.FieldDailySweepTime, "is not a valid HH:MM time")
	}
	if p.SendWindowStart != nil && !p.SendWindowStart.Valid() {
		verr.Add(model.FieldSendWindowStart, "is not a valid HH:MM time")
	}

	if system {
		for _, field := range []string{model.FieldOffsets, model.FieldChannelPriority, model.FieldDailySweepTime, model.FieldSendWindowStart} {
			if !p.Has(field) {
				verr.Add(field, "is required for the system preference")
			}
		}
	}

	// Only the owner's own chain is checked. A descendant that overrides one
	// of the two times can still end up inverted after this edit; dispatch
	// then finds the window already open at sweep time and sends at once.
	chain := append([]*model.Preference{p}, ancestors...)
	eff := ResolveChain(chain...)
	if eff.DailySweepTime != nil && eff.SendWindowStart != nil && eff.SendWindowStart.Before(*eff.DailySweepTime) {
		verr.Add(model.FieldSendWindowStart, fmt.Sprintf(
			"%s must not be earlier than daily sweep time %s", eff.SendWindowStart, eff.DailySweepTime))
	}

	return verr.OrNil()
}
