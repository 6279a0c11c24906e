package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/samims/hakhel/internal/model"
	"github.com/samims/hakhel/internal/storage"
)

type PreferenceResolver interface {
	Resolve(ctx context.Context, owner model.Owner) (model.EffectiveConfig, error)
}

type preferenceResolver struct {
	store storage.PreferenceStorage
}

func NewPreferenceResolver(store storage.PreferenceStorage) PreferenceResolver {
	return &preferenceResolver{store: store}
}

func (r *preferenceResolver) Resolve(ctx context.Context, owner model.Owner) (model.EffectiveConfig, error) {
	chain, err := r.store.FindChain(ctx, owner)
	if err != nil {
		return model.EffectiveConfig{}, fmt.Errorf("load preference chain for %s: %w", owner, err)
	}
	return ResolveChain(chain...), nil
}

// ResolveChain merges records field by field, most specific first. Nil
// records are skipped. Fields nobody sets fall back to built-in defaults.
func ResolveChain(prefs ...*model.Preference) model.EffectiveConfig {
	var cfg model.EffectiveConfig
	var fallback *bool
	var zone *string

	for _, p := range prefs {
		if p == nil {
			continue
		}
		if cfg.Offsets == nil && p.Has(model.FieldOffsets) {
			cfg.Offsets = slices.Clone(p.Offsets)
		}
		if cfg.ChannelPriority == nil && p.Has(model.FieldChannelPriority) {
			cfg.ChannelPriority = slices.Clone(p.ChannelPriority)
		}
		if fallback == nil && p.Has(model.FieldAllowFallback) {
			fallback = p.AllowFallbackChannels
		}
		if cfg.DailySweepTime == nil && p.Has(model.FieldDailySweepTime) {
			wc := *p.DailySweepTime
			cfg.DailySweepTime = &wc
		}
		if cfg.SendWindowStart == nil && p.Has(model.FieldSendWindowStart) {
			wc := *p.SendWindowStart
			cfg.SendWindowStart = &wc
		}
		if zone == nil && p.Has(model.FieldTimeZone) {
			zone = p.TimeZone
		}
	}

	if cfg.Offsets == nil {
		cfg.Offsets = slices.Clone(model.DefaultOffsets)
	}
	if cfg.ChannelPriority == nil {
		cfg.ChannelPriority = []model.Channel{model.ChannelSMS}
	}
	if fallback != nil {
		cfg.AllowFallbackChannels = *fallback
	}
	cfg.TimeZone = model.DefaultTimeZone
	if zone != nil {
		cfg.TimeZone = *zone
	}
	return cfg
}

// effectiveEqual compares one field of two resolved configurations.
func effectiveEqual(a, b model.EffectiveConfig, field string) bool {
	switch field {
	case model.FieldOffsets:
		return slices.Equal(a.Offsets, b.Offsets)
	case model.FieldChannelPriority:
		return slices.Equal(a.ChannelPriority, b.ChannelPriority)
	case model.FieldAllowFallback:
		return a.AllowFallbackChannels == b.AllowFallbackChannels
	case model.FieldDailySweepTime:
		return wallClockEqual(a.DailySweepTime, b.DailySweepTime)
	case model.FieldSendWindowStart:
		return wallClockEqual(a.SendWindowStart, b.SendWindowStart)
	case model.FieldTimeZone:
		return a.TimeZone == b.TimeZone
	}
	return true
}

func wallClockEqual(a, b *model.WallClock) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
