/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stash.kopano.io/kwm/kwmcall/internal/media"
)

// Profile is an outgoing video profile.
type Profile struct {
	Name          string
	Width         int
	Height        int
	FrameRate     float64
	MaxBitrateBps uint64
}

// Constraints returns the capture constraints of the profile.
func (p Profile) Constraints() media.Constraints {
	return media.Constraints{
		Video:     true,
		Width:     p.Width,
		Height:    p.Height,
		FrameRate: p.FrameRate,
	}
}

// Profiles maps quality classes to profiles.
type Profiles map[Class]Profile

// DefaultProfiles is the profile table used when none is configured.
var DefaultProfiles = Profiles{
	Excellent: {Name: "720p", Width: 1280, Height: 720, FrameRate: 30, MaxBitrateBps: 2500000},
	Good:      {Name: "480p", Width: 854, Height: 480, FrameRate: 30, MaxBitrateBps: 1000000},
	Fair:      {Name: "360p", Width: 640, Height: 360, FrameRate: 24, MaxBitrateBps: 500000},
	Poor:      {Name: "240p", Width: 426, Height: 240, FrameRate: 15, MaxBitrateBps: 250000},
}

// Monitor remembers the last classification and reports changes.
type Monitor struct {
	mutex sync.Mutex
	class Class
	last  Sample
}

// NewMonitor creates a Monitor. The initial class is Excellent, matching
// the profile local media is acquired with.
func NewMonitor() *Monitor {
	return &Monitor{
		class: Excellent,
	}
}

// Observe records sample and reports whether its class differs from the
// previous one.
func (m *Monitor) Observe(sample Sample) (Class, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.last = sample
	changed := sample.Class != m.class
	m.class = sample.Class
	return m.class, changed
}

// Last returns the last observed sample.
func (m *Monitor) Last() Sample {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.last
}

// Controller applies profiles to the outgoing video.
type Controller struct {
	profiles Profiles

	// Dwell is the minimum time between two applied profile changes. Zero
	// applies every change right away.
	dwell time.Duration
	now   func() time.Time

	mutex     sync.Mutex
	current   Class
	appliedAt time.Time
}

// NewController creates a Controller. A nil profiles uses DefaultProfiles.
func NewController(profiles Profiles, dwell time.Duration, now func() time.Time) *Controller {
	if profiles == nil {
		profiles = DefaultProfiles
	}
	if now == nil {
		now = time.Now
	}
	return &Controller{
		profiles: profiles,
		dwell:    dwell,
		now:      now,
		current:  Excellent,
	}
}

// Current returns the class of the applied profile.
func (c *Controller) Current() Class {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.current
}

// Apply switches to the profile of class. It adjusts the capture constraints
// of track and sets the bitrate cap on limiter, both may be nil. It returns
// false when the change was skipped because of the dwell time or because
// class is already applied.
func (c *Controller) Apply(ctx context.Context, class Class, track media.Track, limiter media.BitrateLimiter) (bool, error) {
	profile, ok := c.profiles[class]
	if !ok {
		return false, fmt.Errorf("no quality profile for %s", class)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if class == c.current {
		return false, nil
	}
	now := c.now()
	if c.dwell > 0 && !c.appliedAt.IsZero() && now.Sub(c.appliedAt) < c.dwell {
		return false, nil
	}

	if track != nil {
		if err := track.ApplyConstraints(ctx, profile.Constraints()); err != nil {
			return false, fmt.Errorf("failed to apply %s constraints: %w", profile.Name, err)
		}
	}
	if limiter != nil {
		if err := limiter.SetMaxBitrate(profile.MaxBitrateBps); err != nil {
			return false, fmt.Errorf("failed to apply %s bitrate: %w", profile.Name, err)
		}
	}
	c.current = class
	c.appliedAt = now
	return true, nil
}
