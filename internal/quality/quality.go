/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package quality classifies link quality from transport statistics and maps
// the classification to outgoing video profiles.
package quality

import (
	"github.com/pion/webrtc/v4"
)

// Class is a coarse link quality bucket.
type Class int

// Quality classes, from best to worst.
const (
	Excellent Class = iota
	Good
	Fair
	Poor
)

func (c Class) String() string {
	switch c {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Fair:
		return "fair"
	case Poor:
		return "poor"
	default:
		return "unknown"
	}
}

// Classification thresholds.
const (
	PoorLossPct      = 5.0
	PoorRoundTripMs  = 300.0
	FairLossPct      = 2.0
	FairRoundTripMs  = 150.0
	GoodLossPct      = 0.5
	GoodRoundTripMs  = 80.0
	DefaultRoundTrip = 50.0
	DefaultBitrate   = 2500000.0
)

// Classify maps packet loss in percent and round trip time in milliseconds to
// a Class.
func Classify(lossPct, rttMs float64) Class {
	switch {
	case lossPct > PoorLossPct || rttMs > PoorRoundTripMs:
		return Poor
	case lossPct > FairLossPct || rttMs > FairRoundTripMs:
		return Fair
	case lossPct > GoodLossPct || rttMs > GoodRoundTripMs:
		return Good
	default:
		return Excellent
	}
}

// Sample is a point in time network statistics sample.
type Sample struct {
	PacketLossPct       float64
	RoundTripMs         float64
	AvailableBitrateBps float64
	Class               Class
}

// Extract derives a Sample from report. It needs the inbound video RTP
// stream and the succeeded candidate pair, ok is false when either is
// missing. fallbackBitrate is used when the candidate pair carries no
// available outgoing bitrate, DefaultBitrate when it is 0 too.
func Extract(report webrtc.StatsReport, fallbackBitrate float64) (sample Sample, ok bool) {
	var inbound *webrtc.InboundRTPStreamStats
	var pair *webrtc.ICECandidatePairStats

	for _, stats := range report {
		switch s := stats.(type) {
		case webrtc.InboundRTPStreamStats:
			if s.Kind == "video" && inbound == nil {
				inbound = &s
			}
		case webrtc.ICECandidatePairStats:
			if s.State == webrtc.StatsICECandidatePairStateSucceeded && pair == nil {
				pair = &s
			}
		}
	}
	if inbound == nil || pair == nil {
		return sample, false
	}

	lost := float64(inbound.PacketsLost)
	if lost < 0 {
		lost = 0
	}
	if total := lost + float64(inbound.PacketsReceived); total > 0 {
		sample.PacketLossPct = lost / total * 100
	}

	sample.RoundTripMs = pair.CurrentRoundTripTime * 1000
	if sample.RoundTripMs == 0 {
		sample.RoundTripMs = DefaultRoundTrip
	}

	sample.AvailableBitrateBps = pair.AvailableOutgoingBitrate
	if sample.AvailableBitrateBps == 0 {
		sample.AvailableBitrateBps = fallbackBitrate
	}
	if sample.AvailableBitrateBps == 0 {
		sample.AvailableBitrateBps = DefaultBitrate
	}

	sample.Class = Classify(sample.PacketLossPct, sample.RoundTripMs)
	return sample, true
}
