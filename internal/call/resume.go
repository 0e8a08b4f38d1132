/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmcall/internal/pending"
)

// Resume continues a call which was handed over through the pending
// repository. With ShouldAutoAccept a parked inbound offer is answered, with
// ShouldAutoInitiate a parked outbound intent is dialed. Both wait until the
// signaling channel is open. A parked entry is consumed at most once and
// nothing is dialed when no intent is parked.
func (m *Machine) Resume(ctx context.Context, params EntryParams) error {
	return m.do(ctx, func() error {
		return m.resume(params)
	})
}

func (m *Machine) resume(params EntryParams) error {
	if s := m.session; s != nil && s.offerConsumed {
		return nil
	}

	if params.ShouldAutoAccept {
		m.autoAccept = true
	}
	if params.ShouldAutoInitiate && !params.ShouldAutoAccept {
		p := params
		m.autoInitiate = &p
	}

	return m.resumeArmed()
}

// maybeResume fires what Resume armed, it runs when the channel opens.
func (m *Machine) maybeResume() {
	if err := m.resumeArmed(); err != nil {
		m.logger.WithError(err).Warnln("failed to resume pending call")
	}
}

func (m *Machine) resumeArmed() error {
	if !m.channel.IsOpen() {
		return nil
	}

	if m.autoAccept {
		m.autoAccept = false
		m.autoInitiate = nil
		return m.resumeInbound()
	}

	m.maybeAutoInitiate()
	return nil
}

func (m *Machine) resumeInbound() error {
	if m.options.Pending == nil {
		return nil
	}
	if m.session != nil {
		return ErrNotIdle
	}

	// Accepting replaces whatever outgoing call was parked before.
	if _, found, err := pending.TakeOutboundIntent(m.ctx, m.options.Pending); err != nil {
		m.logger.WithError(err).Warnln("failed to discard pending outgoing call")
	} else if found {
		m.logger.Debugln("discarded pending outgoing call")
	}

	offer, found, err := pending.TakeInboundOffer(m.ctx, m.options.Pending)
	if err != nil {
		return fmt.Errorf("failed to take pending call: %w", err)
	}
	if !found {
		m.logger.Debugln("no pending call to accept")
		return nil
	}

	if err = m.handleOffer(offer.Envelope(m.local.ID)); err != nil {
		return err
	}
	m.session.offerConsumed = true
	return m.accept()
}

// maybeAutoInitiate dials the parked outbound intent. With a TargetUserID the
// intent is only dialed when it is for that target.
func (m *Machine) maybeAutoInitiate() {
	params := m.autoInitiate
	if params == nil || !m.channel.IsOpen() {
		return
	}
	m.autoInitiate = nil

	if m.options.Pending == nil {
		return
	}
	intent, found, err := pending.TakeOutboundIntent(m.ctx, m.options.Pending)
	if err != nil {
		m.logger.WithError(err).Warnln("failed to take pending outgoing call")
		return
	}
	if !found {
		m.logger.Debugln("no pending outgoing call to initiate")
		return
	}
	if intent.TargetUserID == "" {
		m.logger.Warnln("pending outgoing call without target, not calling")
		return
	}
	if params.TargetUserID != "" && intent.TargetUserID != params.TargetUserID {
		// Left parked for the party it was meant for.
		if err = pending.PutOutboundIntent(m.ctx, m.options.Pending, intent); err != nil {
			m.logger.WithError(err).Warnln("failed to park pending outgoing call again")
		}
		m.logger.WithFields(logrus.Fields{
			"target":        params.TargetUserID,
			"intent_target": intent.TargetUserID,
		}).Warnln("pending outgoing call is for another target, not calling")
		return
	}

	callID := params.CallID
	if callID == "" {
		callID = intent.CallID
	}
	kind := params.Kind
	if intent.CallType != "" {
		kind = kindFromCallType(intent.CallType)
	}
	if err := m.startCall(intent.TargetUserID, kind, callID); err != nil {
		m.logger.WithError(err).WithField("target", intent.TargetUserID).Warnln("auto initiate failed")
	}
}
