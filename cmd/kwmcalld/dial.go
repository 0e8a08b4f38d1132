/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kwm/kwmcall/cmd"
	cfg "stash.kopano.io/kwm/kwmcall/config"
	"stash.kopano.io/kwm/kwmcall/internal/call"
	"stash.kopano.io/kwm/kwmcall/internal/media"
	"stash.kopano.io/kwm/kwmcall/internal/negotiator"
	"stash.kopano.io/kwm/kwmcall/internal/pending"
	"stash.kopano.io/kwm/kwmcall/internal/quality"
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
	"stash.kopano.io/kwm/kwmcall/version"
)

const defaultRelayURL = "ws://127.0.0.1:8779/ws"

func commandDial() *cobra.Command {
	dialCmd := &cobra.Command{
		Use:   "dial [...args]",
		Short: "Run a headless call agent connected to the signaling relay",
		Run: func(cmd *cobra.Command, args []string) {
			if err := dial(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	dialCmd.Flags().String("relay-url", defaultRelayURL, "URL of the signaling relay websocket")
	dialCmd.Flags().String("token", "", "Token to authenticate at the relay, the user flag is sent instead if not set")
	dialCmd.Flags().String("user", "", "Local party id (required)")
	dialCmd.Flags().String("username", "", "Display name sent to the peer")
	dialCmd.Flags().String("target", "", "Party to call once the relay connection is open")
	dialCmd.Flags().String("call-id", "", "Call id to use for the outgoing call, generated if not set")
	dialCmd.Flags().Bool("audio-only", false, "Place audio calls without video")
	dialCmd.Flags().Bool("auto-accept", false, "Accept a parked incoming call on start")
	dialCmd.Flags().Bool("auto-initiate", false, "Dial a parked outgoing call once the relay connection is open")
	dialCmd.Flags().Bool("accept-incoming", false, "Accept every incoming call right away")
	dialCmd.Flags().Bool("park-incoming", false, "Park incoming offers in the pending call repository instead of ringing")
	dialCmd.Flags().Duration("hangup-after", 0, "End connected calls after this duration, 0 keeps calls up")
	dialCmd.Flags().Bool("once", false, "Exit after the first call has ended")
	dialCmd.Flags().Bool("buffer-early-candidates", false, "Buffer ICE candidates received before the remote description instead of dropping them")
	dialCmd.Flags().Duration("grace", call.DefaultGracePeriod, "Time an ended call stays visible before returning to idle")
	dialCmd.Flags().Duration("quality-dwell", 0, "Minimum time a new quality class must persist before the video profile follows")
	dialCmd.Flags().Duration("reconnect-delay", signaling.DefaultReconnectDelay, "Delay between relay reconnect attempts")
	dialCmd.Flags().Bool("insecure", false, "Disable TLS certificate and hostname validation")
	dialCmd.Flags().Bool("webrtc-verbose", false, "Forward debug logs of the WebRTC stack")
	addICEFlags(dialCmd)
	addPendingFlags(dialCmd)
	addLoggerFlags(dialCmd)
	addRuntimeFlags(dialCmd, "127.0.0.1:6780")

	return dialCmd
}

func dial(c *cobra.Command, args []string) error {
	v, err := cmd.Viper(c)
	if err != nil {
		return err
	}

	logger, err := newLoggerFromViper(v)
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}
	logger.WithField("version", version.Version).Infoln("dial start")

	setupDeadlockDetector(v, logger)

	local := signaling.PartyID(v.GetString("user"))
	if local == "" {
		return fmt.Errorf("user required but not given")
	}

	config := &cfg.Config{
		Logger: logger,

		RelayToken:            v.GetString("token"),
		ReconnectDelay:        v.GetDuration("reconnect-delay"),
		GracePeriod:           v.GetDuration("grace"),
		QualityDwell:          v.GetDuration("quality-dwell"),
		BufferEarlyCandidates: v.GetBool("buffer-early-candidates"),
		RedisURL:              v.GetString("redis-url"),
	}

	config.RelayURL, err = url.Parse(v.GetString("relay-url"))
	if err != nil {
		return fmt.Errorf("invalid relay-url: %w", err)
	}
	if config.RelayToken == "" {
		q := config.RelayURL.Query()
		q.Set("user", string(local))
		config.RelayURL.RawQuery = q.Encode()
		logger.Warnln("no relay token set, identifying with user parameter")
	}

	if err = applyICEConfig(v, config, logger); err != nil {
		return err
	}
	config.HTTPClient = newHTTPClient(v.GetBool("insecure"), logger)
	config.WithMetrics, config.Metrics = startMetrics(v, logger)
	startPprof(v, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeRepo, err := newPendingRepository(ctx, v, string(local), logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	channel, err := signaling.NewChannel(config.RelayURL, local, &signaling.Options{
		HTTPClient:     config.HTTPClient,
		Logger:         logger.WithField("scope", "signaling"),
		Token:          config.RelayToken,
		ReconnectDelay: config.ReconnectDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to create signaling channel: %w", err)
	}

	webrtcAPI, err := negotiator.NewAPI(&negotiator.Options{
		Config:         config,
		Logger:         logger.WithField("scope", "webrtc"),
		VerboseLogging: v.GetBool("webrtc-verbose"),
	})
	if err != nil {
		return fmt.Errorf("failed to create webrtc api: %w", err)
	}

	a := &agent{
		logger: logger,
		cancel: cancel,

		acceptIncoming: v.GetBool("accept-incoming"),
		hangupAfter:    v.GetDuration("hangup-after"),
		once:           v.GetBool("once"),
	}

	machine, err := call.New(&call.Options{
		Logger: logger.WithField("scope", "call"),
		Local: signaling.CallerInfo{
			ID:       local,
			Username: v.GetString("username"),
		},
		Channel:       channel,
		NewNegotiator: webrtcAPI.NewNegotiator,
		Media:         &media.StaticSource{},
		Pending:       repo,
		Metrics:       config.Metrics,

		GracePeriod:           config.GracePeriod,
		QualityDwell:          config.QualityDwell,
		BufferEarlyCandidates: config.BufferEarlyCandidates,

		OnUpdate:      a.onUpdate,
		OnRemoteTrack: a.onRemoteTrack,
		OnQuality:     a.onQuality,
	})
	if err != nil {
		return fmt.Errorf("failed to create call machine: %w", err)
	}
	a.machine = machine

	parkIncoming := v.GetBool("park-incoming")
	channel.OnMessage(func(env *signaling.Envelope) {
		if parkIncoming && env.Type == signaling.TypeCallOffer {
			a.park(ctx, repo, env)
			return
		}
		machine.HandleEnvelope(env)
	})

	kind := call.KindVideo
	if v.GetBool("audio-only") {
		kind = call.KindAudio
	}
	target := signaling.PartyID(v.GetString("target"))
	callID := v.GetString("call-id")
	autoAccept := v.GetBool("auto-accept")
	autoInitiate := v.GetBool("auto-initiate")

	// A plain target is dialed directly, with auto-initiate it only selects
	// which parked outgoing call may be dialed.
	direct := target != "" && !autoAccept && !autoInitiate
	channel.OnOpen(newOpenHandler(ctx, logger, machine, direct, target, kind, callID))

	machineErrCh := make(chan error, 1)
	go func() {
		machineErrCh <- machine.Run(ctx)
	}()
	channelErrCh := make(chan error, 1)
	go func() {
		channelErrCh <- channel.Run(ctx)
	}()

	if err = machine.Resume(ctx, call.EntryParams{
		TargetUserID:       target,
		ShouldAutoAccept:   autoAccept,
		ShouldAutoInitiate: autoInitiate,
		CallID:             callID,
		Kind:               kind,
	}); err != nil {
		logger.WithError(err).Warnln("failed to resume pending call")
	}

	logger.WithField("party", local).Infoln("dial started")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case reason := <-signalCh:
		logger.WithField("signal", reason).Warnln("received signal")
	case <-ctx.Done():
	case err = <-channelErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Errorln("signaling channel failed")
		}
	}

	// Hang up while the relay is still reachable.
	endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if endErr := machine.End(endCtx); endErr != nil {
		logger.WithError(endErr).Debugln("failed to end call on exit")
	}
	endCancel()

	cancel()
	select {
	case <-machineErrCh:
	case <-time.After(5 * time.Second):
		logger.Warnln("call machine did not stop in time")
	}

	logger.Infoln("dial stopped")
	return nil
}

type openNotifier interface {
	ChannelOpened()
	Call(ctx context.Context, target signaling.PartyID, kind call.Kind, callID string) error
}

// newOpenHandler returns the handler for every opening of the signaling
// channel. With direct, target is called on the first opening only.
func newOpenHandler(ctx context.Context, logger logrus.FieldLogger, machine openNotifier, direct bool, target signaling.PartyID, kind call.Kind, callID string) func() {
	var once sync.Once
	return func() {
		machine.ChannelOpened()
		if !direct {
			return
		}
		once.Do(func() {
			go func() {
				if err := machine.Call(ctx, target, kind, callID); err != nil {
					logger.WithError(err).WithField("target", target).Warnln("failed to call target")
				}
			}()
		})
	}
}

// agent reacts to call updates of a headless call agent. Its callbacks run
// on the call machine loop and never call back into the machine directly.
type agent struct {
	logger  logrus.FieldLogger
	machine *call.Machine
	cancel  context.CancelFunc

	acceptIncoming bool
	hangupAfter    time.Duration
	once           bool

	last        call.Snapshot
	hadCall     bool
	hangupTimer *time.Timer
}

func (a *agent) onUpdate(s call.Snapshot) {
	last := a.last
	a.last = s
	if s.State == last.State && s.ID == last.ID {
		return
	}

	logger := a.logger.WithFields(logrus.Fields{
		"call":   s.ID,
		"state":  s.State,
		"remote": s.RemotePartyID,
	})
	switch s.State {
	case call.Idle:
		logger.WithField("reason", s.EndReason).Infoln("call idle")
	case call.Ended:
		logger.WithFields(logrus.Fields{
			"reason":   s.EndReason,
			"duration": s.Duration,
		}).Infoln("call ended")
	default:
		logger.Infoln("call state changed")
	}

	if s.State.Active() {
		a.hadCall = true
	}

	switch s.State {
	case call.Ringing:
		if a.acceptIncoming {
			go func() {
				if err := a.machine.Accept(context.Background()); err != nil {
					logger.WithError(err).Warnln("failed to accept incoming call")
				}
			}()
		}
	case call.Connected:
		if a.hangupAfter > 0 {
			a.hangupTimer = time.AfterFunc(a.hangupAfter, func() {
				if err := a.machine.End(context.Background()); err != nil {
					logger.WithError(err).Warnln("failed to end call")
				}
			})
		}
	case call.Ended, call.Idle:
		if a.hangupTimer != nil {
			a.hangupTimer.Stop()
			a.hangupTimer = nil
		}
		if s.State == call.Idle && a.once && a.hadCall {
			a.cancel()
		}
	}
}

func (a *agent) onRemoteTrack(track negotiator.RemoteTrack) {
	logger := a.logger.WithFields(logrus.Fields{
		"track":  track.ID(),
		"stream": track.StreamID(),
		"kind":   track.Kind(),
	})
	logger.Infoln("remote track started")

	// Drain the track, nothing is rendered headless.
	go func() {
		var packets uint64
		for {
			if _, err := track.ReadRTP(); err != nil {
				logger.WithField("packets", packets).Debugln("remote track ended")
				return
			}
			packets++
		}
	}()
}

func (a *agent) onQuality(sample quality.Sample) {
	a.logger.WithFields(logrus.Fields{
		"class":   sample.Class,
		"loss":    sample.PacketLossPct,
		"rtt":     sample.RoundTripMs,
		"bitrate": sample.AvailableBitrateBps,
	}).Debugln("call quality sample")
}

// park stores an incoming offer so a later agent started with auto-accept
// answers it.
func (a *agent) park(ctx context.Context, repo pending.Repository, env *signaling.Envelope) {
	logger := a.logger.WithFields(logrus.Fields{
		"call":   env.CallID,
		"caller": env.FromUserID,
	})
	if err := pending.PutInboundOffer(ctx, repo, pending.InboundOfferFromEnvelope(env)); err != nil {
		logger.WithError(err).Errorln("failed to park incoming call")
		return
	}
	logger.Infoln("incoming call parked")
}
