/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"stash.kopano.io/kwm/kwmcall/internal/bpool"
)

const (
	websocketMaxMessageSize = 512 * 1024 // Same as the relay.

	DefaultReconnectDelay = 3 * time.Second
	DefaultPingInterval   = 30 * time.Second
)

// ErrNotOpen is returned by Send when the channel is not connected. The
// envelope is dropped.
var ErrNotOpen = errors.New("signaling channel not open")

// Options define the settings of a Channel.
type Options struct {
	HTTPClient *http.Client
	Logger     logrus.FieldLogger

	Token string

	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// Channel is a persistent duplex connection to the signaling relay.
type Channel struct {
	uri     string
	localID PartyID

	options *Options
	logger  logrus.FieldLogger

	mutex sync.RWMutex
	ws    *websocket.Conn

	onMessage func(*Envelope)
	onOpen    func()
	onClose   func()
}

// NewChannel creates a Channel for the relay at uri acting as localID. The
// connection is established by Run.
func NewChannel(uri *url.URL, localID PartyID, options *Options) (*Channel, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	if uri == nil {
		return nil, errors.New("relay url cannot be nil")
	}
	if localID == "" {
		return nil, errors.New("local party id cannot be empty")
	}
	if options.ReconnectDelay <= 0 {
		options.ReconnectDelay = DefaultReconnectDelay
	}
	if options.PingInterval <= 0 {
		options.PingInterval = DefaultPingInterval
	}

	c := &Channel{
		uri:     WebsocketURL(uri, options.Token),
		localID: localID,

		options: options,
		logger:  options.Logger.WithField("party", localID),
	}

	return c, nil
}

// OnMessage sets the handler for inbound envelopes. Must be called before Run.
func (c *Channel) OnMessage(f func(*Envelope)) {
	c.onMessage = f
}

// OnOpen sets the handler called after each successful connect. Must be
// called before Run.
func (c *Channel) OnOpen(f func()) {
	c.onOpen = f
}

// OnClose sets the handler called whenever an open connection ends. Must be
// called before Run.
func (c *Channel) OnClose(f func()) {
	c.onClose = f
}

// IsOpen reports whether the channel is currently connected.
func (c *Channel) IsOpen() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.ws != nil
}

// Run connects to the relay and keeps reconnecting with a fixed delay until
// ctx is done.
func (c *Channel) Run(ctx context.Context) error {
	for {
		c.logger.Infoln("connecting to signaling relay")
		err := c.start(ctx) // This blocks.
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(err).Warnln("signaling connection stopped with error, reconnect scheduled")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.options.ReconnectDelay):
			c.logger.Infoln("reconnecting to signaling relay")
			// breaks and continues.
		}
	}
}

func (c *Channel) start(ctx context.Context) error {
	wsCtx, wsCancel := context.WithCancel(ctx)
	defer wsCancel()

	ws, _, err := websocket.Dial(wsCtx, c.uri, &websocket.DialOptions{
		HTTPClient: c.options.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("failed to connect signaling websocket: %w", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	ws.SetReadLimit(websocketMaxMessageSize)

	c.mutex.Lock()
	c.ws = ws
	c.mutex.Unlock()
	defer func() {
		c.mutex.Lock()
		c.ws = nil
		c.mutex.Unlock()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.logger.Infoln("signaling connection established")
	if c.onOpen != nil {
		c.onOpen()
	}

	errCh := make(chan error, 1)
	go func() {
		readPumpErr := c.readPump(wsCtx, ws) // This blocks.
		errCh <- readPumpErr                 // Always send result, to unblock cleanup.
	}()

	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case err = <-errCh:
			return err
		case <-ticker.C:
			if pingErr := c.write(wsCtx, ws, &Envelope{Type: TypePing}); pingErr != nil {
				c.logger.WithError(pingErr).Debugln("signaling ping failed")
			}
		}
	}
}

func (c *Channel) readPump(ctx context.Context, ws *websocket.Conn) error {
	var mt websocket.MessageType
	var reader io.Reader
	var b *bytes.Buffer
	var err error
	for {
		mt, reader, err = ws.Reader(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.logger.WithField("status_code", websocket.CloseStatus(err)).Debugln("signaling connection close")
				return nil
			}
			return fmt.Errorf("signaling connection failed to get reader: %w", err)
		}

		b = bpool.Get()
		if _, err = b.ReadFrom(reader); err != nil {
			bpool.Put(b)
			return fmt.Errorf("signaling reader read error: %w", err)
		}

		switch mt {
		case websocket.MessageText:
		default:
			bpool.Put(b)
			c.logger.WithField("message_type", mt).Warnln("signaling connection received unknown websocket message type")
			continue
		}

		env := &Envelope{}
		err = json.Unmarshal(b.Bytes(), env)
		bpool.Put(b)
		if err != nil {
			c.logger.WithError(err).Errorln("signaling message parse error")
			continue
		}

		switch env.Type {
		case TypePing, TypePong:
			continue
		}
		if IsEcho(env, c.localID) {
			c.logger.WithField("type", env.Type).Debugln("ignoring signaling echo from self")
			continue
		}
		if validateErr := env.Validate(); validateErr != nil {
			c.logger.WithError(validateErr).Warnln("signaling message invalid, ignored")
			continue
		}

		if c.onMessage != nil {
			c.onMessage(env)
		}
	}
}

// Send writes env to the relay. When the channel is not open the envelope is
// dropped and ErrNotOpen is returned.
func (c *Channel) Send(ctx context.Context, env *Envelope) error {
	c.mutex.RLock()
	ws := c.ws
	c.mutex.RUnlock()
	if ws == nil {
		return ErrNotOpen
	}

	return c.write(ctx, ws, env)
}

func (c *Channel) write(ctx context.Context, ws *websocket.Conn, env *Envelope) error {
	writer, err := ws.Writer(ctx, websocket.MessageText)
	if err != nil {
		return fmt.Errorf("failed to get signaling writer: %w", err)
	}

	encoder := json.NewEncoder(writer)
	if err = encoder.Encode(env); err != nil {
		writer.Close()
		return fmt.Errorf("failed to encode signaling envelope: %w", err)
	}

	return writer.Close()
}
