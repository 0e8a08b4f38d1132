/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"stash.kopano.io/kgol/rndm"

	"stash.kopano.io/kwm/kwmcall/internal/bpool"
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

const (
	websocketMaxMessageSize = 512 * 1024
	writeTimeout            = 10 * time.Second
)

type conn struct {
	hub    *Hub
	id     string
	party  signaling.PartyID
	ws     *websocket.Conn
	logger logrus.FieldLogger

	send chan *signaling.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(hub *Hub, party signaling.PartyID, ws *websocket.Conn) *conn {
	id := rndm.GenerateRandomString(12)
	return &conn{
		hub:   hub,
		id:    id,
		party: party,
		ws:    ws,
		logger: hub.logger.WithFields(logrus.Fields{
			"party": party,
			"conn":  id,
		}),

		send:   make(chan *signaling.Envelope, hub.options.SendQueueSize),
		closed: make(chan struct{}),
	}
}

// serve runs the pumps of c until the connection ends or ctx is done.
func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		readPumpErr := c.readPump(ctx) // This blocks.
		errCh <- readPumpErr           // Always send result, to unblock cleanup.
	}()

	var err error
	select {
	case err = <-errCh:
	case <-c.closed:
	case <-ctx.Done():
	}
	cancel()

	if err != nil {
		c.logger.WithError(err).Debugln("relay connection ended with error")
	}
	c.close(websocket.StatusNormalClosure, "")
}

// enqueue queues env for sending, it returns false when the queue is full or
// the connection is closed.
func (c *conn) enqueue(env *signaling.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close(code, reason)
	})
}

func (c *conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case env := <-c.send:
			if err := c.write(ctx, env); err != nil {
				c.logger.WithError(err).Debugln("relay write failed")
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *conn) write(ctx context.Context, env *signaling.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	writer, err := c.ws.Writer(ctx, websocket.MessageText)
	if err != nil {
		return fmt.Errorf("failed to get relay writer: %w", err)
	}
	if err = json.NewEncoder(writer).Encode(env); err != nil {
		writer.Close()
		return fmt.Errorf("failed to encode relay envelope: %w", err)
	}
	return writer.Close()
}

func (c *conn) readPump(ctx context.Context) error {
	go c.writePump(ctx)

	var mt websocket.MessageType
	var reader io.Reader
	var b *bytes.Buffer
	var err error
	for {
		mt, reader, err = c.ws.Reader(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.logger.WithField("status_code", websocket.CloseStatus(err)).Debugln("relay connection close")
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			return fmt.Errorf("relay connection failed to get reader: %w", err)
		}

		b = bpool.Get()
		if _, err = b.ReadFrom(reader); err != nil {
			bpool.Put(b)
			return fmt.Errorf("relay reader read error: %w", err)
		}

		if mt != websocket.MessageText {
			bpool.Put(b)
			c.logger.WithField("message_type", mt).Warnln("relay connection received unknown websocket message type")
			continue
		}

		env := &signaling.Envelope{}
		err = json.Unmarshal(b.Bytes(), env)
		bpool.Put(b)
		if err != nil {
			c.hub.metrics.dropped.WithLabelValues(dropInvalid).Inc()
			c.logger.WithError(err).Debugln("relay message parse error")
			continue
		}

		c.hub.route(c, env)
	}
}
