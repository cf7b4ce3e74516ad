// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package bus is the Message Bus Client: a persistent WebSocket
// connection carrying line-delimited JSON frames, with the mandatory
// inbound validation and outbound identity-stamping hooks from the
// frame contract applied at the boundary.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sage-x-project/relay-engine/frame"
	"github.com/sage-x-project/relay-engine/internal/apperr"
	"github.com/sage-x-project/relay-engine/internal/logger"
)

// Client maintains one WebSocket connection to the bus, delivering
// validated inbound frames on Inbound() and accepting outbound frames
// via Send.
type Client struct {
	url         string
	selfAgentID string

	dialTimeout       time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	reconnectInterval time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	inbound chan *frame.Frame
	stop    chan struct{}
	done    chan struct{}

	log logger.Logger
}

// Options configures a Client's timeouts.
type Options struct {
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ReconnectInterval time.Duration
}

// DefaultOptions mirrors the bus timeout defaults this system ships with.
func DefaultOptions() Options {
	return Options{
		DialTimeout:       10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReconnectInterval: 5 * time.Second,
	}
}

// NewClient creates a bus client bound to selfAgentID, unconnected
// until Connect is called.
func NewClient(url, selfAgentID string, opts Options) *Client {
	return &Client{
		url:               url,
		selfAgentID:       selfAgentID,
		dialTimeout:       opts.DialTimeout,
		readTimeout:       opts.ReadTimeout,
		writeTimeout:      opts.WriteTimeout,
		reconnectInterval: opts.ReconnectInterval,
		inbound:           make(chan *frame.Frame, 64),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
		log:               logger.GetDefaultLogger().WithFields(logger.String("component", "bus")),
	}
}

// Connect dials the bus and starts the background read loop. The read
// loop keeps reconnecting (after reconnectInterval) until Close is
// called, so a transient bus outage does not require the caller to
// re-dial.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dialer := &websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return apperr.Storage("bus dial failed", err)
	}
	c.conn = conn
	return nil
}

// Inbound returns the channel of frames that have already passed
// ValidateInbound.
func (c *Client) Inbound() <-chan *frame.Frame {
	return c.inbound
}

// Send runs the send-hook (stamping from) and writes f to the bus.
func (c *Client) Send(f *frame.Frame) error {
	f = frame.PrepareOutbound(f, c.selfAgentID)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperr.Storage("bus is not connected", nil)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return apperr.Storage("failed to set bus write deadline", err)
	}
	if err := conn.WriteJSON(f); err != nil {
		return apperr.Storage("failed to write frame to bus", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			if !c.waitForReconnect() {
				return
			}
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			c.dropConn()
			continue
		}

		var f frame.Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.log.Warn("bus read failed, will reconnect", logger.Error(err))
			c.dropConn()
			continue
		}

		if err := frame.ValidateInbound(&f, c.selfAgentID); err != nil {
			c.log.Info("dropping invalid inbound frame", logger.Error(err))
			continue
		}

		select {
		case c.inbound <- &f:
		case <-c.stop:
			return
		}
	}
}

func (c *Client) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) waitForReconnect() bool {
	select {
	case <-time.After(c.reconnectInterval):
	case <-c.stop:
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	defer cancel()
	if err := c.dial(ctx); err != nil {
		c.log.Warn("bus reconnect failed", logger.Error(err))
	}
	return true
}

// Close stops the read loop and closes the underlying connection.
func (c *Client) Close() error {
	close(c.stop)
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	return err
}
