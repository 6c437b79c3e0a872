// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conn

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pepper-iot/nats-client-go/core/frame"
	"github.com/pepper-iot/nats-client-go/pkg/log"
)

const (
	// bufSize sizes the bufio reader; it must hold a full control
	// line.
	bufSize = 32 * 1024

	// DefaultOutboundLimit is the write-side high-watermark: pending
	// outbound bytes beyond it block the writer until the flusher
	// catches up, or fail fast in discard mode.
	DefaultOutboundLimit = 8 * 1024 * 1024
)

var (
	// ErrConnClosed is returned by writes on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrOutboundFull is returned in discard mode when the pending
	// outbound buffer is over the high-watermark.
	ErrOutboundFull = errors.New("outbound buffer full, frame discarded")
)

// NewTCPConn dials the given server address over TCP.
func NewTCPConn(addr string, timeout time.Duration) (*Conn, error) {
	addr = strings.TrimPrefix(addr, "nats://")

	d := net.Dialer{Timeout: timeout}
	c, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(c, DefaultOutboundLimit, false), nil
}

// NewTLSConn dials the given server address over TCP+TLS.
func NewTLSConn(addr string, tlsCfg *tls.Config, timeout time.Duration) (*Conn, error) {
	addr = strings.TrimPrefix(addr, "nats://")

	d := net.Dialer{Timeout: timeout}
	c, err := tls.DialWithDialer(&d, "tcp", addr, tlsCfg)
	if err != nil {
		return nil, err
	}
	return NewConn(c, DefaultOutboundLimit, false), nil
}

// NewConn wraps an established transport. outboundLimit <= 0 selects
// the default; discardOnFull selects fail-fast over blocking when the
// pending buffer is over the watermark.
func NewConn(rwc io.ReadWriteCloser, outboundLimit int, discardOnFull bool) *Conn {
	if outboundLimit <= 0 {
		outboundLimit = DefaultOutboundLimit
	}
	c := &Conn{
		rwc:           rwc,
		br:            bufio.NewReaderSize(rwc, bufSize),
		fch:           make(chan struct{}, 1),
		closedc:       make(chan struct{}),
		outboundLimit: outboundLimit,
		discardOnFull: discardOnFull,
	}
	c.stateCond = sync.NewCond(&c.bmu)
	go c.flusher()
	return c
}

// Conn reads and writes protocol frames on the underlying transport.
// Writers enqueue whole frames onto a pending buffer; a single flusher
// goroutine owns the transport's write side, so frames never
// interleave and a slow transport never blocks the reader path.
// Reconnection is the embedder's concern: once Read returns, the Conn
// is unusable and Closed() is unblocked.
type Conn struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader

	bmu           sync.Mutex // guards pending, writing, isClosed
	pending       bytes.Buffer
	writing       bool
	isClosed      bool
	stateCond     *sync.Cond
	outboundLimit int
	discardOnFull bool

	fch     chan struct{}
	closedc chan struct{}
}

// Close closes the underlying transport. This unblocks Read, pending
// writers, and the Closed channel.
func (c *Conn) Close() error {
	c.bmu.Lock()
	if c.isClosed {
		c.bmu.Unlock()
		return nil
	}
	c.isClosed = true
	close(c.closedc)
	c.stateCond.Broadcast()
	c.bmu.Unlock()

	return c.rwc.Close()
}

// Closed returns a channel that unblocks when the connection is no
// longer usable.
func (c *Conn) Closed() <-chan struct{} {
	return c.closedc
}

// Read blocks decoding frames until an error occurs, passing each frame
// to handler sequentially from this goroutine. Any error closes the
// connection. Framing violations surface as *frame.ProtocolError.
func (c *Conn) Read(handler func(f frame.Frame)) error {
	for {
		var f frame.Frame
		if err := f.Decode(c.br); err != nil {
			// The connection may already be closed; a decode error
			// (bad wire data) still needs the teardown. The decode
			// error stays the primary one.
			_ = c.Close()
			return err
		}
		handler(f)
	}
}

// Write enqueues one encoded frame. Past the outbound watermark the
// call blocks until the flusher frees space, or fails with
// ErrOutboundFull in discard mode.
func (c *Conn) Write(p []byte) error {
	c.bmu.Lock()
	for {
		if c.isClosed {
			c.bmu.Unlock()
			return ErrConnClosed
		}
		if c.pending.Len()+len(p) <= c.outboundLimit {
			break
		}
		if c.discardOnFull {
			c.bmu.Unlock()
			return ErrOutboundFull
		}
		c.stateCond.Wait()
	}
	c.pending.Write(p)
	c.bmu.Unlock()

	c.kickFlusher()
	return nil
}

// Flush blocks until everything enqueued before the call has been
// handed to the transport.
func (c *Conn) Flush() error {
	c.kickFlusher()
	c.bmu.Lock()
	defer c.bmu.Unlock()
	for c.pending.Len() > 0 || c.writing {
		if c.isClosed {
			return ErrConnClosed
		}
		c.stateCond.Wait()
	}
	if c.isClosed {
		return ErrConnClosed
	}
	return nil
}

// kickFlusher nudges the flusher goroutine; writes coalesce while it
// runs behind.
func (c *Conn) kickFlusher() {
	select {
	case c.fch <- struct{}{}:
	default:
	}
}

// flusher owns the transport's write side: it drains the pending
// buffer in slabs, releasing the buffer lock (and the writers waiting
// on it) for the duration of each transport write.
func (c *Conn) flusher() {
	var slab []byte
	for {
		select {
		case <-c.fch:
		case <-c.closedc:
			return
		}

		for {
			c.bmu.Lock()
			if c.isClosed {
				c.bmu.Unlock()
				return
			}
			if c.pending.Len() == 0 {
				c.writing = false
				c.stateCond.Broadcast()
				c.bmu.Unlock()
				break
			}
			slab = append(slab[:0], c.pending.Bytes()...)
			c.pending.Reset()
			c.writing = true
			c.stateCond.Broadcast()
			c.bmu.Unlock()

			if _, err := c.rwc.Write(slab); err != nil {
				log.Debugf("outbound write: %v", err)
				_ = c.Close()
				return
			}
		}
	}
}
