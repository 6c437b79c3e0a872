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
	"net"
	"testing"
	"time"

	"github.com/pepper-iot/nats-client-go/core/frame"
)

func TestConn_ReadDispatchesFrames(t *testing.T) {
	client, server := net.Pipe()
	c := NewConn(client, 0, false)
	defer c.Close()

	frames := make(chan frame.Frame, 8)
	readErr := make(chan error, 1)
	go func() {
		readErr <- c.Read(func(f frame.Frame) { frames <- f })
	}()

	go func() {
		server.Write([]byte("PING\r\nMSG foo 1 5\r\nhello\r\n"))
	}()

	f := <-frames
	if f.Type != frame.TypePing {
		t.Fatalf("got %v; expected PING", f.Type)
	}
	f = <-frames
	if f.Type != frame.TypeMsg || string(f.Payload) != "hello" {
		t.Fatalf("got %v %q", f.Type, f.Payload)
	}

	server.Close()
	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("Read() returned nil; expected transport error")
		}
	case <-time.After(time.Second):
		t.Fatal("Read() did not return after close")
	}

	select {
	case <-c.Closed():
	default:
		t.Fatal("Closed() still blocked after read error")
	}
}

func TestConn_ReadProtocolErrorClosesConn(t *testing.T) {
	client, server := net.Pipe()
	c := NewConn(client, 0, false)

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.Read(func(frame.Frame) {})
	}()
	go server.Write([]byte("GIBBERISH\r\n"))

	select {
	case err := <-readErr:
		if _, ok := err.(*frame.ProtocolError); !ok {
			t.Fatalf("got %v; expected *frame.ProtocolError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read() did not return")
	}
	select {
	case <-c.Closed():
	default:
		t.Fatal("connection not torn down on protocol error")
	}
}

func TestConn_WriteFlushesToTransport(t *testing.T) {
	client, server := net.Pipe()
	c := NewConn(client, 0, false)
	defer c.Close()

	lines := make(chan string, 1)
	go func() {
		br := bufio.NewReader(server)
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		lines <- line
	}()

	if err := c.Write(frame.AppendPing(nil)); err != nil {
		t.Fatal(err)
	}

	select {
	case line := <-lines:
		if line != "PING\r\n" {
			t.Fatalf("got %q; expected PING", line)
		}
	case <-time.After(time.Second):
		t.Fatal("flusher did not deliver the frame")
	}
}

func TestConn_WriteAfterClose(t *testing.T) {
	client, _ := net.Pipe()
	c := NewConn(client, 0, false)
	c.Close()
	if err := c.Write([]byte("PING\r\n")); err != ErrConnClosed {
		t.Fatalf("got %v; expected ErrConnClosed", err)
	}
}

func TestConn_DiscardOnFull(t *testing.T) {
	client, _ := net.Pipe()
	// Nothing reads the server side: the buffer can only grow.
	c := NewConn(client, 64, true)
	defer c.Close()

	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := c.Write(make([]byte, 32)); err == ErrOutboundFull {
			sawFull = true
			break
		}
	}
	if !sawFull {
		t.Fatal("expected ErrOutboundFull past the high-watermark")
	}
}
