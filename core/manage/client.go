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

package manage

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/pepper-iot/nats-client-go/core/conn"
	"github.com/pepper-iot/nats-client-go/core/frame"
	"github.com/pepper-iot/nats-client-go/core/msg"
	"github.com/pepper-iot/nats-client-go/core/sub"
	"github.com/pepper-iot/nats-client-go/pkg/log"
	"github.com/pepper-iot/nats-client-go/utils"
)

// Stats tracks counts received and sent on a client. Fields are updated
// atomically; read them with atomic loads or through RegisterMetrics.
type Stats struct {
	InMsgs        uint64
	OutMsgs       uint64
	InBytes       uint64
	OutBytes      uint64
	SlowConsumers uint64
}

type subMap map[uint64]*sub.Subscription

// Client drives one connection: it performs the handshake, dispatches
// inbound frames to subscriptions, and encodes outbound operations.
type Client struct {
	Stats

	cfg       ClientConfig
	c         *conn.Conn
	asyncErrs utils.AsyncErrors

	sids msg.MonotonicID

	smu  sync.Mutex // guards registration; lookups read the snapshot
	subs atomic.Pointer[subMap]

	pmu   sync.Mutex
	pongs []chan error

	inboxPrefix string
	inboxSeq    msg.MonotonicID

	imu   sync.Mutex
	info  ServerInfo
	infoc chan struct{}
	ionce sync.Once

	emu     sync.Mutex
	lastErr error

	conce   sync.Once
	closedc chan struct{}
}

// NewClient performs the handshake on c and starts the reader. On
// return the session is established and subscriptions may be created.
func NewClient(c *conn.Conn, cfg ClientConfig) (*Client, error) {
	cfg = cfg.SetDefaults()

	cl := &Client{
		cfg:         cfg,
		c:           c,
		asyncErrs:   utils.AsyncErrors(cfg.Errs),
		inboxPrefix: utils.NewInboxPrefix(),
		infoc:       make(chan struct{}),
		closedc:     make(chan struct{}),
	}
	empty := subMap{}
	cl.subs.Store(&empty)

	go cl.readLoop()

	// The server speaks first.
	t := time.NewTimer(cfg.ConnectTimeout)
	defer t.Stop()
	select {
	case <-cl.infoc:
	case <-cl.closedc:
		return nil, errors.Wrap(cl.LastError(), "handshake")
	case <-t.C:
		_ = c.Close()
		return nil, errors.New("handshake: no INFO from server")
	}

	if err := cl.sendConnect(); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "handshake")
	}
	if err := cl.Flush(cfg.ConnectTimeout); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "handshake")
	}
	return cl, nil
}

func (cl *Client) sendConnect() error {
	ci := connectInfo{
		Verbose:      cl.cfg.Verbose,
		Pedantic:     cl.cfg.Pedantic,
		Name:         cl.cfg.Name,
		Lang:         clientLang,
		Version:      ClientVersion,
		Protocol:     1,
		Headers:      true,
		NoResponders: true,
	}
	b, err := json.Marshal(ci)
	if err != nil {
		return err
	}
	return cl.c.Write(frame.AppendConnect(nil, b))
}

// ServerInfo returns the most recent INFO the server sent.
func (cl *Client) ServerInfo() ServerInfo {
	cl.imu.Lock()
	defer cl.imu.Unlock()
	return cl.info
}

// LastError reports the last error encountered on the connection.
func (cl *Client) LastError() error {
	cl.emu.Lock()
	defer cl.emu.Unlock()
	return cl.lastErr
}

// Closed unblocks when the client is no longer usable.
func (cl *Client) Closed() <-chan struct{} { return cl.closedc }

func (cl *Client) isClosed() bool {
	select {
	case <-cl.closedc:
		return true
	default:
		return false
	}
}

// Close tears the client down: the transport is closed, subscriptions
// release their waiters, and pending flushes fail.
func (cl *Client) Close() {
	cl.teardown(ErrConnectionClosed)
	_ = cl.c.Close()
}

func (cl *Client) teardown(err error) {
	cl.conce.Do(func() {
		cl.emu.Lock()
		if cl.lastErr == nil {
			cl.lastErr = err
		}
		cl.emu.Unlock()

		close(cl.closedc)

		for _, s := range *cl.subs.Load() {
			s.Close()
		}

		cl.pmu.Lock()
		for _, ch := range cl.pongs {
			ch <- ErrConnectionClosed
		}
		cl.pongs = nil
		cl.pmu.Unlock()
	})
}

// readLoop owns the inbound side. No user code runs here except the
// subscription filter chains.
func (cl *Client) readLoop() {
	err := cl.c.Read(cl.process)
	log.Debugf("reader exited: %v", err)
	cl.teardown(err)
}

func (cl *Client) process(f frame.Frame) {
	switch f.Type {
	case frame.TypeMsg, frame.TypeHMsg:
		cl.processMsg(f)
	case frame.TypePing:
		if err := cl.c.Write(frame.AppendPong(nil)); err != nil {
			log.Debugf("pong: %v", err)
		}
	case frame.TypePong:
		cl.processPong()
	case frame.TypeInfo:
		cl.processInfo(f.Info)
	case frame.TypeErr:
		cl.processErr(f.Err)
	case frame.TypeOK:
	}
}

func (cl *Client) processInfo(raw []byte) {
	var info ServerInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		cl.asyncErrs.Send(errors.Wrap(err, "parsing INFO"))
		return
	}
	cl.imu.Lock()
	cl.info = info
	cl.imu.Unlock()
	cl.ionce.Do(func() { close(cl.infoc) })
}

func (cl *Client) processErr(reason string) {
	err := errors.New("server error: " + reason)
	cl.emu.Lock()
	cl.lastErr = err
	cl.emu.Unlock()
	cl.asyncErrs.Send(err)
	_ = cl.c.Close()
}

func (cl *Client) processPong() {
	var ch chan error
	cl.pmu.Lock()
	if len(cl.pongs) > 0 {
		ch = cl.pongs[0]
		cl.pongs = cl.pongs[1:]
	}
	cl.pmu.Unlock()
	if ch != nil {
		ch <- nil
	}
}

func (cl *Client) processMsg(f frame.Frame) {
	atomic.AddUint64(&cl.InMsgs, 1)
	atomic.AddUint64(&cl.InBytes, uint64(len(f.Payload)))

	s := (*cl.subs.Load())[f.SID]
	if s == nil {
		return
	}

	var hdr msg.Header
	if f.Type == frame.TypeHMsg {
		var err error
		if hdr, err = msg.DecodeHeader(f.Header); err != nil {
			// A malformed header block is a framing violation; tear
			// the connection down like any other protocol error.
			cl.asyncErrs.Send(errors.Wrap(err, "header block"))
			_ = cl.c.Close()
			return
		}
	}

	s.Offer(msg.NewIncoming(f.Subject, f.Reply, hdr, f.Payload, f.SID, cl))
}

// Publish publishes data to the given subject.
func (cl *Client) Publish(subject string, data []byte) error {
	return cl.publish(subject, "", nil, data)
}

// PublishRequest publishes data to subject with a reply subject for the
// responder to answer on.
func (cl *Client) PublishRequest(subject, reply string, data []byte) error {
	if reply == "" {
		return validationErrf("reply subject cannot be empty")
	}
	return cl.publish(subject, reply, nil, data)
}

// PublishMsg publishes a message; headers select the HPUB form.
func (cl *Client) PublishMsg(m *msg.Message) error {
	return cl.publish(m.Subject, m.Reply, m.Header, m.Data)
}

func (cl *Client) publish(subject, reply string, hdr msg.Header, data []byte) error {
	if err := validateSubject(subject, false); err != nil {
		return err
	}
	if reply != "" {
		if err := validateSubject(reply, false); err != nil {
			return err
		}
	}
	if cl.isClosed() {
		return ErrConnectionClosed
	}

	var buf []byte
	if len(hdr) > 0 {
		buf = frame.AppendHPub(nil, subject, reply, hdr.Encode(), data)
	} else {
		buf = frame.AppendPub(nil, subject, reply, data)
	}
	if err := cl.c.Write(buf); err != nil {
		return err
	}

	atomic.AddUint64(&cl.OutMsgs, 1)
	atomic.AddUint64(&cl.OutBytes, uint64(len(data)))
	return nil
}

// Request publishes data on subject with a fresh reply inbox and waits
// up to timeout for the first response. A 503 status response reports
// that nothing was listening.
func (cl *Client) Request(subject string, data []byte, timeout time.Duration) (*msg.Message, error) {
	s, err := cl.SubscribeWith(sub.Config{Subject: cl.NewInbox()})
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Unsubscribe() }()

	if err := s.AutoUnsubscribe(1); err != nil {
		return nil, err
	}
	if err := cl.PublishRequest(subject, s.Subject, data); err != nil {
		return nil, err
	}

	m, err := s.NextMsg(timeout)
	switch {
	case err == sub.ErrNextTimeout:
		return nil, ErrTimeout
	case err != nil:
		return nil, err
	case m.Status == msg.StatusNoResponders:
		return nil, ErrNoResponders
	}
	return m, nil
}

// NewInbox returns a reply subject unique to this client: the
// connection's inbox prefix plus a counter.
func (cl *Client) NewInbox() string {
	return cl.inboxPrefix + "." + strconv.FormatUint(cl.inboxSeq.Next(), 10)
}

// Subscribe expresses interest in subject, dispatching messages to
// handler on a dedicated worker.
func (cl *Client) Subscribe(subject string, handler func(*msg.Message)) (*sub.Subscription, error) {
	return cl.SubscribeWith(sub.Config{Subject: subject, Handler: handler})
}

// SubscribeSync expresses interest in subject for consumption via
// NextMsg.
func (cl *Client) SubscribeSync(subject string) (*sub.Subscription, error) {
	return cl.SubscribeWith(sub.Config{Subject: subject})
}

// QueueSubscribe joins the named queue group on subject; the server
// delivers each message to one member of the group.
func (cl *Client) QueueSubscribe(subject, queue string, handler func(*msg.Message)) (*sub.Subscription, error) {
	return cl.SubscribeWith(sub.Config{Subject: subject, Queue: queue, Handler: handler})
}

// QueueSubscribeSync joins the named queue group for synchronous
// consumption.
func (cl *Client) QueueSubscribeSync(subject, queue string) (*sub.Subscription, error) {
	return cl.SubscribeWith(sub.Config{Subject: subject, Queue: queue})
}

// SubscribeWith creates a subscription from a full config; the pull
// consumer layer uses it to install its filter chain.
func (cl *Client) SubscribeWith(cfg sub.Config) (*sub.Subscription, error) {
	if err := validateSubject(cfg.Subject, true); err != nil {
		return nil, err
	}
	if cl.isClosed() {
		return nil, ErrConnectionClosed
	}

	if cfg.PendingMsgsLimit == 0 {
		cfg.PendingMsgsLimit = cl.cfg.PendingMsgsLimit
	}
	if cfg.PendingBytesLimit == 0 {
		cfg.PendingBytesLimit = cl.cfg.PendingBytesLimit
	}
	userCB := cfg.ErrorCB
	cfg.ErrorCB = func(s *sub.Subscription, err error) {
		if err == sub.ErrSlowConsumer {
			atomic.AddUint64(&cl.SlowConsumers, 1)
		}
		if userCB != nil {
			userCB(s, err)
			return
		}
		cl.asyncErrs.Send(errors.Wrapf(err, "subscription %q (sid %d)", s.Subject, s.SID))
	}

	s := sub.New(cl.sids.Next(), cfg, cl)

	cl.smu.Lock()
	cur := *cl.subs.Load()
	next := make(subMap, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[s.SID] = s
	cl.subs.Store(&next)
	cl.smu.Unlock()

	if err := cl.c.Write(frame.AppendSub(nil, s.Subject, s.Queue, s.SID)); err != nil {
		cl.Forget(s.SID)
		return nil, err
	}
	return s, nil
}

// SendUnsubscribe enqueues an UNSUB frame. Part of the subscription
// owner contract.
func (cl *Client) SendUnsubscribe(sid uint64, max int) error {
	if cl.isClosed() {
		return ErrConnectionClosed
	}
	return cl.c.Write(frame.AppendUnsub(nil, sid, max))
}

// Forget removes a sid from the registry. Part of the subscription
// owner contract.
func (cl *Client) Forget(sid uint64) {
	cl.smu.Lock()
	defer cl.smu.Unlock()
	cur := *cl.subs.Load()
	if _, ok := cur[sid]; !ok {
		return
	}
	next := make(subMap, len(cur))
	for k, v := range cur {
		if k != sid {
			next[k] = v
		}
	}
	cl.subs.Store(&next)
}

// Flush round-trips a PING and waits up to timeout for the PONG,
// guaranteeing everything written before it has reached the server.
func (cl *Client) Flush(timeout time.Duration) error {
	if cl.isClosed() {
		return ErrConnectionClosed
	}
	if timeout <= 0 {
		timeout = cl.cfg.FlushTimeout
	}

	ch := make(chan error, 1)
	cl.pmu.Lock()
	cl.pongs = append(cl.pongs, ch)
	cl.pmu.Unlock()

	if err := cl.c.Write(frame.AppendPing(nil)); err != nil {
		cl.removePongWaiter(ch)
		return err
	}
	if err := cl.c.Flush(); err != nil {
		cl.removePongWaiter(ch)
		return err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-ch:
		return err
	case <-t.C:
		cl.removePongWaiter(ch)
		return ErrTimeout
	}
}

func (cl *Client) removePongWaiter(ch chan error) {
	cl.pmu.Lock()
	defer cl.pmu.Unlock()
	for i, c := range cl.pongs {
		if c == ch {
			cl.pongs = append(cl.pongs[:i], cl.pongs[i+1:]...)
			return
		}
	}
}
