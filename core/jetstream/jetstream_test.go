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

package jetstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pepper-iot/nats-client-go/core/conn"
	"github.com/pepper-iot/nats-client-go/core/manage"
	"github.com/pepper-iot/nats-client-go/core/msg"
)

type subReq struct {
	subject string
	queue   string
	sid     uint64
}

type pubReq struct {
	subject string
	reply   string
	payload string
}

func (p pubReq) pullRequest(t *testing.T) PullRequest {
	t.Helper()
	var r PullRequest
	if err := json.Unmarshal([]byte(p.payload), &r); err != nil {
		t.Fatalf("pull request %q: %v", p.payload, err)
	}
	return r
}

// server speaks the server side of the protocol over a pipe.
type server struct {
	t  *testing.T
	nc net.Conn
	br *bufio.Reader

	wmu sync.Mutex

	subCh   chan subReq
	pubCh   chan pubReq
	unsubCh chan uint64
}

func startJetStream(t *testing.T, opts ...Option) (*JetStream, *server) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	ts := &server{
		t:       t,
		nc:      serverSide,
		br:      bufio.NewReader(serverSide),
		subCh:   make(chan subReq, 32),
		pubCh:   make(chan pubReq, 128),
		unsubCh: make(chan uint64, 32),
	}
	go ts.run()

	cl, err := manage.NewClient(conn.NewConn(clientSide, 0, false), manage.ClientConfig{
		ConnectTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	js, err := New(cl, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cl.Close()
		serverSide.Close()
	})
	return js, ts
}

func (ts *server) run() {
	ts.write("INFO {\"server_id\":\"test\",\"max_payload\":1048576,\"headers\":true}\r\n")
	for {
		line, err := ts.br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\r\n")
		verb, args, _ := strings.Cut(line, " ")

		switch verb {
		case "CONNECT":
		case "PING":
			ts.write("PONG\r\n")
		case "SUB":
			toks := strings.Fields(args)
			r := subReq{subject: toks[0]}
			if len(toks) == 3 {
				r.queue = toks[1]
			}
			r.sid, _ = strconv.ParseUint(toks[len(toks)-1], 10, 64)
			ts.subCh <- r
		case "UNSUB":
			toks := strings.Fields(args)
			sid, _ := strconv.ParseUint(toks[0], 10, 64)
			ts.unsubCh <- sid
		case "PUB":
			toks := strings.Fields(args)
			r := pubReq{subject: toks[0]}
			if len(toks) == 3 {
				r.reply = toks[1]
			}
			size, _ := strconv.Atoi(toks[len(toks)-1])
			r.payload = ts.readPayload(size)
			ts.pubCh <- r
		}
	}
}

func (ts *server) readPayload(size int) string {
	buf := make([]byte, size+2)
	if _, err := io.ReadFull(ts.br, buf); err != nil {
		return ""
	}
	return string(buf[:size])
}

func (ts *server) write(s string) {
	ts.wmu.Lock()
	defer ts.wmu.Unlock()
	_, _ = ts.nc.Write([]byte(s))
}

func ackReply(cseq uint64) string {
	return fmt.Sprintf("$JS.ACK.ORDERS.workers.1.%d.%d.1620000000000000000.0", cseq, cseq)
}

// sendStream delivers a stream message to the inbox subscription.
func (ts *server) sendStream(sr subReq, cseq uint64, payload string) {
	ts.write(fmt.Sprintf("MSG %s %d %s %d\r\n%s\r\n", sr.subject, sr.sid, ackReply(cseq), len(payload), payload))
}

// sendStatus delivers a zero-payload status carrier to the inbox.
func (ts *server) sendStatus(sr subReq, code int, text string) {
	status := strconv.Itoa(code)
	if text != "" {
		status += " " + text
	}
	hdr := "NATS/1.0 " + status + "\r\n\r\n"
	ts.write(fmt.Sprintf("HMSG %s %d %d %d\r\n%s\r\n", sr.subject, sr.sid, len(hdr), len(hdr), hdr))
}

func (ts *server) awaitSub() subReq {
	ts.t.Helper()
	select {
	case r := <-ts.subCh:
		return r
	case <-time.After(2 * time.Second):
		ts.t.Fatal("no SUB received")
		return subReq{}
	}
}

func (ts *server) awaitPub() pubReq {
	ts.t.Helper()
	select {
	case r := <-ts.pubCh:
		return r
	case <-time.After(2 * time.Second):
		ts.t.Fatal("no PUB received")
		return pubReq{}
	}
}

const (
	testStream   = "ORDERS"
	testConsumer = "workers"
)

func pullNextSubject() string {
	return "$JS.API.CONSUMER.MSG.NEXT." + testStream + "." + testConsumer
}

func TestPullSubscribe_PullEncoding(t *testing.T) {
	js, ts := startJetStream(t)

	p, err := js.PullSubscribe(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()

	if err := p.Pull(10); err != nil {
		t.Fatal(err)
	}
	pr := ts.awaitPub()
	if pr.subject != pullNextSubject() {
		t.Fatalf("got pull subject %q", pr.subject)
	}
	if pr.reply != sr.subject {
		t.Fatalf("pull reply %q does not match inbox %q", pr.reply, sr.subject)
	}
	if req := pr.pullRequest(t); req.Batch != 10 || req.NoWait || req.Expires != 0 {
		t.Fatalf("got request %+v", req)
	}
	if msgs, _ := p.Pending(); msgs != 10 {
		t.Fatalf("got pending %d; expected 10", msgs)
	}
}

func TestPullSubscription_DeliversBatchInOrder(t *testing.T) {
	js, ts := startJetStream(t)

	p, err := js.PullSubscribe(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()

	if err := p.PullExpiresIn(5, time.Second); err != nil {
		t.Fatal(err)
	}
	ts.awaitPub()

	for i := 1; i <= 5; i++ {
		ts.sendStream(sr, uint64(i), fmt.Sprintf("W%d", i))
	}
	for i := 1; i <= 5; i++ {
		res := p.next(2 * time.Second)
		if res.err != nil {
			t.Fatal(res.err)
		}
		if res.msg == nil {
			t.Fatalf("message %d: got end %v; expected message", i, res.end)
		}
		if got, expected := string(res.msg.Data), fmt.Sprintf("W%d", i); got != expected {
			t.Fatalf("got %q; expected %q", got, expected)
		}
	}

	// The batch is drained: the subscription is idle and a further
	// next reports it without waiting.
	if got := p.State(); got != StateIdle {
		t.Fatalf("got state %v; expected idle", got)
	}
	start := time.Now()
	if res := p.next(time.Second); res.end != endDrained {
		t.Fatalf("got %+v; expected drained", res)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("drained report took %v; expected immediate", elapsed)
	}
}

func TestPullSubscription_NoWaitShortCount(t *testing.T) {
	js, ts := startJetStream(t)

	p, err := js.PullSubscribe(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()

	if err := p.PullNoWait(10); err != nil {
		t.Fatal(err)
	}
	pr := ts.awaitPub()
	if req := pr.pullRequest(t); !req.NoWait {
		t.Fatalf("got request %+v; expected no_wait", req)
	}

	// Five available, then the 404 that ends a no-wait pull.
	for i := 1; i <= 5; i++ {
		ts.sendStream(sr, uint64(i), fmt.Sprintf("N%d", i))
	}
	ts.sendStatus(sr, msg.StatusNoMessages, "No Messages")

	var got int
	for {
		res := p.next(2 * time.Second)
		if res.msg != nil {
			got++
			continue
		}
		if res.err != nil {
			t.Fatal(res.err)
		}
		if res.end != endNoMessages {
			t.Fatalf("got end %v; expected no-messages", res.end)
		}
		break
	}
	if got != 5 {
		t.Fatalf("got %d messages; expected 5", got)
	}
	if msgs, _ := p.Pending(); msgs != 0 {
		t.Fatalf("got pending %d; expected 0 after terminal status", msgs)
	}
}

func TestPullSubscription_LocalValidation(t *testing.T) {
	js, _ := startJetStream(t)

	p, err := js.PullSubscribe(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}

	cases := []PullRequest{
		{Batch: 0},
		{Batch: 1, MaxBytes: -1},
		{Batch: 1, NoWait: true, IdleHeartbeat: time.Second, Expires: 4 * time.Second},
		{Batch: 1, IdleHeartbeat: time.Second},                         // heartbeat without expires
		{Batch: 1, Expires: time.Second, IdleHeartbeat: 600 * time.Millisecond}, // > expires/2
	}
	for _, req := range cases {
		err := p.PullWith(req)
		if _, ok := err.(*manage.ValidationError); !ok {
			t.Fatalf("%+v: got %v; expected *ValidationError", req, err)
		}
	}
}

func TestPullSubscription_FatalStatusFailsSeries(t *testing.T) {
	js, ts := startJetStream(t)

	p, err := js.PullSubscribe(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()

	if err := p.Pull(1); err != nil {
		t.Fatal(err)
	}
	ts.awaitPub()
	ts.sendStatus(sr, msg.StatusConflict, descConsumerDeleted)

	res := p.next(2 * time.Second)
	se, ok := res.err.(*StatusError)
	if !ok {
		t.Fatalf("got %+v; expected *StatusError", res)
	}
	if se.Warning() {
		t.Fatal("consumer-deleted classified as warning")
	}
	if got := p.State(); got != StateFailed {
		t.Fatalf("got state %v; expected failed", got)
	}
	if err := p.Pull(1); err != ErrPullFailed {
		t.Fatalf("got %v; expected ErrPullFailed", err)
	}
}

func TestPullSubscription_WarningStatusStaysUsable(t *testing.T) {
	js, ts := startJetStream(t)

	p, err := js.PullSubscribe(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()

	if err := p.Pull(1); err != nil {
		t.Fatal(err)
	}
	ts.awaitPub()
	ts.sendStatus(sr, msg.StatusConflict, descExceededMaxWaiting)

	res := p.next(2 * time.Second)
	se, ok := res.err.(*StatusError)
	if !ok || !se.Warning() {
		t.Fatalf("got %+v; expected warning status", res)
	}
	if got := p.State(); got != StateIdle {
		t.Fatalf("got state %v; expected idle", got)
	}
	if err := p.Pull(1); err != nil {
		t.Fatalf("pull after warning: %v", err)
	}
}

func TestPullSubscription_HeartbeatAlarm(t *testing.T) {
	js, ts := startJetStream(t)

	p, err := js.PullSubscribe(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}
	ts.awaitSub()

	start := time.Now()
	if err := p.PullWith(PullRequest{Batch: 1, Expires: 2 * time.Second, IdleHeartbeat: 100 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	ts.awaitPub()

	// Nothing arrives: the alarm fires after three missed heartbeats.
	res := p.next(5 * time.Second)
	if res.err != ErrHeartbeatAlarm {
		t.Fatalf("got %+v; expected heartbeat alarm", res)
	}
	elapsed := time.Since(start)
	if elapsed < 250*time.Millisecond || elapsed > time.Second {
		t.Fatalf("alarm after %v; expected ~300ms", elapsed)
	}
	if got := p.State(); got != StateFailed {
		t.Fatalf("got state %v; expected failed", got)
	}
}

func TestPullSubscription_HeartbeatsSuppressAlarm(t *testing.T) {
	js, ts := startJetStream(t)

	p, err := js.PullSubscribe(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()

	if err := p.PullWith(PullRequest{Batch: 1, Expires: 2 * time.Second, IdleHeartbeat: 150 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	ts.awaitPub()

	// Idle heartbeats every 100ms keep the monitor fed; after 600ms
	// the pull expires normally.
	go func() {
		for i := 0; i < 6; i++ {
			time.Sleep(100 * time.Millisecond)
			ts.sendStatus(sr, msg.StatusControl, msg.DescIdleHeartbeat)
		}
		ts.sendStatus(sr, msg.StatusRequestTimeout, "Request Timeout")
	}()

	res := p.next(5 * time.Second)
	if res.err != nil || res.end != endExpired {
		t.Fatalf("got %+v; expected normal expiry", res)
	}
}

func TestPullSubscription_GapDetection(t *testing.T) {
	js, ts := startJetStream(t, WithErrs(make(chan error, 8)))

	p, err := js.PullSubscribe(testStream, testConsumer, WithGapDetection())
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()

	if err := p.Pull(3); err != nil {
		t.Fatal(err)
	}
	ts.awaitPub()

	ts.sendStream(sr, 1, "first")
	res := p.next(2 * time.Second)
	if res.msg == nil || string(res.msg.Data) != "first" {
		t.Fatalf("got %+v; expected first", res)
	}

	// Sequence 2 never arrives.
	ts.sendStream(sr, 3, "third")

	res = p.next(2 * time.Second)
	ge, ok := res.err.(*GapError)
	if !ok {
		t.Fatalf("got %+v; expected *GapError", res)
	}
	if ge.ExpectedSeq != 2 || ge.ReceivedSeq != 3 {
		t.Fatalf("got gap %+v", ge)
	}

	// The subscription stays usable with the new baseline; the
	// message that revealed the gap is still delivered.
	res = p.next(2 * time.Second)
	if res.msg == nil || string(res.msg.Data) != "third" {
		t.Fatalf("got %+v; expected third", res)
	}
}

func TestPullSubscription_AckNext(t *testing.T) {
	js, ts := startJetStream(t)

	p, err := js.PullSubscribe(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()

	if err := p.Pull(1); err != nil {
		t.Fatal(err)
	}
	ts.awaitPub()
	ts.sendStream(sr, 1, "job")

	res := p.next(2 * time.Second)
	if res.msg == nil {
		t.Fatalf("got %+v; expected message", res)
	}

	if err := p.AckNext(res.msg, PullRequest{Batch: 5}); err != nil {
		t.Fatal(err)
	}
	pr := ts.awaitPub()
	if pr.subject != res.msg.Reply {
		t.Fatalf("ack-next went to %q; expected %q", pr.subject, res.msg.Reply)
	}
	if pr.reply != sr.subject {
		t.Fatalf("ack-next reply %q; expected inbox %q", pr.reply, sr.subject)
	}
	if expected := `+ACKNXT {"batch":5}`; pr.payload != expected {
		t.Fatalf("got %q; expected %q", pr.payload, expected)
	}
	if msgs, _ := p.Pending(); msgs != 5 {
		t.Fatalf("got pending %d; expected 5", msgs)
	}
	if got := p.State(); got != StateActive {
		t.Fatalf("got state %v; expected active", got)
	}
}

func TestConsumer_Info(t *testing.T) {
	js, ts := startJetStream(t)

	c, err := js.PullConsumer(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		sr := ts.awaitSub() // the request's inbox
		pr := ts.awaitPub()
		if pr.subject != "$JS.API.CONSUMER.INFO.ORDERS.workers" {
			ts.t.Errorf("got info subject %q", pr.subject)
			return
		}
		body := `{"type":"io.nats.jetstream.api.v1.consumer_info_response",` +
			`"stream_name":"ORDERS","name":"workers","num_pending":12,"num_ack_pending":3}`
		ts.write(fmt.Sprintf("MSG %s %d %d\r\n%s\r\n", pr.reply, sr.sid, len(body), body))
	}()

	info, err := c.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.Stream != "ORDERS" || info.Name != "workers" {
		t.Fatalf("got %+v", info)
	}
	if info.NumPending != 12 || info.NumAckPending != 3 {
		t.Fatalf("got %+v", info)
	}
}

func TestValidateNames(t *testing.T) {
	js, _ := startJetStream(t)

	if _, err := js.PullSubscribe("", "c"); err == nil {
		t.Fatal("empty stream accepted")
	}
	if _, err := js.PullSubscribe("has.dot", "c"); err == nil {
		t.Fatal("dotted stream accepted")
	}
	if _, err := js.PullConsumer("S", "has space"); err == nil {
		t.Fatal("consumer with space accepted")
	}
}
