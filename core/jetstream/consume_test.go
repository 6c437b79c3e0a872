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
	"fmt"
	"testing"
	"time"

	"github.com/pepper-iot/nats-client-go/core/manage"
	"github.com/pepper-iot/nats-client-go/core/msg"
)

func consumeOpts(batch int) ConsumeOptions {
	return ConsumeOptions{
		BatchSize:        batch,
		Expires:          2 * time.Second,
		ThresholdPercent: 25,
	}
}

func TestMessages_ThresholdRepull(t *testing.T) {
	js, ts := startJetStream(t)
	c, err := js.PullConsumer(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}

	it, err := c.Messages(consumeOpts(8))
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()

	first := ts.awaitPub().pullRequest(t)
	if first.Batch != 8 {
		t.Fatalf("got initial batch %d; expected 8", first.Batch)
	}
	if first.IdleHeartbeat != time.Second {
		t.Fatalf("got heartbeat %v; expected expires/2", first.IdleHeartbeat)
	}

	for i := 1; i <= 8; i++ {
		ts.sendStream(sr, uint64(i), fmt.Sprintf("M%d", i))
	}
	for i := 1; i <= 8; i++ {
		m, err := it.Next(2 * time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if got, expected := string(m.Data), fmt.Sprintf("M%d", i); got != expected {
			t.Fatalf("got %q; expected %q", got, expected)
		}
	}

	// With T=25 and B=8, a repull of the consumed amount goes out
	// every 2 messages: the in-flight budget never drains below the
	// threshold while messages flow.
	var repulls []int
	deadline := time.After(2 * time.Second)
	for len(repulls) < 4 {
		select {
		case pr := <-ts.pubCh:
			repulls = append(repulls, pr.pullRequest(t).Batch)
		case <-deadline:
			t.Fatalf("got repulls %v; expected 4", repulls)
		}
	}
	for i, b := range repulls {
		if b != 2 {
			t.Fatalf("repull %d: got batch %d; expected 2", i, b)
		}
	}

	it.Stop()
	ts.sendStatus(sr, msg.StatusRequestTimeout, "Request Timeout")
	if _, err := it.Next(2 * time.Second); err != ErrConsumerStopped {
		t.Fatalf("got %v; expected ErrConsumerStopped", err)
	}
}

func TestMessages_RepullsAfterNormalExpiry(t *testing.T) {
	js, ts := startJetStream(t)
	c, err := js.PullConsumer(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}

	it, err := c.Messages(consumeOpts(2))
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()
	ts.awaitPub()

	// The pull expires empty; the consume repulls and the next batch
	// delivers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.sendStatus(sr, msg.StatusRequestTimeout, "Request Timeout")
		pr := ts.awaitPub() // the immediate repull
		if pr.pullRequest(ts.t).Batch != 2 {
			ts.t.Errorf("got repull %+v; expected full batch", pr)
		}
		ts.sendStream(sr, 1, "revived")
	}()

	m, err := it.Next(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Data) != "revived" {
		t.Fatalf("got %q; expected revived", m.Data)
	}
	<-done
	it.Stop()
}

func TestMessages_WarningRepullsAndReports(t *testing.T) {
	errs := make(chan error, 8)
	js, ts := startJetStream(t, WithErrs(errs))
	c, err := js.PullConsumer(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}

	it, err := c.Messages(consumeOpts(2))
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()
	ts.awaitPub()

	go func() {
		ts.sendStatus(sr, msg.StatusConflict, descExceededMaxWaiting)
		ts.awaitPub() // repull after the warning
		ts.sendStream(sr, 1, "after-warning")
	}()

	m, err := it.Next(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Data) != "after-warning" {
		t.Fatalf("got %q", m.Data)
	}

	select {
	case err := <-errs:
		se, ok := err.(*StatusError)
		if !ok || !se.Warning() {
			t.Fatalf("got %v; expected warning status", err)
		}
	case <-time.After(time.Second):
		t.Fatal("warning not reported to the error listener")
	}
	it.Stop()
}

func TestMessages_FatalStatusTerminates(t *testing.T) {
	js, ts := startJetStream(t)
	c, err := js.PullConsumer(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}

	it, err := c.Messages(consumeOpts(2))
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()
	ts.awaitPub()
	ts.sendStatus(sr, msg.StatusConflict, descConsumerDeleted)

	_, err = it.Next(2 * time.Second)
	se, ok := err.(*StatusError)
	if !ok || se.Warning() {
		t.Fatalf("got %v; expected fatal status", err)
	}

	// Terminal: the iterator stays finished.
	if _, err := it.Next(100 * time.Millisecond); err == nil {
		t.Fatal("iterator still yielding after fatal status")
	}
}

func TestMessages_CallerTimeoutIsNotTerminal(t *testing.T) {
	js, ts := startJetStream(t)
	c, err := js.PullConsumer(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}

	it, err := c.Messages(consumeOpts(2))
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()
	ts.awaitPub()

	if _, err := it.Next(50 * time.Millisecond); err != manage.ErrTimeout {
		t.Fatalf("got %v; expected ErrTimeout", err)
	}

	ts.sendStream(sr, 1, "later")
	m, err := it.Next(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Data) != "later" {
		t.Fatalf("got %q; expected later", m.Data)
	}
	it.Stop()
}

func TestMessages_StopDrainsCurrentPull(t *testing.T) {
	js, ts := startJetStream(t)
	c, err := js.PullConsumer(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}

	it, err := c.Messages(consumeOpts(4))
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()
	ts.awaitPub()

	for i := 1; i <= 4; i++ {
		ts.sendStream(sr, uint64(i), fmt.Sprintf("D%d", i))
	}

	// Stop before consuming: the queued messages of the current pull
	// still deliver, then the iterator closes and unsubscribes.
	it.Stop()

	for i := 1; i <= 4; i++ {
		m, err := it.Next(2 * time.Second)
		if err != nil {
			t.Fatalf("message %d after Stop: %v", i, err)
		}
		if got, expected := string(m.Data), fmt.Sprintf("D%d", i); got != expected {
			t.Fatalf("got %q; expected %q", got, expected)
		}
	}
	if _, err := it.Next(2 * time.Second); err != ErrConsumerStopped {
		t.Fatalf("got %v; expected ErrConsumerStopped", err)
	}

	select {
	case <-ts.unsubCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no UNSUB after stop drained")
	}
}

func TestConsume_DispatchesInOrder(t *testing.T) {
	js, ts := startJetStream(t)
	c, err := js.PullConsumer(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 16)
	cc, err := c.Consume(func(m *msg.Message) { got <- string(m.Data) }, consumeOpts(4))
	if err != nil {
		t.Fatal(err)
	}
	sr := ts.awaitSub()
	ts.awaitPub()

	for i := 1; i <= 4; i++ {
		ts.sendStream(sr, uint64(i), fmt.Sprintf("C%d", i))
	}
	for i := 1; i <= 4; i++ {
		select {
		case d := <-got:
			if expected := fmt.Sprintf("C%d", i); d != expected {
				t.Fatalf("got %q; expected %q", d, expected)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not dispatched", i)
		}
	}

	cc.Stop()
	ts.sendStatus(sr, msg.StatusRequestTimeout, "Request Timeout")
	select {
	case <-cc.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("consume did not wind down after Stop")
	}
}

func TestConsume_RequiresHandler(t *testing.T) {
	js, _ := startJetStream(t)
	c, err := js.PullConsumer(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Consume(nil, consumeOpts(2)); err != ErrHandlerRequired {
		t.Fatalf("got %v; expected ErrHandlerRequired", err)
	}
}

func TestConsume_BusyWhileActive(t *testing.T) {
	js, ts := startJetStream(t)
	c, err := js.PullConsumer(testStream, testConsumer)
	if err != nil {
		t.Fatal(err)
	}

	it, err := c.Messages(consumeOpts(2))
	if err != nil {
		t.Fatal(err)
	}
	ts.awaitSub()
	ts.awaitPub()

	if _, err := c.Messages(consumeOpts(2)); err != ErrConsumerBusy {
		t.Fatalf("got %v; expected ErrConsumerBusy", err)
	}
	it.Stop()
}
