package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestBusRoutesByTopic(t *testing.T) {
	b := NewBus(logging.Discard())
	reqCh, cancelReq := b.Subscribe(RequestTopic("r1"))
	defer cancelReq()
	drvCh, cancelDrv := b.Subscribe(DriverTopic("d1"))
	defer cancelDrv()
	otherCh, cancelOther := b.Subscribe(RequestTopic("r2"))
	defer cancelOther()

	b.Publish(context.Background(), Event{Type: AssignmentOffered, RequestID: "r1", DriverID: "d1"})

	assert.Equal(t, AssignmentOffered, recv(t, reqCh).Type)
	e := recv(t, drvCh)
	assert.Equal(t, "r1", e.RequestID)
	assert.False(t, e.At.IsZero())
	assert.Empty(t, otherCh)
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := NewBus(logging.Discard())
	ch, cancel := b.Subscribe(RequestTopic("r1"))
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(context.Background(), Event{Type: RequestStatus, RequestID: "r1"})
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus(logging.Discard())
	ch, cancel := b.Subscribe(RequestTopic("r1"))
	defer cancel()
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(context.Background(), Event{Type: RequestStatus, RequestID: "r1"})
	}
	assert.Len(t, ch, subscriberBuffer)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}
func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByRequest(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaSink{writer: w, timeout: time.Second, logger: logging.Discard()}
	k.Publish(context.Background(), Event{Type: RequestStatus, RequestID: "r1", DriverID: "d1", Status: "accepted"})
	k.Publish(context.Background(), Event{Type: DriverLocation, DriverID: "d2"})

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "r1", string(w.msgs[0].Key))
	assert.Equal(t, "d2", string(w.msgs[1].Key))
	var e Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &e))
	assert.Equal(t, "accepted", e.Status)
}

func TestKafkaSinkSwallowsErrors(t *testing.T) {
	k := &KafkaSink{writer: &fakeWriter{err: errors.New("broker down")}, timeout: time.Second, logger: logging.Discard()}
	k.Publish(context.Background(), Event{Type: RequestStatus, RequestID: "r1"})
}
