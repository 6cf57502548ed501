package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
)

type recorder struct {
	err  error
	sent []string
}

func (r *recorder) Send(_ context.Context, userID string, n Notification) error {
	r.sent = append(r.sent, userID+":"+string(n.Kind))
	return r.err
}

func TestFallbackStopsAtFirstSuccess(t *testing.T) {
	first := &recorder{err: ErrNoSession}
	second := &recorder{}
	third := &recorder{}
	err := Fallback{first, second, third}.Send(context.Background(), "d1", Notification{Kind: KindAssignmentOffer})
	require.NoError(t, err)
	assert.Len(t, first.sent, 1)
	assert.Len(t, second.sent, 1)
	assert.Empty(t, third.sent)
}

func TestFallbackJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	err := Fallback{&recorder{err: ErrNoSession}, &recorder{err: boom}}.Send(context.Background(), "d1", Notification{})
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, err, boom)
}

func TestBestEffortSwallows(t *testing.T) {
	b := NewBestEffort(&recorder{err: errors.New("down")}, logging.Discard())
	assert.NoError(t, b.Send(context.Background(), "u1", Notification{Kind: KindCancelWarning}))
}

func TestFCMNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	err := NewFCMNotifier(srv.URL, "k").Send(context.Background(), "d1", Notification{
		Kind: KindAssignmentOffer, Title: "New trip", Data: map[string]any{"request_id": "r1"},
	})
	require.NoError(t, err)
	msg := got["message"].(map[string]any)
	assert.Equal(t, "user-d1", msg["topic"])
	assert.Equal(t, "r1", msg["data"].(map[string]any)["request_id"])
}

func TestFCMNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	assert.Error(t, NewFCMNotifier(srv.URL, "").Send(context.Background(), "d1", Notification{}))
}

func TestWSRegistryDelivers(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("d1", conn)
		close(ready)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	<-ready

	assert.ErrorIs(t, reg.Send(context.Background(), "nobody", Notification{}), ErrNoSession)
	require.NoError(t, reg.Send(context.Background(), "d1", Notification{Kind: KindAssignmentOffer, Title: "hi"}))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n Notification
	require.NoError(t, client.ReadJSON(&n))
	assert.Equal(t, KindAssignmentOffer, n.Kind)
	assert.Equal(t, "hi", n.Title)
}

func TestWSSendBoundedOnStalledPeer(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("d1", conn)
		close(ready)
	}))
	defer srv.Close()

	// the client never reads, so socket buffers fill and writes stall
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	<-ready

	big := Notification{Kind: KindAssignmentOffer, Body: strings.Repeat("x", 64<<10)}
	var sendErr error
	for i := 0; i < 4000 && sendErr == nil; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		start := time.Now()
		sendErr = reg.Send(ctx, "d1", big)
		cancel()
		require.Less(t, time.Since(start), time.Second, "send %d ignored its deadline", i)
	}
	require.Error(t, sendErr, "a peer that never reads must eventually fail a send")
	assert.ErrorIs(t, reg.Send(context.Background(), "d1", big), ErrNoSession, "broken session is dropped")
}

type fakeSES struct{ in *sesv2.SendEmailInput }

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	return &sesv2.SendEmailOutput{}, nil
}

func TestSESAlerterBuildsEmail(t *testing.T) {
	f := &fakeSES{}
	a := &SESAlerter{client: f, from: "ops@example.com", to: "oncall@example.com"}
	require.NoError(t, a.Alert(context.Background(), Alert{Subject: "suspicious cancellation", Details: map[string]any{"request_id": "r1", "amount": 9300}}))
	require.NotNil(t, f.in)
	assert.Equal(t, "ops@example.com", *f.in.FromEmailAddress)
	assert.Equal(t, []string{"oncall@example.com"}, f.in.Destination.ToAddresses)
	assert.Equal(t, "[dispatch] suspicious cancellation", *f.in.Content.Simple.Subject.Data)
	assert.Equal(t, "suspicious cancellation\namount: 9300\nrequest_id: r1\n", *f.in.Content.Simple.Body.Text.Data)
}

type hangingNotifier struct{ release chan struct{} }

func (h hangingNotifier) Send(context.Context, string, Notification) error {
	<-h.release
	return nil
}

type ctxNotifier struct{ got chan error }

func (c ctxNotifier) Send(ctx context.Context, _ string, _ Notification) error {
	c.got <- ctx.Err()
	return nil
}

func TestSendWithinBoundsHangingNotifier(t *testing.T) {
	h := hangingNotifier{release: make(chan struct{})}
	defer close(h.release)

	start := time.Now()
	err := SendWithin(context.Background(), 20*time.Millisecond, h, "d1", Notification{Kind: KindAssignmentOffer})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendWithinIgnoresParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()
	n := ctxNotifier{got: make(chan error, 1)}
	require.NoError(t, SendWithin(parent, time.Second, n, "r1", Notification{Kind: KindRequestCancelled}))
	assert.NoError(t, <-n.got, "a cancelled caller still gets its notification out")
}
