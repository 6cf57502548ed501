package assignment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.Coord{Lat: 52.52, Lon: 13.405}

type sentLog struct {
	mu   sync.Mutex
	sent map[string][]notify.Kind
	fail bool
}

func (s *sentLog) Send(_ context.Context, userID string, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][]notify.Kind)
	}
	s.sent[userID] = append(s.sent[userID], n.Kind)
	if s.fail {
		return fmt.Errorf("push gateway down")
	}
	return nil
}

func (s *sentLog) kinds(userID string) []notify.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Kind(nil), s.sent[userID]...)
}

type harness struct {
	c     *Coordinator
	store *storage.MemoryStore
	idx   *geo.Index
	sent  *sentLog
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	return newHarnessWith(t, timeout, nil)
}

// newHarnessWith uses nt for notifications when it is non-nil; h.sent then
// stays empty.
func newHarnessWith(t *testing.T, timeout time.Duration, nt notify.Notifier) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	sent := &sentLog{}
	if nt == nil {
		nt = sent
	}
	h := &harness{store: store, idx: idx, sent: sent}
	h.c = h.coordinator(timeout, nt)
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) coordinator(timeout time.Duration, nt notify.Notifier) *Coordinator {
	rules := config.DefaultRules()
	ranker := matcher.NewService(matcher.NewLocator(h.idx, rules, 10*time.Minute, logging.Discard()), rules.Scoring)
	return NewCoordinator(timeout, Deps{Store: h.store, Geo: h.idx, Ranker: ranker, Notifier: nt, Logger: logging.Discard()})
}

// addDriver places a verified standard driver km kilometres north of pickup.
func (h *harness) addDriver(t *testing.T, id string, km float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.idx.Upsert(ctx, models.DriverLocation{
		DriverID: id, Loc: models.Coord{Lat: pickup.Lat + km/111.19, Lon: pickup.Lon},
		Online: true, Verified: true, VehicleClass: models.VehicleStandard, LastSeen: time.Now(),
	}))
	require.NoError(t, h.idx.UpsertProfile(ctx, models.DriverProfile{DriverID: id, Rating: 4.5, CompletedTrips: 50}))
}

func (h *harness) newRequest(t *testing.T, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, h.store.CreateRequest(context.Background(), &models.Request{
		ID: id, RequesterID: "rider-" + id, Pickup: pickup, Destination: models.Coord{Lat: 52.55, Lon: 13.41},
		VehicleClass: models.VehicleStandard, ServiceType: models.ServiceRide, Priority: models.PriorityNormal,
		EstimatedPrice: 9300, SurgePrice: 9300, Status: models.StatusPending, CreatedAt: now, UpdatedAt: now,
	}))
}

func (h *harness) pendingNow(reqID string) (models.Assignment, bool) {
	list, _ := h.store.ListAssignments(context.Background(), reqID)
	for _, a := range list {
		if a.Status == models.AssignmentPending {
			return a, true
		}
	}
	return models.Assignment{}, false
}

func (h *harness) pending(t *testing.T, reqID string) models.Assignment {
	t.Helper()
	var found models.Assignment
	require.Eventually(t, func() bool {
		var ok bool
		found, ok = h.pendingNow(reqID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func (h *harness) statusOf(reqID string) models.RequestStatus {
	r, err := h.store.GetRequest(context.Background(), reqID)
	if err != nil {
		return ""
	}
	return r.Status
}

func (h *harness) status(t *testing.T, reqID string) models.RequestStatus {
	t.Helper()
	r, err := h.store.GetRequest(context.Background(), reqID)
	require.NoError(t, err)
	return r.Status
}

func (h *harness) available(t *testing.T, driverID string) bool {
	t.Helper()
	loc, err := h.idx.Get(context.Background(), driverID)
	require.NoError(t, err)
	return loc.Available
}

func (h *harness) waitStatus(t *testing.T, reqID string, want models.RequestStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return h.statusOf(reqID) == want }, 2*time.Second, 5*time.Millisecond,
		"request %s never reached %s", reqID, want)
}

func TestAcceptBindsDriver(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	h.addDriver(t, "near", 0.5)
	h.addDriver(t, "far", 3)
	h.newRequest(t, "r1")

	require.NoError(t, h.c.Dispatch(ctx, "r1"))
	a := h.pending(t, "r1")
	assert.Equal(t, "near", a.DriverID)
	assert.False(t, h.available(t, "near"))
	assert.Contains(t, h.sent.kinds("near"), notify.KindAssignmentOffer)

	assert.ErrorIs(t, h.c.Respond(ctx, a.ID, "far", true), models.ErrNotFound)
	require.NoError(t, h.c.Respond(ctx, a.ID, "near", true))
	require.NoError(t, h.c.Wait(ctx, "r1"))

	r, err := h.store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, r.Status)
	assert.Equal(t, "near", r.AssignedDriverID)
	assert.Equal(t, int64(9300), r.FinalPrice)
	assert.False(t, h.available(t, "near"), "driver stays reserved until the trip ends")
	assert.True(t, h.available(t, "far"))
	assert.Contains(t, h.sent.kinds("rider-r1"), notify.KindRequestAccepted)

	assert.ErrorIs(t, h.c.Respond(ctx, a.ID, "near", true), models.ErrAssignmentNotPending)
}

func TestRejectMovesToNextInScoreOrder(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	h.addDriver(t, "first", 0.5)
	h.addDriver(t, "second", 1)
	h.addDriver(t, "third", 2)
	h.newRequest(t, "r1")

	require.NoError(t, h.c.Dispatch(ctx, "r1"))
	for _, want := range []string{"first", "second", "third"} {
		a := h.pending(t, "r1")
		require.Equal(t, want, a.DriverID)
		require.NoError(t, h.c.Respond(ctx, a.ID, want, false))
	}
	h.waitStatus(t, "r1", models.StatusNoDriversAvailable)

	list, err := h.store.ListAssignments(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, a := range list {
		assert.Equal(t, models.AssignmentRejected, a.Status)
		assert.True(t, h.available(t, a.DriverID))
	}
	r, _ := h.store.GetRequest(ctx, "r1")
	assert.Empty(t, r.AssignedDriverID)
}

func TestTimeoutReleasesAndAdvances(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	ctx := context.Background()
	h.addDriver(t, "slow", 0.5)
	h.addDriver(t, "slower", 1)
	h.newRequest(t, "r1")

	require.NoError(t, h.c.Dispatch(ctx, "r1"))
	first := h.pending(t, "r1")
	require.Equal(t, "slow", first.DriverID)

	h.waitStatus(t, "r1", models.StatusNoDriversAvailable)

	list, err := h.store.ListAssignments(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "slow", list[0].DriverID)
	assert.Equal(t, "slower", list[1].DriverID)
	for _, a := range list {
		assert.Equal(t, models.AssignmentTimedOut, a.Status)
		assert.True(t, h.available(t, a.DriverID))
	}
	assert.Contains(t, h.sent.kinds("slow"), notify.KindAssignmentTimeout)
	assert.ErrorIs(t, h.c.Respond(ctx, first.ID, "slow", true), models.ErrAssignmentExpired)
}

func TestNoCandidatesIsTerminalStatus(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.newRequest(t, "r1")
	require.NoError(t, h.c.Dispatch(context.Background(), "r1"))
	h.waitStatus(t, "r1", models.StatusNoDriversAvailable)
	assert.Contains(t, h.sent.kinds("rider-r1"), notify.KindNoDrivers)
}

func TestDispatchTwiceRejected(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.addDriver(t, "d1", 0.5)
	h.newRequest(t, "r1")
	require.NoError(t, h.c.Dispatch(context.Background(), "r1"))
	assert.ErrorIs(t, h.c.Dispatch(context.Background(), "r1"), models.ErrRequestAlreadyResolved)
}

func TestNotifierFailureKeepsReservation(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.sent.fail = true
	h.addDriver(t, "d1", 0.5)
	h.newRequest(t, "r1")
	require.NoError(t, h.c.Dispatch(context.Background(), "r1"))
	a := h.pending(t, "r1")
	assert.False(t, h.available(t, "d1"))
	require.NoError(t, h.c.Respond(context.Background(), a.ID, "d1", true))
	h.waitStatus(t, "r1", models.StatusAccepted)
}

func TestCancelPendingRequest(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.newRequest(t, "r1")
	require.NoError(t, h.c.Cancel(context.Background(), "r1"))
	assert.Equal(t, models.StatusCancelled, h.status(t, "r1"))
	assert.ErrorIs(t, h.c.Cancel(context.Background(), "r1"), models.ErrRequestAlreadyResolved)
}

func TestCancelDuringDispatchFreesDriver(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.5)
	h.newRequest(t, "r1")
	require.NoError(t, h.c.Dispatch(ctx, "r1"))
	a := h.pending(t, "r1")

	require.NoError(t, h.c.Cancel(ctx, "r1"))
	assert.Equal(t, models.StatusCancelled, h.status(t, "r1"))
	got, _ := h.store.GetAssignment(ctx, a.ID)
	assert.Equal(t, models.AssignmentCancelled, got.Status)
	assert.True(t, h.available(t, "d1"))
	assert.Contains(t, h.sent.kinds("d1"), notify.KindRequestCancelled)
	assert.ErrorIs(t, h.c.Respond(ctx, a.ID, "d1", true), models.ErrAssignmentNotPending)
}

func TestConcurrentDispatchNeverDoubleBooks(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	h.addDriver(t, "only", 0.5)
	const n = 12
	for i := 0; i < n; i++ {
		h.newRequest(t, fmt.Sprintf("r%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, h.c.Dispatch(ctx, fmt.Sprintf("r%d", i)))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		settled := 0
		for i := 0; i < n; i++ {
			if h.statusOf(fmt.Sprintf("r%d", i)) == models.StatusNoDriversAvailable {
				settled++
			}
		}
		return settled == n-1
	}, 2*time.Second, 5*time.Millisecond)

	active := 0
	for i := 0; i < n; i++ {
		list, _ := h.store.ListAssignments(ctx, fmt.Sprintf("r%d", i))
		for _, a := range list {
			if a.Status.Active() {
				active++
				assert.Equal(t, "only", a.DriverID)
			}
		}
	}
	assert.Equal(t, 1, active)
}

func TestTripLifecycleReleasesOnce(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.5)
	h.newRequest(t, "r1")
	require.NoError(t, h.c.Dispatch(ctx, "r1"))
	a := h.pending(t, "r1")
	require.NoError(t, h.c.Respond(ctx, a.ID, "d1", true))
	h.waitStatus(t, "r1", models.StatusAccepted)

	assert.ErrorIs(t, h.c.CompleteTrip(ctx, "r1", "d1"), models.ErrRequestAlreadyResolved)
	assert.ErrorIs(t, h.c.StartTrip(ctx, "r1", "other"), models.ErrNotFound)
	require.NoError(t, h.c.StartTrip(ctx, "r1", "d1"))
	assert.False(t, h.available(t, "d1"))
	require.NoError(t, h.c.CompleteTrip(ctx, "r1", "d1"))

	assert.Equal(t, models.StatusCompleted, h.status(t, "r1"))
	assert.True(t, h.available(t, "d1"))
	got, _ := h.store.GetAssignment(ctx, a.ID)
	assert.Equal(t, models.AssignmentCompleted, got.Status)

	ok, err := h.c.EndAssignment(ctx, got, models.AssignmentCancelled)
	require.NoError(t, err)
	assert.False(t, ok, "terminal assignment cannot be ended twice")
}

func TestDriverCancelRedispatchesWithoutThatDriver(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.5)
	h.addDriver(t, "d2", 1.5)
	h.newRequest(t, "r1")
	require.NoError(t, h.c.Dispatch(ctx, "r1"))
	a := h.pending(t, "r1")
	require.Equal(t, "d1", a.DriverID)
	require.NoError(t, h.c.Respond(ctx, a.ID, "d1", true))
	h.waitStatus(t, "r1", models.StatusAccepted)

	rec, err := h.c.DriverCancel(ctx, "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, models.CancelByDriver, rec.Initiator)
	assert.Equal(t, models.ActionNone, rec.Action)
	assert.InDelta(t, 0.5, rec.DriverDistanceKm, 0.01)
	assert.True(t, h.available(t, "d1"))

	next := h.pending(t, "r1")
	assert.Equal(t, "d2", next.DriverID)
	assert.Equal(t, models.StatusDispatching, h.status(t, "r1"))

	recs, err := h.store.CancellationsForRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = h.c.DriverCancel(ctx, "r1", "d1")
	assert.Error(t, err)
}

// stalledNotifier never returns until released, whatever its context says.
type stalledNotifier struct{ release chan struct{} }

func (s stalledNotifier) Send(context.Context, string, notify.Notification) error {
	<-s.release
	return nil
}

func TestStalledNotifierCannotOutliveDeadline(t *testing.T) {
	stalled := stalledNotifier{release: make(chan struct{})}
	h := newHarnessWith(t, 50*time.Millisecond, stalled)
	t.Cleanup(func() { close(stalled.release) })
	ctx := context.Background()
	h.addDriver(t, "d1", 0.5)
	h.newRequest(t, "r1")

	require.NoError(t, h.c.Dispatch(ctx, "r1"))
	h.waitStatus(t, "r1", models.StatusNoDriversAvailable)

	list, err := h.store.ListAssignments(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.AssignmentTimedOut, list[0].Status)
	assert.True(t, h.available(t, "d1"))
}

func TestRespondWhileNotifierStalled(t *testing.T) {
	stalled := stalledNotifier{release: make(chan struct{})}
	h := newHarnessWith(t, time.Second, stalled)
	t.Cleanup(func() { close(stalled.release) })
	ctx := context.Background()
	h.addDriver(t, "d1", 0.5)
	h.newRequest(t, "r1")

	require.NoError(t, h.c.Dispatch(ctx, "r1"))
	a := h.pending(t, "r1")
	rctx, cancel := context.WithTimeout(ctx, 900*time.Millisecond)
	defer cancel()
	require.NoError(t, h.c.Respond(rctx, a.ID, "d1", true))
	h.waitStatus(t, "r1", models.StatusAccepted)
}

func TestCloseMidAttemptEndsRequest(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.5)
	h.newRequest(t, "r1")
	require.NoError(t, h.c.Dispatch(ctx, "r1"))
	a := h.pending(t, "r1")

	h.c.Close()

	assert.Equal(t, models.StatusNoDriversAvailable, h.status(t, "r1"))
	got, err := h.store.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentCancelled, got.Status)
	assert.True(t, h.available(t, "d1"))
	assert.Contains(t, h.sent.kinds("rider-r1"), notify.KindNoDrivers)
}

func TestRecoverClosesOrphanedDispatch(t *testing.T) {
	h := newHarness(t, time.Minute)
	ctx := context.Background()
	h.addDriver(t, "d1", 0.5)
	h.addDriver(t, "d2", 1)
	h.newRequest(t, "orphan")
	h.newRequest(t, "live")

	// what a crashed process leaves behind: dispatching, one pending attempt, driver reserved
	ok, err := h.store.UpdateRequestStatus(ctx, "orphan", models.StatusPending, models.StatusDispatching, "")
	require.NoError(t, err)
	require.True(t, ok)
	won, err := h.c.Reserve(ctx, "d2")
	require.NoError(t, err)
	require.True(t, won)
	now := time.Now()
	require.NoError(t, h.store.CreateAssignment(ctx, &models.Assignment{
		ID: "a-orphan", RequestID: "orphan", DriverID: "d2", Status: models.AssignmentPending,
		ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}))

	require.NoError(t, h.c.Dispatch(ctx, "live"))
	live := h.pending(t, "live")

	n, err := h.c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.StatusNoDriversAvailable, h.status(t, "orphan"))
	got, _ := h.store.GetAssignment(ctx, "a-orphan")
	assert.Equal(t, models.AssignmentCancelled, got.Status)
	assert.True(t, h.available(t, "d2"))

	assert.Equal(t, models.StatusDispatching, h.status(t, "live"), "sessions of this process are left alone")
	require.NoError(t, h.c.Respond(ctx, live.ID, live.DriverID, true))
	h.waitStatus(t, "live", models.StatusAccepted)
}
