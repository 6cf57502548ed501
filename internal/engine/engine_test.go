package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/assignment"
	"github.com/example/ride-dispatch/internal/bidding"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fraud"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/zone"
)

type world struct {
	engine *Engine
	store  *storage.MemoryStore
	idx    *geo.Index
	coord  *assignment.Coordinator
	bus    *events.Bus
}

func newWorld(t *testing.T) *world {
	t.Helper()
	log := logging.Discard()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	rules := config.DefaultRules()
	bus := events.NewBus(log)
	locator := matcher.NewLocator(idx, rules, 10*time.Minute, log)
	coord := assignment.NewCoordinator(time.Minute, assignment.Deps{
		Store: store, Geo: idx, Ranker: matcher.NewService(locator, rules.Scoring), Events: bus, Logger: log,
	})
	arena := bidding.NewArena(5*time.Minute, bidding.Deps{Store: store, Geo: idx, Locator: locator, Dispatcher: coord, Events: bus, Logger: log})
	det := fraud.NewDetector(config.DefaultFraudConfig(), fraud.Deps{
		Store: store, Geo: idx, Wallet: payments.NewMemoryWallet(), Releaser: coord, Events: bus, Logger: log,
	})
	intake := pricing.NewService(rules, zone.NewService(nil), store, log)
	t.Cleanup(func() {
		arena.Close()
		coord.Close()
	})
	return &world{engine: New(intake, store, coord, arena, det, bus, log), store: store, idx: idx, coord: coord, bus: bus}
}

func input(bidding bool) pricing.Input {
	p := models.Coord{Lat: 35.6762, Lon: 139.6503}
	d := models.Coord{Lat: 35.70, Lon: 139.70}
	return pricing.Input{RequesterID: "rider", Pickup: &p, Destination: &d, VehicleClass: models.VehicleStandard, Bidding: bidding}
}

func TestSubmitDirectWithoutDrivers(t *testing.T) {
	w := newWorld(t)
	req, err := w.engine.Submit(context.Background(), input(false))
	require.NoError(t, err)
	require.NoError(t, w.coord.Wait(context.Background(), req.ID))
	got, _ := w.store.GetRequest(context.Background(), req.ID)
	assert.Equal(t, models.StatusNoDriversAvailable, got.Status)
}

func TestSubmitBiddingThenCancel(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	req, err := w.engine.Submit(ctx, input(true))
	require.NoError(t, err)
	assert.Equal(t, models.StatusBidding, req.Status)
	require.NotNil(t, req.BiddingDeadline)

	ch, cancel := w.bus.Subscribe(events.RequestTopic(req.ID))
	defer cancel()

	_, err = w.engine.Cancel(ctx, req.ID, "someone")
	assert.ErrorIs(t, err, models.ErrNotFound)
	rec, err := w.engine.Cancel(ctx, req.ID, "rider")
	require.NoError(t, err)
	assert.Nil(t, rec)

	select {
	case e := <-ch:
		assert.Equal(t, string(models.StatusCancelled), e.Status)
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}
	_, err = w.engine.Cancel(ctx, req.ID, "rider")
	assert.ErrorIs(t, err, models.ErrRequestAlreadyResolved)
}

func TestCancelBoundTripGoesThroughFraudCheck(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	in := input(false)
	require.NoError(t, w.idx.Upsert(ctx, models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 35.677, Lon: 139.6503},
		Online: true, Verified: true, VehicleClass: models.VehicleStandard, LastSeen: time.Now()}))

	req, err := w.engine.Submit(ctx, in)
	require.NoError(t, err)
	var pending models.Assignment
	require.Eventually(t, func() bool {
		list, _ := w.store.ListAssignments(ctx, req.ID)
		for _, a := range list {
			if a.Status == models.AssignmentPending {
				pending = a
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.coord.Respond(ctx, pending.ID, "d1", true))
	require.NoError(t, w.coord.Wait(ctx, req.ID))

	rec, err := w.engine.Cancel(ctx, req.ID, "rider")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.DriverWasNear)
	assert.Equal(t, 1, rec.NearCount24h)
	got, _ := w.store.GetRequest(ctx, req.ID)
	assert.Equal(t, models.StatusCancelledByClient, got.Status)
	loc, _ := w.idx.Get(ctx, "d1")
	assert.True(t, loc.Available)
}

func TestSubmitRejectsInvalid(t *testing.T) {
	w := newWorld(t)
	in := input(false)
	in.Destination = in.Pickup
	_, err := w.engine.Submit(context.Background(), in)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

// lateAccept stands in for the dispatcher losing a cancel to a driver who
// accepted first.
type lateAccept struct{ store *storage.MemoryStore }

func (l lateAccept) Dispatch(context.Context, string) error { return nil }

func (l lateAccept) Cancel(ctx context.Context, requestID string) error {
	if _, err := l.store.UpdateRequestStatus(ctx, requestID, models.StatusDispatching, models.StatusAccepted, "d1"); err != nil {
		return err
	}
	return models.ErrRequestAlreadyResolved
}

type recordingHandler struct{ calls []string }

func (r *recordingHandler) HandleCancellation(_ context.Context, requestID string) (*models.CancellationRecord, error) {
	r.calls = append(r.calls, requestID)
	return &models.CancellationRecord{ID: "c1", RequestID: requestID, Initiator: models.CancelByRequester}, nil
}

func TestCancelRacingAcceptGoesThroughFraudCheck(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.CreateRequest(ctx, &models.Request{
		ID: "r1", RequesterID: "rider", Status: models.StatusDispatching, CreatedAt: now, UpdatedAt: now,
	}))
	handler := &recordingHandler{}
	e := New(nil, store, lateAccept{store: store}, nil, handler, nil, logging.Discard())

	rec, err := e.Cancel(ctx, "r1", "rider")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "c1", rec.ID)
	assert.Equal(t, []string{"r1"}, handler.calls)
}

// stuckDispatcher always loses the race.
type stuckDispatcher struct{}

func (stuckDispatcher) Dispatch(context.Context, string) error { return nil }
func (stuckDispatcher) Cancel(context.Context, string) error  { return models.ErrRequestAlreadyResolved }

func TestCancelGivesUpOnEndlessRace(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.CreateRequest(context.Background(), &models.Request{
		ID: "r1", RequesterID: "rider", Status: models.StatusPending, CreatedAt: now, UpdatedAt: now,
	}))
	e := New(nil, store, stuckDispatcher{}, nil, &recordingHandler{}, nil, logging.Discard())
	_, err := e.Cancel(context.Background(), "r1", "rider")
	assert.ErrorIs(t, err, models.ErrRequestAlreadyResolved)
}
