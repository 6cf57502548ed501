package fraud

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/assignment"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.Coord{Lat: -33.8688, Lon: 151.2093}

const price = int64(9300)

type alerts struct {
	mu   sync.Mutex
	list []notify.Alert
}

func (a *alerts) Alert(_ context.Context, al notify.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.list = append(a.list, al)
	return nil
}

func (a *alerts) subjects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, al := range a.list {
		out = append(out, al.Subject)
	}
	return out
}

type env struct {
	d      *Detector
	store  *storage.MemoryStore
	idx    *geo.Index
	wallet *payments.MemoryWallet
	alerts *alerts
	coord  *assignment.Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	wallet := payments.NewMemoryWallet()
	coord := assignment.NewCoordinator(time.Minute, assignment.Deps{Store: store, Geo: idx, Logger: logging.Discard()})
	t.Cleanup(coord.Close)
	al := &alerts{}
	d := NewDetector(config.DefaultFraudConfig(), Deps{
		Store: store, Geo: idx, Wallet: wallet, Releaser: coord, Alerter: al, Logger: logging.Discard(),
	})
	return &env{d: d, store: store, idx: idx, wallet: wallet, alerts: al, coord: coord}
}

// boundTrip creates an accepted request with driverID reserved kmAway from pickup.
func (e *env) boundTrip(t *testing.T, reqID, requesterID, driverID string, kmAway float64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, e.idx.Upsert(ctx, models.DriverLocation{
		DriverID: driverID, Loc: models.Coord{Lat: pickup.Lat + kmAway/111.19, Lon: pickup.Lon},
		Online: true, Verified: true, VehicleClass: models.VehicleStandard, LastSeen: now,
	}))
	ok, err := e.idx.CompareAndSwapAvailable(ctx, driverID, true, false)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.store.CreateRequest(ctx, &models.Request{
		ID: reqID, RequesterID: requesterID, Pickup: pickup, Destination: models.Coord{Lat: -33.85, Lon: 151.21},
		VehicleClass: models.VehicleStandard, ServiceType: models.ServiceRide, Priority: models.PriorityNormal,
		EstimatedPrice: price, SurgePrice: price, Status: models.StatusDispatching, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, e.store.CreateAssignment(ctx, &models.Assignment{
		ID: "a-" + reqID, RequestID: reqID, DriverID: driverID, Status: models.AssignmentPending,
		ExpiresAt: now.Add(time.Minute), CreatedAt: now,
	}))
	ok, err = e.store.AcceptAssignment(ctx, "a-"+reqID, now)
	require.NoError(t, err)
	require.True(t, ok)
}

func (e *env) priorNear(t *testing.T, requesterID string, n int, ago time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.store.AppendCancellation(context.Background(), &models.CancellationRecord{
			ID: fmt.Sprintf("prior-%s-%d-%s", requesterID, i, ago), RequestID: fmt.Sprintf("old-%d", i), RequesterID: requesterID,
			Initiator: models.CancelByRequester, DriverDistanceKm: 0.2, DriverWasNear: true, NearCount24h: i + 1,
			CreatedAt: time.Now().Add(-ago),
		}))
	}
}

func (e *env) available(t *testing.T, driverID string) bool {
	t.Helper()
	loc, err := e.idx.Get(context.Background(), driverID)
	require.NoError(t, err)
	return loc.Available
}

func TestSecondNearCancellationIsCharged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.wallet.SetBalance("rider", 20000)
	e.priorNear(t, "rider", 1, time.Hour)
	e.boundTrip(t, "r1", "rider", "d1", 0.3)

	rec, err := e.d.HandleCancellation(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, rec.DriverWasNear)
	assert.InDelta(t, 0.3, rec.DriverDistanceKm, 0.01)
	assert.Equal(t, 2, rec.NearCount24h)
	assert.True(t, rec.Suspicious)
	assert.Equal(t, models.ActionCharged, rec.Action)
	assert.Equal(t, price, rec.ChargeAmount)
	assert.Equal(t, int64(7440), rec.CompensationAmount)

	assert.Equal(t, int64(20000-9300), e.wallet.Balance("rider"))
	assert.Equal(t, int64(7440), e.wallet.Balance("d1"))

	recs, err := e.store.CancellationsForRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	req, _ := e.store.GetRequest(ctx, "r1")
	assert.Equal(t, models.StatusCancelledByClient, req.Status)
	assert.Empty(t, req.AssignedDriverID)
	assert.True(t, e.available(t, "d1"))
	asg, _ := e.store.GetAssignment(ctx, "a-r1")
	assert.Equal(t, models.AssignmentCancelled, asg.Status)

	ban, err := e.store.GetBan(ctx, "rider")
	require.NoError(t, err)
	assert.Nil(t, ban)
	assert.Contains(t, e.alerts.subjects(), "suspicious cancellation")
}

func TestThirdNearCancellationBans(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.wallet.SetBalance("rider", 20000)
	e.priorNear(t, "rider", 2, time.Hour)
	e.boundTrip(t, "r1", "rider", "d1", 0.3)

	rec, err := e.d.HandleCancellation(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.NearCount24h)
	assert.True(t, rec.Suspicious)
	assert.Equal(t, models.ActionBanned, rec.Action)
	assert.Equal(t, price, rec.ChargeAmount)
	assert.Equal(t, int64(7440), e.wallet.Balance("d1"))
	assert.True(t, e.available(t, "d1"))

	ban, err := e.store.GetBan(ctx, "rider")
	require.NoError(t, err)
	require.NotNil(t, ban)
	assert.False(t, ban.BannedAt.IsZero())
	assert.NotEmpty(t, ban.Reason)
	assert.Contains(t, e.alerts.subjects(), "requester banned")
}

func TestFarCancellationIsNotSuspicious(t *testing.T) {
	e := newEnv(t)
	e.wallet.SetBalance("rider", 20000)
	e.priorNear(t, "rider", 2, time.Hour)
	e.boundTrip(t, "r1", "rider", "d1", 2)

	rec, err := e.d.HandleCancellation(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, rec.DriverWasNear)
	assert.False(t, rec.Suspicious)
	assert.Equal(t, 2, rec.NearCount24h)
	assert.Equal(t, models.ActionNone, rec.Action)
	assert.Zero(t, rec.ChargeAmount)
	assert.Equal(t, int64(20000), e.wallet.Balance("rider"))
	assert.Empty(t, e.wallet.Entries())
	assert.True(t, e.available(t, "d1"))
}

func TestFirstNearCancellationOnlyCounted(t *testing.T) {
	e := newEnv(t)
	e.priorNear(t, "rider", 3, 25*time.Hour)
	e.boundTrip(t, "r1", "rider", "d1", 0.1)

	rec, err := e.d.HandleCancellation(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, rec.DriverWasNear)
	assert.Equal(t, 1, rec.NearCount24h, "records outside the window are ignored")
	assert.False(t, rec.Suspicious)
}

func TestDriverInitiatedRecordsDoNotCount(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.AppendCancellation(context.Background(), &models.CancellationRecord{
		ID: "drv", RequestID: "old", RequesterID: "rider", Initiator: models.CancelByDriver, DriverWasNear: true, CreatedAt: time.Now(),
	}))
	e.boundTrip(t, "r1", "rider", "d1", 0.1)
	rec, err := e.d.HandleCancellation(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.NearCount24h)
	assert.False(t, rec.Suspicious)
}

func TestInsufficientBalanceIsPartialFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.wallet.SetBalance("rider", 100)
	e.priorNear(t, "rider", 1, time.Hour)
	e.boundTrip(t, "r1", "rider", "d1", 0.3)

	rec, err := e.d.HandleCancellation(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, rec.Suspicious)
	assert.Equal(t, models.ActionNone, rec.Action)
	assert.Zero(t, rec.ChargeAmount)
	assert.Equal(t, int64(7440), rec.CompensationAmount)
	assert.Equal(t, int64(100), e.wallet.Balance("rider"))
	assert.Contains(t, e.alerts.subjects(), "cancellation charge skipped")

	req, _ := e.store.GetRequest(ctx, "r1")
	assert.Equal(t, models.StatusCancelledByClient, req.Status)
	recs, _ := e.store.CancellationsForRequest(ctx, "r1")
	assert.Len(t, recs, 1)
	assert.True(t, e.available(t, "d1"))
}

func TestRepeatCancellationIsRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.wallet.SetBalance("rider", 50000)
	e.priorNear(t, "rider", 1, time.Hour)
	e.boundTrip(t, "r1", "rider", "d1", 0.3)

	_, err := e.d.HandleCancellation(ctx, "r1")
	require.NoError(t, err)
	entries := len(e.wallet.Entries())

	_, err = e.d.HandleCancellation(ctx, "r1")
	assert.ErrorIs(t, err, models.ErrRequestAlreadyResolved)
	recs, _ := e.store.CancellationsForRequest(ctx, "r1")
	assert.Len(t, recs, 1)
	assert.Len(t, e.wallet.Entries(), entries)
	assert.Equal(t, int64(50000-9300), e.wallet.Balance("rider"))
}

func TestConcurrentCancellationsProcessOnce(t *testing.T) {
	e := newEnv(t)
	e.wallet.SetBalance("rider", 50000)
	e.priorNear(t, "rider", 1, time.Hour)
	e.boundTrip(t, "r1", "rider", "d1", 0.3)

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.d.HandleCancellation(context.Background(), "r1"); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
	recs, _ := e.store.CancellationsForRequest(context.Background(), "r1")
	assert.Len(t, recs, 1)
	assert.Equal(t, int64(50000-9300), e.wallet.Balance("rider"))
}

func TestEvaluateThresholdsAreConfigurable(t *testing.T) {
	d := NewDetector(config.FraudConfig{NearKm: 1, Window: time.Hour, SuspiciousCount: 1, BanCount: 2, CompensationRatio: 0.5}, Deps{Logger: logging.Discard()})
	v := d.Evaluate(0.9, nil)
	assert.True(t, v.Near)
	assert.True(t, v.Suspicious)
	assert.False(t, v.Ban)
	assert.Equal(t, int64(4650), d.Compensation(9300))

	v = d.Evaluate(0.9, []models.CancellationRecord{{Initiator: models.CancelByRequester, DriverWasNear: true}})
	assert.True(t, v.Ban)

	v = d.Evaluate(unknownDistance, nil)
	assert.False(t, v.Near)
}

// failingAppends fails the first n cancellation writes.
type failingAppends struct {
	*storage.MemoryStore
	n     int32
	calls atomic.Int32
}

func (f *failingAppends) AppendCancellation(ctx context.Context, rec *models.CancellationRecord) error {
	if f.calls.Add(1) <= f.n {
		return fmt.Errorf("write timeout")
	}
	return f.MemoryStore.AppendCancellation(ctx, rec)
}

func TestRecordWrittenDespiteTransientStoreFailure(t *testing.T) {
	e := newEnv(t)
	e.boundTrip(t, "r1", "u1", "d1", 3)
	flaky := &failingAppends{MemoryStore: e.store, n: 2}
	d := NewDetector(config.DefaultFraudConfig(), Deps{
		Store: flaky, Geo: e.idx, Wallet: e.wallet, Releaser: e.coord, Alerter: e.alerts, Logger: logging.Discard(),
	})

	rec, err := d.HandleCancellation(context.Background(), "r1")
	require.NoError(t, err)

	recs, err := e.store.CancellationsForRequest(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)
	assert.Equal(t, int32(3), flaky.calls.Load())
	assert.Empty(t, e.alerts.subjects(), "a recovered write raises no alert")
}
