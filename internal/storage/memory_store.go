package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in maps behind one mutex, which makes every
// multi-row operation trivially atomic.
type MemoryStore struct {
	mu            sync.RWMutex
	requests      map[string]*models.Request
	assignments   map[string]*models.Assignment
	offers        map[string]*models.Offer
	cancellations []models.CancellationRecord
	bans          map[string]models.Ban
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*models.Request),
		assignments: make(map[string]*models.Assignment),
		offers:      make(map[string]*models.Offer),
		bans:        make(map[string]models.Ban),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRequestStatus(_ context.Context, id string, from, to models.RequestStatus, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if r.Status != from {
		return false, nil
	}
	setStatus(r, to, driverID, time.Now())
	return true, nil
}

func setStatus(r *models.Request, to models.RequestStatus, driverID string, at time.Time) {
	r.Status = to
	if to.HoldsDriver() {
		if driverID != "" {
			r.AssignedDriverID = driverID
		}
	} else {
		r.AssignedDriverID = ""
	}
	r.UpdatedAt = at
}

func (m *MemoryStore) OpenBidding(_ context.Context, id string, deadline time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if r.Status != models.StatusPending {
		return false, nil
	}
	d := deadline
	r.Status = models.StatusBidding
	r.Bidding = true
	r.BiddingDeadline = &d
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ListRequestsByStatus(_ context.Context, status models.RequestStatus) ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Request
	for _, r := range m.requests {
		if r.Status == status {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a *models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAssignmentSlots(a); err != nil {
		return err
	}
	cp := *a
	m.assignments[a.ID] = &cp
	return nil
}

// checkAssignmentSlots mirrors the partial unique indexes of the Postgres schema.
func (m *MemoryStore) checkAssignmentSlots(a *models.Assignment) error {
	for _, other := range m.assignments {
		if a.Status == models.AssignmentPending && other.RequestID == a.RequestID && other.Status == models.AssignmentPending {
			return fmt.Errorf("request %s already has a pending assignment", a.RequestID)
		}
		if a.Status.Active() && other.DriverID == a.DriverID && other.Status.Active() {
			return fmt.Errorf("driver %s already holds assignment %s", a.DriverID, other.ID)
		}
	}
	return nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, id string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", id, models.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAssignments(_ context.Context, requestID string) ([]models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Assignment
	for _, a := range m.assignments {
		if a.RequestID == requestID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ResolveAssignment(_ context.Context, id string, from, to models.AssignmentStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return false, fmt.Errorf("assignment %s: %w", id, models.ErrNotFound)
	}
	if a.Status != from {
		return false, nil
	}
	a.Status = to
	if from == models.AssignmentPending {
		t := at
		a.RespondedAt = &t
	}
	return true, nil
}

func (m *MemoryStore) AcceptAssignment(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return false, fmt.Errorf("assignment %s: %w", id, models.ErrNotFound)
	}
	r, ok := m.requests[a.RequestID]
	if !ok {
		return false, fmt.Errorf("request %s: %w", a.RequestID, models.ErrNotFound)
	}
	if a.Status != models.AssignmentPending || !at.Before(a.ExpiresAt) || r.Status != models.StatusDispatching {
		return false, nil
	}
	t := at
	a.Status = models.AssignmentAccepted
	a.RespondedAt = &t
	r.FinalPrice = r.Price()
	setStatus(r, models.StatusAccepted, a.DriverID, at)
	return true, nil
}

func (m *MemoryStore) AcceptedAssignment(_ context.Context, requestID string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.assignments {
		if a.RequestID == requestID && a.Status == models.AssignmentAccepted {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("accepted assignment for %s: %w", requestID, models.ErrNotFound)
}

func (m *MemoryStore) CreateOffer(_ context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[o.RequestID]
	if !ok {
		return fmt.Errorf("request %s: %w", o.RequestID, models.ErrNotFound)
	}
	if r.Status != models.StatusBidding || r.BiddingDeadline == nil || !o.CreatedAt.Before(*r.BiddingDeadline) {
		return models.ErrBiddingClosed
	}
	for _, other := range m.offers {
		if other.RequestID == o.RequestID && other.DriverID == o.DriverID && other.Status == models.OfferPending {
			return models.ErrDuplicateOffer
		}
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, models.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOffers(_ context.Context, requestID string, status models.OfferStatus) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.RequestID != requestID || (status != "" && o.Status != status) {
			continue
		}
		out = append(out, *o)
	}
	SortOffers(out)
	return out, nil
}

// SortOffers orders by price, then earliest submission, then id.
func SortOffers(offers []models.Offer) {
	sort.Slice(offers, func(i, j int) bool {
		a, b := offers[i], offers[j]
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (m *MemoryStore) UpdateOfferStatus(_ context.Context, id string, from, to models.OfferStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return false, fmt.Errorf("offer %s: %w", id, models.ErrNotFound)
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (m *MemoryStore) ExpireOffers(_ context.Context, requestID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.offers {
		if o.RequestID == requestID && o.Status == models.OfferPending {
			o.Status = models.OfferExpired
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AcceptOffer(_ context.Context, offerID string, a *models.Assignment, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return fmt.Errorf("offer %s: %w", offerID, models.ErrNotFound)
	}
	if o.Status != models.OfferPending || o.IsExpired(at) {
		return models.ErrOfferNoLongerAvailable
	}
	r, ok := m.requests[o.RequestID]
	if !ok {
		return fmt.Errorf("request %s: %w", o.RequestID, models.ErrNotFound)
	}
	if r.Status != models.StatusBidding {
		return models.ErrRequestAlreadyResolved
	}
	if err := m.checkAssignmentSlots(a); err != nil {
		return err
	}

	o.Status = models.OfferAccepted
	for _, other := range m.offers {
		if other.RequestID == o.RequestID && other.ID != o.ID && other.Status == models.OfferPending {
			other.Status = models.OfferRejected
		}
	}
	r.FinalPrice = o.Price
	setStatus(r, models.StatusAccepted, o.DriverID, at)
	cp := *a
	m.assignments[a.ID] = &cp
	return nil
}

func (m *MemoryStore) AppendCancellation(_ context.Context, rec *models.CancellationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cancellations {
		if c.ID == rec.ID {
			return nil
		}
	}
	m.cancellations = append(m.cancellations, *rec)
	return nil
}

func (m *MemoryStore) ListCancellations(_ context.Context, requesterID string, since time.Time) ([]models.CancellationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CancellationRecord
	for _, c := range m.cancellations {
		if c.RequesterID == requesterID && !c.CreatedAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) CancellationsForRequest(_ context.Context, requestID string) ([]models.CancellationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CancellationRecord
	for _, c := range m.cancellations {
		if c.RequestID == requestID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) Ban(_ context.Context, b models.Ban) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bans[b.UserID]; ok {
		return false, nil
	}
	m.bans[b.UserID] = b
	return true, nil
}

func (m *MemoryStore) GetBan(_ context.Context, userID string) (*models.Ban, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bans[userID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}
