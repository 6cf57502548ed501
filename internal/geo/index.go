package geo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dhconnelly/rtreego"

	"github.com/example/ride-dispatch/internal/models"
)

const pointTolerance = 1e-7

type entry struct {
	loc models.DriverLocation
}

func (e *entry) Bounds() rtreego.Rect {
	return rtreego.Point{e.loc.Loc.Lat, e.loc.Loc.Lon}.ToRect(pointTolerance)
}

// Index is an in-process Store backed by an R-tree. A single mutex guards
// both the tree and the availability flags, which makes CAS trivially atomic.
type Index struct {
	mu       sync.RWMutex
	tree     *rtreego.Rtree
	drivers  map[string]*entry
	profiles map[string]models.DriverProfile
	now      func() time.Time
}

func NewIndex() *Index {
	return &Index{
		tree:     rtreego.NewTree(2, 25, 50),
		drivers:  make(map[string]*entry),
		profiles: make(map[string]models.DriverProfile),
		now:      time.Now,
	}
}

func (g *Index) Upsert(_ context.Context, loc models.DriverLocation) error {
	if loc.DriverID == "" {
		return fmt.Errorf("%w: driver id required", models.ErrInvalidRequest)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if loc.LastSeen.IsZero() {
		loc.LastSeen = g.now()
	}
	loc.Geohash = Cell(loc.Loc)
	if old, ok := g.drivers[loc.DriverID]; ok {
		loc.Available = old.loc.Available
		g.tree.Delete(old)
	} else {
		loc.Available = true
	}
	e := &entry{loc: loc}
	g.drivers[loc.DriverID] = e
	g.tree.Insert(e)
	return nil
}

func (g *Index) SetOnline(_ context.Context, driverID string, online bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	e.loc.Online = online
	e.loc.LastSeen = g.now()
	return nil
}

func (g *Index) UpsertProfile(_ context.Context, p models.DriverProfile) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profiles[p.DriverID] = p
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.DriverLocation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.drivers[driverID]
	if !ok {
		return models.DriverLocation{}, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	return e.loc, nil
}

func (g *Index) Profile(_ context.Context, driverID string) (models.DriverProfile, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.profiles[driverID]
	if !ok {
		return models.DriverProfile{DriverID: driverID}, nil
	}
	return p, nil
}

// Nearby searches the bounding box of the radius, then trims by exact
// great-circle distance. Results are sorted nearest first.
func (g *Index) Nearby(_ context.Context, q Query) ([]models.DriverLocation, error) {
	min, max := boundingBox(q.Center, q.RadiusKm)
	rect, err := rtreego.NewRect(rtreego.Point{min.Lat, min.Lon}, []float64{max.Lat - min.Lat, max.Lon - min.Lon})
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	hits := g.tree.SearchIntersect(rect)
	type pair struct {
		loc  models.DriverLocation
		dist float64
	}
	arr := make([]pair, 0, len(hits))
	for _, h := range hits {
		loc := h.(*entry).loc
		if !q.Match(loc) {
			continue
		}
		d := DistanceKm(q.Center, loc.Loc)
		if d > q.RadiusKm {
			continue
		}
		arr = append(arr, pair{loc, d})
	}
	g.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].loc.DriverID < arr[j].loc.DriverID
	})
	n := len(arr)
	if q.Limit > 0 && q.Limit < n {
		n = q.Limit
	}
	out := make([]models.DriverLocation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].loc)
	}
	return out, nil
}

func (g *Index) CompareAndSwapAvailable(_ context.Context, driverID string, expected, next bool) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[driverID]
	if !ok {
		return false, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	if e.loc.Available != expected {
		return false, nil
	}
	e.loc.Available = next
	return true, nil
}
