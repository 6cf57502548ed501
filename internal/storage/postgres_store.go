package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema; every statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const requestColumns = `id, requester_id, pickup_lat, pickup_lon, dest_lat, dest_lon, vehicle_class, service_type,
	priority, distance_km, estimated_price, surge_price, final_price, pickup_zone_id, destination_zone_id, status,
	assigned_driver_id, bidding, budget_ceiling, bidding_deadline, created_at, updated_at`

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.Request) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		r.ID, r.RequesterID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		string(r.VehicleClass), string(r.ServiceType), string(r.Priority), r.DistanceKm,
		r.EstimatedPrice, r.SurgePrice, r.FinalPrice, r.PickupZoneID, r.DestinationZoneID, string(r.Status),
		nullString(r.AssignedDriverID), r.Bidding, r.BudgetCeiling, r.BiddingDeadline, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage.CreateRequest: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*models.Request, error) {
	var r models.Request
	var driver sql.NullString
	var deadline sql.NullTime
	err := row.Scan(&r.ID, &r.RequesterID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.VehicleClass, &r.ServiceType, &r.Priority, &r.DistanceKm, &r.EstimatedPrice, &r.SurgePrice, &r.FinalPrice,
		&r.PickupZoneID, &r.DestinationZoneID, &r.Status, &driver, &r.Bidding, &r.BudgetCeiling, &deadline,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.AssignedDriverID = driver.String
	if deadline.Valid {
		t := deadline.Time
		r.BiddingDeadline = &t
	}
	return &r, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetRequest: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) UpdateRequestStatus(ctx context.Context, id string, from, to models.RequestStatus, driverID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE requests
		SET status=$1,
		    assigned_driver_id = CASE WHEN $2 THEN COALESCE($3, assigned_driver_id) ELSE NULL END,
		    updated_at=$4
		WHERE id=$5 AND status=$6`,
		string(to), to.HoldsDriver(), nullString(driverID), time.Now(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("storage.UpdateRequestStatus: %w", err)
	}
	return affectedOne(res)
}

func (p *PostgresStore) OpenBidding(ctx context.Context, id string, deadline time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE requests
		SET status=$1, bidding=TRUE, bidding_deadline=$2, updated_at=$3
		WHERE id=$4 AND status=$5`,
		string(models.StatusBidding), deadline, time.Now(), id, string(models.StatusPending))
	if err != nil {
		return false, fmt.Errorf("storage.OpenBidding: %w", err)
	}
	return affectedOne(res)
}

func (p *PostgresStore) ListRequestsByStatus(ctx context.Context, status models.RequestStatus) ([]models.Request, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE status=$1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("storage.ListRequestsByStatus: %w", err)
	}
	defer rows.Close()
	var out []models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListRequestsByStatus scan: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const assignmentColumns = `id, request_id, driver_id, status, score, expires_at, created_at, responded_at`

func (p *PostgresStore) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	return insertAssignment(ctx, p.db, a)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAssignment(ctx context.Context, db execer, a *models.Assignment) error {
	_, err := db.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.RequestID, a.DriverID, string(a.Status), a.Score, a.ExpiresAt, a.CreatedAt, a.RespondedAt)
	if err != nil {
		return fmt.Errorf("storage.insertAssignment: %w", err)
	}
	return nil
}

func scanAssignment(row scanner) (*models.Assignment, error) {
	var a models.Assignment
	var responded sql.NullTime
	if err := row.Scan(&a.ID, &a.RequestID, &a.DriverID, &a.Status, &a.Score, &a.ExpiresAt, &a.CreatedAt, &responded); err != nil {
		return nil, err
	}
	if responded.Valid {
		t := responded.Time
		a.RespondedAt = &t
	}
	return &a, nil
}

func (p *PostgresStore) GetAssignment(ctx context.Context, id string) (*models.Assignment, error) {
	a, err := scanAssignment(p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetAssignment: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) ListAssignments(ctx context.Context, requestID string) ([]models.Assignment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE request_id=$1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListAssignments: %w", err)
	}
	defer rows.Close()
	var out []models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListAssignments scan: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ResolveAssignment(ctx context.Context, id string, from, to models.AssignmentStatus, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE assignments
		SET status=$1, responded_at = CASE WHEN $2 = 'pending' THEN $3 ELSE responded_at END
		WHERE id=$4 AND status=$2`,
		string(to), string(from), at, id)
	if err != nil {
		return false, fmt.Errorf("storage.ResolveAssignment: %w", err)
	}
	return affectedOne(res)
}

func (p *PostgresStore) AcceptAssignment(ctx context.Context, id string, at time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var requestID, driverID string
	err = tx.QueryRowContext(ctx, `UPDATE assignments SET status=$1, responded_at=$2
		WHERE id=$3 AND status=$4 AND expires_at > $2
		RETURNING request_id, driver_id`,
		string(models.AssignmentAccepted), at, id, string(models.AssignmentPending)).Scan(&requestID, &driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage.AcceptAssignment: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE requests
		SET status=$1, assigned_driver_id=$2, updated_at=$3,
		    final_price = CASE WHEN surge_price > 0 THEN surge_price ELSE estimated_price END
		WHERE id=$4 AND status=$5`,
		string(models.StatusAccepted), driverID, at, requestID, string(models.StatusDispatching))
	if err != nil {
		return false, fmt.Errorf("storage.AcceptAssignment request: %w", err)
	}
	if ok, err := affectedOne(res); err != nil || !ok {
		return false, err
	}
	return true, tx.Commit()
}

func (p *PostgresStore) AcceptedAssignment(ctx context.Context, requestID string) (*models.Assignment, error) {
	a, err := scanAssignment(p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE request_id=$1 AND status=$2`, requestID, string(models.AssignmentAccepted)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("accepted assignment for %s: %w", requestID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.AcceptedAssignment: %w", err)
	}
	return a, nil
}

const offerColumns = `id, request_id, driver_id, price, message, eta_seconds, status, expires_at, created_at`

func (p *PostgresStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// FOR SHARE blocks the expiry UPDATE until this insert commits or rolls back
	var status models.RequestStatus
	var deadline sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT status, bidding_deadline FROM requests WHERE id=$1 FOR SHARE`, o.RequestID).
		Scan(&status, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("request %s: %w", o.RequestID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage.CreateOffer: %w", err)
	}
	if status != models.StatusBidding || !deadline.Valid || !o.CreatedAt.Before(deadline.Time) {
		return models.ErrBiddingClosed
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO offers(`+offerColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.RequestID, o.DriverID, o.Price, o.Message, o.ETASeconds, string(o.Status), o.ExpiresAt, o.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return models.ErrDuplicateOffer
	}
	if err != nil {
		return fmt.Errorf("storage.CreateOffer: %w", err)
	}
	return tx.Commit()
}

func scanOffer(row scanner) (*models.Offer, error) {
	var o models.Offer
	if err := row.Scan(&o.ID, &o.RequestID, &o.DriverID, &o.Price, &o.Message, &o.ETASeconds, &o.Status, &o.ExpiresAt, &o.CreatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offer %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetOffer: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) ListOffers(ctx context.Context, requestID string, status models.OfferStatus) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers
		WHERE request_id=$1 AND ($2 = '' OR status=$2)
		ORDER BY price, created_at, id`, requestID, string(status))
	if err != nil {
		return nil, fmt.Errorf("storage.ListOffers: %w", err)
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListOffers scan: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateOfferStatus(ctx context.Context, id string, from, to models.OfferStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET status=$1 WHERE id=$2 AND status=$3`, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("storage.UpdateOfferStatus: %w", err)
	}
	return affectedOne(res)
}

func (p *PostgresStore) ExpireOffers(ctx context.Context, requestID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET status=$1 WHERE request_id=$2 AND status=$3`,
		string(models.OfferExpired), requestID, string(models.OfferPending))
	if err != nil {
		return 0, fmt.Errorf("storage.ExpireOffers: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) AcceptOffer(ctx context.Context, offerID string, a *models.Assignment, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	o, err := scanOffer(tx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1 FOR UPDATE`, offerID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("offer %s: %w", offerID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage.AcceptOffer: %w", err)
	}
	if o.Status != models.OfferPending || o.IsExpired(at) {
		return models.ErrOfferNoLongerAvailable
	}

	res, err := tx.ExecContext(ctx, `UPDATE requests
		SET status=$1, assigned_driver_id=$2, final_price=$3, updated_at=$4
		WHERE id=$5 AND status=$6`,
		string(models.StatusAccepted), o.DriverID, o.Price, at, o.RequestID, string(models.StatusBidding))
	if err != nil {
		return fmt.Errorf("storage.AcceptOffer request: %w", err)
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return models.ErrRequestAlreadyResolved
	}

	if _, err := tx.ExecContext(ctx, `UPDATE offers SET status=$1 WHERE id=$2`, string(models.OfferAccepted), o.ID); err != nil {
		return fmt.Errorf("storage.AcceptOffer accept: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE offers SET status=$1 WHERE request_id=$2 AND id<>$3 AND status=$4`,
		string(models.OfferRejected), o.RequestID, o.ID, string(models.OfferPending)); err != nil {
		return fmt.Errorf("storage.AcceptOffer reject others: %w", err)
	}
	if err := insertAssignment(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

const cancellationColumns = `id, request_id, requester_id, driver_id, initiator, driver_distance_km, driver_was_near,
	suspicious, near_count_24h, action, charge_amount, compensation_amount, created_at`

func (p *PostgresStore) AppendCancellation(ctx context.Context, c *models.CancellationRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO cancellation_records(`+cancellationColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.RequestID, c.RequesterID, c.DriverID, string(c.Initiator), c.DriverDistanceKm, c.DriverWasNear,
		c.Suspicious, c.NearCount24h, string(c.Action), c.ChargeAmount, c.CompensationAmount, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage.AppendCancellation: %w", err)
	}
	return nil
}

func (p *PostgresStore) queryCancellations(ctx context.Context, where string, args ...any) ([]models.CancellationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+cancellationColumns+` FROM cancellation_records WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryCancellations: %w", err)
	}
	defer rows.Close()
	var out []models.CancellationRecord
	for rows.Next() {
		var c models.CancellationRecord
		if err := rows.Scan(&c.ID, &c.RequestID, &c.RequesterID, &c.DriverID, &c.Initiator, &c.DriverDistanceKm,
			&c.DriverWasNear, &c.Suspicious, &c.NearCount24h, &c.Action, &c.ChargeAmount, &c.CompensationAmount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage.queryCancellations scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListCancellations(ctx context.Context, requesterID string, since time.Time) ([]models.CancellationRecord, error) {
	return p.queryCancellations(ctx, `requester_id=$1 AND created_at >= $2`, requesterID, since)
}

func (p *PostgresStore) CancellationsForRequest(ctx context.Context, requestID string) ([]models.CancellationRecord, error) {
	return p.queryCancellations(ctx, `request_id=$1`, requestID)
}

func (p *PostgresStore) Ban(ctx context.Context, b models.Ban) (bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO user_bans(user_id, reason, banned_at) VALUES($1,$2,$3)
		ON CONFLICT (user_id) DO NOTHING`, b.UserID, b.Reason, b.BannedAt)
	if err != nil {
		return false, fmt.Errorf("storage.Ban: %w", err)
	}
	return affectedOne(res)
}

func (p *PostgresStore) GetBan(ctx context.Context, userID string) (*models.Ban, error) {
	var b models.Ban
	err := p.db.QueryRowContext(ctx, `SELECT user_id, reason, banned_at FROM user_bans WHERE user_id=$1`, userID).
		Scan(&b.UserID, &b.Reason, &b.BannedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetBan: %w", err)
	}
	return &b, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
