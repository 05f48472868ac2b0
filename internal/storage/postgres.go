package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

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
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle; the caller owns its lifecycle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const rideCols = `id, rider_id, driver_id, vehicle_id, origin_lat, origin_lng, origin_address,
	dest_lat, dest_lng, dest_address, distance_km, eta_minutes, reference_fare, suggested_fare,
	agreed_fare, state, requested_at, accepted_at, started_at, completed_at, cancelled_at,
	cancel_reason, cancelled_by, actual_minutes`

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(row scanner) (*models.Ride, error) {
	var (
		r             models.Ride
		driverID      sql.NullString
		vehicleID     sql.NullString
		suggested     sql.NullFloat64
		agreed        sql.NullFloat64
		acceptedAt    sql.NullTime
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		cancelledAt   sql.NullTime
		cancelReason  sql.NullString
		cancelledBy   sql.NullString
		actualMinutes sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.RiderID, &driverID, &vehicleID, &r.Origin.Lat, &r.Origin.Lng, &r.Origin.Address,
		&r.Destination.Lat, &r.Destination.Lng, &r.Destination.Address, &r.DistanceKm, &r.EtaMinutes,
		&r.ReferenceFare, &suggested, &agreed, &r.State, &r.RequestedAt, &acceptedAt, &startedAt,
		&completedAt, &cancelledAt, &cancelReason, &cancelledBy, &actualMinutes)
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		r.DriverID = &driverID.String
	}
	if vehicleID.Valid {
		r.VehicleID = &vehicleID.String
	}
	if suggested.Valid {
		r.SuggestedFare = &suggested.Float64
	}
	if agreed.Valid {
		r.AgreedFare = &agreed.Float64
	}
	if acceptedAt.Valid {
		r.AcceptedAt = &acceptedAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		r.CancelledAt = &cancelledAt.Time
	}
	r.CancelReason = cancelReason.String
	r.CancelledBy = cancelledBy.String
	if actualMinutes.Valid {
		n := int(actualMinutes.Int64)
		r.ActualMinutes = &n
	}
	return &r, nil
}

const offerCols = `id, ride_id, driver_id, proposed_fare, counter_fare, eta_minutes, message,
	state, expires_at, created_at, accepted_at, rejected_at`

func scanOffer(row scanner) (*models.Offer, error) {
	var (
		o          models.Offer
		counter    sql.NullFloat64
		acceptedAt sql.NullTime
		rejectedAt sql.NullTime
	)
	err := row.Scan(&o.ID, &o.RideID, &o.DriverID, &o.ProposedFare, &counter, &o.EtaMinutes,
		&o.Message, &o.State, &o.ExpiresAt, &o.CreatedAt, &acceptedAt, &rejectedAt)
	if err != nil {
		return nil, err
	}
	if counter.Valid {
		o.CounterFare = &counter.Float64
	}
	if acceptedAt.Valid {
		o.AcceptedAt = &acceptedAt.Time
	}
	if rejectedAt.Valid {
		o.RejectedAt = &rejectedAt.Time
	}
	return &o, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, origin_lat, origin_lng, origin_address,
		dest_lat, dest_lng, dest_address, distance_km, eta_minutes, reference_fare, suggested_fare, state, requested_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.RiderID, r.Origin.Lat, r.Origin.Lng, r.Origin.Address,
		r.Destination.Lat, r.Destination.Lng, r.Destination.Address,
		r.DistanceKm, r.EtaMinutes, r.ReferenceFare, nullFloat(r.SuggestedFare), r.State, r.RequestedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("ride %s", id)
	}
	return r, err
}

func (p *PostgresStore) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides
		WHERE rider_id=$1 AND state NOT IN ('completed','cancelled')
		ORDER BY requested_at DESC LIMIT 1`, riderID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) ListOpenRides(ctx context.Context, limit int) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideCols+` FROM rides
		WHERE state IN ('requested','offers_received')
		ORDER BY requested_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) lockRide(ctx context.Context, tx *sql.Tx, id string) (*models.Ride, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id=$1 FOR UPDATE`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("ride %s", id)
	}
	return r, err
}

func (p *PostgresStore) StartRide(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, error) {
	var out *models.Ride
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := p.lockRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if r.DriverID == nil || *r.DriverID != driverID {
			return apperr.Conflict("ride %s is not assigned to driver %s", rideID, driverID)
		}
		if r.State != models.RideAccepted {
			return apperr.Conflict("ride %s is %s, cannot start", rideID, r.State)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE rides SET state=$1, started_at=$2 WHERE id=$3`,
			models.RideInProgress, at, rideID); err != nil {
			return err
		}
		r.State = models.RideInProgress
		r.StartedAt = &at
		out = r
		return nil
	})
	return out, err
}

func (p *PostgresStore) CompleteRide(ctx context.Context, rideID, driverID string, actualMinutes int, at time.Time) (*models.Ride, error) {
	var out *models.Ride
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := p.lockRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if r.DriverID == nil || *r.DriverID != driverID {
			return apperr.Conflict("ride %s is not assigned to driver %s", rideID, driverID)
		}
		if r.State != models.RideInProgress {
			return apperr.Conflict("ride %s is %s, cannot complete", rideID, r.State)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE rides SET state=$1, completed_at=$2, actual_minutes=$3 WHERE id=$4`,
			models.RideCompleted, at, actualMinutes, rideID); err != nil {
			return err
		}
		r.State = models.RideCompleted
		r.CompletedAt = &at
		r.ActualMinutes = &actualMinutes
		out = r
		return nil
	})
	return out, err
}

func (p *PostgresStore) CancelRide(ctx context.Context, rideID string, fromStates []models.RideState, reason, by string, at time.Time) (*CancelResult, error) {
	var res *CancelResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := p.lockRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if !stateIn(r.State, fromStates) {
			return apperr.Conflict("ride %s is %s, cannot cancel", rideID, r.State)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE rides SET state=$1, cancelled_at=$2, cancel_reason=$3, cancelled_by=$4 WHERE id=$5`,
			models.RideCancelled, at, reason, by, rideID); err != nil {
			return err
		}
		r.State = models.RideCancelled
		r.CancelledAt = &at
		r.CancelReason = reason
		r.CancelledBy = by
		cancelled, err := queryOffers(ctx, tx, `UPDATE ride_offers SET state='cancelled'
			WHERE ride_id=$1 AND state IN ('pending','countered') RETURNING `+offerCols, rideID)
		if err != nil {
			return err
		}
		res = &CancelResult{Ride: r, CancelledOffers: cancelled}
		return nil
	})
	return res, err
}

func (p *PostgresStore) DeleteActiveSearch(ctx context.Context, riderID string) ([]*CancelResult, error) {
	var out []*CancelResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+rideCols+` FROM rides
			WHERE rider_id=$1 AND state IN ('requested','offers_received') FOR UPDATE`, riderID)
		if err != nil {
			return err
		}
		var rides []*models.Ride
		for rows.Next() {
			r, err := scanRide(rows)
			if err != nil {
				rows.Close()
				return err
			}
			rides = append(rides, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, r := range rides {
			cancelled, err := queryOffers(ctx, tx, `DELETE FROM ride_offers
				WHERE ride_id=$1 AND state IN ('pending','countered') RETURNING `+offerCols, r.ID)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM ride_offers WHERE ride_id=$1`, r.ID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM rides WHERE id=$1`, r.ID); err != nil {
				return err
			}
			out = append(out, &CancelResult{Ride: r, CancelledOffers: cancelled})
		}
		return nil
	})
	return out, err
}

func (p *PostgresStore) CreateOffer(ctx context.Context, o *models.Offer, ceiling int) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := p.lockRide(ctx, tx, o.RideID)
		if err != nil {
			return err
		}
		if !r.State.Biddable() {
			return apperr.Conflict("ride %s is %s, no longer accepting offers", o.RideID, r.State)
		}
		var pending int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ride_offers WHERE ride_id=$1 AND state='pending'`,
			o.RideID).Scan(&pending); err != nil {
			return err
		}
		if pending >= ceiling {
			return apperr.Conflict("ride %s reached the offer ceiling (%d)", o.RideID, ceiling)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO ride_offers(id, ride_id, driver_id, proposed_fare, eta_minutes, message, state, expires_at, created_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			o.ID, o.RideID, o.DriverID, o.ProposedFare, o.EtaMinutes, o.Message, o.State, o.ExpiresAt, o.CreatedAt)
		if isUniqueViolation(err) {
			return apperr.Conflict("driver %s already has an offer on ride %s", o.DriverID, o.RideID)
		}
		if err != nil {
			return err
		}
		if r.State == models.RideRequested {
			if _, err := tx.ExecContext(ctx, `UPDATE rides SET state=$1 WHERE id=$2`,
				models.RideOffersReceived, o.RideID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerCols+` FROM ride_offers WHERE id=$1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("offer %s", id)
	}
	return o, err
}

func (p *PostgresStore) ListRideOffers(ctx context.Context, rideID string) ([]*models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerCols+` FROM ride_offers WHERE ride_id=$1 ORDER BY created_at ASC`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOffers(rows)
}

func (p *PostgresStore) ListDriverOffers(ctx context.Context, driverID string, f DriverOfferFilter) ([]*models.Offer, error) {
	q := `SELECT ` + offerCols + ` FROM ride_offers WHERE driver_id=$1`
	args := []any{driverID}
	if f.State != "" {
		q += ` AND state=$2`
		args = append(args, f.State)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOffers(rows)
}

func (p *PostgresStore) HasDriverOffer(ctx context.Context, rideID, driverID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM ride_offers WHERE ride_id=$1 AND driver_id=$2`, rideID, driverID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (p *PostgresStore) CountPendingOffers(ctx context.Context, rideID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ride_offers WHERE ride_id=$1 AND state='pending'`, rideID).Scan(&n)
	return n, err
}

func (p *PostgresStore) AcceptOffer(ctx context.Context, rideID, offerID, riderID string, now time.Time) (*AcceptResult, error) {
	var res *AcceptResult
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := p.lockRide(ctx, tx, rideID)
		if err != nil {
			return err
		}
		if r.RiderID != riderID {
			return apperr.NotFound("ride %s for rider %s", rideID, riderID)
		}
		if !r.State.Biddable() {
			return apperr.Conflict("ride %s is %s, offer can no longer be accepted", rideID, r.State)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+offerCols+` FROM ride_offers WHERE id=$1 AND ride_id=$2 FOR UPDATE`, offerID, rideID)
		o, err := scanOffer(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("offer %s on ride %s", offerID, rideID)
		}
		if err != nil {
			return err
		}
		if o.State != models.OfferPending {
			return apperr.Conflict("offer %s is %s, not pending", offerID, o.State)
		}
		if o.Expired(now) {
			if _, err := tx.ExecContext(ctx, `UPDATE ride_offers SET state='expired' WHERE id=$1`, offerID); err != nil {
				return err
			}
			return apperr.Conflict("offer %s has expired", offerID)
		}

		var vehicleID sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT vehicle_id FROM drivers WHERE id=$1`, o.DriverID).Scan(&vehicleID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE rides SET state=$1, driver_id=$2, vehicle_id=$3, agreed_fare=$4, accepted_at=$5 WHERE id=$6`,
			models.RideAccepted, o.DriverID, vehicleID, o.ProposedFare, now, rideID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ride_offers SET state='accepted', accepted_at=$1 WHERE id=$2`, now, offerID); err != nil {
			return err
		}
		rejected, err := queryOffers(ctx, tx, `UPDATE ride_offers SET state='rejected', rejected_at=$2
			WHERE ride_id=$1 AND id<>$3 AND state IN ('pending','countered') RETURNING `+offerCols,
			rideID, now, offerID)
		if err != nil {
			return err
		}

		r.State = models.RideAccepted
		driverID := o.DriverID
		r.DriverID = &driverID
		if vehicleID.Valid {
			r.VehicleID = &vehicleID.String
		}
		fare := o.ProposedFare
		r.AgreedFare = &fare
		r.AcceptedAt = &now
		o.State = models.OfferAccepted
		o.AcceptedAt = &now
		res = &AcceptResult{Ride: r, Offer: o, RejectedOffers: rejected}
		return nil
	})
	return res, err
}

func (p *PostgresStore) RejectOffer(ctx context.Context, rideID, offerID, riderID string, at time.Time) (*models.Offer, error) {
	var out *models.Offer
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT rider_id FROM rides WHERE id=$1`, rideID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != riderID) {
			return apperr.NotFound("ride %s for rider %s", rideID, riderID)
		}
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+offerCols+` FROM ride_offers WHERE id=$1 AND ride_id=$2 FOR UPDATE`, offerID, rideID)
		o, err := scanOffer(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("offer %s on ride %s", offerID, rideID)
		}
		if err != nil {
			return err
		}
		if o.State != models.OfferPending && o.State != models.OfferCountered {
			return apperr.Conflict("offer %s is %s, cannot reject", offerID, o.State)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ride_offers SET state='rejected', rejected_at=$1 WHERE id=$2`, at, offerID); err != nil {
			return err
		}
		o.State = models.OfferRejected
		o.RejectedAt = &at
		out = o
		return nil
	})
	return out, err
}

func (p *PostgresStore) ExpireOffer(ctx context.Context, offerID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_offers SET state='expired'
		WHERE id=$1 AND state IN ('pending','countered')`, offerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := p.db.QueryRowContext(ctx, `SELECT 1 FROM ride_offers WHERE id=$1`, offerID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("offer %s", offerID)
		}
		return err
	}
	return nil
}

func (p *PostgresStore) CounterOffer(ctx context.Context, offerID string, fare float64, expiresAt time.Time) (*models.Offer, error) {
	var out *models.Offer
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+offerCols+` FROM ride_offers WHERE id=$1 FOR UPDATE`, offerID)
		o, err := scanOffer(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("offer %s", offerID)
		}
		if err != nil {
			return err
		}
		if o.State != models.OfferPending {
			return apperr.Conflict("offer %s is %s, cannot counter", offerID, o.State)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ride_offers SET state='countered', counter_fare=$1, expires_at=$2 WHERE id=$3`,
			fare, expiresAt, offerID); err != nil {
			return err
		}
		o.State = models.OfferCountered
		o.CounterFare = &fare
		o.ExpiresAt = expiresAt
		out = o
		return nil
	})
	return out, err
}

func (p *PostgresStore) ResolveCounter(ctx context.Context, offerID, driverID string, accept bool, now, expiresAt time.Time) (*models.Offer, error) {
	var out *models.Offer
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+offerCols+` FROM ride_offers WHERE id=$1 AND driver_id=$2 FOR UPDATE`, offerID, driverID)
		o, err := scanOffer(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("offer %s for driver %s", offerID, driverID)
		}
		if err != nil {
			return err
		}
		if o.State != models.OfferCountered || o.CounterFare == nil {
			return apperr.Conflict("offer %s is %s, no counter to resolve", offerID, o.State)
		}
		if accept {
			if _, err := tx.ExecContext(ctx, `UPDATE ride_offers SET state='pending', proposed_fare=counter_fare, counter_fare=NULL, expires_at=$1 WHERE id=$2`,
				expiresAt, offerID); err != nil {
				return err
			}
			o.ProposedFare = *o.CounterFare
			o.CounterFare = nil
			o.State = models.OfferPending
			o.ExpiresAt = expiresAt
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE ride_offers SET state='rejected', rejected_at=$1 WHERE id=$2`, now, offerID); err != nil {
				return err
			}
			o.State = models.OfferRejected
			o.RejectedAt = &now
		}
		out = o
		return nil
	})
	return out, err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var (
		d         models.Driver
		vehicleID sql.NullString
		lat, lng  sql.NullFloat64
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, name, phone, vehicle_id, active, available, lat, lng FROM drivers WHERE id=$1`, id).
		Scan(&d.ID, &d.Name, &d.Phone, &vehicleID, &d.Active, &d.Available, &lat, &lng)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("driver %s", id)
	}
	if err != nil {
		return nil, err
	}
	if vehicleID.Valid {
		d.VehicleID = &vehicleID.String
	}
	if lat.Valid && lng.Valid {
		d.Position = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &d, nil
}

func (p *PostgresStore) UpdateDriverPosition(ctx context.Context, id string, lat, lng float64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET lat=$1, lng=$2, position_at=NOW() WHERE id=$3`, lat, lng, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("driver %s", id)
	}
	return nil
}

func (p *PostgresStore) SetDriverAvailability(ctx context.Context, id string, available bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET available=$1 WHERE id=$2`, available, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("driver %s", id)
	}
	return nil
}

// FindNearbyDrivers is the durable fallback path when the geo index is down.
// Great-circle distance is computed in SQL so ordering and the radius cut
// happen server side.
func (p *PostgresStore) FindNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, lat, lng,
		(6371 * acos(least(1.0, cos(radians($1)) * cos(radians(lat)) * cos(radians(lng) - radians($2)) + sin(radians($1)) * sin(radians(lat))))) AS distance_km
		FROM drivers
		WHERE active AND available AND lat IS NOT NULL AND lng IS NOT NULL
		AND (6371 * acos(least(1.0, cos(radians($1)) * cos(radians(lat)) * cos(radians(lng) - radians($2)) + sin(radians($1)) * sin(radians(lat))))) <= $3
		ORDER BY distance_km ASC LIMIT $4`, lat, lng, radiusKm, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.NearbyDriver
	for rows.Next() {
		var n models.NearbyDriver
		if err := rows.Scan(&n.DriverID, &n.Lat, &n.Lng, &n.DistanceKm); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveLocationSample(ctx context.Context, ping models.PositionPing) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_location_history(driver_id, lat, lng, reported_at) VALUES($1,$2,$3,$4)`,
		ping.DriverID, ping.Lat, ping.Lng, ping.ReportedAt)
	return err
}

func (p *PostgresStore) PurgeLocationHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM driver_location_history WHERE reported_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func queryOffers(ctx context.Context, tx *sql.Tx, q string, args ...any) ([]*models.Offer, error) {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOffers(rows)
}

func collectOffers(rows *sql.Rows) ([]*models.Offer, error) {
	var out []*models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
