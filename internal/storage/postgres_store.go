package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ev-charging/internal/models"
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

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) GetVehicle(ctx context.Context, email string) (*models.VehicleState, error) {
	v := models.VehicleState{Email: email}
	err := p.db.QueryRowContext(ctx, `SELECT is_running, start_time, start_battery_level, drain_rate, battery_level, notification_sent, latitude, longitude, updated_at FROM vehicle_states WHERE email=$1`, email).
		Scan(&v.IsRunning, &v.StartTime, &v.StartBatteryLevel, &v.DrainRate, &v.BatteryLevel, &v.NotificationSent, &v.Latitude, &v.Longitude, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *PostgresStore) SaveVehicle(ctx context.Context, v *models.VehicleState) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO vehicle_states(email, is_running, start_time, start_battery_level, drain_rate, battery_level, notification_sent, latitude, longitude, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (email) DO UPDATE SET is_running=$2, start_time=$3, start_battery_level=$4, drain_rate=$5, battery_level=$6, notification_sent=$7, latitude=$8, longitude=$9, updated_at=$10`,
		v.Email, v.IsRunning, v.StartTime, v.StartBatteryLevel, v.DrainRate, v.BatteryLevel, v.NotificationSent, v.Latitude, v.Longitude, time.Now())
	return err
}

func (p *PostgresStore) SaveVehicleSnapshot(ctx context.Context, email string, level float64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE vehicle_states SET battery_level=$1, updated_at=NOW() WHERE email=$2`, level, email)
	return err
}

func (p *PostgresStore) SaveVehiclePosition(ctx context.Context, email string, lat, lng float64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE vehicle_states SET latitude=$1, longitude=$2, updated_at=NOW() WHERE email=$3`, lat, lng, email)
	return err
}

// MarkNotificationSent relies on the conditional UPDATE so that of N
// concurrent polls crossing the threshold, exactly one sees RowsAffected==1.
func (p *PostgresStore) MarkNotificationSent(ctx context.Context, email string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE vehicle_states SET notification_sent=TRUE, updated_at=NOW() WHERE email=$1 AND notification_sent=FALSE`, email)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) GetNavigation(ctx context.Context, email string) (*models.NavigationTarget, error) {
	n := models.NavigationTarget{Email: email}
	err := p.db.QueryRowContext(ctx, `SELECT is_navigating, start_lat, start_lng, end_lat, end_lng, vehicle_reached_station, charge_hold_id FROM navigation_targets WHERE email=$1`, email).
		Scan(&n.IsNavigating, &n.StartLat, &n.StartLng, &n.EndLat, &n.EndLng, &n.VehicleReachedStation, &n.ChargeHoldID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (p *PostgresStore) SaveNavigation(ctx context.Context, n *models.NavigationTarget) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO navigation_targets(email, is_navigating, start_lat, start_lng, end_lat, end_lng, vehicle_reached_station, charge_hold_id)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (email) DO UPDATE SET is_navigating=$2, start_lat=$3, start_lng=$4, end_lat=$5, end_lng=$6, vehicle_reached_station=$7, charge_hold_id=$8`,
		n.Email, n.IsNavigating, n.StartLat, n.StartLng, n.EndLat, n.EndLng, n.VehicleReachedStation, n.ChargeHoldID)
	return err
}

func (p *PostgresStore) MarkArrived(ctx context.Context, email string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE navigation_targets SET vehicle_reached_station=TRUE WHERE email=$1 AND is_navigating=TRUE AND vehicle_reached_station=FALSE`, email)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ClearNavigation(ctx context.Context, email string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE navigation_targets SET is_navigating=FALSE, vehicle_reached_station=FALSE, charge_hold_id='' WHERE email=$1`, email)
	return err
}

func (p *PostgresStore) ListStations(ctx context.Context) ([]models.Station, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, latitude, longitude, total_slots, available_slots, updated_at FROM stations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Station
	for rows.Next() {
		var s models.Station
		if err := rows.Scan(&s.ID, &s.Name, &s.Latitude, &s.Longitude, &s.TotalSlots, &s.AvailableSlots, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateStationSlots(ctx context.Context, id string, available int) error {
	res, err := p.db.ExecContext(ctx, `UPDATE stations SET available_slots=$1, updated_at=NOW() WHERE id=$2`, available, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStationNotFound
	}
	return nil
}

// BulkUpdateSlots applies the whole batch in one transaction so a bad
// station id leaves the inventory untouched.
func (p *PostgresStore) BulkUpdateSlots(ctx context.Context, updates []models.SlotUpdate) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, u := range updates {
		res, err := tx.ExecContext(ctx, `UPDATE stations SET available_slots=$1, updated_at=NOW() WHERE id=$2`, u.AvailableSlots, u.StationID)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			_ = tx.Rollback()
			if err != nil {
				return err
			}
			return ErrStationNotFound
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetUser(ctx context.Context, email string) (*models.User, error) {
	u := models.User{Email: email}
	err := p.db.QueryRowContext(ctx, `SELECT name, COALESCE(push_token, '') FROM users WHERE email=$1`, email).Scan(&u.Name, &u.PushToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT email, name FROM users ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.Email, &u.Name); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
