package live

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ev-charging/internal/models"
)

// Mirror keeps the latest vehicle snapshot in Redis: a hash per vehicle for
// the polling-free UI path plus a GEO set for the fleet map overlay. Entries
// expire so a vehicle that stops reporting falls off the live view.
type Mirror struct {
	client *redis.Client
	geoKey string
	ttl    time.Duration
}

func NewMirror(addr, password, geoKey string) *Mirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Mirror{client: c, geoKey: geoKey, ttl: 30 * time.Second}
}

func (m *Mirror) Close() error { return m.client.Close() }

func (m *Mirror) Ping(ctx context.Context) error { return m.client.Ping(ctx).Err() }

func (m *Mirror) UpdateVehicle(ctx context.Context, v *models.VehicleState) error {
	fields := map[string]interface{}{
		"is_running": strconv.FormatBool(v.IsRunning),
		"battery":    strconv.FormatFloat(v.BatteryLevel, 'f', 1, 64),
		"updated":    time.Now().Format(time.RFC3339),
	}
	pipe := m.client.Pipeline()
	pipe.HSet(ctx, vehicleKey(v.Email), fields)
	pipe.Expire(ctx, vehicleKey(v.Email), m.ttl)
	if v.Latitude != nil && v.Longitude != nil {
		pipe.GeoAdd(ctx, m.geoKey, &redis.GeoLocation{Longitude: *v.Longitude, Latitude: *v.Latitude, Name: v.Email})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func vehicleKey(email string) string { return "vehicle:live:" + email }
