package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trackside-data/lapline/internal/race"
)

// nsOf maps time.Time to the stored BIGINT representation, keeping the zero
// value distinguishable from the epoch.
func nsOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOf(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// CreateEvent inserts an event in the Created state and returns it with its
// assigned ID.
func (s *Store) CreateEvent(ctx context.Context, ev race.Event) (race.Event, error) {
	ev.State = race.EventCreated
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (name, race_mode, race_type, max_laps, max_duration_ns, state)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Name, string(ev.RaceMode), string(ev.RaceType), ev.MaxLaps,
		int64(ev.MaxDuration), string(ev.State))
	if err != nil {
		return race.Event{}, fmt.Errorf("creating event %q: %w", ev.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return race.Event{}, fmt.Errorf("creating event %q: %w", ev.Name, err)
	}
	ev.ID = id
	return ev, nil
}

func scanEvent(row *sql.Row) (race.Event, error) {
	var ev race.Event
	var mode, typ, state string
	var durNS, startNS, endNS int64
	err := row.Scan(&ev.ID, &ev.Name, &mode, &typ, &ev.MaxLaps, &durNS, &state, &startNS, &endNS)
	if err != nil {
		return race.Event{}, err
	}
	ev.RaceMode = race.RaceMode(mode)
	ev.RaceType = race.RaceType(typ)
	ev.MaxDuration = time.Duration(durNS)
	ev.State = race.EventState(state)
	ev.StartTime = timeOf(startNS)
	ev.EndTime = timeOf(endNS)
	return ev, nil
}

const eventColumns = `id, name, race_mode, race_type, max_laps, max_duration_ns, state, start_time_ns, end_time_ns`

// GetEvent loads one event by ID. Returns race.ErrEventNotFound when absent.
func (s *Store) GetEvent(ctx context.Context, id int64) (race.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return race.Event{}, fmt.Errorf("event %d: %w", id, race.ErrEventNotFound)
	}
	if err != nil {
		return race.Event{}, fmt.Errorf("loading event %d: %w", id, err)
	}
	return ev, nil
}

// UpdateEventState persists a lifecycle transition (state plus start/end
// times).
func (s *Store) UpdateEventState(ctx context.Context, ev race.Event) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET state = ?, start_time_ns = ?, end_time_ns = ? WHERE id = ?`,
		string(ev.State), nsOf(ev.StartTime), nsOf(ev.EndTime), ev.ID)
	if err != nil {
		return fmt.Errorf("updating event %d: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating event %d: %w", ev.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("event %d: %w", ev.ID, race.ErrEventNotFound)
	}
	return nil
}

// LoadActiveEvent returns the Active event, if one exists. At most one event
// is Active at a time; the manager enforces this on StartEvent.
func (s *Store) LoadActiveEvent(ctx context.Context) (race.Event, bool, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE state = ? ORDER BY id LIMIT 1`,
		string(race.EventActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return race.Event{}, false, nil
	}
	if err != nil {
		return race.Event{}, false, fmt.Errorf("loading active event: %w", err)
	}
	return ev, true, nil
}
