package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trackside-data/lapline/internal/race"
	"github.com/trackside-data/lapline/internal/rfid"
)

// CreateRider inserts a rider and returns it with its assigned ID. The EPC
// is normalized so lookups match regardless of input casing.
func (s *Store) CreateRider(ctx context.Context, r race.Rider) (race.Rider, error) {
	epc, err := rfid.NormalizeEPC(r.EPC)
	if err != nil {
		return race.Rider{}, fmt.Errorf("creating rider %q: %w", r.Name, err)
	}
	r.EPC = epc

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO riders (name, number, team, category, epc) VALUES (?, ?, ?, ?, ?)`,
		r.Name, r.Number, r.Team, r.Category, r.EPC)
	if err != nil {
		return race.Rider{}, fmt.Errorf("creating rider %q: %w", r.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return race.Rider{}, fmt.Errorf("creating rider %q: %w", r.Name, err)
	}
	r.ID = id
	return r, nil
}

// LookupRiderByEPC resolves a tag to its rider. Returns race.ErrUnknownTag
// when no rider carries the EPC.
func (s *Store) LookupRiderByEPC(ctx context.Context, epc string) (race.Rider, error) {
	var r race.Rider
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, number, team, category, epc FROM riders WHERE epc = ?`, epc).
		Scan(&r.ID, &r.Name, &r.Number, &r.Team, &r.Category, &r.EPC)
	if errors.Is(err, sql.ErrNoRows) {
		return race.Rider{}, fmt.Errorf("epc %s: %w", epc, race.ErrUnknownTag)
	}
	if err != nil {
		return race.Rider{}, fmt.Errorf("looking up epc %s: %w", epc, err)
	}
	return r, nil
}

// ListRiders returns the full roster in creation order.
func (s *Store) ListRiders(ctx context.Context) ([]race.Rider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, number, team, category, epc FROM riders ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing riders: %w", err)
	}
	defer rows.Close()

	var riders []race.Rider
	for rows.Next() {
		var r race.Rider
		if err := rows.Scan(&r.ID, &r.Name, &r.Number, &r.Team, &r.Category, &r.EPC); err != nil {
			return nil, fmt.Errorf("scanning rider: %w", err)
		}
		riders = append(riders, r)
	}
	return riders, rows.Err()
}
