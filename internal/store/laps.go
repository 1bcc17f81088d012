package store

import (
	"context"
	"fmt"
	"time"

	"github.com/trackside-data/lapline/internal/race"
)

// SaveLapRecord inserts one lap. The (event, rider, lap_number) uniqueness
// constraint rejects duplicate lap numbers, so a replayed crossing cannot
// silently overwrite history.
func (s *Store) SaveLapRecord(ctx context.Context, lap race.LapRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO laps (event_id, rider_id, lap_number, lap_time_ns, cumulative_time_ns, timestamp_ns)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		lap.EventID, lap.RiderID, lap.LapNumber,
		int64(lap.LapTime), int64(lap.CumulativeTime), nsOf(lap.Timestamp))
	if err != nil {
		return fmt.Errorf("saving lap %d for rider %d: %w", lap.LapNumber, lap.RiderID, err)
	}
	return nil
}

// LapsForEvent returns all laps of an event ordered by timestamp.
func (s *Store) LapsForEvent(ctx context.Context, eventID int64) ([]race.LapRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, rider_id, lap_number, lap_time_ns, cumulative_time_ns, timestamp_ns
		 FROM laps WHERE event_id = ? ORDER BY timestamp_ns, id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("loading laps for event %d: %w", eventID, err)
	}
	defer rows.Close()

	var laps []race.LapRecord
	for rows.Next() {
		var lap race.LapRecord
		var lapNS, cumNS, tsNS int64
		if err := rows.Scan(&lap.EventID, &lap.RiderID, &lap.LapNumber, &lapNS, &cumNS, &tsNS); err != nil {
			return nil, fmt.Errorf("scanning lap: %w", err)
		}
		lap.LapTime = time.Duration(lapNS)
		lap.CumulativeTime = time.Duration(cumNS)
		lap.Timestamp = timeOf(tsNS)
		laps = append(laps, lap)
	}
	return laps, rows.Err()
}

// SaveReading records one accepted tag detection for audit.
func (s *Store) SaveReading(ctx context.Context, r race.Reading) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rfid_readings (event_id, epc, reader_id, antenna_port, rssi, timestamp_ns, is_valid)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.EPC, r.ReaderID, r.AntennaPort, r.RSSI, nsOf(r.Timestamp), r.Valid)
	if err != nil {
		return fmt.Errorf("saving reading for %s: %w", r.EPC, err)
	}
	return nil
}

// ReadingsForEvent returns an event's audit trail in detection order.
func (s *Store) ReadingsForEvent(ctx context.Context, eventID int64) ([]race.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, epc, reader_id, antenna_port, rssi, timestamp_ns, is_valid
		 FROM rfid_readings WHERE event_id = ? ORDER BY timestamp_ns, id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("loading readings for event %d: %w", eventID, err)
	}
	defer rows.Close()

	var readings []race.Reading
	for rows.Next() {
		var r race.Reading
		var tsNS int64
		if err := rows.Scan(&r.EventID, &r.EPC, &r.ReaderID, &r.AntennaPort, &r.RSSI, &tsNS, &r.Valid); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		r.Timestamp = timeOf(tsNS)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// SaveResults replaces the materialized standings for an event. Runs in a
// transaction so a partial write never leaves a mixed result set.
func (s *Store) SaveResults(ctx context.Context, results []race.Result) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving results: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM results WHERE event_id = ?`, results[0].EventID); err != nil {
		return fmt.Errorf("clearing results for event %d: %w", results[0].EventID, err)
	}
	for _, r := range results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO results (event_id, rider_id, position, total_laps, total_time_ns, best_lap_ns, average_lap_ns, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.EventID, r.RiderID, r.Position, r.TotalLaps,
			int64(r.TotalTime), int64(r.BestLap), int64(r.AverageLap), r.Status); err != nil {
			return fmt.Errorf("saving result for rider %d: %w", r.RiderID, err)
		}
	}
	return tx.Commit()
}

// ResultsForEvent returns the stored standings ordered by position.
func (s *Store) ResultsForEvent(ctx context.Context, eventID int64) ([]race.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, rider_id, position, total_laps, total_time_ns, best_lap_ns, average_lap_ns, status
		 FROM results WHERE event_id = ? ORDER BY position`, eventID)
	if err != nil {
		return nil, fmt.Errorf("loading results for event %d: %w", eventID, err)
	}
	defer rows.Close()

	var results []race.Result
	for rows.Next() {
		var r race.Result
		var totalNS, bestNS, avgNS int64
		if err := rows.Scan(&r.EventID, &r.RiderID, &r.Position, &r.TotalLaps, &totalNS, &bestNS, &avgNS, &r.Status); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		r.TotalTime = time.Duration(totalNS)
		r.BestLap = time.Duration(bestNS)
		r.AverageLap = time.Duration(avgNS)
		results = append(results, r)
	}
	return results, rows.Err()
}
