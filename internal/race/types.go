// Package race turns filtered tag detections into lap records and standings.
// The debounce filter and the race manager together run as a single consumer
// over the shared ingestion channel, so all race state is mutated from one
// goroutine only.
package race

import (
	"errors"
	"time"
)

// RaceMode distinguishes the discipline an event is run under.
type RaceMode string

const (
	ModeMotocross RaceMode = "motocross"
	ModeEnduro    RaceMode = "enduro"
)

// RaceType selects the termination rule for an event.
type RaceType string

const (
	// TypeLaps ends a rider's race when MaxLaps is reached.
	TypeLaps RaceType = "laps"
	// TypeTime ends a rider's race when cumulative time exceeds MaxDuration.
	TypeTime RaceType = "time"
)

// EventState is the event lifecycle. Stopped is terminal.
type EventState string

const (
	EventCreated EventState = "created"
	EventActive  EventState = "active"
	EventStopped EventState = "stopped"
)

// Rider is static reference data mapping an EPC to a competitor. The core
// looks riders up and never mutates them.
type Rider struct {
	ID       int64  `json:"id"`
	Number   int    `json:"number"`
	Name     string `json:"name"`
	Team     string `json:"team,omitempty"`
	Category string `json:"category"`
	EPC      string `json:"epc"`
}

// Event is one timed race.
type Event struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	RaceMode    RaceMode      `json:"race_mode"`
	RaceType    RaceType      `json:"race_type"`
	MaxLaps     int           `json:"max_laps,omitempty"`
	MaxDuration time.Duration `json:"max_duration,omitempty"`
	State       EventState    `json:"state"`
	StartTime   time.Time     `json:"start_time,omitzero"`
	EndTime     time.Time     `json:"end_time,omitzero"`
}

// LapRecord is one accepted crossing. Created exclusively by the race
// manager; immutable after creation.
type LapRecord struct {
	EventID        int64         `json:"event_id"`
	RiderID        int64         `json:"rider_id"`
	LapNumber      int           `json:"lap_number"`
	LapTime        time.Duration `json:"lap_time"`
	CumulativeTime time.Duration `json:"cumulative_time"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Reading is an accepted tag detection persisted for audit, whether or not
// it produced a lap.
type Reading struct {
	EventID     int64     `json:"event_id"`
	EPC         string    `json:"epc"`
	ReaderID    string    `json:"reader_id"`
	AntennaPort *int      `json:"antenna_port,omitempty"`
	RSSI        *float64  `json:"rssi,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Valid       bool      `json:"valid"`
}

// Result is a materialized final standing row, written when an event stops.
type Result struct {
	EventID    int64         `json:"event_id"`
	RiderID    int64         `json:"rider_id"`
	Position   int           `json:"position"`
	TotalLaps  int           `json:"total_laps"`
	TotalTime  time.Duration `json:"total_time"`
	BestLap    time.Duration `json:"best_lap,omitempty"`
	AverageLap time.Duration `json:"average_lap,omitempty"`
	Status     string        `json:"status"`
}

// LapNotice is published to subscribers when a lap record is created.
type LapNotice struct {
	Lap   LapRecord `json:"lap"`
	Rider Rider     `json:"rider"`
}

// ErrInvalidTransition is returned when StartEvent or StopEvent is called on
// an event whose state does not allow the transition.
var ErrInvalidTransition = errors.New("invalid event state transition")

// ErrUnknownTag marks an EPC with no registered rider.
var ErrUnknownTag = errors.New("unknown tag")

// ErrEventNotFound is returned when an event ID is not known to the manager
// or the store.
var ErrEventNotFound = errors.New("event not found")
