package race

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trackside-data/lapline/internal/monitoring"
	"github.com/trackside-data/lapline/internal/rfid"
	"github.com/trackside-data/lapline/internal/timeutil"
)

// Store is the persistence surface the manager writes through. The SQLite
// implementation lives in internal/store; tests supply in-memory fakes.
type Store interface {
	GetEvent(ctx context.Context, id int64) (Event, error)
	UpdateEventState(ctx context.Context, ev Event) error
	SaveLapRecord(ctx context.Context, lap LapRecord) error
	SaveReading(ctx context.Context, r Reading) error
	LoadActiveEvent(ctx context.Context) (Event, bool, error)
	LapsForEvent(ctx context.Context, eventID int64) ([]LapRecord, error)
	SaveResults(ctx context.Context, results []Result) error
}

// RiderDirectory resolves tags to riders.
type RiderDirectory interface {
	LookupRiderByEPC(ctx context.Context, epc string) (Rider, error)
	ListRiders(ctx context.Context) ([]Rider, error)
}

// riderState is the manager's scoring memory for one rider in the active
// event, rebuilt from persisted laps on resume.
type riderState struct {
	laps       int
	lastTS     time.Time
	cumulative time.Duration
}

// Manager owns the event lifecycle and converts accepted tag events into lap
// records. Scoring (HandleEvent) is expected to run from the single pipeline
// consumer; lifecycle and query methods may be called from other goroutines,
// so all shared state sits behind mu.
type Manager struct {
	store  Store
	riders RiderDirectory
	clock  timeutil.Clock

	mu       sync.Mutex
	active   *Event
	progress map[int64]*riderState
	laps     []LapRecord

	subMu sync.Mutex
	subs  map[string]chan LapNotice
}

// NewManager builds a manager around the given collaborators.
func NewManager(store Store, riders RiderDirectory, clock timeutil.Clock) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{
		store:  store,
		riders: riders,
		clock:  clock,
		subs:   make(map[string]chan LapNotice),
	}
}

// ActiveEvent returns a copy of the currently running event, if any.
func (m *Manager) ActiveEvent() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Event{}, false
	}
	return *m.active, true
}

// StartEvent moves an event from Created to Active and records its start
// time. Returns ErrInvalidTransition when the event is in any other state or
// when a different event is already running.
func (m *Manager) StartEvent(ctx context.Context, eventID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return fmt.Errorf("event %d is already active: %w", m.active.ID, ErrInvalidTransition)
	}
	ev, err := m.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("start event %d: %w", eventID, err)
	}
	if ev.State != EventCreated {
		return fmt.Errorf("event %d is %s: %w", eventID, ev.State, ErrInvalidTransition)
	}

	ev.State = EventActive
	ev.StartTime = m.clock.Now()
	if err := m.store.UpdateEventState(ctx, ev); err != nil {
		return fmt.Errorf("start event %d: %w", eventID, err)
	}

	m.active = &ev
	m.progress = make(map[int64]*riderState)
	m.laps = nil
	monitoring.Log.Info().
		Int64("event_id", ev.ID).
		Str("name", ev.Name).
		Str("race_type", string(ev.RaceType)).
		Msg("event started")
	return nil
}

// StopEvent moves the active event to Stopped, freezes lap acceptance, and
// materializes final results. Returns ErrInvalidTransition unless the event
// is the one currently Active.
func (m *Manager) StopEvent(ctx context.Context, eventID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.ID != eventID {
		ev, err := m.store.GetEvent(ctx, eventID)
		if err != nil {
			return fmt.Errorf("stop event %d: %w", eventID, err)
		}
		return fmt.Errorf("event %d is %s: %w", eventID, ev.State, ErrInvalidTransition)
	}

	ev := *m.active
	ev.State = EventStopped
	ev.EndTime = m.clock.Now()
	if err := m.store.UpdateEventState(ctx, ev); err != nil {
		return fmt.Errorf("stop event %d: %w", eventID, err)
	}

	roster, err := m.riders.ListRiders(ctx)
	if err != nil {
		monitoring.Log.Error().Err(err).Int64("event_id", eventID).Msg("listing riders for results")
		roster = nil
	}
	standings := ComputeStandings(m.laps, roster)
	results := make([]Result, 0, len(standings))
	for _, s := range standings {
		results = append(results, Result{
			EventID:    eventID,
			RiderID:    s.Rider.ID,
			Position:   s.Position,
			TotalLaps:  s.TotalLaps,
			TotalTime:  s.TotalTime,
			BestLap:    s.BestLap,
			AverageLap: s.AverageLap,
			Status:     "finished",
		})
	}
	if err := m.store.SaveResults(ctx, results); err != nil {
		monitoring.Log.Error().Err(err).Int64("event_id", eventID).Msg("saving results")
	}

	m.active = nil
	m.progress = nil
	monitoring.Log.Info().
		Int64("event_id", eventID).
		Int("laps", len(m.laps)).
		Msg("event stopped")
	return nil
}

// ResumeActiveEvent reloads an Active event and its lap progress from the
// store, so a process restart mid-race continues lap numbering where it left
// off. Reports whether an event was resumed.
func (m *Manager) ResumeActiveEvent(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok, err := m.store.LoadActiveEvent(ctx)
	if err != nil {
		return false, fmt.Errorf("loading active event: %w", err)
	}
	if !ok {
		return false, nil
	}

	laps, err := m.store.LapsForEvent(ctx, ev.ID)
	if err != nil {
		return false, fmt.Errorf("loading laps for event %d: %w", ev.ID, err)
	}

	progress := make(map[int64]*riderState)
	for _, lap := range laps {
		st := progress[lap.RiderID]
		if st == nil {
			st = &riderState{}
			progress[lap.RiderID] = st
		}
		if lap.LapNumber > st.laps {
			st.laps = lap.LapNumber
			st.lastTS = lap.Timestamp
			st.cumulative = lap.CumulativeTime
		}
	}

	m.active = &ev
	m.progress = progress
	m.laps = laps
	monitoring.Log.Info().
		Int64("event_id", ev.ID).
		Int("laps", len(laps)).
		Msg("resumed active event")
	return true, nil
}

// HandleEvent scores one debounced tag event against the active event.
// Unknown tags and out-of-race crossings are logged and dropped; errors from
// the store are returned so the pipeline can log them.
func (m *Manager) HandleEvent(ctx context.Context, ev rfid.TagEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.State != EventActive {
		monitoring.Log.Debug().
			Str("epc", ev.EPC).
			Str("reader", ev.ReaderID).
			Msg("tag read outside an active event, discarding")
		return nil
	}

	rider, err := m.riders.LookupRiderByEPC(ctx, ev.EPC)
	if err != nil {
		if errors.Is(err, ErrUnknownTag) {
			monitoring.Log.Warn().
				Str("epc", ev.EPC).
				Str("reader", ev.ReaderID).
				Msg("unknown tag, discarding")
			return nil
		}
		return fmt.Errorf("resolving tag %s: %w", ev.EPC, err)
	}

	st := m.progress[rider.ID]
	if st == nil {
		st = &riderState{}
		m.progress[rider.ID] = st
	}

	var lapTime time.Duration
	if st.laps == 0 {
		lapTime = ev.Timestamp.Sub(m.active.StartTime)
	} else {
		lapTime = ev.Timestamp.Sub(st.lastTS)
	}

	lap := LapRecord{
		EventID:        m.active.ID,
		RiderID:        rider.ID,
		LapNumber:      st.laps + 1,
		LapTime:        lapTime,
		CumulativeTime: st.cumulative + lapTime,
		Timestamp:      ev.Timestamp,
	}

	// Late crossings past the configured limit do not extend the record,
	// but the reading is still kept for audit.
	if rejected := m.rejectLap(lap); rejected != "" {
		monitoring.Log.Info().
			Str("rider", rider.Name).
			Int("lap", lap.LapNumber).
			Str("reason", rejected).
			Msg("crossing rejected")
		return m.saveReading(ctx, ev, false)
	}
	if err := m.store.SaveLapRecord(ctx, lap); err != nil {
		return fmt.Errorf("saving lap %d for rider %d: %w", lap.LapNumber, rider.ID, err)
	}

	// The lap is persisted; from here the in-memory progress must advance no
	// matter what, or the next crossing would reuse this lap number.
	st.laps = lap.LapNumber
	st.lastTS = lap.Timestamp
	st.cumulative = lap.CumulativeTime
	m.laps = append(m.laps, lap)

	if err := m.saveReading(ctx, ev, true); err != nil {
		monitoring.Log.Error().Err(err).
			Str("epc", ev.EPC).
			Int("lap", lap.LapNumber).
			Msg("lap recorded but audit reading not persisted")
	}

	monitoring.Log.Info().
		Str("rider", rider.Name).
		Int("lap", lap.LapNumber).
		Dur("lap_time", lap.LapTime).
		Dur("cumulative", lap.CumulativeTime).
		Msg("lap recorded")
	m.publish(LapNotice{Lap: lap, Rider: rider})
	return nil
}

// rejectLap reports why a candidate lap may not be scored, or "" when it is
// still in the race.
func (m *Manager) rejectLap(lap LapRecord) string {
	switch m.active.RaceType {
	case TypeLaps:
		if m.active.MaxLaps > 0 && lap.LapNumber > m.active.MaxLaps {
			return "max laps reached"
		}
	case TypeTime:
		if m.active.MaxDuration > 0 && lap.CumulativeTime > m.active.MaxDuration {
			return "max duration exceeded"
		}
	}
	return ""
}

func (m *Manager) saveReading(ctx context.Context, ev rfid.TagEvent, valid bool) error {
	r := Reading{
		EventID:     m.active.ID,
		EPC:         ev.EPC,
		ReaderID:    ev.ReaderID,
		AntennaPort: ev.AntennaPort,
		RSSI:        ev.RSSI,
		Timestamp:   ev.Timestamp,
		Valid:       valid,
	}
	if err := m.store.SaveReading(ctx, r); err != nil {
		return fmt.Errorf("saving reading for %s: %w", ev.EPC, err)
	}
	return nil
}

// GetLeaderboard recomputes standings for an event. The active event is
// served from in-memory laps; stopped events are read back from the store.
func (m *Manager) GetLeaderboard(ctx context.Context, eventID int64) ([]Standing, error) {
	m.mu.Lock()
	var laps []LapRecord
	if m.active != nil && m.active.ID == eventID {
		laps = append(laps, m.laps...)
	}
	m.mu.Unlock()

	if laps == nil {
		stored, err := m.store.LapsForEvent(ctx, eventID)
		if err != nil {
			return nil, fmt.Errorf("loading laps for event %d: %w", eventID, err)
		}
		laps = stored
	}

	roster, err := m.riders.ListRiders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing riders: %w", err)
	}
	return ComputeStandings(laps, roster), nil
}

// noticeID generates a random subscriber ID (8 byte random hex encoded value).
func noticeID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a channel receiving a LapNotice for every recorded
// lap. The channel is buffered; a subscriber that falls behind misses
// notices rather than stalling scoring.
func (m *Manager) Subscribe() (string, <-chan LapNotice) {
	id := noticeID()
	ch := make(chan LapNotice, 16)
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Manager) Unsubscribe(id string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if ch, ok := m.subs[id]; ok {
		close(ch)
		delete(m.subs, id)
	}
}

func (m *Manager) publish(n LapNotice) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- n:
		default:
			monitoring.Log.Debug().Str("subscriber", id).Msg("lap notice dropped, subscriber busy")
		}
	}
}
