// Command lapline runs the lap-timing core: it connects the configured RFID
// readers, scores tag crossings against the active event, and persists laps
// and results to SQLite.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/trackside-data/lapline/internal/monitoring"
	"github.com/trackside-data/lapline/internal/race"
	"github.com/trackside-data/lapline/internal/session"
	"github.com/trackside-data/lapline/internal/store"
	"github.com/trackside-data/lapline/internal/timeutil"
	"github.com/trackside-data/lapline/internal/transport"
	"github.com/trackside-data/lapline/internal/version"
)

// defaultAntiBounce is the fallback debounce window in seconds for readers
// that do not set their own.
const defaultAntiBounce = 2.0

var (
	dbPath      = flag.String("db", envOr("LAPLINE_DB", "lapline.db"), "SQLite database path")
	readersPath = flag.String("readers", envOr("LAPLINE_READERS", "readers.json"), "reader configuration file")
	logLevel    = flag.String("log-level", envOr("LAPLINE_LOG_LEVEL", "info"), "log level (trace|debug|info|warn|error)")
	devMode     = flag.Bool("dev", false, "run in dev mode: Wiegand readers replay pulses from -replay")
	replayPath  = flag.String("replay", "replay.txt", "Wiegand replay fixture used in dev mode")
	eventName   = flag.String("event-name", "", "create and start a new event with this name (ignored when an active event is resumed)")
	raceType    = flag.String("race-type", string(race.TypeLaps), "race type for a new event (laps|time)")
	raceMode    = flag.String("race-mode", string(race.ModeMotocross), "race mode for a new event (motocross|enduro)")
	maxLaps     = flag.Int("max-laps", 0, "lap limit for a new lap-based event (0 = unlimited)")
	maxDuration = flag.Duration("max-duration", 0, "duration limit for a new time-based event (0 = unlimited)")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// readerFile is the on-disk shape of -readers.
type readerFile struct {
	Readers []session.ReaderConfig `json:"readers"`
}

func loadReaders(path string) ([]session.ReaderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var f readerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return f.Readers, nil
}

// loadReplayFrames parses a Wiegand replay fixture: one hex card value per
// line, '#' starts a comment.
func loadReplayFrames(path string, formatLength int) ([][]transport.Bit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening replay fixture: %w", err)
	}
	defer f.Close()

	var frames [][]transport.Bit
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		value, err := strconv.ParseUint(line, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing replay value %q: %w", line, err)
		}
		frame, err := transport.EncodeFrame(uint32(value), formatLength)
		if err != nil {
			return nil, fmt.Errorf("encoding replay value %q: %w", line, err)
		}
		frames = append(frames, frame)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading replay fixture: %w", err)
	}
	return frames, nil
}

// pulseFactory wires Wiegand readers to a pulse source. Real GPIO is only
// available on the target hardware; in dev mode frames replay from a fixture.
func pulseFactory(dev bool, replayPath string) session.PulseSourceFactory {
	return func(cfg transport.WiegandConfig) (transport.PulseSource, error) {
		if !dev {
			return nil, transport.Errf(transport.ConfigInvalid,
				"wiegand reader on pins %d/%d needs -dev mode on this platform", cfg.D0Pin, cfg.D1Pin)
		}
		frames, err := loadReplayFrames(replayPath, cfg.FormatLength)
		if err != nil {
			return nil, transport.Errf(transport.ConfigInvalid, "loading wiegand replay: %v", err)
		}
		return transport.NewReplayPulseSource(frames, 5*time.Second, true), nil
	}
}

// ensureEvent resumes a running event or, when -event-name is set, creates
// and starts a fresh one.
func ensureEvent(ctx context.Context, manager *race.Manager, db *store.Store) error {
	resumed, err := manager.ResumeActiveEvent(ctx)
	if err != nil {
		return err
	}
	if resumed || *eventName == "" {
		return nil
	}

	ev, err := db.CreateEvent(ctx, race.Event{
		Name:        *eventName,
		RaceMode:    race.RaceMode(*raceMode),
		RaceType:    race.RaceType(*raceType),
		MaxLaps:     *maxLaps,
		MaxDuration: *maxDuration,
	})
	if err != nil {
		return err
	}
	return manager.StartEvent(ctx, ev.ID)
}

func run() error {
	// Optional .env for field deployments; absence is fine.
	_ = godotenv.Load()
	flag.Parse()
	monitoring.Setup(*logLevel)
	monitoring.Log.Info().Str("version", version.String()).Msg("lapline starting")

	db, err := store.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	clock := timeutil.RealClock{}
	manager := race.NewManager(db, db, clock)
	debounce := race.NewDebouncer(defaultAntiBounce)
	pipeline := race.NewPipeline(debounce, manager, race.DefaultIngestBuffer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ensureEvent(ctx, manager, db); err != nil {
		return err
	}

	readers, err := loadReaders(*readersPath)
	if err != nil {
		return err
	}

	registry := session.NewRegistry(pipeline.Events(), session.DefaultBackoff(), clock,
		pulseFactory(*devMode, *replayPath))
	defer registry.StopAll()

	for _, cfg := range readers {
		id, err := registry.RegisterReader(ctx, cfg)
		if err != nil {
			return fmt.Errorf("registering reader %q: %w", cfg.ReaderID, err)
		}
		if w := cfg.AntiBounceTime(); w > 0 {
			debounce.SetWindow(id, w)
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.Run(ctx)
	}()

	// Mirror lap notices to the log so an operator tailing the console sees
	// scoring as it happens.
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, notices := manager.Subscribe()
		defer manager.Unsubscribe(id)
		for {
			select {
			case n := <-notices:
				monitoring.Log.Info().
					Int("number", n.Rider.Number).
					Str("rider", n.Rider.Name).
					Int("lap", n.Lap.LapNumber).
					Dur("lap_time", n.Lap.LapTime).
					Msg("lap")
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	monitoring.Log.Info().Msg("shutting down")
	registry.StopAll()
	wg.Wait()
	return nil
}

func main() {
	if err := run(); err != nil {
		monitoring.Log.Fatal().Err(err).Msg("lapline failed")
	}
}
