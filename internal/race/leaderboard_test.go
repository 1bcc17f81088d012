package race

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func lap(rider int64, n int, lapTime, cumulative time.Duration, ts time.Time) LapRecord {
	return LapRecord{
		EventID:        1,
		RiderID:        rider,
		LapNumber:      n,
		LapTime:        lapTime,
		CumulativeTime: cumulative,
		Timestamp:      ts,
	}
}

func TestComputeStandingsLapCountDominates(t *testing.T) {
	t0 := time.Unix(0, 0)
	roster := []Rider{
		{ID: 1, Name: "A"},
		{ID: 2, Name: "B"},
	}
	// A: 5 laps in 600s. B: 4 laps in 480s, faster per lap.
	var laps []LapRecord
	for i := 1; i <= 5; i++ {
		laps = append(laps, lap(1, i, 120*time.Second, time.Duration(i)*120*time.Second, t0.Add(time.Duration(i)*120*time.Second)))
	}
	for i := 1; i <= 4; i++ {
		laps = append(laps, lap(2, i, 120*time.Second, time.Duration(i)*120*time.Second, t0.Add(time.Duration(i)*120*time.Second)))
	}

	got := ComputeStandings(laps, roster)
	want := []Standing{
		{Position: 1, Rider: roster[0], TotalLaps: 5, TotalTime: 600 * time.Second, BestLap: 120 * time.Second, AverageLap: 120 * time.Second},
		{Position: 2, Rider: roster[1], TotalLaps: 4, TotalTime: 480 * time.Second, BestLap: 120 * time.Second, AverageLap: 120 * time.Second},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("standings mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeStandingsTotalTimeBreaksEqualLaps(t *testing.T) {
	t0 := time.Unix(0, 0)
	roster := []Rider{{ID: 1}, {ID: 2}}
	laps := []LapRecord{
		lap(1, 1, 100*time.Second, 100*time.Second, t0.Add(100*time.Second)),
		lap(2, 1, 90*time.Second, 90*time.Second, t0.Add(90*time.Second)),
	}

	got := ComputeStandings(laps, roster)
	if got[0].Rider.ID != 2 || got[1].Rider.ID != 1 {
		t.Errorf("want rider 2 first on lower total time, got order %d, %d", got[0].Rider.ID, got[1].Rider.ID)
	}
}

func TestComputeStandingsTieBreaksOnEarliestLatestLap(t *testing.T) {
	t0 := time.Unix(0, 0)
	roster := []Rider{{ID: 1}, {ID: 2}}
	// Identical lap counts and totals; rider 2 reached lap 2 first.
	laps := []LapRecord{
		lap(1, 1, 60*time.Second, 60*time.Second, t0.Add(70*time.Second)),
		lap(1, 2, 60*time.Second, 120*time.Second, t0.Add(130*time.Second)),
		lap(2, 1, 60*time.Second, 60*time.Second, t0.Add(60*time.Second)),
		lap(2, 2, 60*time.Second, 120*time.Second, t0.Add(120*time.Second)),
	}

	got := ComputeStandings(laps, roster)
	if got[0].Rider.ID != 2 {
		t.Errorf("want rider 2 first on earlier latest lap, got rider %d", got[0].Rider.ID)
	}
}

func TestComputeStandingsZeroLapRidersLastInRosterOrder(t *testing.T) {
	t0 := time.Unix(0, 0)
	roster := []Rider{{ID: 10}, {ID: 20}, {ID: 30}}
	laps := []LapRecord{
		lap(30, 1, 50*time.Second, 50*time.Second, t0.Add(50*time.Second)),
	}

	got := ComputeStandings(laps, roster)
	if len(got) != 3 {
		t.Fatalf("want 3 standings, got %d", len(got))
	}
	wantOrder := []int64{30, 10, 20}
	for i, id := range wantOrder {
		if got[i].Rider.ID != id {
			t.Errorf("position %d: want rider %d, got %d", i+1, id, got[i].Rider.ID)
		}
	}
	if got[1].TotalLaps != 0 || got[2].TotalLaps != 0 {
		t.Error("zero-lap riders should carry zero totals")
	}
}

func TestComputeStandingsBestAndAverageLap(t *testing.T) {
	t0 := time.Unix(0, 0)
	roster := []Rider{{ID: 1}}
	laps := []LapRecord{
		lap(1, 1, 100*time.Second, 100*time.Second, t0.Add(100*time.Second)),
		lap(1, 2, 80*time.Second, 180*time.Second, t0.Add(180*time.Second)),
		lap(1, 3, 120*time.Second, 300*time.Second, t0.Add(300*time.Second)),
	}

	got := ComputeStandings(laps, roster)
	if got[0].BestLap != 80*time.Second {
		t.Errorf("best lap: want 80s, got %s", got[0].BestLap)
	}
	if got[0].AverageLap != 100*time.Second {
		t.Errorf("average lap: want 100s, got %s", got[0].AverageLap)
	}
}

func TestComputeStandingsEmptyInputs(t *testing.T) {
	if got := ComputeStandings(nil, nil); len(got) != 0 {
		t.Errorf("want no standings, got %d", len(got))
	}
}
