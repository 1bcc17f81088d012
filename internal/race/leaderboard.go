package race

import (
	"sort"
	"time"
)

// Standing is one leaderboard row.
type Standing struct {
	Position   int           `json:"position"`
	Rider      Rider         `json:"rider"`
	TotalLaps  int           `json:"total_laps"`
	TotalTime  time.Duration `json:"total_time"`
	BestLap    time.Duration `json:"best_lap,omitempty"`
	AverageLap time.Duration `json:"average_lap,omitempty"`
}

// ComputeStandings ranks a rider roster by its lap records. Lap count
// dominates: a rider with more laps always ranks above one with fewer,
// regardless of times. Equal lap counts rank by total time ascending, then
// by whoever completed their latest lap first. Riders with no laps appear
// last, in roster order.
//
// Pure function of its inputs; the caller snapshots laps under its own lock.
func ComputeStandings(laps []LapRecord, roster []Rider) []Standing {
	type agg struct {
		totalLaps int
		totalTime time.Duration
		bestLap   time.Duration
		sumLap    time.Duration
		lastLapTS time.Time
	}

	byRider := make(map[int64]*agg)
	for _, lap := range laps {
		a := byRider[lap.RiderID]
		if a == nil {
			a = &agg{}
			byRider[lap.RiderID] = a
		}
		a.sumLap += lap.LapTime
		if a.bestLap == 0 || lap.LapTime < a.bestLap {
			a.bestLap = lap.LapTime
		}
		if lap.LapNumber > a.totalLaps {
			a.totalLaps = lap.LapNumber
			a.totalTime = lap.CumulativeTime
			a.lastLapTS = lap.Timestamp
		}
	}

	type row struct {
		standing Standing
		lastTS   time.Time
		roster   int
	}
	rows := make([]row, 0, len(roster))
	for i, rider := range roster {
		a := byRider[rider.ID]
		if a == nil {
			rows = append(rows, row{
				standing: Standing{Rider: rider},
				roster:   i,
			})
			continue
		}
		rows = append(rows, row{
			standing: Standing{
				Rider:      rider,
				TotalLaps:  a.totalLaps,
				TotalTime:  a.totalTime,
				BestLap:    a.bestLap,
				AverageLap: a.sumLap / time.Duration(a.totalLaps),
			},
			lastTS: a.lastLapTS,
			roster: i,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.standing.TotalLaps != b.standing.TotalLaps {
			return a.standing.TotalLaps > b.standing.TotalLaps
		}
		if a.standing.TotalLaps == 0 {
			return a.roster < b.roster
		}
		if a.standing.TotalTime != b.standing.TotalTime {
			return a.standing.TotalTime < b.standing.TotalTime
		}
		return a.lastTS.Before(b.lastTS)
	})

	standings := make([]Standing, len(rows))
	for i, r := range rows {
		r.standing.Position = i + 1
		standings[i] = r.standing
	}
	return standings
}
