package slot

import "github.com/snapflowio/pgcdc/internal/pg"

const (
	Logical  Type = "logical"
	Physical Type = "physical"
)

type Type string

type Info struct {
	Name              string `json:"name"`
	Type              Type   `json:"type"`
	WalStatus         string `json:"walStatus"`
	RestartLSN        pg.LSN `json:"restartLSN"`
	ConfirmedFlushLSN pg.LSN `json:"confirmedFlushLSN"`
	CurrentLSN        pg.LSN `json:"currentLSN"`
	RetainedWALSize   uint64 `json:"retainedWALSize"`
	Lag               uint64 `json:"lag"`
	ActivePID         int32  `json:"activePID"`
	Active            bool   `json:"active"`
}

// fill derives retained WAL and lag in bytes. Positions ahead of the current LSN count as zero.
func (i *Info) fill() {
	i.RetainedWALSize = distance(i.CurrentLSN, i.RestartLSN)
	i.Lag = distance(i.CurrentLSN, i.ConfirmedFlushLSN)
}

func distance(to, from pg.LSN) uint64 {
	if from == 0 || from > to {
		return 0
	}
	return uint64(to - from)
}
