package scheduler

import "sync/atomic"

// Stats are process-lifetime counters.
type Stats struct {
	Dispatched atomic.Int64
	Delayed    atomic.Int64
	Succeeded  atomic.Int64
	Failed     atomic.Int64
	Retried    atomic.Int64
	Exhausted  atomic.Int64
	Aborted    atomic.Int64
	Discarded  atomic.Int64
	Stale      atomic.Int64
}

type Snapshot struct {
	Dispatched int64 `json:"dispatched"`
	Delayed    int64 `json:"delayed"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Exhausted  int64 `json:"exhausted"`
	Aborted    int64 `json:"aborted"`
	Discarded  int64 `json:"discarded"`
	Stale      int64 `json:"stale"`
	InFlight   int   `json:"inFlight"`
	Indexed    int   `json:"indexed"`
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Dispatched: s.Dispatched.Load(),
		Delayed:    s.Delayed.Load(),
		Succeeded:  s.Succeeded.Load(),
		Failed:     s.Failed.Load(),
		Retried:    s.Retried.Load(),
		Exhausted:  s.Exhausted.Load(),
		Aborted:    s.Aborted.Load(),
		Discarded:  s.Discarded.Load(),
		Stale:      s.Stale.Load(),
	}
}
