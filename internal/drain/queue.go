package drain

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/randalmurphal/drydock/internal/db"
)

// Candidate priority classes, lowest first.
const (
	classUnsampled = iota
	classPromising
	classOther
)

// Candidate is a FAILED phase eligible for retry.
type Candidate struct {
	Run   *db.Run
	Phase *db.Phase

	class    int
	runOrder int
	index    int
}

// candidateQueue is a priority queue of candidates.
type candidateQueue []*Candidate

func (q candidateQueue) Len() int { return len(q) }

func (q candidateQueue) Less(i, j int) bool {
	if q[i].class != q[j].class {
		return q[i].class < q[j].class
	}
	if q[i].runOrder != q[j].runOrder {
		return q[i].runOrder < q[j].runOrder
	}
	return q[i].Phase.Ordinal < q[j].Phase.Ordinal
}

func (q candidateQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *candidateQueue) Push(x any) {
	c := x.(*Candidate)
	c.index = len(*q)
	*q = append(*q, c)
}

func (q *candidateQueue) Pop() any {
	old := *q
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*q = old[:n-1]
	return c
}

// Candidates returns every eligible FAILED phase in pick order: phases from
// unsampled runs, then promising runs, then the rest, each by run creation
// order and phase ordinal.
func (d *Drainer) Candidates(ctx context.Context, s *Session) ([]*Candidate, error) {
	runs, err := d.store.ListRuns(ctx, false)
	if err != nil {
		return nil, err
	}
	filter := make(map[string]bool, len(d.cfg.RunFilter))
	for _, id := range d.cfg.RunFilter {
		filter[id] = true
	}

	q := make(candidateQueue, 0)
	for i, run := range runs {
		if len(filter) > 0 && !filter[run.ID] {
			continue
		}
		ok, err := d.runEligible(ctx, s, run)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		failed, err := d.store.ListPhasesByState(ctx, run.ID, db.PhaseFailed)
		if err != nil {
			return nil, fmt.Errorf("list failed phases of %s: %w", run.ID, err)
		}
		class := classOther
		switch {
		case !s.Sampled[run.ID]:
			class = classUnsampled
		case s.Promising[run.ID]:
			class = classPromising
		}
		for _, ph := range failed {
			if d.cfg.MaxAttemptsPerPhase > 0 && s.PhaseAttempts[ph.ID] >= d.cfg.MaxAttemptsPerPhase {
				continue
			}
			q = append(q, &Candidate{Run: run, Phase: ph, class: class, runOrder: i})
		}
	}

	heap.Init(&q)
	out := make([]*Candidate, 0, len(q))
	for q.Len() > 0 {
		out = append(out, heap.Pop(&q).(*Candidate))
	}
	return out, nil
}

// PickNext returns the highest priority eligible candidate, or nil when none
// remains.
func (d *Drainer) PickNext(ctx context.Context, s *Session) (*Candidate, error) {
	cands, err := d.Candidates(ctx, s)
	if err != nil || len(cands) == 0 {
		return nil, err
	}
	return cands[0], nil
}

func (d *Drainer) runEligible(ctx context.Context, s *Session, run *db.Run) (bool, error) {
	switch {
	case run.ArchivedAt != nil:
		return false, nil
	case s.LeaseSkipped[run.ID]:
		return false, nil
	case s.Deprioritized[run.ID] && !d.cfg.IncludeDeprioritized:
		return false, nil
	case d.cfg.MaxTimeoutsPerRun > 0 && s.RunTimeouts[run.ID] >= d.cfg.MaxTimeoutsPerRun:
		return false, nil
	}
	if d.cfg.AllowMultipleQueued {
		return true, nil
	}
	queued, err := d.store.CountQueued(ctx, run.ID)
	if err != nil {
		return false, fmt.Errorf("count queued phases of %s: %w", run.ID, err)
	}
	return queued == 0, nil
}
