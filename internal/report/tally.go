// Package report keeps pass/fail counts and publishes outcomes.
package report

import (
	"fmt"
	"sync"

	"mcuflasher/internal/device"
	"mcuflasher/internal/upload"
)

// Counts for one family. Operator stops are counted apart and are not part of Total.
type Counts struct {
	Total   int
	Passed  int
	Failed  int
	Stopped int
}

func (c Counts) String() string {
	return fmt.Sprintf("total %d, pass %d, fail %d", c.Total, c.Passed, c.Failed)
}

// Tally counts outcomes per family. The zero value is ready to use.
type Tally struct {
	mu     sync.Mutex
	counts map[device.Family]Counts
}

// Record counts out.
func (t *Tally) Record(out upload.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = make(map[device.Family]Counts)
	}
	c := t.counts[out.Family]
	switch out.Status {
	case upload.StatusSuccess:
		c.Total++
		c.Passed++
	case upload.StatusFailure:
		c.Total++
		c.Failed++
	case upload.StatusStopped:
		c.Stopped++
	}
	t.counts[out.Family] = c
}

// Get returns the family's counts.
func (t *Tally) Get(f device.Family) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[f]
}

// Reset clears the family's counts.
func (t *Tally) Reset(f device.Family) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, f)
}
