package ensemble

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/copyleftdev/rsopt/internal/errors"
)

// Entry is one row of the run history.
type Entry struct {
	SimID int       `json:"sim_id"`
	X     []float64 `json:"x"`
	// F is the objective value, nil until the simulation returned one.
	F         *float64  `json:"f,omitempty"`
	Out       *Record   `json:"out,omitempty"`
	Returned  bool      `json:"returned"`
	GivenBack bool      `json:"given_back"`
	Failed    bool      `json:"failed"`
	Error     string    `json:"error,omitempty"`
	Worker    int       `json:"worker"`
	Started   time.Time `json:"started"`
	Ended     time.Time `json:"ended"`
}

// History is the ordered record of every simulation of a run.
type History struct {
	mu      sync.Mutex
	entries []Entry
}

// Entries returns a copy of the rows in sim_id order.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Entry(nil), h.entries...)
}

// Len is the number of rows.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Best returns the returned, successful row with the lowest objective.
func (h *History) Best() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var (
		best  Entry
		found bool
	)
	for _, e := range h.entries {
		if !e.Returned || e.Failed || e.F == nil || math.IsNaN(*e.F) {
			continue
		}
		if !found || *e.F < *best.F {
			best, found = e, true
		}
	}
	return best, found
}

func (h *History) add(e Entry) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.SimID = len(h.entries)
	h.entries = append(h.entries, e)
	return e.SimID
}

func (h *History) update(id int, fn func(e *Entry)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.entries[id])
}

// Save writes the history as JSON, replacing path atomically.
func (h *History) Save(path string) error {
	h.mu.Lock()
	data, err := json.MarshalIndent(h.entries, "", "  ")
	h.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, errors.KindUnknown, "encode history").WithComponent("ensemble")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.KindUnknown, "write history").WithComponent("ensemble")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, errors.KindUnknown, "write history").WithComponent("ensemble")
	}
	return nil
}

// CheckpointName is the history file written after n returned simulations.
func CheckpointName(n int) string {
	return fmt.Sprintf("history_after_sim_%d.json", n)
}

// LoadHistory reads a saved history and keeps the rows that finished and
// were handed back to the generator, ready to seed a new run.
func LoadHistory(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "read history %s", filepath.Base(path)).
			WithComponent("ensemble")
	}
	var all []Entry
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "decode history %s", filepath.Base(path)).
			WithComponent("ensemble")
	}

	var out []Entry
	for _, e := range all {
		if e.Returned && e.GivenBack && !e.Failed {
			out = append(out, e)
		}
	}
	return out, nil
}
