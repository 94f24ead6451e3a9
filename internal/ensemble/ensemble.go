// Package ensemble runs simulations for a generator on a pool of workers.
//
// The generator proposes points through the optimization.Evaluator it is
// handed; every point becomes a simulation in its own sim<id> directory.
// Simulations are counted against sim_max as they are dispatched, failed
// ones are recorded and never retried, and the history is checkpointed to
// JSON as results come back.
package ensemble

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/optimization"
)

// Work is one simulation handed to a SimFunc.
type Work struct {
	SimID int
	X     []float64
	// Dir is the simulation's own directory, created before the call.
	Dir  string
	User map[string]interface{}
}

// SimFunc runs one simulation and returns its output record.
type SimFunc func(ctx context.Context, w Work) (Record, error)

// SimSpec describes the simulation side of a run.
type SimSpec struct {
	SimF SimFunc
	// In names the components of x.
	In  []string
	Out []OutField
	// Objective is the Out field the generator minimizes, the first field
	// when empty.
	Objective string
	User      map[string]interface{}
}

// GenSpec describes the generator side of a run.
type GenSpec struct {
	Gen  optimization.Generator
	User map[string]interface{}
}

// ExitCriteria stops a run.
type ExitCriteria struct {
	// SimMax caps the number of simulations dispatched; zero is unlimited.
	SimMax int
}

// Options tune a run.
type Options struct {
	Workers int
	RunDir  string
	// CheckpointEvery saves the history after every k returned
	// simulations; zero saves it only at the end.
	CheckpointEvery int
	// H0 holds finished points of an earlier run. A proposed point equal
	// to one of them is answered from it without simulating.
	H0         []Entry
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// Flag tells how a run ended.
type Flag int

const (
	FlagCompleted Flag = iota
	FlagSimMax
	FlagCancelled
	FlagGenError
)

func (f Flag) String() string {
	switch f {
	case FlagCompleted:
		return "completed"
	case FlagSimMax:
		return "sim_max"
	case FlagCancelled:
		return "cancelled"
	case FlagGenError:
		return "generator_error"
	}
	return fmt.Sprintf("Flag(%d)", int(f))
}

// PersisInfo is what survives a run besides the history.
type PersisInfo struct {
	RunID       string                 `json:"run_id"`
	Best        *optimization.Solution `json:"best,omitempty"`
	Converged   bool                   `json:"converged"`
	Simulations int                    `json:"simulations"`
	Failures    int                    `json:"failures"`
	Reused      int                    `json:"reused"`
}

// Run drives gen until it finishes, sim_max is reached or ctx is done.
func Run(ctx context.Context, sim SimSpec, gen GenSpec, exit ExitCriteria, opts Options) (*History, PersisInfo, Flag, error) {
	if sim.SimF == nil || gen.Gen == nil {
		return nil, PersisInfo{}, FlagGenError, errors.New(errors.KindConfig, "ensemble needs a sim function and a generator").
			WithComponent("ensemble")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RunDir == "" {
		opts.RunDir = "ensemble"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.RunDir, 0o755); err != nil {
		return nil, PersisInfo{}, FlagGenError, errors.Wrap(err, errors.KindConfig, "create run directory").
			WithComponent("ensemble")
	}

	m := newManager(sim, exit, opts)
	m.log.Info("Starting ensemble",
		zap.Int("workers", opts.Workers),
		zap.Int("sim_max", exit.SimMax),
		zap.Int("h0", len(opts.H0)),
		zap.String("run_dir", opts.RunDir))

	m.start()
	result, genErr := gen.Gen.Run(ctx, m)
	m.stop()

	info := m.persisInfo(result)
	if err := m.history.Save(filepath.Join(opts.RunDir, CheckpointName(m.returnedCount()))); err != nil {
		m.log.Warn("Failed to save history", zap.Error(err))
	}

	flag := FlagCompleted
	switch {
	case ctx.Err() != nil:
		flag, genErr = FlagCancelled, ctx.Err()
	case genErr != nil:
		flag = FlagGenError
	case m.exhausted():
		flag = FlagSimMax
	}
	m.log.Info("Ensemble finished",
		zap.String("flag", flag.String()),
		zap.Int("simulations", info.Simulations),
		zap.Int("failures", info.Failures))
	return m.history, info, flag, genErr
}

type task struct {
	ctx     context.Context
	id      int
	idx     int
	x       []float64
	results chan<- result
}

type result struct {
	idx  int
	eval optimization.Evaluation
}

// manager implements optimization.Evaluator over the worker pool.
type manager struct {
	id      string
	sim     SimSpec
	exit    ExitCriteria
	opts    Options
	log     *zap.Logger
	metrics *Metrics
	history *History

	tasks chan task
	wg    sync.WaitGroup

	mu         sync.Mutex
	dispatched int
	returned   int
	failures   int
	reused     int
	cache      map[string]int
}

func newManager(sim SimSpec, exit ExitCriteria, opts Options) *manager {
	id := uuid.NewString()
	m := &manager{
		id:      id,
		sim:     sim,
		exit:    exit,
		opts:    opts,
		log:     opts.Logger.With(zap.String("component", "ensemble"), zap.String("run_id", id)),
		metrics: NewMetrics(opts.Registerer),
		history: &History{},
		tasks:   make(chan task),
		cache:   make(map[string]int),
	}
	for _, e := range opts.H0 {
		e.GivenBack = false
		e.Worker = -1
		m.cache[pointKey(e.X)] = m.history.add(e)
	}
	return m
}

func (m *manager) start() {
	for w := 1; w <= m.opts.Workers; w++ {
		m.wg.Add(1)
		go m.worker(w)
	}
}

func (m *manager) stop() {
	close(m.tasks)
	m.wg.Wait()
}

// pointKey identifies a point by the exact bits of its coordinates.
func pointKey(x []float64) string {
	return fmt.Sprint(x)
}

// reserve claims a sim_id for x, or returns the id of a cached result.
func (m *manager) reserve(x []float64) (id int, cached bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, hit := m.cache[pointKey(x)]; hit {
		delete(m.cache, pointKey(x))
		m.reused++
		return id, true, true
	}
	if m.exit.SimMax > 0 && m.dispatched >= m.exit.SimMax {
		return 0, false, false
	}
	m.dispatched++
	id = m.history.add(Entry{X: append([]float64(nil), x...), Started: time.Now()})
	return id, false, true
}

func (m *manager) exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exit.SimMax > 0 && m.dispatched >= m.exit.SimMax
}

func (m *manager) returnedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.returned
}

// Evaluate implements optimization.Evaluator.
func (m *manager) Evaluate(ctx context.Context, points [][]float64) ([]optimization.Evaluation, error) {
	evals := make([]optimization.Evaluation, len(points))
	results := make(chan result, len(points))
	pending := 0

	var sendErr error
	for i, x := range points {
		if err := ctx.Err(); err != nil {
			sendErr = err
			break
		}
		id, cached, ok := m.reserve(x)
		switch {
		case !ok:
			evals[i] = optimization.Evaluation{Iteration: -1, Error: optimization.ErrBudgetExhausted}
			continue
		case cached:
			evals[i] = m.evaluation(id)
			continue
		}

		select {
		case m.tasks <- task{ctx: ctx, id: id, idx: i, x: x, results: results}:
			pending++
		case <-ctx.Done():
			m.history.update(id, func(e *Entry) {
				e.Failed = true
				e.Error = ctx.Err().Error()
			})
			sendErr = ctx.Err()
		}
		if sendErr != nil {
			break
		}
	}

	for ; pending > 0; pending-- {
		r := <-results
		evals[r.idx] = r.eval
	}
	for _, e := range evals {
		if e.Iteration >= 0 && e.Solution != nil {
			m.history.update(e.Iteration, func(h *Entry) { h.GivenBack = true })
		}
	}
	if sendErr != nil {
		return evals, sendErr
	}
	return evals, nil
}

// evaluation converts a history row to what the generator sees.
func (m *manager) evaluation(id int) optimization.Evaluation {
	var e Entry
	m.history.update(id, func(h *Entry) { e = *h })

	ev := optimization.Evaluation{
		Iteration: id,
		Solution:  &optimization.Solution{Parameters: append([]float64(nil), e.X...), Value: math.NaN()},
	}
	if e.F != nil {
		ev.Solution.Value = *e.F
	}
	if e.Failed {
		ev.Error = stderrors.New(e.Error)
	}
	return ev
}

func (m *manager) worker(n int) {
	defer m.wg.Done()
	for t := range m.tasks {
		m.run(n, t)
	}
}

func (m *manager) run(worker int, t task) {
	m.metrics.InFlight.Inc()
	defer m.metrics.InFlight.Dec()

	dir := filepath.Join(m.opts.RunDir, fmt.Sprintf("sim%d", t.id))
	m.history.update(t.id, func(e *Entry) {
		e.Worker = worker
		e.Started = time.Now()
	})

	start := time.Now()
	var (
		rec Record
		err error
	)
	if err = os.MkdirAll(dir, 0o755); err == nil {
		rec, err = m.sim.SimF(t.ctx, Work{SimID: t.id, X: t.x, Dir: dir, User: m.sim.User})
	}
	f := math.NaN()
	if err == nil {
		f, err = m.objective(rec)
	}
	m.metrics.Duration.Observe(time.Since(start).Seconds())

	m.history.update(t.id, func(e *Entry) {
		e.Returned = true
		e.Ended = time.Now()
		if err != nil {
			e.Failed = true
			e.Error = err.Error()
			return
		}
		e.Out = &rec
		if !math.IsNaN(f) {
			v := f
			e.F = &v
		}
	})

	status := "ok"
	if err != nil {
		status = "failed"
		m.log.Warn("Simulation failed",
			zap.Int("sim_id", t.id),
			zap.Int("worker", worker),
			zap.Error(err))
	} else {
		m.log.Debug("Simulation returned",
			zap.Int("sim_id", t.id),
			zap.Int("worker", worker),
			zap.Float64("f", f))
	}
	m.metrics.Evaluations.WithLabelValues(status).Inc()

	m.mu.Lock()
	m.returned++
	if err != nil {
		m.failures++
	}
	n := m.returned
	m.mu.Unlock()

	if k := m.opts.CheckpointEvery; k > 0 && n%k == 0 {
		if err := m.history.Save(filepath.Join(m.opts.RunDir, CheckpointName(n))); err != nil {
			m.log.Warn("Failed to save checkpoint", zap.Error(err))
		}
	}

	ev := optimization.Evaluation{
		Iteration: t.id,
		Solution:  &optimization.Solution{Parameters: append([]float64(nil), t.x...), Value: f},
		Error:     err,
	}
	t.results <- result{idx: t.idx, eval: ev}
}

// objective reads the minimized value out of a record. Runs without
// declared outputs have no objective and return NaN.
func (m *manager) objective(rec Record) (float64, error) {
	if len(m.sim.Out) == 0 {
		return math.NaN(), nil
	}
	name := m.sim.Objective
	if name == "" {
		name = m.sim.Out[0].Name
	}
	f, err := rec.Float(name)
	if err != nil {
		return math.NaN(), errors.Wrapf(err, errors.KindShape, "objective %s", name).WithComponent("ensemble")
	}
	return f, nil
}

func (m *manager) persisInfo(res *optimization.OptimizationResult) PersisInfo {
	m.mu.Lock()
	info := PersisInfo{
		Simulations: m.dispatched,
		Failures:    m.failures,
		Reused:      m.reused,
	}
	m.mu.Unlock()

	if res != nil {
		info.Converged = res.Converged
		info.Best = res.BestSolution
	}
	if info.Best == nil {
		if e, ok := m.history.Best(); ok {
			info.Best = &optimization.Solution{Parameters: e.X, Value: *e.F}
		}
	}
	info.RunID = m.id
	return info
}
