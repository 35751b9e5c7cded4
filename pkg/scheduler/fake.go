package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

type fakeWorker struct {
	spec       LaunchSpec
	phase      Phase
	finishedAt time.Time
}

// Fake is an in-memory Scheduler for tests. Launched workers start in
// PhaseActive and stay there until a test moves them with SetPhase,
// MarkFinished or Remove.
type Fake struct {
	mu       sync.Mutex
	workers  map[string]*fakeWorker
	launches int
	deleted  []string

	launchErr     error
	launchErrLeft int
}

// NewFake returns an empty fake scheduler.
func NewFake() *Fake {
	return &Fake{workers: make(map[string]*fakeWorker)}
}

// FailLaunches makes the next n Launch calls return err.
func (f *Fake) FailLaunches(err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchErr = err
	f.launchErrLeft = n
}

func (f *Fake) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.launches++
	if f.launchErrLeft != 0 {
		f.launchErrLeft--
		return "", f.launchErr
	}

	name := WorkerName(spec.RunID)
	if _, ok := f.workers[name]; ok {
		return name, nil
	}
	f.workers[name] = &fakeWorker{spec: spec, phase: PhaseActive}
	return name, nil
}

func (f *Fake) Inspect(ctx context.Context, handle string) (Phase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workers[handle]; ok {
		return w.phase, nil
	}
	return PhaseUnknown, nil
}

func (f *Fake) Delete(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workers, handle)
	f.deleted = append(f.deleted, handle)
	return nil
}

func (f *Fake) ListRunWorkers(ctx context.Context) ([]WorkerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(f.workers))
	for handle, w := range f.workers {
		infos = append(infos, WorkerInfo{
			Handle:     handle,
			RunID:      w.spec.RunID,
			Phase:      w.phase,
			FinishedAt: w.finishedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Handle < infos[j].Handle })
	return infos, nil
}

// SetPhase moves a launched worker to the given phase.
func (f *Fake) SetPhase(handle string, phase Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workers[handle]; ok {
		w.phase = phase
	}
}

// MarkFinished moves a worker to a finished phase with a completion time.
func (f *Fake) MarkFinished(handle string, phase Phase, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workers[handle]; ok {
		w.phase = phase
		w.finishedAt = at
	}
}

// Remove forgets a worker without recording a Delete call, simulating a
// resource that vanished behind the scheduler's back.
func (f *Fake) Remove(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workers, handle)
}

// Launches returns how many times Launch was called, failures included.
func (f *Fake) Launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

// Deleted returns the handles passed to Delete, in call order.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// Spec returns the LaunchSpec a worker was launched with.
func (f *Fake) Spec(handle string) (LaunchSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workers[handle]; ok {
		return w.spec, true
	}
	return LaunchSpec{}, false
}
