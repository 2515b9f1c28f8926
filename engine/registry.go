package engine

import (
	"fmt"
	"time"

	"github.com/c360studio/lexstream/message"
)

// RegisterWorker adds a worker to the role pool. Re-registering an id
// replaces the record; the worker starts idle with a fresh heartbeat.
func (e *Engine) RegisterWorker(id, role string, capabilities []string) error {
	if id == "" {
		return fmt.Errorf("worker id is required")
	}
	if !message.ValidRole(role) {
		return fmt.Errorf("unknown worker role %q", role)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.workerSeq++
	now := time.Now()
	e.workers[id] = &workerState{
		id:            id,
		role:          role,
		capabilities:  capabilities,
		status:        WorkerIdle,
		lastHeartbeat: now,
		registeredAt:  now,
		seq:           e.workerSeq,
	}

	e.logger.Info("worker registered", "worker", id, "role", role)
	e.kick()
	return nil
}

// UnregisterWorker removes a worker. Its running step, if any, is failed
// through the retry path.
func (e *Engine) UnregisterWorker(id string) {
	e.mu.Lock()
	w, ok := e.workers[id]
	if !ok {
		e.mu.Unlock()
		return
	}

	var outcome *message.Message
	if w.status == WorkerBusy && w.stepID != "" {
		if wf := e.workflows[w.workflowID]; wf != nil {
			if s := wf.step(w.stepID); s != nil && s.Status == StatusRunning {
				outcome = e.failStepLocked(wf, s, "worker unregistered")
			}
		}
	}
	delete(e.workers, id)
	e.mu.Unlock()

	e.publishOutcome(outcome)
	e.logger.Info("worker unregistered", "worker", id)
}

// Workers returns a snapshot of every registered worker.
func (e *Engine) Workers() []WorkerView {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]WorkerView, 0, len(e.workers))
	for _, w := range e.workers {
		out = append(out, WorkerView{
			ID:            w.id,
			Role:          w.role,
			Capabilities:  w.capabilities,
			Status:        w.status,
			StepID:        w.stepID,
			ErrorCount:    w.errorCount,
			LastHeartbeat: w.lastHeartbeat,
		})
	}
	return out
}

// pickWorkerLocked selects the idle worker of the role with the lowest
// (queue length, error count), ties broken by registration order.
// Requires e.mu.
func (e *Engine) pickWorkerLocked(role string) *workerState {
	var best *workerState
	for _, w := range e.workers {
		if w.role != role || w.status != WorkerIdle {
			continue
		}
		if best == nil || less(w, best) {
			best = w
		}
	}
	return best
}

func less(a, b *workerState) bool {
	if a.queueLength != b.queueLength {
		return a.queueLength < b.queueLength
	}
	if a.errorCount != b.errorCount {
		return a.errorCount < b.errorCount
	}
	return a.seq < b.seq
}

// assignWorkerLocked transitions a worker to busy on a step. Requires e.mu.
func (e *Engine) assignWorkerLocked(w *workerState, workflowID, stepID string) {
	w.status = WorkerBusy
	w.workflowID = workflowID
	w.stepID = stepID
	w.queueLength++
	w.busySince = time.Now()
}

// releaseWorkerLocked returns a worker to idle, optionally counting an
// error against it. Offline workers stay offline. Requires e.mu.
func (e *Engine) releaseWorkerLocked(id string, failed bool) {
	w, ok := e.workers[id]
	if !ok {
		return
	}
	if failed {
		w.errorCount++
	}
	if w.status != WorkerBusy {
		return
	}
	w.busyAccum += time.Since(w.busySince)
	w.status = WorkerIdle
	w.workflowID = ""
	w.stepID = ""
	if w.queueLength > 0 {
		w.queueLength--
	}
}

// markOfflineLocked transitions a worker to offline, releasing its
// assignment. Requires e.mu.
func (e *Engine) markOfflineLocked(w *workerState) {
	if w.status == WorkerBusy {
		w.busyAccum += time.Since(w.busySince)
	}
	w.status = WorkerOffline
	w.workflowID = ""
	w.stepID = ""
	if w.queueLength > 0 {
		w.queueLength--
	}
}

// touchWorker refreshes a worker's heartbeat.
func (e *Engine) touchWorker(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workers[id]; ok {
		w.lastHeartbeat = time.Now()
	}
}
