package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

// Task is a unit of work. The context is cancelled when the pool stops.
type Task func(ctx context.Context)

// WorkerPool runs submitted tasks on a fixed number of workers in strict submission order.
// The queue is unbounded so Submit never blocks the caller.
type WorkerPool struct {
	ctx        context.Context
	cancel     context.CancelFunc
	name       string
	numWorkers int
	mu         sync.Mutex
	cond       *sync.Cond
	queue      []Task
	active     int
	stopped    bool
	wg         sync.WaitGroup
	logger     *utils.LogsManager
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(ctx context.Context, name string, numWorkers int, logger *utils.LogsManager) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)

	wp := &WorkerPool{
		ctx:        poolCtx,
		cancel:     cancel,
		name:       name,
		numWorkers: numWorkers,
		logger:     logger,
	}
	wp.cond = sync.NewCond(&wp.mu)
	return wp
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.logger.Info(fmt.Sprintf("Starting %s worker pool with %d workers", wp.name, wp.numWorkers), "workers")

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	// wake workers blocked in cond.Wait when the parent context goes away
	go func() {
		<-wp.ctx.Done()
		wp.mu.Lock()
		wp.stopped = true
		wp.mu.Unlock()
		wp.cond.Broadcast()
	}()
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		task, ok := wp.next()
		if !ok {
			wp.logger.Debug(fmt.Sprintf("%s worker %d stopping", wp.name, id), "workers")
			return
		}
		wp.run(id, task)
	}
}

func (wp *WorkerPool) next() (Task, bool) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	for len(wp.queue) == 0 && !wp.stopped {
		wp.cond.Wait()
	}
	if wp.stopped {
		return nil, false
	}

	task := wp.queue[0]
	wp.queue[0] = nil
	wp.queue = wp.queue[1:]
	wp.active++
	return task, true
}

func (wp *WorkerPool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error(fmt.Sprintf("%s worker %d panic recovered: %v", wp.name, id, r), "workers")
		}
		wp.mu.Lock()
		wp.active--
		wp.mu.Unlock()
	}()

	task(wp.ctx)
}

// Submit appends a task to the queue
func (wp *WorkerPool) Submit(task Task) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.stopped {
		return fmt.Errorf("%s worker pool is shutting down", wp.name)
	}
	wp.queue = append(wp.queue, task)
	wp.cond.Signal()
	return nil
}

// QueueLength returns the number of tasks waiting for a worker
func (wp *WorkerPool) QueueLength() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.queue)
}

// ActiveWorkers returns the number of workers currently executing a task
func (wp *WorkerPool) ActiveWorkers() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.active
}

// Stop cancels running tasks, drops queued ones and waits for workers to exit.
// Returns the number of dropped tasks.
func (wp *WorkerPool) Stop() int {
	wp.logger.Info(fmt.Sprintf("Stopping %s worker pool", wp.name), "workers")

	wp.mu.Lock()
	wp.stopped = true
	dropped := len(wp.queue)
	wp.queue = nil
	wp.mu.Unlock()

	wp.cancel()
	wp.cond.Broadcast()
	wp.wg.Wait()

	wp.logger.Info(fmt.Sprintf("%s worker pool stopped (%d queued tasks dropped)", wp.name, dropped), "workers")
	return dropped
}
