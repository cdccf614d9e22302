package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"vocalscribe/config"
	"vocalscribe/logger"
	"vocalscribe/pipeline"
)

var (
	ErrQueueFull    = errors.New("task queue is full")
	ErrShuttingDown = errors.New("service shutting down")
)

const defaultQueueSize = 100

// PipelineRunner executes one task end to end.
type PipelineRunner interface {
	Run(ctx context.Context, taskID, inputFile, taskDir string) (*pipeline.Result, error)
}

type job struct {
	id    string
	input string
	dir   string
	done  chan struct{}
}

// Handle is returned by Submit. Done closes once the registry holds the terminal state.
type Handle struct {
	ID       string
	done     <-chan struct{}
	registry Registry
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task has finished or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Task, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
	t, ok := h.registry.Get(h.ID)
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

type Manager struct {
	cfg            *config.Config
	registry       Registry
	runner         PipelineRunner
	checker        ResourceChecker
	throttleStep   time.Duration
	taskQueue      chan *job
	concurrencySem chan struct{}
	inFlight       sync.WaitGroup
	log            *logger.Logger
}

func NewManager(cfg *config.Config, registry Registry, runner PipelineRunner, log *logger.Logger) (*Manager, error) {
	if registry == nil || runner == nil {
		return nil, errors.New("task manager needs a registry and a pipeline runner")
	}
	concurrency := cfg.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = defaultQueueSize
	}

	m := &Manager{
		cfg:            cfg,
		registry:       registry,
		runner:         runner,
		checker:        newSystemResources(cfg, log.Entry),
		throttleStep:   500 * time.Millisecond,
		taskQueue:      make(chan *job, queueSize),
		concurrencySem: make(chan struct{}, concurrency),
		log:            log,
	}
	return m, nil
}

func (m *Manager) Start(ctx context.Context) {
	m.log.WithField("concurrency", cap(m.concurrencySem)).
		WithField("queue_size", cap(m.taskQueue)).
		Info("task manager started")
	go m.workerLoop(ctx)
}

// Wait blocks until every pipeline run that has started is finished.
func (m *Manager) Wait() {
	m.inFlight.Wait()
}

// workerLoop pulls tasks from the queue and processes them
func (m *Manager) workerLoop(ctx context.Context) {
	// Started runs are not cancellable; they finish even while the service shuts down.
	runCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("worker loop shutting down")
			m.abandonQueued()
			return
		case j := <-m.taskQueue:
			// Wait for a free processing slot
			select {
			case m.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				m.log.Info("worker loop shutting down")
				m.abandon(j)
				m.abandonQueued()
				return
			}
			m.inFlight.Add(1)
			go func(j *job) {
				defer m.inFlight.Done()
				defer func() { <-m.concurrencySem }() // Release slot
				m.processTask(runCtx, j)
			}(j)
		}
	}
}

// abandonQueued fails every job still waiting in the queue.
func (m *Manager) abandonQueued() {
	for {
		select {
		case j := <-m.taskQueue:
			m.abandon(j)
		default:
			return
		}
	}
}

// abandon fails a job that never started so waiters are released.
func (m *Manager) abandon(j *job) {
	log := m.log.WithTask(j.id)
	log.Warn("shutting down before task could start")
	if err := m.registry.Fail(j.id, ErrShuttingDown.Error()); err != nil {
		log.WithError(err).Error("could not record task outcome")
	}
	close(j.done)
}

// processTask runs the pipeline for one job and records the outcome.
func (m *Manager) processTask(ctx context.Context, j *job) {
	defer close(j.done)
	log := m.log.WithTask(j.id)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("pipeline panicked")
			m.finish(log, j.id, nil, fmt.Errorf("internal error: %v", r), start)
		}
	}()

	if err := m.waitForResources(ctx, log); err != nil {
		m.finish(log, j.id, nil, err, start)
		return
	}

	log.Info("processing task")
	result, err := m.runner.Run(ctx, j.id, j.input, j.dir)
	m.finish(log, j.id, result, err, start)
}

func (m *Manager) finish(log *logger.Logger, id string, result *pipeline.Result, runErr error, start time.Time) {
	log = log.With("duration_ms", time.Since(start).Milliseconds())
	var err error
	if runErr != nil {
		log.WithError(runErr).Error("task failed")
		err = m.registry.Fail(id, runErr.Error())
	} else {
		log.Info("task completed successfully")
		err = m.registry.Complete(id, result)
	}
	if err != nil {
		log.WithError(err).Error("could not record task outcome")
	}
}

// waitForResources polls the resource checker with exponential backoff for up to THROTTLE_WAIT.
func (m *Manager) waitForResources(ctx context.Context, log *logger.Logger) error {
	if m.checker == nil {
		return nil
	}
	if m.cfg.ThrottleWait <= 0 {
		if err := m.checker.Check(); err != nil {
			return fmt.Errorf("insufficient system resources: %w", err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.throttleStep
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = m.cfg.ThrottleWait

	op := func() error {
		err := m.checker.Check()
		if err != nil {
			log.WithError(err).Debug("waiting for system resources")
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("insufficient system resources: %w", err)
	}
	return nil
}

// Submit registers the task as processing and queues it without blocking.
func (m *Manager) Submit(taskID, inputPath, taskDir string) (*Handle, error) {
	if _, err := m.registry.Create(taskID); err != nil {
		return nil, err
	}

	j := &job{id: taskID, input: inputPath, dir: taskDir, done: make(chan struct{})}
	select {
	case m.taskQueue <- j:
	default:
		if err := m.registry.Fail(taskID, ErrQueueFull.Error()); err != nil {
			m.log.WithTask(taskID).WithError(err).Error("could not record task outcome")
		}
		close(j.done)
		return nil, ErrQueueFull
	}

	m.log.WithTask(taskID).Info("task submitted to queue")
	return &Handle{ID: taskID, done: j.done, registry: m.registry}, nil
}

func (m *Manager) Get(taskID string) (Task, bool) {
	return m.registry.Get(taskID)
}

func (m *Manager) List() []Task {
	return m.registry.List()
}
