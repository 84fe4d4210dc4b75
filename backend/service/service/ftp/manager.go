package ftp

import (
	"context"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/yitter/idgenerator-go/idgen"

	"sledge/backend/application"
	"sledge/backend/constant/status"
	"sledge/backend/ftpclient"
	"sledge/backend/mirror"
	"sledge/backend/scanner/ftpscan"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskNotRunning = errors.New("task not running or does not exist")
)

type runtimeState struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs scan sessions, classifies their outcomes and hands anonymous
// hosts to the mirror.
type Manager struct {
	app    *application.Application
	engine *ftpscan.Engine
	dialer ftpclient.Dialer
	logger *logrus.Entry

	mu       sync.RWMutex
	tasks    map[int64]*Task
	runtimes map[int64]*runtimeState

	subMu       sync.RWMutex
	subscribers map[int]func(TaskEvent)
	nextSub     int
}

// NewManager wires a manager to engine. dialer is used by the mirror, nil
// dials real servers.
func NewManager(app *application.Application, engine *ftpscan.Engine, dialer ftpclient.Dialer) *Manager {
	return &Manager{
		app:         app,
		engine:      engine,
		dialer:      dialer,
		logger:      app.Logger.WithField("component", "ftp"),
		tasks:       make(map[int64]*Task),
		runtimes:    make(map[int64]*runtimeState),
		subscribers: make(map[int]func(TaskEvent)),
	}
}

func (m *Manager) StartTask(req Request) (task *Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			m.logger.Errorf("panic in ftp StartTask: %v\n%s", r, string(stack))
			err = errors.New("ftp start task panic")
		}
	}()

	params := req.Scan.WithDefaults(m.engine.Defaults())
	planned, err := m.engine.EstimateWorkload(params)
	if err != nil {
		return nil, err
	}

	var mr *mirror.Mirror
	if req.Mirror {
		root := req.MirrorRoot
		if root == "" {
			root = m.app.Config.Mirror.Root
		}
		if root == "" {
			root = mirror.DefaultRoot
		}
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, errors.Wrap(err, "create mirror root")
		}
		req.MirrorRoot = root
		mr = mirror.New(mirror.Options{
			Root:     root,
			Port:     params.Port,
			Timeout:  params.Timeout,
			User:     params.User,
			Password: params.Password,
			Retries:  m.app.Config.Mirror.Retries,
			Dialer:   m.dialer,
			Logger:   m.app.Logger.WithField("component", "mirror"),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	resultCh, progressCh, errCh, err := m.engine.Run(ctx, params)
	if err != nil {
		cancel()
		return nil, err
	}

	now := time.Now()
	taskID := idgen.NextId()
	task = &Task{
		ID:         taskID,
		Status:     status.Running,
		CreatedAt:  now,
		StartedAt:  now,
		Params:     params,
		Mirror:     req.Mirror,
		MirrorRoot: req.MirrorRoot,
		Metrics:    TaskMetrics{Planned: planned},
		Anonymous:  []string{},
		Restricted: []string{},
	}

	rt := &runtimeState{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.tasks[taskID] = task
	m.runtimes[taskID] = rt
	metricsSnapshot := task.Metrics
	m.mu.Unlock()

	m.logger.WithField("taskID", taskID).
		WithField("range", params.Range).
		WithField("planned", planned).
		WithField("mirror", req.Mirror).
		Info("scan started")
	m.emit(TaskEvent{TaskID: taskID, Status: status.Running, Metrics: metricsSnapshot, Message: "started"})

	go m.consume(ctx, task, rt, mr, resultCh, progressCh, errCh)

	return cloneTask(task), nil
}

// mirrorQueue runs mirrors on their own pool so probing never waits on a
// transfer.
type mirrorQueue struct {
	pool *ants.PoolWithFunc
	wg   sync.WaitGroup
}

func (m *Manager) newMirrorQueue(ctx context.Context, task *Task, mr *mirror.Mirror) (*mirrorQueue, error) {
	workers := m.app.Config.Mirror.Workers
	if workers <= 0 {
		workers = 1
	}
	q := &mirrorQueue{}
	pool, err := ants.NewPoolWithFunc(workers, func(item interface{}) {
		defer q.wg.Done()
		host := item.(string)
		res := mr.Host(ctx, host)

		m.mu.Lock()
		task.Mirrors = append(task.Mirrors, res)
		task.Metrics.MirrorsDone++
		if !res.OK() {
			task.Metrics.MirrorsFailed++
		}
		task.Metrics.FilesMirrored += res.Files
		task.Metrics.BytesMirrored += res.Bytes
		metrics := task.Metrics
		statusCode := task.Status
		m.mu.Unlock()

		m.emit(TaskEvent{TaskID: task.ID, Status: statusCode, Mirror: &res, Metrics: metrics})
	})
	if err != nil {
		return nil, errors.Wrap(err, "create mirror pool")
	}
	q.pool = pool
	return q, nil
}

func (q *mirrorQueue) enqueue(host string, log *logrus.Entry) {
	q.wg.Add(1)
	go func() {
		if err := q.pool.Invoke(host); err != nil {
			q.wg.Done()
			log.WithError(err).WithField("host", host).Warn("mirror not started")
		}
	}()
}

func (q *mirrorQueue) close() {
	q.wg.Wait()
	q.pool.Release()
}

func (m *Manager) consume(ctx context.Context, task *Task, rt *runtimeState, mr *mirror.Mirror, results <-chan ftpscan.Outcome, progressCh <-chan ftpscan.Progress, errs <-chan error) {
	defer close(rt.done)
	log := m.logger.WithField("taskID", task.ID)

	var queue *mirrorQueue
	var finalErr error
	if mr != nil {
		q, err := m.newMirrorQueue(ctx, task, mr)
		if err != nil {
			// probing goes on, the hosts are still reported
			log.WithError(err).Error("mirroring disabled for this task")
			finalErr = err
		}
		queue = q
	}

	resultCh := results
	errCh := errs
	progCh := progressCh
	for resultCh != nil || errCh != nil || progCh != nil {
		select {
		case out, ok := <-resultCh:
			if !ok {
				resultCh = nil
				continue
			}
			m.mu.Lock()
			task.Metrics.Completed++
			task.Metrics.LastResult = time.Now()
			switch out.Kind {
			case ftpscan.Anonymous:
				task.Anonymous = append(task.Anonymous, out.Host())
				task.Metrics.Anonymous++
				if queue != nil {
					task.Metrics.MirrorsQueued++
				}
			case ftpscan.RestrictedFTP:
				task.Restricted = append(task.Restricted, out.Host())
				task.Metrics.Restricted++
			default:
				task.Metrics.Unreachable++
			}
			metrics := task.Metrics
			statusCode := task.Status
			m.mu.Unlock()

			if out.Kind == ftpscan.Unreachable {
				continue
			}
			log.WithField("host", out.Host()).WithField("kind", out.Kind.String()).Info("ftp server found")
			if out.Kind == ftpscan.Anonymous && queue != nil {
				queue.enqueue(out.Host(), log)
			}
			o := out
			m.emit(TaskEvent{TaskID: task.ID, Status: statusCode, Outcome: &o, Metrics: metrics})
		case prog, ok := <-progCh:
			if !ok {
				progCh = nil
				continue
			}
			m.mu.Lock()
			task.Metrics.Planned = prog.Planned
			task.Metrics.Started = prog.Started
			task.Metrics.Active = prog.Active
			task.Metrics.PPS = prog.PPS
			task.Metrics.UptimeMs = prog.UptimeMs
			metrics := task.Metrics
			m.mu.Unlock()
			m.emit(TaskEvent{TaskID: task.ID, Status: status.Running, Metrics: metrics})
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				finalErr = err
				m.mu.Lock()
				task.Status = status.Error
				task.Error = err.Error()
				metrics := task.Metrics
				m.mu.Unlock()
				m.emit(TaskEvent{TaskID: task.ID, Status: status.Error, Metrics: metrics, Error: err.Error()})
			}
		}
	}

	if queue != nil {
		queue.close()
	}

	m.mu.Lock()
	delete(m.runtimes, task.ID)
	task.CompletedAt = time.Now()
	task.Metrics.Active = 0
	if task.Status != status.Error {
		if finalErr != nil {
			task.Status = status.Error
			task.Error = finalErr.Error()
		} else if errors.Is(ctx.Err(), context.Canceled) {
			task.Status = status.Stopped
		} else {
			task.Status = status.OK
		}
	}
	metrics := task.Metrics
	finalStatus := task.Status
	finalError := task.Error
	m.mu.Unlock()
	rt.cancel()

	log.WithField("status", finalStatus.String()).
		WithField("anonymous", metrics.Anonymous).
		WithField("restricted", metrics.Restricted).
		WithField("completed", metrics.Completed).
		Info("scan finished")
	m.emit(TaskEvent{TaskID: task.ID, Status: finalStatus, Metrics: metrics, Message: "completed", Error: finalError})
}

// Wait blocks until the task finished, mirrors included, or ctx is done.
func (m *Manager) Wait(ctx context.Context, taskID int64) (*Task, error) {
	m.mu.RLock()
	rt, running := m.runtimes[taskID]
	_, known := m.tasks[taskID]
	m.mu.RUnlock()
	if !known {
		return nil, ErrTaskNotFound
	}
	if running {
		select {
		case <-rt.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.GetTask(taskID)
}

func (m *Manager) StopTask(taskID int64) error {
	m.mu.RLock()
	rt, ok := m.runtimes[taskID]
	m.mu.RUnlock()
	if !ok {
		return ErrTaskNotRunning
	}
	rt.cancel()
	return nil
}

func (m *Manager) GetTask(taskID int64) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (m *Manager) ListTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		list = append(list, cloneTask(task))
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

func (m *Manager) UpdateDefaults(opts ftpscan.DefaultOptions) {
	m.engine.UpdateDefaults(opts)
}

// Subscribe registers fn for every TaskEvent of every task and returns a
// function removing it. fn runs on the task's goroutine and must not block.
func (m *Manager) Subscribe(fn func(TaskEvent)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) emit(ev TaskEvent) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, fn := range m.subscribers {
		fn(ev)
	}
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Anonymous = append([]string{}, t.Anonymous...)
	cp.Restricted = append([]string{}, t.Restricted...)
	if t.Mirrors != nil {
		cp.Mirrors = append([]mirror.Result(nil), t.Mirrors...)
	}
	return &cp
}
