package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cargoxray/collimator/beam"
	"github.com/cargoxray/collimator/physics"
	"github.com/cargoxray/collimator/raytrace"
)

// JobStatus is the closed sum of states a polled simulation job passes
// through.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job tracks one asynchronous run_simulation call polled over HTTP. The
// reference host deliberately polls rather than pushes (spec §1 treats
// chart widgets and other live UI surfaces as host collaborators, not core
// concerns) — a client calls GET /simulations/:id until Status leaves
// "running".
type Job struct {
	ID        uuid.UUID              `json:"id"`
	Status    JobStatus              `json:"status"`
	Progress  float64                `json:"progress"`
	Result    *beam.SimulationResult `json:"result,omitempty"`
	Sweep     []float64              `json:"energy_sweep,omitempty"`
	Err       string                 `json:"error,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at,omitempty"`

	mu       sync.Mutex
	cancelCh chan struct{}
	once     sync.Once
}

func (j *Job) cancel() {
	j.once.Do(func() { close(j.cancelCh) })
}

func (j *Job) setProgress(p float64) {
	j.mu.Lock()
	j.Progress = p
	j.mu.Unlock()
}

func (j *Job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Job{
		ID: j.ID, Status: j.Status, Progress: j.Progress, Result: j.Result,
		Sweep: j.Sweep, Err: j.Err, StartedAt: j.StartedAt, EndedAt: j.EndedAt,
	}
}

// JobManager holds every in-flight and completed job in process memory.
// Results are not persisted automatically; a caller that wants durability
// reads Job.Result back out and saves it via a projectstore.Store.
type JobManager struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*Job
}

func NewJobManager() *JobManager {
	return &JobManager{jobs: make(map[uuid.UUID]*Job)}
}

func (m *JobManager) Get(id uuid.UUID) (Job, bool) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// Cancel requests early termination of a running job. It is a no-op (but
// not an error) if the job has already finished.
func (m *JobManager) Cancel(id uuid.UUID) bool {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// Start launches a simulation in the background. The full ray-traced
// detector profile and an independent on-axis energy sweep run
// concurrently under one errgroup.Group. A failure of the energy sweep, or
// an external Cancel, stops the ray trace early; the energy sweep takes no
// cancel signal and always runs to completion.
func (m *JobManager) Start(engine *beam.Engine, geom raytrace.Geometry, cfg beam.SimulationConfig) uuid.UUID {
	job := &Job{ID: uuid.New(), Status: JobPending, StartedAt: time.Now(), cancelCh: make(chan struct{})}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go func() {
		job.mu.Lock()
		job.Status = JobRunning
		job.mu.Unlock()

		g, ctx := errgroup.WithContext(context.Background())
		go func() {
			select {
			case <-ctx.Done():
				job.cancel()
			case <-job.cancelCh:
			}
		}()

		var result *beam.SimulationResult
		var sweep []float64
		g.Go(func() error {
			r, err := engine.Run(geom, cfg, job.setProgress, job.cancelCh)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		g.Go(func() error {
			sw, err := engine.Physics.EnergySweep(onAxisLayers(geom), cfg.Energies, cfg.IncludeBuildup && engine.BuildUp != nil)
			if err != nil {
				return err
			}
			sweep = sw
			return nil
		})

		err := g.Wait()
		job.mu.Lock()
		defer job.mu.Unlock()
		job.EndedAt = time.Now()
		switch {
		case err != nil:
			job.Status = JobFailed
			job.Err = err.Error()
		case result != nil && result.Cancelled:
			job.Status = JobCancelled
		default:
			job.Status = JobCompleted
			job.Result = result
			job.Sweep = sweep
		}
	}()

	return job.ID
}

func onAxisLayers(geom raytrace.Geometry) []physics.Layer {
	var layers []physics.Layer
	for _, s := range geom.Stages {
		for _, l := range s.Layers {
			layers = append(layers, physics.Layer{MaterialID: l.MaterialID, PathLength: l.ThicknessMm.ToCm()})
		}
	}
	return layers
}
