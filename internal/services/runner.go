package services

import (
	"context"
	"sync"

	"sap-analysis-pipeline/internal/config"
	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/pkg/logger"
)

// TaskRunner executes analyses on a bounded worker pool so a burst of
// submissions cannot spawn an unbounded number of in-flight Gemini
// conversations. Submit is non-blocking up to the queue size.
type TaskRunner struct {
	orchestrator *Orchestrator
	logger       *logger.Logger

	queue chan *models.PipelineState

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func NewTaskRunner(orchestrator *Orchestrator, cfg config.WorkerConfig, log *logger.Logger) *TaskRunner {
	runner := &TaskRunner{
		orchestrator: orchestrator,
		logger:       log,
		queue:        make(chan *models.PipelineState, cfg.QueueSize),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		runner.wg.Add(1)
		go runner.worker(i)
	}

	log.Info("Task Runner Initialized Successfully",
		"max_workers", cfg.MaxWorkers,
		"queue_size", cfg.QueueSize)

	return runner
}

// Submit schedules one pipeline run. The returned error means the run was
// never scheduled; the caller should mark the analysis failed. The mutex
// pairs with Close so no send can race the queue being closed.
func (runner *TaskRunner) Submit(state *models.PipelineState) error {
	runner.mu.Lock()
	defer runner.mu.Unlock()

	if runner.closed {
		return models.NewInternalError("RUNNER_CLOSED", "Task runner is shutting down")
	}

	select {
	case runner.queue <- state:
		return nil
	default:
		return models.NewConflictError("RUNNER_QUEUE_FULL", "Too many analyses in progress, try again later").
			WithMetadata("analysis_id", state.AnalysisID)
	}
}

func (runner *TaskRunner) worker(id int) {
	defer runner.wg.Done()

	for state := range runner.queue {
		if err := runner.orchestrator.Run(context.Background(), state); err != nil {
			runner.logger.WithError(err).Error("Analysis run failed",
				"analysis_id", state.AnalysisID,
				"worker", id)
		}
	}
}

func (runner *TaskRunner) QueueDepth() int {
	return len(runner.queue)
}

// Close rejects new submissions, then waits until every queued and in-flight
// run has finished. Runs are never aborted mid-flight.
func (runner *TaskRunner) Close() error {
	runner.closeOnce.Do(func() {
		runner.mu.Lock()
		runner.closed = true
		runner.mu.Unlock()

		runner.logger.Info("Task Runner shutting down", "queued", len(runner.queue))
		close(runner.queue)
		runner.wg.Wait()
	})
	return nil
}
