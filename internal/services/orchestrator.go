package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sap-analysis-pipeline/internal/config"
	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/pkg/logger"
)

// Progress checkpoints reported after each stage completes or is skipped.
// Progress only moves forward, so a skipped stage still advances the run to
// its checkpoint.
const (
	progressStarted              = 5.0
	progressProcessAnalysis      = 35.0
	progressRequirementsAnalysis = 60.0
	progressGapAnalysis          = 80.0
	progressMeetingAnalysis      = 90.0
	progressReportGeneration     = 95.0
	progressCompleted            = 100.0
)

type Orchestrator struct {
	documents    DocumentStore
	analyzer     Analyzer
	statuses     *StatusStore
	publisher    EventPublisher
	requirements *RequirementsService
	aggregator   *ResultAggregator

	config config.Config
	logger *logger.Logger

	activeAnalyses sync.Map // analysis_id -> *models.PipelineState

	startTime time.Time
}

// AnalysisExecutor runs a single analysis end to end. It owns no shared
// state besides the pipeline state it was created for.
type AnalysisExecutor struct {
	orchestrator *Orchestrator
	state        *models.PipelineState
	logger       *logger.Logger
}

var analysisStages = []models.StageIdentity{
	models.StageProcessAnalysis,
	models.StageRequirementsAnalysis,
	models.StageGapAnalysis,
	models.StageMeetingAnalysis,
	models.StageReportGeneration,
}

func NewOrchestrator(
	documents DocumentStore,
	analyzer Analyzer,
	statuses *StatusStore,
	publisher EventPublisher,
	requirements *RequirementsService,
	aggregator *ResultAggregator,
	config config.Config,
	logger *logger.Logger) *Orchestrator {

	orchestrator := &Orchestrator{
		documents:      documents,
		analyzer:       analyzer,
		statuses:       statuses,
		publisher:      publisher,
		requirements:   requirements,
		aggregator:     aggregator,
		config:         config,
		logger:         logger,
		activeAnalyses: sync.Map{},
		startTime:      time.Now(),
	}

	logger.Info("Orchestrator Initialized Successfully",
		"stages", len(analysisStages),
		"services_count", 5)

	return orchestrator
}

// Run executes the full analysis pipeline for one pipeline state. It is the
// long-running half of the async contract: callers get the analysis id
// immediately from the handler while Run progresses in the background.
func (orchestrator *Orchestrator) Run(ctx context.Context, state *models.PipelineState) error {
	startTime := time.Now()

	orchestrator.logger.LogAnalysis(state.AnalysisID, "analysis_started", 0, nil)

	orchestrator.activeAnalyses.Store(state.AnalysisID, state)
	defer orchestrator.activeAnalyses.Delete(state.AnalysisID)

	state.MarkProcessing()
	state.SetStage("Starting analysis", progressStarted)
	orchestrator.syncStatus(state)

	if err := orchestrator.publishUpdate(ctx, state, "pipeline", "Analysis started", nil); err != nil {
		orchestrator.logger.WithError(err).Error("Failed to publish analysis start update")
	}

	executor := &AnalysisExecutor{
		orchestrator: orchestrator,
		state:        state,
		logger:       orchestrator.logger,
	}

	err := executor.executePipeline(ctx)

	duration := time.Since(startTime)
	if err != nil {
		state.MarkFailed(err.Error())
		orchestrator.syncStatus(state)
		orchestrator.logger.LogAnalysis(state.AnalysisID, "analysis_failed", duration, err)

		if publishErr := orchestrator.publishUpdate(ctx, state, "pipeline", "Analysis failed", err); publishErr != nil {
			orchestrator.logger.WithError(publishErr).Error("Failed to publish analysis error update")
		}

		return err
	}

	orchestrator.logger.LogAnalysis(state.AnalysisID, "analysis_completed", duration, nil)

	if publishErr := orchestrator.publishUpdate(ctx, state, "pipeline", "Analysis completed successfully", nil); publishErr != nil {
		orchestrator.logger.WithError(publishErr).Error("Failed to publish analysis completed update")
	}

	return nil
}

func (executor *AnalysisExecutor) executePipeline(ctx context.Context) error {
	if err := executor.executeProcessAnalysis(ctx); err != nil {
		return fmt.Errorf("process analysis failed: %w", err)
	}

	if err := executor.executeRequirementsAnalysis(ctx); err != nil {
		return fmt.Errorf("requirements analysis failed: %w", err)
	}

	if err := executor.executeGapAnalysis(ctx); err != nil {
		return fmt.Errorf("gap analysis failed: %w", err)
	}

	if err := executor.executeMeetingAnalysis(ctx); err != nil {
		return fmt.Errorf("meeting analysis failed: %w", err)
	}

	if err := executor.executeReportGeneration(ctx); err != nil {
		return fmt.Errorf("report generation failed: %w", err)
	}

	return executor.finalizeResult(ctx)
}

func (executor *AnalysisExecutor) executeProcessAnalysis(ctx context.Context) error {
	startTime := time.Now()
	state := executor.state

	executor.beginStage(ctx, models.StageProcessAnalysis, "Analyzing business processes")

	presentation, err := executor.orchestrator.documents.Get(ctx,
		executor.orchestrator.config.Mongo.PresentationCollection, state.Request.PresentationID)
	if err != nil {
		return fmt.Errorf("presentation %s not available: %w", state.Request.PresentationID, err)
	}

	input := map[string]interface{}{
		"sap_module":         string(state.Request.SAPModule),
		"presentation":       presentation["content"],
		"additional_context": state.Request.AdditionalContext,
	}

	result, err := executor.orchestrator.analyzer.Analyze(ctx, models.StageProcessAnalysis, input)
	if err != nil {
		return err
	}

	state.StoreStageOutput(result)
	executor.completeStage(ctx, models.StageProcessAnalysis, progressProcessAnalysis,
		fmt.Sprintf("Identified business processes (%d chars)", len(result.RawOutput)), startTime)

	return nil
}

func (executor *AnalysisExecutor) executeRequirementsAnalysis(ctx context.Context) error {
	startTime := time.Now()
	state := executor.state

	if state.Request.RequirementsFile == nil {
		executor.skipStage(ctx, models.StageRequirementsAnalysis,
			"No requirements file provided, skipping requirements analysis")
		return nil
	}

	executor.beginStage(ctx, models.StageRequirementsAnalysis, "Analyzing requirements coverage")

	parsed, err := executor.orchestrator.requirements.ParseStoredFile(state.Request.RequirementsFile.FilePath)
	if err != nil {
		return fmt.Errorf("requirements file unreadable: %w", err)
	}

	processOutput := ""
	if process, ok := state.StageOutput(models.StageProcessAnalysis); ok {
		processOutput = process.RawOutput
	}

	input := map[string]interface{}{
		"sap_module":       string(state.Request.SAPModule),
		"requirements":     parsed.Requirements,
		"process_analysis": processOutput,
	}

	result, err := executor.orchestrator.analyzer.Analyze(ctx, models.StageRequirementsAnalysis, input)
	if err != nil {
		return err
	}

	state.StoreStageOutput(result)
	executor.completeStage(ctx, models.StageRequirementsAnalysis, progressRequirementsAnalysis,
		fmt.Sprintf("Analyzed %d requirements", parsed.TotalRows), startTime)

	return nil
}

func (executor *AnalysisExecutor) executeGapAnalysis(ctx context.Context) error {
	startTime := time.Now()
	state := executor.state

	executor.beginStage(ctx, models.StageGapAnalysis, "Identifying gaps")

	input := map[string]interface{}{
		"sap_module": string(state.Request.SAPModule),
	}
	if process, ok := state.StageOutput(models.StageProcessAnalysis); ok {
		input["process_analysis"] = process.RawOutput
	}
	if requirements, ok := state.StageOutput(models.StageRequirementsAnalysis); ok {
		input["requirements_analysis"] = requirements.RawOutput
	}

	result, err := executor.orchestrator.analyzer.Analyze(ctx, models.StageGapAnalysis, input)
	if err != nil {
		return err
	}

	state.StoreStageOutput(result)
	executor.completeStage(ctx, models.StageGapAnalysis, progressGapAnalysis,
		"Gap analysis completed", startTime)

	return nil
}

func (executor *AnalysisExecutor) executeMeetingAnalysis(ctx context.Context) error {
	startTime := time.Now()
	state := executor.state

	if state.Request.MeetingTranscriptID == "" {
		executor.skipStage(ctx, models.StageMeetingAnalysis,
			"No meeting transcript provided, skipping meeting analysis")
		return nil
	}

	executor.beginStage(ctx, models.StageMeetingAnalysis, "Analyzing meeting transcript")

	transcript, err := executor.orchestrator.documents.Get(ctx,
		executor.orchestrator.config.Mongo.MeetingCollection, state.Request.MeetingTranscriptID)
	if err != nil {
		return fmt.Errorf("meeting transcript %s not available: %w", state.Request.MeetingTranscriptID, err)
	}

	input := map[string]interface{}{
		"meeting_transcript": transcript["content"],
	}
	if requirements, ok := state.StageOutput(models.StageRequirementsAnalysis); ok {
		input["requirements_analysis"] = requirements.RawOutput
	}
	if gap, ok := state.StageOutput(models.StageGapAnalysis); ok {
		input["gap_analysis"] = gap.RawOutput
	}

	result, err := executor.orchestrator.analyzer.Analyze(ctx, models.StageMeetingAnalysis, input)
	if err != nil {
		return err
	}

	state.StoreStageOutput(result)
	executor.completeStage(ctx, models.StageMeetingAnalysis, progressMeetingAnalysis,
		"Meeting insights extracted", startTime)

	return nil
}

func (executor *AnalysisExecutor) executeReportGeneration(ctx context.Context) error {
	startTime := time.Now()
	state := executor.state

	executor.beginStage(ctx, models.StageReportGeneration, "Generating final report")

	input := map[string]interface{}{
		"sap_module":    string(state.Request.SAPModule),
		"analysis_type": string(state.Request.AnalysisType),
	}
	for _, stage := range analysisStages {
		if stage == models.StageReportGeneration {
			continue
		}
		if output, ok := state.StageOutput(stage); ok {
			input[string(stage)] = output.RawOutput
		}
	}

	result, err := executor.orchestrator.analyzer.Analyze(ctx, models.StageReportGeneration, input)
	if err != nil {
		return err
	}

	state.StoreStageOutput(result)
	executor.completeStage(ctx, models.StageReportGeneration, progressReportGeneration,
		fmt.Sprintf("Generated report (%d chars)", len(result.RawOutput)), startTime)

	return nil
}

// finalizeResult aggregates the stage outputs into the final result, marks
// the run completed and persists the result for later retrieval. Persistence
// failures are logged but do not fail the run; the in-memory snapshot still
// carries the result.
func (executor *AnalysisExecutor) finalizeResult(ctx context.Context) error {
	state := executor.state

	finalResult := executor.orchestrator.aggregator.BuildResult(state)
	state.MarkCompleted(finalResult)
	executor.orchestrator.syncStatus(state)

	if err := executor.orchestrator.documents.Put(ctx,
		executor.orchestrator.config.Mongo.ResultsCollection, state.AnalysisID, finalResult); err != nil {
		executor.logger.WithError(err).Error("Failed to persist analysis result",
			"analysis_id", state.AnalysisID)
	}

	executor.logger.LogStage(state.AnalysisID, "aggregation", time.Since(state.CreatedAt), map[string]interface{}{
		"total_requirements": finalResult.TotalRequirements,
		"gaps_identified":    finalResult.GapsIdentified,
		"high_impact_gaps":   finalResult.HighImpactGaps,
	}, nil)

	return nil
}

func (executor *AnalysisExecutor) beginStage(ctx context.Context, stage models.StageIdentity, message string) {
	executor.state.SetStage(message, executor.state.ProgressPercentage)
	executor.orchestrator.syncStatus(executor.state)

	if err := executor.orchestrator.publishUpdate(ctx, executor.state, string(stage), message, nil); err != nil {
		executor.logger.WithError(err).Error("Failed to publish stage start update", "stage", string(stage))
	}
}

func (executor *AnalysisExecutor) completeStage(ctx context.Context, stage models.StageIdentity, progress float64, message string, startTime time.Time) {
	executor.state.SetStage(message, progress)
	executor.orchestrator.syncStatus(executor.state)

	executor.logger.LogStage(executor.state.AnalysisID, string(stage), time.Since(startTime), map[string]interface{}{
		"progress": progress,
	}, nil)

	if err := executor.orchestrator.publishUpdate(ctx, executor.state, string(stage), message, nil); err != nil {
		executor.logger.WithError(err).Error("Failed to publish stage completion update", "stage", string(stage))
	}
}

// skipStage records and publishes the skip without advancing progress; the
// next executed stage jumps straight to its own checkpoint.
func (executor *AnalysisExecutor) skipStage(ctx context.Context, stage models.StageIdentity, message string) {
	executor.state.SetStage(message, executor.state.ProgressPercentage)
	executor.orchestrator.syncStatus(executor.state)

	executor.logger.Info("Stage skipped",
		"analysis_id", executor.state.AnalysisID,
		"stage", string(stage))

	if err := executor.orchestrator.publishUpdate(ctx, executor.state, string(stage), message, nil); err != nil {
		executor.logger.WithError(err).Error("Failed to publish stage skip update", "stage", string(stage))
	}
}

func (orchestrator *Orchestrator) syncStatus(state *models.PipelineState) {
	orchestrator.statuses.Upsert(state.Snapshot())
}

func (orchestrator *Orchestrator) publishUpdate(ctx context.Context, state *models.PipelineState, stage string, message string, stageErr error) error {
	update := &models.StageUpdate{
		AnalysisID: state.AnalysisID,
		Stage:      stage,
		Status:     state.Status,
		Message:    message,
		Progress:   state.ProgressPercentage,
		Timestamp:  time.Now().UTC(),
	}
	if stageErr != nil {
		update.Error = stageErr.Error()
	}

	return orchestrator.publisher.PublishStageUpdate(ctx, update)
}

func (orchestrator *Orchestrator) GetActiveAnalysesCount() int {
	count := 0
	orchestrator.activeAnalyses.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// Cancel rejects cancellation with a reason that depends on where the run
// is. Finished runs cannot be cancelled because there is nothing left to
// stop; in-flight runs cannot be cancelled because stages do not support
// interruption mid-call.
func (orchestrator *Orchestrator) Cancel(ctx context.Context, analysisID string) error {
	snapshot, err := orchestrator.statuses.Get(ctx, analysisID)
	if err != nil {
		return err
	}

	if !snapshot.IsActive() {
		return models.ErrCancelFinished.WithMetadata("analysis_id", analysisID)
	}
	return models.ErrCancelNotSupported.WithMetadata("analysis_id", analysisID)
}

func (orchestrator *Orchestrator) HealthCheck(ctx context.Context) error {
	services := map[string]func() error{
		"documents": func() error { return orchestrator.documents.HealthCheck(ctx) },
		"events":    func() error { return orchestrator.publisher.HealthCheck(ctx) },
	}
	if checker, ok := orchestrator.analyzer.(interface{ HealthCheck(context.Context) error }); ok {
		services["analyzer"] = func() error { return checker.HealthCheck(ctx) }
	}

	for serviceName, healthCheck := range services {
		if err := healthCheck(); err != nil {
			return fmt.Errorf("service %s health check failed: %w", serviceName, err)
		}
	}

	return nil
}

func (orchestrator *Orchestrator) GetStats() map[string]interface{} {
	uptime := time.Since(orchestrator.startTime)

	stageNames := make([]string, len(analysisStages))
	for i, stage := range analysisStages {
		stageNames[i] = string(stage)
	}

	return map[string]interface{}{
		"service":          "orchestrator",
		"uptime_seconds":   uptime.Seconds(),
		"active_analyses":  orchestrator.GetActiveAnalysesCount(),
		"tracked_statuses": orchestrator.statuses.Len(),
		"stages":           stageNames,
	}
}

func (orchestrator *Orchestrator) Close() error {
	orchestrator.logger.Info("Orchestrator shutting down")

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			activeCount := orchestrator.GetActiveAnalysesCount()
			if activeCount > 0 {
				orchestrator.logger.Warn("Timeout waiting for analyses to complete", "active_analyses", activeCount)
			}
			return nil
		case <-ticker.C:
			if orchestrator.GetActiveAnalysesCount() == 0 {
				orchestrator.logger.Info("All analyses completed, orchestrator closed")
				return nil
			}
		}
	}
}
