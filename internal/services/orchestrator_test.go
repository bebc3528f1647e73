package services_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sap-analysis-pipeline/internal/config"
	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/services"
)

// MockAnalyzer returns a canned result per stage and records the order of
// stage calls.
type MockAnalyzer struct {
	mu        sync.Mutex
	calls     []models.StageIdentity
	failStage models.StageIdentity
	outputs   map[models.StageIdentity]*models.StageResult
	gate      chan struct{}
}

func NewMockAnalyzer() *MockAnalyzer {
	return &MockAnalyzer{
		outputs: make(map[models.StageIdentity]*models.StageResult),
	}
}

func (m *MockAnalyzer) Analyze(ctx context.Context, stage models.StageIdentity, input map[string]interface{}) (*models.StageResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, stage)
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if stage == m.failStage {
		return nil, models.NewExternalError("GEMINI_FAILED", "Generation failed")
	}

	if output, ok := m.outputs[stage]; ok {
		return output, nil
	}
	return &models.StageResult{
		Stage:     stage,
		RawOutput: fmt.Sprintf("output for %s", stage),
	}, nil
}

func (m *MockAnalyzer) Calls() []models.StageIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]models.StageIdentity, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// MockPublisher records every stage update.
type MockPublisher struct {
	mu      sync.Mutex
	updates []*models.StageUpdate
	err     error
}

func (m *MockPublisher) PublishStageUpdate(ctx context.Context, update *models.StageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.updates = append(m.updates, update)
	return nil
}

func (m *MockPublisher) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *MockPublisher) Updates() []*models.StageUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	updates := make([]*models.StageUpdate, len(m.updates))
	copy(updates, m.updates)
	return updates
}

type orchestratorFixture struct {
	orchestrator *services.Orchestrator
	analyzer     *MockAnalyzer
	documents    *MockDocumentStore
	publisher    *MockPublisher
	statuses     *services.StatusStore
	config       config.Config
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	log := newTestLogger(t)

	cfg := config.Config{
		Environment: "test",
		Mongo: config.MongoConfig{
			PresentationCollection: "presentation_transcriptions",
			MeetingCollection:      "transcriptions",
			ResultsCollection:      "analysis_results",
		},
		Upload: config.UploadConfig{
			Dir:              t.TempDir(),
			MaxFileSizeBytes: 10 * 1024 * 1024,
			AllowedTypes:     []string{".xlsx", ".csv"},
		},
	}

	documents := NewMockDocumentStore()
	documents.SetDocument("presentation_transcriptions", "pres-1", map[string]interface{}{
		"content": "slide one describes order to cash",
	})
	documents.SetDocument("transcriptions", "meeting-1", map[string]interface{}{
		"content": "we agreed to keep standard pricing",
	})

	analyzer := NewMockAnalyzer()
	publisher := &MockPublisher{}
	statuses := services.NewStatusStore(documents, cfg.Mongo.ResultsCollection, log)
	aggregator := services.NewResultAggregator(log)

	requirements, err := services.NewRequirementsService(cfg.Upload, log)
	if err != nil {
		t.Fatalf("Failed to create requirements service: %v", err)
	}

	orchestrator := services.NewOrchestrator(documents, analyzer, statuses, publisher, requirements, aggregator, cfg, log)

	return &orchestratorFixture{
		orchestrator: orchestrator,
		analyzer:     analyzer,
		documents:    documents,
		publisher:    publisher,
		statuses:     statuses,
		config:       cfg,
	}
}

func (fixture *orchestratorFixture) writeRequirementsCSV(t *testing.T) *models.FileUploadInfo {
	t.Helper()

	path := filepath.Join(fixture.config.Upload.Dir, "requirements.csv")
	content := "Requirement ID,Description,Priority\nREQ-001,Support custom pricing,High\nREQ-002,Automate dunning,Medium\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write requirements file: %v", err)
	}

	return &models.FileUploadInfo{
		Filename:    "requirements.csv",
		FileSize:    int64(len(content)),
		ContentType: "text/csv",
		FilePath:    path,
		UploadedAt:  time.Now().UTC(),
	}
}

func TestRunWithoutOptionalInputs(t *testing.T) {
	fixture := newOrchestratorFixture(t)

	state := models.NewPipelineState(models.AnalysisRequest{
		PresentationID: "pres-1",
		SAPModule:      models.ModuleSD,
		AnalysisType:   models.AnalysisTypeGapAnalysis,
	})

	if err := fixture.orchestrator.Run(context.Background(), state); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectedStages := []models.StageIdentity{
		models.StageProcessAnalysis,
		models.StageGapAnalysis,
		models.StageReportGeneration,
	}
	calls := fixture.analyzer.Calls()
	if len(calls) != len(expectedStages) {
		t.Fatalf("Expected %d analyzer calls, got %d: %v", len(expectedStages), len(calls), calls)
	}
	for i, stage := range expectedStages {
		if calls[i] != stage {
			t.Errorf("Call %d: expected %s, got %s", i, stage, calls[i])
		}
	}

	snapshot, err := fixture.statuses.Get(context.Background(), state.AnalysisID)
	if err != nil {
		t.Fatalf("Status lookup failed: %v", err)
	}
	if snapshot.Status != models.AnalysisStatusCompleted {
		t.Errorf("Expected completed, got %s", snapshot.Status)
	}
	if snapshot.ProgressPercentage != 100 {
		t.Errorf("Expected progress 100, got %f", snapshot.ProgressPercentage)
	}
	if snapshot.Result == nil {
		t.Fatal("Completed snapshot should carry the result")
	}
	if snapshot.Result.OverallSummary == "" {
		t.Error("Result should have a summary")
	}

	if fixture.documents.PutCount() != 1 {
		t.Errorf("Expected 1 persisted result, got %d", fixture.documents.PutCount())
	}
}

func TestRunWithAllInputs(t *testing.T) {
	fixture := newOrchestratorFixture(t)

	state := models.NewPipelineState(models.AnalysisRequest{
		PresentationID:      "pres-1",
		RequirementsFile:    fixture.writeRequirementsCSV(t),
		MeetingTranscriptID: "meeting-1",
		SAPModule:           models.ModuleFI,
		AnalysisType:        models.AnalysisTypeFullAnalysis,
	})

	if err := fixture.orchestrator.Run(context.Background(), state); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expectedStages := []models.StageIdentity{
		models.StageProcessAnalysis,
		models.StageRequirementsAnalysis,
		models.StageGapAnalysis,
		models.StageMeetingAnalysis,
		models.StageReportGeneration,
	}
	calls := fixture.analyzer.Calls()
	if len(calls) != len(expectedStages) {
		t.Fatalf("Expected %d analyzer calls, got %d: %v", len(expectedStages), len(calls), calls)
	}
	for i, stage := range expectedStages {
		if calls[i] != stage {
			t.Errorf("Call %d: expected %s, got %s", i, stage, calls[i])
		}
	}

	for _, stage := range expectedStages {
		if _, ok := state.StageOutput(stage); !ok {
			t.Errorf("Missing stage output for %s", stage)
		}
	}
}

func TestRunProgressNeverDecreases(t *testing.T) {
	fixture := newOrchestratorFixture(t)

	state := models.NewPipelineState(models.AnalysisRequest{
		PresentationID:      "pres-1",
		RequirementsFile:    fixture.writeRequirementsCSV(t),
		MeetingTranscriptID: "meeting-1",
		SAPModule:           models.ModuleMM,
	})

	if err := fixture.orchestrator.Run(context.Background(), state); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	updates := fixture.publisher.Updates()
	if len(updates) == 0 {
		t.Fatal("Expected stage updates to be published")
	}

	previous := -1.0
	for i, update := range updates {
		if update.Progress < previous {
			t.Errorf("Update %d: progress decreased from %f to %f", i, previous, update.Progress)
		}
		previous = update.Progress
	}

	last := updates[len(updates)-1]
	if last.Progress != 100 {
		t.Errorf("Final update should report 100%%, got %f", last.Progress)
	}
	if last.Status != models.AnalysisStatusCompleted {
		t.Errorf("Final update should be completed, got %s", last.Status)
	}
}

func TestRunSkipsOptionalStages(t *testing.T) {
	fixture := newOrchestratorFixture(t)

	state := models.NewPipelineState(models.AnalysisRequest{
		PresentationID: "pres-1",
		SAPModule:      models.ModuleCO,
	})

	if err := fixture.orchestrator.Run(context.Background(), state); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, ok := state.StageOutput(models.StageRequirementsAnalysis); ok {
		t.Error("Requirements analysis should have been skipped")
	}
	if _, ok := state.StageOutput(models.StageMeetingAnalysis); ok {
		t.Error("Meeting analysis should have been skipped")
	}

	// A skipped stage publishes its skip notice without moving progress;
	// the next executed stage advances straight to its own checkpoint.
	for _, update := range fixture.publisher.Updates() {
		switch update.Stage {
		case string(models.StageRequirementsAnalysis):
			if update.Progress != 35 {
				t.Errorf("Skipped requirements stage published progress %f, want 35", update.Progress)
			}
		case string(models.StageMeetingAnalysis):
			if update.Progress != 80 {
				t.Errorf("Skipped meeting stage published progress %f, want 80", update.Progress)
			}
		}
	}

	sawRequirementsSkip := false
	sawMeetingSkip := false
	for _, update := range fixture.publisher.Updates() {
		if update.Stage == string(models.StageRequirementsAnalysis) {
			sawRequirementsSkip = true
		}
		if update.Stage == string(models.StageMeetingAnalysis) {
			sawMeetingSkip = true
		}
	}
	if !sawRequirementsSkip {
		t.Error("Skipped requirements stage should still publish an update")
	}
	if !sawMeetingSkip {
		t.Error("Skipped meeting stage should still publish an update")
	}
}

func TestRunStageFailure(t *testing.T) {
	fixture := newOrchestratorFixture(t)
	fixture.analyzer.failStage = models.StageGapAnalysis

	state := models.NewPipelineState(models.AnalysisRequest{
		PresentationID: "pres-1",
		SAPModule:      models.ModuleFI,
	})

	err := fixture.orchestrator.Run(context.Background(), state)
	if err == nil {
		t.Fatal("Run should fail when a stage fails")
	}

	snapshot, lookupErr := fixture.statuses.Get(context.Background(), state.AnalysisID)
	if lookupErr != nil {
		t.Fatalf("Status lookup failed: %v", lookupErr)
	}
	if snapshot.Status != models.AnalysisStatusError {
		t.Errorf("Expected error status, got %s", snapshot.Status)
	}
	if snapshot.ErrorMessage == "" {
		t.Error("Error snapshot should carry a message")
	}

	calls := fixture.analyzer.Calls()
	for _, stage := range calls {
		if stage == models.StageReportGeneration {
			t.Error("Report generation should not run after a stage failure")
		}
	}

	if fixture.documents.PutCount() != 0 {
		t.Errorf("Failed runs should not persist a result, got %d puts", fixture.documents.PutCount())
	}
}

func TestRunMissingPresentation(t *testing.T) {
	fixture := newOrchestratorFixture(t)

	state := models.NewPipelineState(models.AnalysisRequest{
		PresentationID: "does-not-exist",
		SAPModule:      models.ModuleFI,
	})

	err := fixture.orchestrator.Run(context.Background(), state)
	if err == nil {
		t.Fatal("Run should fail when the presentation is missing")
	}

	snapshot, _ := fixture.statuses.Get(context.Background(), state.AnalysisID)
	if snapshot.Status != models.AnalysisStatusError {
		t.Errorf("Expected error status, got %s", snapshot.Status)
	}
}

func TestRunPersistFailureStillCompletes(t *testing.T) {
	fixture := newOrchestratorFixture(t)
	fixture.documents.putErr = fmt.Errorf("mongo write failed")

	state := models.NewPipelineState(models.AnalysisRequest{
		PresentationID: "pres-1",
		SAPModule:      models.ModuleFI,
	})

	if err := fixture.orchestrator.Run(context.Background(), state); err != nil {
		t.Fatalf("Persist failures must not fail the run: %v", err)
	}

	snapshot, _ := fixture.statuses.Get(context.Background(), state.AnalysisID)
	if snapshot.Status != models.AnalysisStatusCompleted {
		t.Errorf("Expected completed, got %s", snapshot.Status)
	}
	if snapshot.Result == nil {
		t.Error("In-memory snapshot should still carry the result")
	}
}

func TestCancelFinishedAnalysis(t *testing.T) {
	fixture := newOrchestratorFixture(t)

	fixture.statuses.Upsert(&models.StatusSnapshot{
		AnalysisID: "done",
		Status:     models.AnalysisStatusCompleted,
	})

	err := fixture.orchestrator.Cancel(context.Background(), "done")
	if !errors.Is(err, models.ErrCancelFinished) {
		t.Errorf("Expected ErrCancelFinished, got %v", err)
	}
}

func TestCancelProcessingAnalysis(t *testing.T) {
	fixture := newOrchestratorFixture(t)

	fixture.statuses.Upsert(&models.StatusSnapshot{
		AnalysisID: "running",
		Status:     models.AnalysisStatusProcessing,
	})

	err := fixture.orchestrator.Cancel(context.Background(), "running")
	if !errors.Is(err, models.ErrCancelNotSupported) {
		t.Errorf("Expected ErrCancelNotSupported, got %v", err)
	}
}

func TestCancelUnknownAnalysis(t *testing.T) {
	fixture := newOrchestratorFixture(t)

	err := fixture.orchestrator.Cancel(context.Background(), "nope")
	if !errors.Is(err, models.ErrAnalysisNotFound) {
		t.Errorf("Expected ErrAnalysisNotFound, got %v", err)
	}
}

func TestOrchestratorStats(t *testing.T) {
	fixture := newOrchestratorFixture(t)

	stats := fixture.orchestrator.GetStats()
	if stats["service"] != "orchestrator" {
		t.Errorf("Expected service orchestrator, got %v", stats["service"])
	}
	if stats["active_analyses"] != 0 {
		t.Errorf("Expected 0 active analyses, got %v", stats["active_analyses"])
	}
}

func TestOrchestratorHealthCheck(t *testing.T) {
	fixture := newOrchestratorFixture(t)

	if err := fixture.orchestrator.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestOrchestratorCloseWithNoActiveRuns(t *testing.T) {
	fixture := newOrchestratorFixture(t)

	done := make(chan error, 1)
	go func() {
		done <- fixture.orchestrator.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close should return promptly when nothing is running")
	}
}
