package services

import (
	"encoding/json"
	"strings"
	"time"

	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/pkg/logger"
)

const maxSummaryLength = 1000

var (
	gapKeywords        = []string{"gap", "missing", "not covered", "absence"}
	highImpactKeywords = []string{"critical", "high impact", "priority", "urgent"}

	defaultRecommendations = []string{"Review the analysis result"}
	defaultNextSteps       = []string{"Review the detailed analysis", "Plan implementation of the identified improvements"}
)

// ResultAggregator builds the final AnalysisResult from the accumulated
// stage outputs. It never fails: any problem while shaping the structured
// result degrades to a minimal valid result, because the analytical work has
// already succeeded by the time aggregation runs.
type ResultAggregator struct {
	logger *logger.Logger
}

func NewResultAggregator(log *logger.Logger) *ResultAggregator {
	return &ResultAggregator{logger: log}
}

func (aggregator *ResultAggregator) BuildResult(state *models.PipelineState) (result *models.AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			aggregator.logger.Error("Recovered while building analysis result",
				"analysis_id", state.AnalysisID,
				"panic", r)
			result = aggregator.minimalResult(state)
		}
	}()

	report, _ := state.StageOutput(models.StageReportGeneration)

	totalRequirements := aggregator.countRequirements(state)
	gapsIdentified := aggregator.countGaps(state)
	highImpactGaps := aggregator.countHighImpactGaps(state)
	// High-impact gaps are a subset of all gaps; the independent counts can
	// disagree, so the cap is enforced here.
	if highImpactGaps > gapsIdentified {
		highImpactGaps = gapsIdentified
	}

	result = &models.AnalysisResult{
		AnalysisID:            state.AnalysisID,
		PresentationAnalysis:  aggregator.extractPresentationAnalysis(state),
		RequirementsAnalysis:  aggregator.extractRequirementsAnalysis(state),
		OverallSummary:        aggregator.extractOverallSummary(state, report),
		TotalRequirements:     totalRequirements,
		GapsIdentified:        gapsIdentified,
		HighImpactGaps:        highImpactGaps,
		Recommendations:       aggregator.extractRecommendations(state, report),
		NextSteps:             aggregator.extractNextSteps(report),
		CreatedAt:             time.Now().UTC(),
		ProcessingTimeSeconds: time.Since(state.CreatedAt).Seconds(),
	}
	return result
}

func (aggregator *ResultAggregator) minimalResult(state *models.PipelineState) *models.AnalysisResult {
	summary := "Analysis completed."
	if report, ok := state.StageOutput(models.StageReportGeneration); ok && report.RawOutput != "" {
		summary = truncate(report.RawOutput, maxSummaryLength)
	}

	return &models.AnalysisResult{
		AnalysisID:            state.AnalysisID,
		PresentationAnalysis:  []models.ProcessAnalysis{},
		RequirementsAnalysis:  []models.RequirementAnalysis{},
		OverallSummary:        summary,
		Recommendations:       defaultRecommendations,
		NextSteps:             defaultNextSteps,
		CreatedAt:             time.Now().UTC(),
		ProcessingTimeSeconds: time.Since(state.CreatedAt).Seconds(),
	}
}

func (aggregator *ResultAggregator) extractOverallSummary(state *models.PipelineState, report *models.StageResult) string {
	if report != nil {
		if summary := structuredString(report.StructuredOutput, "summary"); summary != "" {
			return truncate(summary, maxSummaryLength)
		}
		if strings.TrimSpace(report.RawOutput) != "" {
			return truncate(report.RawOutput, maxSummaryLength)
		}
	}

	parts := make([]string, 0, 4)
	if _, ok := state.StageOutput(models.StageProcessAnalysis); ok {
		parts = append(parts, "Business process analysis completed.")
	}
	if _, ok := state.StageOutput(models.StageRequirementsAnalysis); ok {
		parts = append(parts, "Requirements analysis performed.")
	}
	if _, ok := state.StageOutput(models.StageGapAnalysis); ok {
		parts = append(parts, "Gaps identified and prioritized.")
	}
	if _, ok := state.StageOutput(models.StageMeetingAnalysis); ok {
		parts = append(parts, "Insights extracted from the meeting transcript.")
	}

	if len(parts) == 0 {
		return "SAP analysis completed."
	}
	return strings.Join(parts, " ")
}

// countRequirements prefers the explicit count the analyzer was asked to
// return; the keyword scan is the best-effort fallback.
func (aggregator *ResultAggregator) countRequirements(state *models.PipelineState) int {
	stage, ok := state.StageOutput(models.StageRequirementsAnalysis)
	if !ok {
		return 0
	}

	if count, ok := structuredInt(stage.StructuredOutput, "total_requirements"); ok {
		return count
	}

	count := strings.Count(strings.ToLower(stage.RawOutput), "requirement")
	if count == 0 && stage.RawOutput != "" {
		count = 1
	}
	return count
}

func (aggregator *ResultAggregator) countGaps(state *models.PipelineState) int {
	stage, ok := state.StageOutput(models.StageGapAnalysis)
	if !ok {
		return 0
	}

	if count, ok := structuredInt(stage.StructuredOutput, "gaps_identified"); ok {
		return count
	}

	lowered := strings.ToLower(stage.RawOutput)
	count := 0
	for _, keyword := range gapKeywords {
		count += strings.Count(lowered, keyword)
	}
	if count == 0 && stage.RawOutput != "" {
		count = 1
	}
	return count
}

func (aggregator *ResultAggregator) countHighImpactGaps(state *models.PipelineState) int {
	stage, ok := state.StageOutput(models.StageGapAnalysis)
	if !ok {
		return 0
	}

	if count, ok := structuredInt(stage.StructuredOutput, "high_impact_gaps"); ok {
		return count
	}

	lowered := strings.ToLower(stage.RawOutput)
	count := 0
	for _, keyword := range highImpactKeywords {
		count += strings.Count(lowered, keyword)
	}
	return count
}

func (aggregator *ResultAggregator) extractRecommendations(state *models.PipelineState, report *models.StageResult) []string {
	if report != nil {
		if listed := structuredStrings(report.StructuredOutput, "recommendations"); len(listed) > 0 {
			return listed
		}
	}

	recommendations := make([]string, 0, 3)
	if report != nil && strings.Contains(strings.ToLower(report.RawOutput), "recommend") {
		recommendations = append(recommendations, "Implement the improvements identified in the analysis")
	}
	if _, ok := state.StageOutput(models.StageGapAnalysis); ok {
		recommendations = append(recommendations, "Prioritize resolution of the critical gaps")
	}
	if _, ok := state.StageOutput(models.StageRequirementsAnalysis); ok {
		recommendations = append(recommendations, "Review requirements not covered by standard functionality")
	}

	if len(recommendations) == 0 {
		return defaultRecommendations
	}
	return recommendations
}

func (aggregator *ResultAggregator) extractNextSteps(report *models.StageResult) []string {
	if report != nil {
		if listed := structuredStrings(report.StructuredOutput, "next_steps"); len(listed) > 0 {
			return listed
		}
	}

	nextSteps := make([]string, 0, 4)
	if report != nil && strings.Contains(strings.ToLower(report.RawOutput), "next") {
		nextSteps = append(nextSteps, "Review the detailed analysis")
	}
	nextSteps = append(nextSteps,
		"Plan implementation of the identified improvements",
		"Validate proposed solutions with stakeholders",
		"Define an implementation timeline")

	return nextSteps
}

func (aggregator *ResultAggregator) extractPresentationAnalysis(state *models.PipelineState) []models.ProcessAnalysis {
	stage, ok := state.StageOutput(models.StageProcessAnalysis)
	if !ok {
		return []models.ProcessAnalysis{}
	}

	var processes []models.ProcessAnalysis
	if err := decodeStructuredList(stage.StructuredOutput, "processes", &processes); err != nil {
		aggregator.logger.WithError(err).Warn("Failed to decode process analysis entries",
			"analysis_id", state.AnalysisID)
		return []models.ProcessAnalysis{}
	}
	if processes == nil {
		return []models.ProcessAnalysis{}
	}
	return processes
}

func (aggregator *ResultAggregator) extractRequirementsAnalysis(state *models.PipelineState) []models.RequirementAnalysis {
	stage, ok := state.StageOutput(models.StageRequirementsAnalysis)
	if !ok {
		return []models.RequirementAnalysis{}
	}

	var requirements []models.RequirementAnalysis
	if err := decodeStructuredList(stage.StructuredOutput, "requirements", &requirements); err != nil {
		aggregator.logger.WithError(err).Warn("Failed to decode requirement analysis entries",
			"analysis_id", state.AnalysisID)
		return []models.RequirementAnalysis{}
	}
	if requirements == nil {
		return []models.RequirementAnalysis{}
	}
	return requirements
}

func decodeStructuredList(structured map[string]interface{}, key string, target interface{}) error {
	if structured == nil {
		return nil
	}
	value, ok := structured[key]
	if !ok {
		return nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func structuredInt(structured map[string]interface{}, key string) (int, bool) {
	if structured == nil {
		return 0, false
	}
	value, ok := structured[key]
	if !ok {
		return 0, false
	}

	switch typed := value.(type) {
	case float64:
		if typed < 0 {
			return 0, false
		}
		return int(typed), true
	case int:
		if typed < 0 {
			return 0, false
		}
		return typed, true
	}
	return 0, false
}

func structuredString(structured map[string]interface{}, key string) string {
	if structured == nil {
		return ""
	}
	if value, ok := structured[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func structuredStrings(structured map[string]interface{}, key string) []string {
	if structured == nil {
		return nil
	}
	listed, ok := structured[key].([]interface{})
	if !ok {
		return nil
	}

	items := make([]string, 0, len(listed))
	for _, entry := range listed {
		if text, ok := entry.(string); ok && strings.TrimSpace(text) != "" {
			items = append(items, text)
		}
	}
	return items
}

// truncate cuts at a limit counted in runes so a multibyte character is
// never split.
func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
