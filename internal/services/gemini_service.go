package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sap-analysis-pipeline/internal/config"
	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"google.golang.org/genai"
)

// Analyzer is the opaque reasoning function every pipeline stage calls:
// stage identity plus input context in, one StageResult out. Failures are
// either transient (network, service) or malformed-output faults; both
// surface as stage failures to the orchestrator.
type Analyzer interface {
	Analyze(ctx context.Context, stage models.StageIdentity, input map[string]interface{}) (*models.StageResult, error)
}

type GeminiService struct {
	client  *genai.Client
	breaker *gobreaker.CircuitBreaker
	config  config.GeminiConfig
	logger  *logger.Logger
}

type generationRequest struct {
	Prompt      string
	SystemRole  string
	MaxTokens   int32
	Temperature *float32
}

type generationResponse struct {
	Content      string
	TokensUsed   int
	FinishReason string
}

func NewGeminiService(cfg config.GeminiConfig, log *logger.Logger) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API key required")
	}

	ctx := context.Background()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "gemini",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	service := &GeminiService{
		client:  client,
		breaker: breaker,
		config:  cfg,
		logger:  log,
	}

	log.Info("Analyzer Service Initialized Successfully - Gemini API",
		"model", cfg.Model,
		"max_tokens", cfg.MaxTokens,
		"temperature", cfg.Temperature)

	return service, nil
}

func (service *GeminiService) Analyze(ctx context.Context, stage models.StageIdentity, input map[string]interface{}) (*models.StageResult, error) {
	startTime := time.Now()

	prompt, systemRole, err := buildStagePrompt(stage, input)
	if err != nil {
		return nil, err
	}

	temperature := float32(service.config.Temperature)
	request := &generationRequest{
		Prompt:      prompt,
		SystemRole:  systemRole,
		MaxTokens:   int32(service.config.MaxTokens),
		Temperature: &temperature,
	}

	response, err := service.generateWithRetry(ctx, request)
	if err != nil {
		service.logger.LogService("gemini", "analyze", time.Since(startTime), map[string]interface{}{
			"stage":         string(stage),
			"prompt_length": len(prompt),
		}, err)
		return nil, models.WrapExternalError("GEMINI", err).WithMetadata("stage", string(stage))
	}

	if strings.TrimSpace(response.Content) == "" {
		return nil, models.NewExternalError("GEMINI_EMPTY_OUTPUT", "Analyzer returned no usable text").
			WithMetadata("stage", string(stage))
	}

	duration := time.Since(startTime)
	result := &models.StageResult{
		Stage:            stage,
		RawOutput:        response.Content,
		StructuredOutput: extractStructuredOutput(response.Content),
		Metrics: models.StageMetrics{
			TokensUsed:           response.TokensUsed,
			ExecutionTimeSeconds: duration.Seconds(),
		},
	}

	service.logger.LogService("gemini", "analyze", duration, map[string]interface{}{
		"stage":           string(stage),
		"response_length": len(response.Content),
		"tokens_used":     response.TokensUsed,
		"structured":      result.StructuredOutput != nil,
	}, nil)

	return result, nil
}

func (service *GeminiService) generateWithRetry(ctx context.Context, request *generationRequest) (*generationResponse, error) {
	operation := func() (*generationResponse, error) {
		raw, err := service.breaker.Execute(func() (interface{}, error) {
			return service.makeGenerationRequest(ctx, request)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			service.logger.WithError(err).Warn("Generation attempt failed, retrying")
			return nil, err
		}
		return raw.(*generationResponse), nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = service.config.RetryDelay

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(service.config.MaxRetries)))
}

func (service *GeminiService) makeGenerationRequest(ctx context.Context, request *generationRequest) (*generationResponse, error) {
	genCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	genConfig := &genai.GenerateContentConfig{
		Temperature:     request.Temperature,
		MaxOutputTokens: request.MaxTokens,
	}
	if request.SystemRole != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(request.SystemRole, genai.RoleUser)
	}

	result, err := service.client.Models.GenerateContent(genCtx, service.config.Model, genai.Text(request.Prompt), genConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no response candidates generated")
	}

	candidate := result.Candidates[0]

	text := ""
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			text += part.Text
		}
	}

	tokensUsed := len(request.Prompt)/4 + len(text)/4

	return &generationResponse{
		Content:      text,
		TokensUsed:   tokensUsed,
		FinishReason: string(candidate.FinishReason),
	}, nil
}

func (service *GeminiService) HealthCheck(ctx context.Context) error {
	if service.client == nil {
		return fmt.Errorf("Gemini client not initialized")
	}
	if state := service.breaker.State(); state == gobreaker.StateOpen {
		return fmt.Errorf("Gemini circuit breaker is open")
	}
	return nil
}

func (service *GeminiService) GetStats() map[string]interface{} {
	counts := service.breaker.Counts()
	return map[string]interface{}{
		"service":               "gemini",
		"model":                 service.config.Model,
		"breaker_state":         service.breaker.State().String(),
		"requests":              counts.Requests,
		"consecutive_failures":  counts.ConsecutiveFailures,
		"consecutive_successes": counts.ConsecutiveSuccesses,
	}
}

// extractStructuredOutput pulls a JSON object out of the analyzer text when
// one is present. Free-text responses yield nil; the structured payload is
// optional by contract.
func extractStructuredOutput(content string) map[string]interface{} {
	trimmed := strings.TrimSpace(content)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return nil
	}

	var structured map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &structured); err != nil {
		return nil
	}
	return structured
}

func buildStagePrompt(stage models.StageIdentity, input map[string]interface{}) (string, string, error) {
	switch stage {
	case models.StageProcessAnalysis:
		return buildProcessAnalysisPrompt(input),
			"You are a senior SAP business process analyst specialized in implementation projects.",
			nil
	case models.StageRequirementsAnalysis:
		return buildRequirementsAnalysisPrompt(input),
			"You are an expert SAP requirements analyst mapping business requirements to standard processes.",
			nil
	case models.StageGapAnalysis:
		return buildGapAnalysisPrompt(input),
			"You are an SAP gap analysis specialist identifying deviations between requirements and standard functionality.",
			nil
	case models.StageMeetingAnalysis:
		return buildMeetingAnalysisPrompt(input),
			"You are an SAP consultant extracting decisions and commitments from meeting transcripts.",
			nil
	case models.StageReportGeneration:
		return buildReportGenerationPrompt(input),
			"You are an SAP implementation advisor writing executive-level gap analysis reports.",
			nil
	default:
		return "", "", models.NewInternalError("UNKNOWN_STAGE", "Unknown stage identity").
			WithMetadata("stage", string(stage))
	}
}

func buildProcessAnalysisPrompt(input map[string]interface{}) string {
	return fmt.Sprintf(`Analyze the business processes described in the presentation transcript below for an SAP %v implementation.

PRESENTATION:
%v

ADDITIONAL CONTEXT:
%v

For every distinct business process found, describe:
1. Process name and a short description
2. The slide/page number where it appears
3. The end-to-end process flow
4. Key steps, business rules and integration points
5. Potential gaps against standard SAP %v functionality

After your analysis, append a JSON object with the fields:
{"processes": [{"process_name": "...", "process_description": "...", "page_number": 1, "process_flow": "...", "key_steps": [], "business_rules": [], "integration_points": [], "potential_gaps": []}]}

Base every statement on the transcript. Do not invent processes.`,
		input["sap_module"], input["presentation"], input["additional_context"], input["sap_module"])
}

func buildRequirementsAnalysisPrompt(input map[string]interface{}) string {
	return fmt.Sprintf(`Map the business requirements below to the standard SAP %v processes identified in the prior process analysis.

REQUIREMENTS:
%v

PROCESS ANALYSIS:
%v

For each requirement state:
1. Which core process covers it and on which pages it appears
2. Whether it is fully covered by standard functionality
3. If not covered, why, and the business impact (very_low, low, medium, high, very_high)

After your analysis, append a JSON object with the fields:
{"requirements": [{"requirement_id": "...", "requirement_description": "...", "core_process_analysis": "...", "core_process_page_numbers": [], "core_process_explanation": "...", "is_gap": false, "gap_reason": "", "business_impact": "medium", "final_conclusion": "..."}], "total_requirements": 0}`,
		input["sap_module"], input["requirements"], input["process_analysis"])
}

func buildGapAnalysisPrompt(input map[string]interface{}) string {
	return fmt.Sprintf(`Perform a gap analysis for an SAP %v implementation based on the analyses below.

PROCESS ANALYSIS:
%v

REQUIREMENTS ANALYSIS:
%v

Identify every gap between the documented business processes/requirements and standard SAP %v functionality. For each gap give a justification and a business impact rating. Prioritize gaps by impact.

After your analysis, append a JSON object with the fields:
{"gaps_identified": 0, "high_impact_gaps": 0, "gaps": [{"description": "...", "justification": "...", "business_impact": "high"}]}`,
		input["sap_module"], input["process_analysis"], input["requirements_analysis"], input["sap_module"])
}

func buildMeetingAnalysisPrompt(input map[string]interface{}) string {
	return fmt.Sprintf(`Review the meeting transcript below in the context of the requirements and gap analyses.

MEETING TRANSCRIPT:
%v

REQUIREMENTS ANALYSIS:
%v

GAP ANALYSIS:
%v

Extract decisions, commitments and clarifications that confirm, contradict or refine the identified gaps. Reference the transcript passages you rely on.`,
		input["meeting_transcript"], input["requirements_analysis"], input["gap_analysis"])
}

func buildReportGenerationPrompt(input map[string]interface{}) string {
	var sections strings.Builder
	for _, stage := range []string{"process_analysis", "requirements_analysis", "gap_analysis", "meeting_analysis"} {
		if output, ok := input[stage]; ok {
			sections.WriteString(fmt.Sprintf("\n%s:\n%v\n", strings.ToUpper(stage), output))
		}
	}

	return fmt.Sprintf(`Write the final gap-analysis report for an SAP %v implementation (analysis type: %v) consolidating the stage outputs below.
%s
The report must contain:
1. An executive summary (at most two paragraphs)
2. The list of identified gaps ordered by business impact
3. Concrete recommendations
4. Next steps for the implementation team

After the report, append a JSON object with the fields:
{"summary": "...", "total_requirements": 0, "gaps_identified": 0, "high_impact_gaps": 0, "recommendations": [], "next_steps": []}`,
		input["sap_module"], input["analysis_type"], sections.String())
}
