package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/pkg/logger"
)

// StatusStore holds the latest status snapshot per analysis id. It is created
// once at process start and injected into every orchestrator run; there is no
// package-level table. Reads fall back to the document store so completed
// runs stay queryable across process restarts.
type StatusStore struct {
	mu        sync.RWMutex
	snapshots map[string]*models.StatusSnapshot

	documents         DocumentStore
	resultsCollection string
	logger            *logger.Logger
}

func NewStatusStore(documents DocumentStore, resultsCollection string, log *logger.Logger) *StatusStore {
	return &StatusStore{
		snapshots:         make(map[string]*models.StatusSnapshot),
		documents:         documents,
		resultsCollection: resultsCollection,
		logger:            log,
	}
}

// Upsert replaces the stored snapshot for the analysis id. Safe for
// concurrent use by multiple runs; each run only writes its own key.
func (store *StatusStore) Upsert(snapshot *models.StatusSnapshot) {
	if snapshot == nil {
		return
	}

	copied := *snapshot
	store.mu.Lock()
	store.snapshots[snapshot.AnalysisID] = &copied
	store.mu.Unlock()
}

// Get returns the snapshot for an analysis id. When the in-memory table has
// no entry, a persisted result in the document store yields a synthesized
// completed snapshot. ErrAnalysisNotFound when neither source has one.
func (store *StatusStore) Get(ctx context.Context, analysisID string) (*models.StatusSnapshot, error) {
	store.mu.RLock()
	snapshot, exists := store.snapshots[analysisID]
	store.mu.RUnlock()

	if exists {
		copied := *snapshot
		return &copied, nil
	}

	document, err := store.documents.Get(ctx, store.resultsCollection, analysisID)
	if err != nil {
		if errors.Is(err, models.ErrDocumentNotFound) {
			return nil, models.ErrAnalysisNotFound.WithMetadata("analysis_id", analysisID)
		}
		return nil, err
	}

	result, err := decodeAnalysisResult(document)
	if err != nil {
		store.logger.WithError(err).Warn("Failed to decode persisted analysis result", "analysis_id", analysisID)
		return nil, models.NewInternalError("RESULT_DECODE_FAILED", "Failed to decode persisted analysis result").WithCause(err)
	}

	return &models.StatusSnapshot{
		AnalysisID:         analysisID,
		Status:             models.AnalysisStatusCompleted,
		ProgressPercentage: 100,
		CreatedAt:          result.CreatedAt,
		Result:             result,
	}, nil
}

// ListActive returns snapshots of runs that are pending or processing.
func (store *StatusStore) ListActive() []*models.StatusSnapshot {
	store.mu.RLock()
	defer store.mu.RUnlock()

	active := make([]*models.StatusSnapshot, 0)
	for _, snapshot := range store.snapshots {
		if snapshot.IsActive() {
			copied := *snapshot
			active = append(active, &copied)
		}
	}
	return active
}

func (store *StatusStore) Len() int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.snapshots)
}

func decodeAnalysisResult(document map[string]interface{}) (*models.AnalysisResult, error) {
	raw, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}

	var result models.AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
