package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/services"
)

// MockDocumentStore serves canned documents keyed by collection/id and
// records every Put.
type MockDocumentStore struct {
	mu        sync.Mutex
	documents map[string]map[string]interface{}
	puts      []string
	getErr    error
	putErr    error
}

func NewMockDocumentStore() *MockDocumentStore {
	return &MockDocumentStore{
		documents: make(map[string]map[string]interface{}),
	}
}

func (m *MockDocumentStore) SetDocument(collection, id string, document map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[collection+"/"+id] = document
}

func (m *MockDocumentStore) Get(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}
	document, ok := m.documents[collection+"/"+id]
	if !ok {
		return nil, models.ErrDocumentNotFound.WithMetadata("collection", collection)
	}
	return document, nil
}

func (m *MockDocumentStore) Put(ctx context.Context, collection, id string, document interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putErr != nil {
		return m.putErr
	}
	m.puts = append(m.puts, collection+"/"+id)
	return nil
}

func (m *MockDocumentStore) Query(ctx context.Context, collection string, filter map[string]interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}

func (m *MockDocumentStore) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *MockDocumentStore) PutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.puts)
}

func TestStatusStoreUpsertAndGet(t *testing.T) {
	store := services.NewStatusStore(NewMockDocumentStore(), "analysis_results", newTestLogger(t))

	store.Upsert(&models.StatusSnapshot{
		AnalysisID:         "run-1",
		Status:             models.AnalysisStatusProcessing,
		ProgressPercentage: 35,
		CurrentStage:       "process analysis",
		CreatedAt:          time.Now().UTC(),
	})

	snapshot, err := store.Get(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snapshot.Status != models.AnalysisStatusProcessing {
		t.Errorf("Expected processing, got %s", snapshot.Status)
	}
	if snapshot.ProgressPercentage != 35 {
		t.Errorf("Expected progress 35, got %f", snapshot.ProgressPercentage)
	}
}

func TestStatusStoreGetReturnsCopy(t *testing.T) {
	store := services.NewStatusStore(NewMockDocumentStore(), "analysis_results", newTestLogger(t))

	store.Upsert(&models.StatusSnapshot{AnalysisID: "run-1", Status: models.AnalysisStatusPending})

	first, _ := store.Get(context.Background(), "run-1")
	first.Status = models.AnalysisStatusError

	second, _ := store.Get(context.Background(), "run-1")
	if second.Status != models.AnalysisStatusPending {
		t.Error("Mutating a returned snapshot must not affect the store")
	}
}

func TestStatusStoreUnknownID(t *testing.T) {
	store := services.NewStatusStore(NewMockDocumentStore(), "analysis_results", newTestLogger(t))

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, models.ErrAnalysisNotFound) {
		t.Errorf("Expected ErrAnalysisNotFound, got %v", err)
	}
}

func TestStatusStoreFallsBackToDocumentStore(t *testing.T) {
	documents := NewMockDocumentStore()
	documents.SetDocument("analysis_results", "old-run", map[string]interface{}{
		"analysis_id":     "old-run",
		"overall_summary": "persisted summary",
		"gaps_identified": float64(4),
	})

	store := services.NewStatusStore(documents, "analysis_results", newTestLogger(t))

	snapshot, err := store.Get(context.Background(), "old-run")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if snapshot.Status != models.AnalysisStatusCompleted {
		t.Errorf("Synthesized snapshot should be completed, got %s", snapshot.Status)
	}
	if snapshot.ProgressPercentage != 100 {
		t.Errorf("Synthesized snapshot should be at 100%%, got %f", snapshot.ProgressPercentage)
	}
	if snapshot.Result == nil {
		t.Fatal("Synthesized snapshot should carry the result")
	}
	if snapshot.Result.OverallSummary != "persisted summary" {
		t.Errorf("Unexpected summary: %s", snapshot.Result.OverallSummary)
	}
	if snapshot.Result.GapsIdentified != 4 {
		t.Errorf("Expected 4 gaps, got %d", snapshot.Result.GapsIdentified)
	}
}

func TestStatusStoreDocumentStoreError(t *testing.T) {
	documents := NewMockDocumentStore()
	documents.getErr = fmt.Errorf("mongo down")

	store := services.NewStatusStore(documents, "analysis_results", newTestLogger(t))

	_, err := store.Get(context.Background(), "run-1")
	if err == nil {
		t.Fatal("Expected an error when the document store fails")
	}
	if errors.Is(err, models.ErrAnalysisNotFound) {
		t.Error("Infrastructure failures should not masquerade as not-found")
	}
}

func TestStatusStoreListActive(t *testing.T) {
	store := services.NewStatusStore(NewMockDocumentStore(), "analysis_results", newTestLogger(t))

	store.Upsert(&models.StatusSnapshot{AnalysisID: "a", Status: models.AnalysisStatusPending})
	store.Upsert(&models.StatusSnapshot{AnalysisID: "b", Status: models.AnalysisStatusProcessing})
	store.Upsert(&models.StatusSnapshot{AnalysisID: "c", Status: models.AnalysisStatusCompleted})
	store.Upsert(&models.StatusSnapshot{AnalysisID: "d", Status: models.AnalysisStatusError})

	active := store.ListActive()
	if len(active) != 2 {
		t.Errorf("Expected 2 active runs, got %d", len(active))
	}
	if store.Len() != 4 {
		t.Errorf("Expected 4 tracked runs, got %d", store.Len())
	}
}

func TestStatusStoreConcurrentUpserts(t *testing.T) {
	store := services.NewStatusStore(NewMockDocumentStore(), "analysis_results", newTestLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("run-%d", n)
			for p := 0; p <= 100; p += 5 {
				store.Upsert(&models.StatusSnapshot{
					AnalysisID:         id,
					Status:             models.AnalysisStatusProcessing,
					ProgressPercentage: float64(p),
				})
			}
		}(i)
	}
	wg.Wait()

	if store.Len() != 20 {
		t.Errorf("Expected 20 tracked runs, got %d", store.Len())
	}

	snapshot, err := store.Get(context.Background(), "run-7")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snapshot.ProgressPercentage != 100 {
		t.Errorf("Last write should win, got %f", snapshot.ProgressPercentage)
	}
}
