package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// EmbeddingService talks to an Ollama-compatible embeddings API. The
// orchestrator only sees it through the embedding stage handler; whether the
// call succeeds or fails is all the job machinery cares about.
type EmbeddingService struct {
	baseURL string
	model   string
	client  *http.Client
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func NewEmbeddingService(baseURL, model string) *EmbeddingService {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}

	timeout := time.Duration(envInt("EMBEDDINGS_TIMEOUT_SECONDS", 60)) * time.Second

	return &EmbeddingService{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

// CheckHealth verifies the embeddings API is reachable before a stage starts
// burning attempts against it.
func (es *EmbeddingService) CheckHealth() error {
	url := fmt.Sprintf("%s/api/tags", es.baseURL)
	resp, err := es.client.Get(url)
	if err != nil {
		return fmt.Errorf("embeddings service not available: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embeddings service returned status %d", resp.StatusCode)
	}

	return nil
}

// GenerateEmbedding generates an embedding vector for the given text
func (es *EmbeddingService) GenerateEmbedding(text string) ([]float32, error) {
	url := es.baseURL + "/api/embeddings"
	request := embeddingRequest{
		Model:  es.model,
		Prompt: text,
	}
	body, _ := json.Marshal(request)
	resp, err := es.client.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API returned status %d", resp.StatusCode)
	}
	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, err
	}
	if len(embeddingResp.Embedding) == 0 {
		return nil, fmt.Errorf("embedding API returned an empty vector")
	}
	return embeddingResp.Embedding, nil
}
