package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIGenerator produces embeddings through Google's Gemini embedding
// models. It satisfies Func via its Embed method.
type GenAIGenerator struct {
	client   *genai.Client
	model    string
	taskType string
}

// NewGenAIGenerator creates a Gemini-backed generator. taskType selects the
// embedding task; SEMANTIC_SIMILARITY is the default and the right choice
// for memory recall.
func NewGenAIGenerator(apiKey, model, taskType string) (*GenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	var task string
	switch taskType {
	case "SEMANTIC_SIMILARITY", "":
		task = "SEMANTIC_SIMILARITY"
	case "RETRIEVAL_DOCUMENT":
		task = "RETRIEVAL_DOCUMENT"
	case "RETRIEVAL_QUERY":
		task = "RETRIEVAL_QUERY"
	case "CLUSTERING":
		task = "CLUSTERING"
	case "QUESTION_ANSWERING":
		task = "QUESTION_ANSWERING"
	default:
		task = "SEMANTIC_SIMILARITY"
	}

	return &GenAIGenerator{client: client, model: model, taskType: task}, nil
}

// Embed generates an embedding for a single text.
func (g *GenAIGenerator) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}
	result, err := g.client.Models.EmbedContent(ctx, g.model, contents,
		&genai.EmbedContentConfig{TaskType: g.taskType})
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// Func adapts the generator to the callable configuration point.
func (g *GenAIGenerator) Func() Func {
	return g.Embed
}

// Close releases the underlying client. The genai HTTP client holds no
// resources that require explicit release.
func (g *GenAIGenerator) Close() error {
	return nil
}
