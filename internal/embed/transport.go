package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPDoer is the transport seam for remote providers. The provider
// HTTP/transport code itself is out of scope (§1 Non-goals); this
// interface is the abstract boundary so EmbedQuery/EmbedBatch can be
// tested without a real network, by swapping in a fake Doer.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// remoteProvider is a thin OpenAI-compatible embeddings client shared by
// the openai, gemini, and voyage provider families, differentiated only by
// baseURL, auth header, and default model/dimensions — all three remote
// provider families in §6 expose a request/response shape close enough to
// this one that a single client body serves all three.
type remoteProvider struct {
	id         ProviderID
	baseURL    string
	model      string
	dimensions int
	authHeader string
	authValue  string
	transport  HTTPDoer
}

type remoteEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type remoteEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func newRemoteProvider(id ProviderID, baseURL, model string, dims int, authHeader, authValue string, transport HTTPDoer) *remoteProvider {
	return &remoteProvider{
		id:         id,
		baseURL:    baseURL,
		model:      model,
		dimensions: dims,
		authHeader: authHeader,
		authValue:  authValue,
		transport:  transport,
	}
}

func (p *remoteProvider) ID() ProviderID  { return p.id }
func (p *remoteProvider) Model() string   { return p.model }
func (p *remoteProvider) Dimensions() int { return p.dimensions }

func (p *remoteProvider) Available(ctx context.Context) bool {
	_, err := p.EmbedQuery(ctx, "ping")
	return err == nil
}

func (p *remoteProvider) Close() error { return nil }

func (p *remoteProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *remoteProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	body, err := json.Marshal(remoteEmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encode embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authHeader != "" {
		req.Header.Set(p.authHeader, p.authValue)
	}

	resp, err := p.transport.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding provider %s returned %d: %s", p.id, resp.StatusCode, string(payload))
	}

	var parsed remoteEmbedResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding provider %s returned %d vectors for %d inputs", p.id, len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding provider %s returned out-of-range index %d", p.id, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
