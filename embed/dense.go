package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// embedAttempts bounds retries against a throttled embeddings API.
const embedAttempts = 5

// OpenAI calls an OpenAI-compatible /v1/embeddings endpoint.
type OpenAI struct {
	endpoint string
	apiKey   string
	model    string
	dims     int
	client   *http.Client
	logger   *log.Entry
}

// NewOpenAI builds a dense embedder over an OpenAI-compatible endpoint.
// |dims| must match what the model actually produces; every response is
// checked against it so a misconfigured model surfaces immediately
// rather than as corrupt vectors in a destination.
func NewOpenAI(endpoint, apiKey, model string, dims int) *OpenAI {
	return &OpenAI{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		dims:     dims,
		client:   http.DefaultClient,
		logger:   log.WithField("model", model),
	}
}

// WithClient overrides the HTTP client, for tests.
func (e *OpenAI) WithClient(c *http.Client) *OpenAI {
	e.client = c
	return e
}

func (e *OpenAI) ModelName() string { return e.model }
func (e *OpenAI) Dimensions() int   { return e.dims }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var body, err = json.Marshal(embeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encoding embedding request: %w", err)
	}

	var resp *http.Response
	for attempt := 0; true; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
			// Pass.
		}

		var req *http.Request
		if req, err = http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body)); err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if e.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.apiKey)
		}

		if resp, err = e.client.Do(req); err != nil {
			if attempt+1 >= embedAttempts {
				return nil, fmt.Errorf("calling embeddings API: %w", err)
			}
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			var wait = retryAfter(resp)
			resp.Body.Close()
			if attempt+1 >= embedAttempts {
				return nil, fmt.Errorf("embeddings API returned status %d after %d attempts", resp.StatusCode, embedAttempts)
			}
			e.logger.WithFields(log.Fields{
				"status":  resp.StatusCode,
				"attempt": attempt,
			}).Warn("embeddings API throttled; retrying")
			if wait > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
					// Pass.
				}
			}
			continue
		}
		break
	}
	defer resp.Body.Close()

	var raw []byte
	if raw, err = io.ReadAll(resp.Body); err != nil {
		return nil, fmt.Errorf("reading embeddings response: %w", err)
	}
	var parsed embeddingResponse
	if err = json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding embeddings response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("embeddings API: %s", parsed.Error.Message)
		}
		return nil, fmt.Errorf("embeddings API returned status %d", resp.StatusCode)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	// Responses may arrive out of order; restore input order by index.
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	var out = make([][]float32, len(texts))
	for i, d := range parsed.Data {
		if len(d.Embedding) != e.dims {
			return nil, fmt.Errorf("embedding %d has %d dimensions, model %s is configured for %d",
				i, len(d.Embedding), e.model, e.dims)
		}
		out[i] = d.Embedding
	}
	return out, nil
}

func retryAfter(resp *http.Response) time.Duration {
	var secs, err = strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 0
	case 1:
		return time.Millisecond * 100
	case 2:
		return time.Second
	default:
		return time.Second * time.Duration(attempt)
	}
}
