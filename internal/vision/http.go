package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"road-service/internal/models"
)

// HTTPVerifier asks a remote image classifier about a photo reference.
//
// Request:  POST <endpoint> {"photo_reference": "..."}
// Response: {"label": "speed bump", "confidence": 0.9, "type": "speed_bump"}
// "type" is optional; when absent the label is mapped onto a coarse type.
type HTTPVerifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPVerifier creates a verifier that gives each request at most timeout.
func NewHTTPVerifier(endpoint string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	PhotoReference string `json:"photo_reference"`
}

type verifyResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Type       string  `json:"type,omitempty"`
}

// Verify implements Verifier.
func (h *HTTPVerifier) Verify(ctx context.Context, photoReference string) (models.Verification, error) {
	body, err := json.Marshal(verifyRequest{PhotoReference: photoReference})
	if err != nil {
		return models.Verification{}, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.Verification{}, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return models.Verification{}, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Verification{}, fmt.Errorf("classifier returned %s", resp.Status)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Verification{}, fmt.Errorf("failed to decode classifier response: %w", err)
	}

	refined := models.ParseCoarseType(out.Type)
	if out.Type == "" {
		refined = models.ParseCoarseType(out.Label)
	}

	return models.Verification{
		Label:       out.Label,
		Confidence:  out.Confidence,
		RefinedType: refined,
	}, nil
}
