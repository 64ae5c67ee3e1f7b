package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ClovaClient submits asynchronous recognition jobs to Naver CLOVA Speech.
// Implements the Provider interface.
type ClovaClient struct {
	url       string
	apiKeyID  string
	apiSecret string
	client    *http.Client
}

// clovaRequest is the JSON body of a CLOVA Speech URL recognition request.
type clovaRequest struct {
	URL         string `json:"url"`
	Language    string `json:"language"`
	Completion  string `json:"completion"`
	Callback    string `json:"callback"`
	InterviewID string `json:"interviewId"`
}

// clovaResponse is the acknowledgement CLOVA returns for an async job.
type clovaResponse struct {
	Result  string `json:"result"`
	Message string `json:"message"`
	Token   string `json:"token"`
}

// NewClovaClient creates a CLOVA Speech client. timeout bounds the
// submission round trip, not the transcription itself.
func NewClovaClient(url, apiKeyID, apiSecret string, timeout time.Duration) *ClovaClient {
	return &ClovaClient{
		url:       url,
		apiKeyID:  apiKeyID,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (c *ClovaClient) Name() string { return "clova" }

// Submit posts the job and returns once CLOVA has accepted it.
func (c *ClovaClient) Submit(ctx context.Context, job Job) (*Submission, error) {
	body, err := json.Marshal(clovaRequest{
		URL:         job.AudioURL,
		Language:    job.Language,
		Completion:  "async",
		Callback:    job.CallbackURL,
		InterviewID: job.InterviewID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-NCP-APIGW-API-KEY-ID", c.apiKeyID)
	req.Header.Set("X-NCP-APIGW-API-KEY", c.apiSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clova request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("clova API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result clovaResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	if result.Result == "FAILED" {
		return nil, fmt.Errorf("clova rejected job: %s", result.Message)
	}
	return &Submission{RequestID: result.Token}, nil
}
