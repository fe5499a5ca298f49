package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PabloGalante/sourcing-agent/internal/domain"
)

const DefaultSynthflowURL = "https://api.synthflow.ai"

// Synthflow places outbound voice calls through the Synthflow v2 API.
type Synthflow struct {
	baseURL string
	apiKey  string
	modelID string
	http    *http.Client
}

type SynthflowConfig struct {
	BaseURL string
	APIKey  string
	ModelID string
	Timeout time.Duration
}

func NewSynthflow(cfg SynthflowConfig) (*Synthflow, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("synthflow api key is required")
	}
	if cfg.ModelID == "" {
		return nil, fmt.Errorf("synthflow model id is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultSynthflowURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Synthflow{
		baseURL: base,
		apiKey:  cfg.APIKey,
		modelID: cfg.ModelID,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}, nil
}

type customVariable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type startCallRequest struct {
	ModelID         string           `json:"model_id"`
	Phone           string           `json:"phone"`
	Name            string           `json:"name"`
	CustomVariables []customVariable `json:"custom_variables,omitempty"`
}

type startCallResponse struct {
	Status   string `json:"status"`
	Response struct {
		CallID string `json:"call_id"`
	} `json:"response"`
}

type getCallResponse struct {
	Response struct {
		Calls []struct {
			Status       string `json:"status"`
			EndReason    string `json:"end_call_reason"`
			RecordingURL string `json:"recording_url"`
			Transcript   string `json:"transcript"`
		} `json:"calls"`
	} `json:"response"`
}

func (s *Synthflow) StartCall(ctx context.Context, phone, name, script string) (string, error) {
	payload, err := json.Marshal(startCallRequest{
		ModelID:         s.modelID,
		Phone:           phone,
		Name:            name,
		CustomVariables: []customVariable{{Key: "sourcing_request", Value: script}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal call request: %w", err)
	}

	var out startCallResponse
	if err := s.do(ctx, http.MethodPost, s.baseURL+"/v2/calls", payload, &out); err != nil {
		return "", fmt.Errorf("synthflow start call: %w", err)
	}
	if out.Response.CallID == "" {
		return "", fmt.Errorf("synthflow start call: response has no call_id")
	}
	return out.Response.CallID, nil
}

// GetCallResult reports a call as completed once both a recording and a
// transcript are available.
func (s *Synthflow) GetCallResult(ctx context.Context, providerCallID string) (domain.CallResult, error) {
	var out getCallResponse
	endpoint := s.baseURL + "/v2/calls/" + url.PathEscape(providerCallID)
	if err := s.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return domain.CallResult{}, fmt.Errorf("synthflow get call: %w", err)
	}
	if len(out.Response.Calls) == 0 {
		return domain.CallResult{Status: domain.CallPending}, nil
	}

	call := out.Response.Calls[0]
	switch strings.ToLower(call.Status) {
	case "failed", "no-answer", "no_answer", "busy", "canceled", "cancelled":
		reason := call.EndReason
		if reason == "" {
			reason = "call " + strings.ToLower(call.Status)
		}
		return domain.CallResult{Status: domain.CallFailed, Reason: reason}, nil
	}

	if call.RecordingURL != "" && call.Transcript != "" {
		return domain.CallResult{
			Status:       domain.CallCompleted,
			RecordingRef: call.RecordingURL,
			Transcript:   call.Transcript,
		}, nil
	}
	return domain.CallResult{Status: domain.CallPending}, nil
}

func (s *Synthflow) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
