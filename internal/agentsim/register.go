package agentsim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Registrar drives the agent-facing half of the registration REST flow
// (spec.md §4.7 steps 1, 3, 4) against a running control plane.
type Registrar struct {
	baseURL string
	client  *http.Client
}

func NewRegistrar(baseURL string) *Registrar {
	return &Registrar{baseURL: baseURL, client: &http.Client{Timeout: 10 * time.Second}}
}

// Initiate calls POST /api/agents/register/initiate and returns the
// registration id and the code a human operator must enter.
func (r *Registrar) Initiate(ctx context.Context) (regID uuid.UUID, code string, err error) {
	var body struct {
		ID   uuid.UUID `json:"id"`
		Code string    `json:"code"`
	}
	if err := r.postJSON(ctx, "/api/agents/register/initiate", nil, &body); err != nil {
		return uuid.Nil, "", err
	}
	return body.ID, body.Code, nil
}

// PollStatus calls GET /api/agents/register/status/{regID} once. Status
// is "pending", "completed" (in which case key is set), or "expired".
func (r *Registrar) PollStatus(ctx context.Context, regID uuid.UUID) (status string, key uuid.UUID, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/agents/register/status/"+regID.String(), nil)
	if err != nil {
		return "", uuid.Nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", uuid.Nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Credentials *struct {
			Key uuid.UUID `json:"key"`
		} `json:"credentials"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", uuid.Nil, fmt.Errorf("agentsim: decode status response: %w", err)
	}
	if body.Credentials != nil {
		key = body.Credentials.Key
	}
	return body.Status, key, nil
}

// WaitForCompletion polls PollStatus every interval until the
// registration completes, expires, or ctx is cancelled.
func (r *Registrar) WaitForCompletion(ctx context.Context, regID uuid.UUID, interval time.Duration) (uuid.UUID, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, key, err := r.PollStatus(ctx, regID)
		if err != nil {
			return uuid.Nil, err
		}
		switch status {
		case "completed":
			return key, nil
		case "expired":
			return uuid.Nil, fmt.Errorf("agentsim: registration %s expired before completion", regID)
		}

		select {
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Finalize calls POST /api/agents/register/finalize with Agent-key auth.
func (r *Registrar) Finalize(ctx context.Context, key uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/agents/register/finalize", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Agent "+key.String())

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agentsim: finalize: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (r *Registrar) postJSON(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("agentsim: POST %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
