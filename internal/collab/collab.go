// Package collab holds the thin clients for the external collaborators the
// recovery engine calls out to: the notification service and the
// disbursement service. Transport is JSON over HTTP; both services only ever
// acknowledge acceptance, settlement is their concern.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"heirloom.org/internal/ids"
	"heirloom.org/internal/obs"
	"heirloom.org/internal/vault"
)

// Notifier delivers one notification to a recipient.
type Notifier interface {
	Notify(ctx context.Context, kind, recipientEmail string, templateVars map[string]string) (bool, error)
}

const defaultTimeout = 10 * time.Second

func newHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultTimeout}
}

// HTTPNotifier calls the notification collaborator.
type HTTPNotifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPNotifier builds a notifier against base URL (no trailing slash).
func NewHTTPNotifier(baseURL string, client *http.Client) *HTTPNotifier {
	return &HTTPNotifier{baseURL: baseURL, client: newHTTPClient(client)}
}

type notifyRequest struct {
	Kind         string            `json:"kind"`
	Recipient    string            `json:"recipient"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`
}

type notifyResponse struct {
	Delivered bool `json:"delivered"`
}

func (n *HTTPNotifier) Notify(ctx context.Context, kind, recipientEmail string, templateVars map[string]string) (bool, error) {
	var resp notifyResponse
	err := postJSON(ctx, n.client, n.baseURL+"/notify", notifyRequest{
		Kind:         kind,
		Recipient:    recipientEmail,
		TemplateVars: templateVars,
	}, &resp)
	if err != nil {
		return false, fmt.Errorf("notify %s: %w", kind, err)
	}
	return resp.Delivered, nil
}

// HTTPDisburser calls the disbursement collaborator.
type HTTPDisburser struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDisburser builds a disburser against base URL (no trailing slash).
func NewHTTPDisburser(baseURL string, client *http.Client) *HTTPDisburser {
	return &HTTPDisburser{baseURL: baseURL, client: newHTTPClient(client)}
}

var _ vault.Disburser = (*HTTPDisburser)(nil)

type disburseRequest struct {
	VaultID     string             `json:"vault_id"`
	Allocations []vault.Allocation `json:"allocations"`
}

func (d *HTTPDisburser) Disburse(ctx context.Context, vaultID string, allocations []vault.Allocation) (vault.Disbursement, error) {
	var resp vault.Disbursement
	err := postJSON(ctx, d.client, d.baseURL+"/disburse", disburseRequest{
		VaultID:     vaultID,
		Allocations: allocations,
	}, &resp)
	if err != nil {
		return vault.Disbursement{}, fmt.Errorf("disburse vault %s: %w", vaultID, err)
	}
	return resp, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// LoopbackNotifier logs instead of delivering. Dev mode only.
type LoopbackNotifier struct{}

func (LoopbackNotifier) Notify(ctx context.Context, kind, recipientEmail string, templateVars map[string]string) (bool, error) {
	obs.Log(map[string]any{
		"level":     "info",
		"msg":       "loopback notification",
		"kind":      kind,
		"recipient": recipientEmail,
	})
	return true, nil
}

// LoopbackDisburser accepts every disbursement with a synthetic reference.
// Dev mode only.
type LoopbackDisburser struct{}

func (LoopbackDisburser) Disburse(ctx context.Context, vaultID string, allocations []vault.Allocation) (vault.Disbursement, error) {
	obs.Log(map[string]any{
		"level":       "info",
		"msg":         "loopback disbursement",
		"vault":       vaultID,
		"allocations": len(allocations),
	})
	return vault.Disbursement{Accepted: true, Reference: "loopback-" + ids.New()}, nil
}

// NotifierDispatcher adapts a Notifier to the outbox worker.
type NotifierDispatcher struct {
	Notifier Notifier
}

func (d NotifierDispatcher) Dispatch(ctx context.Context, kind, recipient string, vars map[string]string) (bool, error) {
	return d.Notifier.Notify(ctx, kind, recipient, vars)
}
