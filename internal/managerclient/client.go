// Package managerclient is the HTTP client: typed fetches against the
// Manager and Instance endpoints, with timeouts, JSON decode, the
// Unreachable/HttpStatus/Decode error taxonomy, and a token-bucket rate
// limiter guarding outbound Manager polls against a misconfigured,
// too-tight poll interval.
package managerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/aditbridge/core/internal/httpx"
	"github.com/aditbridge/core/internal/metrics"
	"github.com/aditbridge/core/internal/model"
)

// Client fetches Channel/Rule/Variable/Instance lists from the Manager and
// status from individual Instances.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a Client. The rate limiter defaults to 20 requests/second with
// a burst of 20 — generous enough that it never engages under normal
// default timing, only acting as backpressure if intervals are
// misconfigured very low.
func New() *Client {
	return &Client{
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(20), 20),
	}
}

func (c *Client) doJSON(ctx context.Context, endpoint, url string, timeout time.Duration, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return httpx.Unreachablef(err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return httpx.Unreachablef(err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ManagerHTTPLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ManagerHTTPRequests.WithLabelValues(endpoint, "unreachable").Inc()
		return httpx.Unreachablef(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ManagerHTTPRequests.WithLabelValues(endpoint, "http_status").Inc()
		io.Copy(io.Discard, resp.Body)
		return httpx.Status(resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.ManagerHTTPRequests.WithLabelValues(endpoint, "decode").Inc()
		return httpx.Decodef(err)
	}

	metrics.ManagerHTTPRequests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

// FetchChannels implements GET /channels.
func (c *Client) FetchChannels(ctx context.Context, managerEndpoint string, timeout time.Duration) ([]model.ChannelDescriptor, error) {
	var out []model.ChannelDescriptor
	url := fmt.Sprintf("http://%s/channels", managerEndpoint)
	if err := c.doJSON(ctx, "channels", url, timeout, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// rawRule matches the wire shape of GET /channels/{id}/messaging-rules: the
// RuleType lives inside an embedded JSON string.
type rawRule struct {
	ID   string `json:"ID"`
	Name string `json:"Name"`
	JSON string `json:"JSON"`
}

type ruleEmbeddedJSON struct {
	RuleType int `json:"RuleType"`
}

// manualRuleType is the only RuleType value currently admitted, kept as
// exact equality rather than extended speculatively to other types.
const manualRuleType = 1

// FetchRules implements GET /channels/{id}/messaging-rules, filtered to
// manual rules only (RuleType == 1). Rules whose embedded JSON fails to
// decode are silently excluded, not treated as a fetch failure.
func (c *Client) FetchRules(ctx context.Context, managerEndpoint, channelID string, timeout time.Duration) ([]model.RuleDescriptor, error) {
	var raw []rawRule
	url := fmt.Sprintf("http://%s/channels/%s/messaging-rules", managerEndpoint, channelID)
	if err := c.doJSON(ctx, "messaging-rules", url, timeout, &raw); err != nil {
		return nil, err
	}

	out := make([]model.RuleDescriptor, 0, len(raw))
	for _, r := range raw {
		var embedded ruleEmbeddedJSON
		if err := json.Unmarshal([]byte(r.JSON), &embedded); err != nil {
			continue
		}
		if embedded.RuleType != manualRuleType {
			continue
		}
		out = append(out, model.RuleDescriptor{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

// FetchVariables implements GET /channels/{id}/variables.
func (c *Client) FetchVariables(ctx context.Context, managerEndpoint, channelID string, timeout time.Duration) ([]model.VariableDescriptor, error) {
	var out []model.VariableDescriptor
	url := fmt.Sprintf("http://%s/channels/%s/variables", managerEndpoint, channelID)
	if err := c.doJSON(ctx, "variables", url, timeout, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchInstances implements GET /channels/{id}/instances.
func (c *Client) FetchInstances(ctx context.Context, managerEndpoint, channelID string, timeout time.Duration) ([]model.InstanceDescriptor, error) {
	var out []model.InstanceDescriptor
	url := fmt.Sprintf("http://%s/channels/%s/instances", managerEndpoint, channelID)
	if err := c.doJSON(ctx, "instances", url, timeout, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// rawInstanceStatus accepts both the flat {Status:N} and nested
// {Status:{Status:N,...}} shapes.
type rawInstanceStatus struct {
	Status  json.RawMessage `json:"Status"`
	Primary bool            `json:"Primary"`
}

// FetchInstanceStatus implements GET http://{host}:{apiPort}/status.
func (c *Client) FetchInstanceStatus(ctx context.Context, instanceHost string, apiPort int, timeout time.Duration) (model.InstanceStatus, error) {
	var raw rawInstanceStatus
	url := fmt.Sprintf("http://%s:%d/status", instanceHost, apiPort)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.InstanceStatus{}, httpx.Unreachablef(err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ManagerHTTPLatency.WithLabelValues("instance-status").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.InstanceHTTPRequests.WithLabelValues("unreachable").Inc()
		return model.InstanceStatus{}, httpx.Unreachablef(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.InstanceHTTPRequests.WithLabelValues("http_status").Inc()
		io.Copy(io.Discard, resp.Body)
		return model.InstanceStatus{}, httpx.Status(resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		metrics.InstanceHTTPRequests.WithLabelValues("decode").Inc()
		return model.InstanceStatus{}, httpx.Decodef(err)
	}

	code, err := decodeStatusCode(raw.Status)
	if err != nil {
		metrics.InstanceHTTPRequests.WithLabelValues("decode").Inc()
		return model.InstanceStatus{}, httpx.Decodef(err)
	}

	metrics.InstanceHTTPRequests.WithLabelValues("ok").Inc()
	return model.InstanceStatus{StatusCode: code, Primary: raw.Primary}, nil
}

// decodeStatusCode extracts the numeric status code from either the flat
// "Status": N shape or the nested "Status": {"Status": N, ...} shape.
func decodeStatusCode(raw json.RawMessage) (int, error) {
	var flat int
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}

	var nested struct {
		Status int `json:"Status"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return 0, fmt.Errorf("unrecognized status shape: %w", err)
	}
	return nested.Status, nil
}
