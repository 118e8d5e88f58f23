// Package client is the Go SDK for the EpochFlow command gateway.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Create a job and work it
//	key, err := c.CreateJob(ctx, "payment", client.WithRetries(3))
//	jobs, err := c.ActivateJobs(ctx, "payment", "worker-1", 10, time.Minute)
//	for _, j := range jobs {
//	    process(j)
//	    c.CompleteJob(ctx, j.Key, nil)
//	}
//
//	// Publish a message
//	key, err = c.PublishMessage(ctx, "orderApproved", "order-42", time.Hour)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Rejected commands carry the rejection type; check it with
// IsRejection(err, client.RejectionNotFound).
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// Rejection types reported by the server.
const (
	RejectionNotFound        = "NOT_FOUND"
	RejectionInvalidArgument = "INVALID_ARGUMENT"
	RejectionInvalidState    = "INVALID_STATE"
	RejectionAlreadyExists   = "ALREADY_EXISTS"
)

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode    int    // HTTP status code
	Message       string // "error" field from the JSON response body
	RejectionType string // set when the engine rejected the command
}

func (e *APIError) Error() string {
	if e.RejectionType != "" {
		return fmt.Sprintf("epochflow: command rejected (%s): %s", e.RejectionType, e.Message)
	}
	return fmt.Sprintf("epochflow: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// IsRejection reports whether the engine rejected the command with the
// given rejection type.
func IsRejection(err error, rejectionType string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.RejectionType == rejectionType
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the EpochFlow API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that talks to the gateway at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Job options ──────────────────────────────────────────────────────────────

// JobOption configures CreateJob.
type JobOption func(*createJobPayload)

// WithRetries sets the number of attempts. Zero uses the server default.
func WithRetries(n int32) JobOption {
	return func(p *createJobPayload) { p.Retries = n }
}

// WithVariables attaches a JSON document to the job.
func WithVariables(v json.RawMessage) JobOption {
	return func(p *createJobPayload) { p.Variables = v }
}

// WithCustomHeaders attaches static headers handed to the worker.
func WithCustomHeaders(h map[string]string) JobOption {
	return func(p *createJobPayload) { p.CustomHeaders = h }
}

// WithElement links the job to a process element. The job is created on
// the element's partition.
func WithElement(elementInstanceKey, processInstanceKey int64, bpmnProcessID, elementID string) JobOption {
	return func(p *createJobPayload) {
		p.ElementInstanceKey = elementInstanceKey
		p.ProcessInstanceKey = processInstanceKey
		p.BpmnProcessID = bpmnProcessID
		p.ElementID = elementID
	}
}

// ─── Message options ──────────────────────────────────────────────────────────

// MessageOption configures PublishMessage.
type MessageOption func(*publishPayload)

// WithMessageID makes the publish idempotent while the message is buffered.
func WithMessageID(id string) MessageOption {
	return func(p *publishPayload) { p.MessageID = id }
}

// WithMessageVariables attaches a JSON document to the message.
func WithMessageVariables(v json.RawMessage) MessageOption {
	return func(p *publishPayload) { p.Variables = v }
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Job is an activated job handed to a worker.
type Job struct {
	Key           int64
	Type          string
	Worker        string
	Retries       int32
	Deadline      time.Time
	Variables     json.RawMessage
	CustomHeaders map[string]string
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status     string
	NodeID     string
	Partitions int32
	Uptime     time.Duration
	Version    string
}

// PartitionInfo is one partition's processing status.
type PartitionInfo struct {
	ID                int32  `json:"id"`
	Phase             string `json:"phase"`
	CommittedPosition int64  `json:"committed_position"`
	LogPosition       int64  `json:"log_position"`
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

// CreateJob creates a job of the given type and returns its key.
func (c *Client) CreateJob(ctx context.Context, jobType string, opts ...JobOption) (int64, error) {
	p := &createJobPayload{Type: jobType}
	for _, o := range opts {
		o(p)
	}
	var resp wireRecord
	if err := c.do(ctx, http.MethodPost, "/jobs", p, &resp); err != nil {
		return 0, err
	}
	return resp.Key, nil
}

// ActivateJobs claims up to max jobs of the given type for worker. The jobs
// time out after timeout unless completed or failed. Returns an empty slice
// (not an error) when nothing is activatable.
func (c *Client) ActivateJobs(ctx context.Context, jobType, worker string, max int32, timeout time.Duration) ([]*Job, error) {
	payload := map[string]any{
		"type":                 jobType,
		"worker":               worker,
		"timeout_ms":           timeout.Milliseconds(),
		"max_jobs_to_activate": max,
	}
	var resp struct {
		Value struct {
			JobKeys []int64   `json:"jobKeys"`
			Jobs    []wireJob `json:"jobs"`
		} `json:"value"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs/activate", payload, &resp); err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(resp.Value.JobKeys))
	for i, key := range resp.Value.JobKeys {
		if i >= len(resp.Value.Jobs) {
			return nil, fmt.Errorf("epochflow: batch has %d keys but %d jobs", len(resp.Value.JobKeys), len(resp.Value.Jobs))
		}
		out = append(out, resp.Value.Jobs[i].toJob(key))
	}
	return out, nil
}

// CompleteJob completes an activated job. variables may be nil.
func (c *Client) CompleteJob(ctx context.Context, key int64, variables json.RawMessage) error {
	payload := map[string]any{}
	if variables != nil {
		payload["variables"] = variables
	}
	return c.do(ctx, http.MethodPost, jobPath(key, "complete"), payload, nil)
}

// FailJob reports a failed attempt. The server decrements the retries and
// raises an incident when none are left.
func (c *Client) FailJob(ctx context.Context, key int64, errorMessage string) error {
	return c.do(ctx, http.MethodPost, jobPath(key, "fail"), map[string]string{"error_message": errorMessage}, nil)
}

// ThrowError reports a business error for the job.
func (c *Client) ThrowError(ctx context.Context, key int64, errorCode, errorMessage string) error {
	payload := map[string]string{"error_code": errorCode, "error_message": errorMessage}
	return c.do(ctx, http.MethodPost, jobPath(key, "error"), payload, nil)
}

// UpdateJobRetries gives a failed job new retries.
func (c *Client) UpdateJobRetries(ctx context.Context, key int64, retries int32) error {
	return c.do(ctx, http.MethodPut, jobPath(key, "retries"), map[string]int32{"retries": retries}, nil)
}

// UpdateJobTimeout moves an activated job's deadline to now + timeout.
func (c *Client) UpdateJobTimeout(ctx context.Context, key int64, timeout time.Duration) error {
	return c.do(ctx, http.MethodPut, jobPath(key, "timeout"), map[string]int64{"timeout_ms": timeout.Milliseconds()}, nil)
}

// CancelJob removes a job.
func (c *Client) CancelJob(ctx context.Context, key int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/jobs/%d", key), nil, nil)
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// PublishMessage publishes a message and returns its key. A zero ttl
// correlates only with subscriptions that are already open.
func (c *Client) PublishMessage(ctx context.Context, name, correlationKey string, ttl time.Duration, opts ...MessageOption) (int64, error) {
	p := &publishPayload{Name: name, CorrelationKey: correlationKey, TimeToLiveMs: ttl.Milliseconds()}
	for _, o := range opts {
		o(p)
	}
	var resp wireRecord
	if err := c.do(ctx, http.MethodPost, "/messages", p, &resp); err != nil {
		return 0, err
	}
	return resp.Key, nil
}

// Subscription describes a message subscription to open.
type Subscription struct {
	ElementInstanceKey int64 // 0 lets the server generate one
	ProcessInstanceKey int64
	BpmnProcessID      string
	ElementID          string
	MessageName        string
	CorrelationKey     string
	Interrupting       bool
}

// OpenSubscription opens a message subscription and returns the element
// instance key it is bound to.
func (c *Client) OpenSubscription(ctx context.Context, s Subscription) (int64, error) {
	payload := map[string]any{
		"element_instance_key": s.ElementInstanceKey,
		"process_instance_key": s.ProcessInstanceKey,
		"bpmn_process_id":      s.BpmnProcessID,
		"element_id":           s.ElementID,
		"message_name":         s.MessageName,
		"correlation_key":      s.CorrelationKey,
		"interrupting":         s.Interrupting,
	}
	var resp wireRecord
	if err := c.do(ctx, http.MethodPost, "/subscriptions", payload, &resp); err != nil {
		return 0, err
	}
	return resp.Key, nil
}

// CloseSubscription closes the subscription of an element for a message name.
func (c *Client) CloseSubscription(ctx context.Context, elementInstanceKey int64, messageName string) error {
	path := fmt.Sprintf("/subscriptions/%d/%s", elementInstanceKey, url.PathEscape(messageName))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ─── Incidents ────────────────────────────────────────────────────────────────

// ResolveIncident resolves an incident. The job must have retries left.
func (c *Client) ResolveIncident(ctx context.Context, key int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/incidents/%d/resolve", key), nil, nil)
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint and returns the node's status.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status     string `json:"status"`
		NodeID     string `json:"node_id"`
		Partitions int32  `json:"partitions"`
		UptimeMs   int64  `json:"uptime_ms"`
		Version    string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:     resp.Status,
		NodeID:     resp.NodeID,
		Partitions: resp.Partitions,
		Uptime:     time.Duration(resp.UptimeMs) * time.Millisecond,
		Version:    resp.Version,
	}, nil
}

// Status returns the processing status of every partition.
func (c *Client) Status(ctx context.Context) ([]PartitionInfo, error) {
	var resp struct {
		Partitions []PartitionInfo `json:"partitions"`
	}
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Partitions, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("epochflow: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("epochflow: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("epochflow: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("epochflow: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error         string `json:"error"`
			RejectionType string `json:"rejection_type"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg, RejectionType: errResp.RejectionType}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("epochflow: decode response: %w", err)
		}
	}
	return nil
}

func jobPath(key int64, action string) string {
	return fmt.Sprintf("/jobs/%d/%s", key, action)
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type createJobPayload struct {
	Type               string            `json:"type"`
	Retries            int32             `json:"retries"`
	Variables          json.RawMessage   `json:"variables,omitempty"`
	CustomHeaders      map[string]string `json:"custom_headers,omitempty"`
	ElementInstanceKey int64             `json:"element_instance_key,omitempty"`
	ProcessInstanceKey int64             `json:"process_instance_key,omitempty"`
	BpmnProcessID      string            `json:"bpmn_process_id,omitempty"`
	ElementID          string            `json:"element_id,omitempty"`
}

type publishPayload struct {
	Name           string          `json:"name"`
	CorrelationKey string          `json:"correlation_key"`
	TimeToLiveMs   int64           `json:"ttl_ms"`
	MessageID      string          `json:"message_id,omitempty"`
	Variables      json.RawMessage `json:"variables,omitempty"`
}

type wireRecord struct {
	Key       int64  `json:"key"`
	Partition int32  `json:"partition"`
	Intent    string `json:"intent"`
}

type wireJob struct {
	Type          string            `json:"type"`
	Worker        string            `json:"worker"`
	Retries       int32             `json:"retries"`
	Deadline      int64             `json:"deadline"`
	Variables     json.RawMessage   `json:"variables"`
	CustomHeaders map[string]string `json:"customHeaders"`
}

func (w *wireJob) toJob(key int64) *Job {
	return &Job{
		Key:           key,
		Type:          w.Type,
		Worker:        w.Worker,
		Retries:       w.Retries,
		Deadline:      time.UnixMilli(w.Deadline).UTC(),
		Variables:     w.Variables,
		CustomHeaders: w.CustomHeaders,
	}
}
