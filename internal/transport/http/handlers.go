package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/epochflow/internal/broker"
	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/types"
)

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker  *broker.Broker
	dataDir string
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type createJobReq struct {
	Type               string            `json:"type"`
	Retries            int32             `json:"retries"`
	Variables          json.RawMessage   `json:"variables,omitempty"`
	CustomHeaders      map[string]string `json:"custom_headers,omitempty"`
	ElementInstanceKey int64             `json:"element_instance_key,omitempty"`
	ProcessInstanceKey int64             `json:"process_instance_key,omitempty"`
	BpmnProcessID      string            `json:"bpmn_process_id,omitempty"`
	ElementID          string            `json:"element_id,omitempty"`
	Kind               types.JobKind     `json:"kind,omitempty"`
}

type activateReq struct {
	Type              string `json:"type"`
	Worker            string `json:"worker"`
	TimeoutMs         int64  `json:"timeout_ms"`
	MaxJobsToActivate int32  `json:"max_jobs_to_activate"`
}

type completeReq struct {
	Variables json.RawMessage `json:"variables,omitempty"`
}

type failReq struct {
	ErrorMessage string `json:"error_message"`
}

type throwErrorReq struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type retriesReq struct {
	Retries int32 `json:"retries"`
}

type timeoutReq struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

type publishReq struct {
	Name           string          `json:"name"`
	CorrelationKey string          `json:"correlation_key"`
	TimeToLiveMs   int64           `json:"ttl_ms"`
	MessageID      string          `json:"message_id,omitempty"`
	Variables      json.RawMessage `json:"variables,omitempty"`
}

type subscriptionReq struct {
	ElementInstanceKey int64  `json:"element_instance_key,omitempty"`
	ProcessInstanceKey int64  `json:"process_instance_key"`
	BpmnProcessID      string `json:"bpmn_process_id"`
	ElementID          string `json:"element_id"`
	MessageName        string `json:"message_name"`
	CorrelationKey     string `json:"correlation_key"`
	Interrupting       bool   `json:"interrupting"`
}

// recordResp is the body of every successful command.
type recordResp struct {
	Key       int64             `json:"key"`
	Partition int32             `json:"partition"`
	Intent    types.Intent      `json:"intent"`
	Value     types.RecordValue `json:"value"`
}

type rejectionResp struct {
	Error         string              `json:"error"`
	RejectionType types.RejectionType `json:"rejection_type"`
}

type healthResp struct {
	Status     string `json:"status"`
	NodeID     string `json:"node_id"`
	Partitions int32  `json:"partitions"`
	Uptime     string `json:"uptime"`
	UptimeMs   int64  `json:"uptime_ms"`
	Version    string `json:"version"`
	DataDir    string `json:"data_dir"`
}

// Version is reported by /health. Set at build time by the CLI.
var Version = "dev"

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	status := "ok"
	for _, p := range h.broker.Status() {
		if p.Phase != engine.PhaseProcessing.String() {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, healthResp{
		Status:     status,
		NodeID:     h.broker.NodeID(),
		Partitions: h.broker.PartitionCount(),
		Uptime:     elapsed.Round(time.Second).String(),
		UptimeMs:   elapsed.Milliseconds(),
		Version:    Version,
		DataDir:    h.dataDir,
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"partitions": h.broker.Status()})
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobReq
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.broker.CreateJob(r.Context(), types.JobRecord{
		Type:               req.Type,
		Retries:            req.Retries,
		Variables:          req.Variables,
		CustomHeaders:      req.CustomHeaders,
		ElementInstanceKey: req.ElementInstanceKey,
		ProcessInstanceKey: req.ProcessInstanceKey,
		BpmnProcessID:      req.BpmnProcessID,
		ElementID:          req.ElementID,
		Kind:               req.Kind,
	})
	writeResponse(w, http.StatusCreated, resp, err)
}

func (h *Handler) activateJobs(w http.ResponseWriter, r *http.Request) {
	var req activateReq
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.broker.ActivateJobs(r.Context(), types.JobBatchRecord{
		Type:              req.Type,
		Worker:            req.Worker,
		Timeout:           req.TimeoutMs,
		MaxJobsToActivate: req.MaxJobsToActivate,
	})
	writeResponse(w, http.StatusOK, resp, err)
}

func (h *Handler) completeJob(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var req completeReq
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	resp, err := h.broker.CompleteJob(r.Context(), key, req.Variables)
	writeResponse(w, http.StatusOK, resp, err)
}

func (h *Handler) failJob(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var req failReq
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	resp, err := h.broker.FailJob(r.Context(), key, req.ErrorMessage)
	writeResponse(w, http.StatusOK, resp, err)
}

func (h *Handler) throwError(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var req throwErrorReq
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.broker.ThrowError(r.Context(), key, req.ErrorCode, req.ErrorMessage)
	writeResponse(w, http.StatusOK, resp, err)
}

func (h *Handler) updateRetries(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var req retriesReq
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.broker.UpdateJobRetries(r.Context(), key, req.Retries)
	writeResponse(w, http.StatusOK, resp, err)
}

func (h *Handler) updateTimeout(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var req timeoutReq
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.broker.UpdateJobTimeout(r.Context(), key, req.TimeoutMs)
	writeResponse(w, http.StatusOK, resp, err)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	resp, err := h.broker.CancelJob(r.Context(), key)
	writeResponse(w, http.StatusOK, resp, err)
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func (h *Handler) publishMessage(w http.ResponseWriter, r *http.Request) {
	var req publishReq
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.broker.PublishMessage(r.Context(), types.MessageRecord{
		Name:           req.Name,
		CorrelationKey: req.CorrelationKey,
		TimeToLive:     req.TimeToLiveMs,
		MessageID:      req.MessageID,
		Variables:      req.Variables,
	})
	writeResponse(w, http.StatusCreated, resp, err)
}

func (h *Handler) openSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionReq
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.broker.OpenSubscription(r.Context(), types.ProcessMessageSubscriptionRecord{
		ElementInstanceKey: req.ElementInstanceKey,
		ProcessInstanceKey: req.ProcessInstanceKey,
		BpmnProcessID:      req.BpmnProcessID,
		ElementID:          req.ElementID,
		MessageName:        req.MessageName,
		CorrelationKey:     req.CorrelationKey,
		Interrupting:       req.Interrupting,
	})
	writeResponse(w, http.StatusCreated, resp, err)
}

func (h *Handler) closeSubscription(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	resp, err := h.broker.CloseSubscription(r.Context(), key, r.PathValue("name"))
	writeResponse(w, http.StatusOK, resp, err)
}

// ─── Incidents ────────────────────────────────────────────────────────────────

func (h *Handler) resolveIncident(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	resp, err := h.broker.ResolveIncident(r.Context(), key)
	writeResponse(w, http.StatusOK, resp, err)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// rejectionStatus maps a rejection to its HTTP status.
func rejectionStatus(t types.RejectionType) int {
	switch t {
	case types.RejectionNotFound:
		return http.StatusNotFound
	case types.RejectionInvalidArgument:
		return http.StatusBadRequest
	case types.RejectionInvalidState, types.RejectionAlreadyExists:
		return http.StatusConflict
	case types.RejectionUnauthorized:
		return http.StatusUnauthorized
	case types.RejectionForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// errorStatus maps a submission error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, broker.ErrUnknownPartition):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, broker.ErrNotStarted),
		errors.Is(err, engine.ErrPartitionFailed),
		errors.Is(err, engine.ErrClosed),
		errors.Is(err, engine.ErrNotRecovered):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeResponse(w http.ResponseWriter, okStatus int, resp engine.Response, err error) {
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	rec := resp.Record
	if resp.Rejected() {
		writeJSON(w, rejectionStatus(rec.RejectionType), rejectionResp{
			Error:         rec.RejectionReason,
			RejectionType: rec.RejectionType,
		})
		return
	}
	writeJSON(w, okStatus, recordResp{Key: rec.Key, Partition: rec.PartitionID, Intent: rec.Intent, Value: rec.Value})
}

func pathKey(w http.ResponseWriter, r *http.Request) (int64, bool) {
	key, err := strconv.ParseInt(r.PathValue("key"), 10, 64)
	if err != nil || key <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid key"})
		return 0, false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeJSON(w, r, v)
}
