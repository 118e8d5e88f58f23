// Package webhook exports committed records by POSTing them to an HTTP
// endpoint. Each request carries one record as JSON. When a secret is set the
// body is signed with HMAC-SHA256 in the X-EpochFlow-Signature header.
//
// The endpoint must answer 2xx; anything else fails the export and the
// director retries the same record. Exported positions are kept in a small
// JSON file so a restarted node resumes where it stopped.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/snehjoshi/epochflow/internal/types"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body.
const SignatureHeader = "X-EpochFlow-Signature"

// Config configures an Exporter.
type Config struct {
	URL    string
	Secret string
	// Timeout bounds one POST. Defaults to 10s.
	Timeout time.Duration
	// PositionsPath is the file holding the exported positions.
	PositionsPath string
	// Client replaces the default http.Client.
	Client *http.Client
}

// Exporter POSTs records to a webhook endpoint.
type Exporter struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	positions map[int32]int64
}

// New returns an exporter for cfg. Call Open before use.
func New(cfg Config) *Exporter {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Exporter{cfg: cfg, client: client}
}

// Name implements exporter.Exporter.
func (e *Exporter) Name() string { return "webhook" }

// Open loads the persisted positions.
func (e *Exporter) Open(ctx context.Context) error {
	if e.cfg.URL == "" {
		return errors.New("webhook: url is empty")
	}
	if e.cfg.PositionsPath == "" {
		return errors.New("webhook: positions path is empty")
	}

	positions := make(map[int32]int64)
	data, err := os.ReadFile(e.cfg.PositionsPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("webhook: read positions: %w", err)
	default:
		var stored map[string]int64
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("webhook: corrupt positions file %s: %w", e.cfg.PositionsPath, err)
		}
		for k, v := range stored {
			id, err := strconv.ParseInt(k, 10, 32)
			if err != nil {
				return fmt.Errorf("webhook: corrupt positions file %s: partition %q", e.cfg.PositionsPath, k)
			}
			positions[int32(id)] = v
		}
	}

	e.mu.Lock()
	e.positions = positions
	e.mu.Unlock()
	return nil
}

// Position implements exporter.Exporter.
func (e *Exporter) Position(ctx context.Context, partitionID int32) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.positions == nil {
		return 0, errors.New("webhook: not open")
	}
	if pos, ok := e.positions[partitionID]; ok {
		return pos, nil
	}
	return types.NoPosition, nil
}

// Export POSTs rec and records its position once the endpoint accepted it.
func (e *Exporter) Export(ctx context.Context, rec types.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("webhook: marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-EpochFlow-Partition", strconv.Itoa(int(rec.PartitionID)))
	req.Header.Set("X-EpochFlow-Position", strconv.FormatInt(rec.Position, 10))
	if e.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(e.cfg.Secret, body))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: POST to %s: %w", e.cfg.URL, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.positions == nil {
		return errors.New("webhook: not open")
	}
	if rec.Position > e.positions[rec.PartitionID] {
		e.positions[rec.PartitionID] = rec.Position
	}
	return e.persistLocked()
}

// Close implements exporter.Exporter.
func (e *Exporter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// persistLocked writes the positions atomically. Caller holds e.mu.
func (e *Exporter) persistLocked() error {
	stored := make(map[string]int64, len(e.positions))
	for id, pos := range e.positions {
		stored[strconv.Itoa(int(id))] = pos
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(e.cfg.PositionsPath), 0o755); err != nil {
		return fmt.Errorf("webhook: create dir: %w", err)
	}
	tmp := e.cfg.PositionsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("webhook: write positions: %w", err)
	}
	if err := os.Rename(tmp, e.cfg.PositionsPath); err != nil {
		return fmt.Errorf("webhook: rename positions: %w", err)
	}
	return nil
}

// Sign returns the signature header value of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret. Receivers use
// it to authenticate deliveries.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
