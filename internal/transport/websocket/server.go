// Package websocket streams the committed records of a partition to
// WebSocket clients.
//
// Clients open a WebSocket connection to:
//
//	GET /partitions/{id}/records/ws?from=<position>
//
// Without from the stream starts after the current committed position, so
// only new records are sent. Records are never sent before they are
// committed.
//
// Server → client frame, one per record:
//
//	{"type":"record","record":{...}}
//
// Client → server control frame:
//
//	{"type":"ping"}  answered with {"type":"pong","committed":<position>}
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/epochflow/internal/exporter"
	"github.com/snehjoshi/epochflow/internal/types"
)

// urlParse is an alias so the upgrader closure can call it without shadowing
// the url package import.
var urlParse = url.Parse

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic).  Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := urlParse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Source is a partition that can be tailed.
type Source interface {
	exporter.Source
	StopListening(ch <-chan struct{})
}

// Partitions resolves a partition id to its record source.
type Partitions interface {
	Source(id int32) (Source, error)
}

// Handler serves the record stream. It reads the partition id from
// r.PathValue("id").
type Handler struct {
	Partitions Partitions
	// WriteTimeout bounds one frame write. Defaults to 10s.
	WriteTimeout time.Duration
}

// serverFrame is the JSON structure the server sends to the client.
type serverFrame struct {
	Type      string        `json:"type"` // "record" | "pong"
	Record    *types.Record `json:"record,omitempty"`
	Committed int64         `json:"committed,omitempty"`
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type string `json:"type"` // "ping"
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 32)
	if err != nil {
		http.Error(w, `{"error":"invalid partition id"}`, http.StatusBadRequest)
		return
	}
	src, err := h.Partitions.Source(int32(id))
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusNotFound)
		return
	}
	from := src.CommittedPosition() + 1
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = strconv.ParseInt(v, 10, 64); err != nil || from < 0 {
			http.Error(w, `{"error":"invalid from"}`, http.StatusBadRequest)
			return
		}
	}

	reader := src.NewReader()
	if err := reader.Seek(from); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	write := func(f serverFrame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(gorillaws.TextMessage, data)
	}

	// The upgraded connection must not inherit the server's read timeout.
	_ = conn.SetReadDeadline(time.Time{})

	// Start a goroutine to read control frames from the client.
	controlCh := make(chan clientFrame, 16)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr != nil {
				continue
			}
			select {
			case controlCh <- cf:
			case <-done:
				return
			}
		}
	}()

	signal := src.ListenCommitted()
	defer src.StopListening(signal)

	// held is a record read ahead of the committed position.
	var held *types.Record
	for {
		committed := src.CommittedPosition()
		for {
			if held == nil {
				rec, ok, err := reader.Next()
				if err != nil {
					slog.Warn("ws read failed", "partition", id, "err", err)
					return
				}
				if !ok {
					break
				}
				held = &rec
			}
			if held.Position > committed {
				break
			}
			if err := write(serverFrame{Type: "record", Record: held}); err != nil {
				return
			}
			held = nil
		}

		select {
		case <-r.Context().Done():
			return
		case cf, ok := <-controlCh:
			if !ok {
				return // client disconnected
			}
			if cf.Type == "ping" {
				if err := write(serverFrame{Type: "pong", Committed: src.CommittedPosition()}); err != nil {
					return
				}
			}
		case <-signal:
		}
	}
}
