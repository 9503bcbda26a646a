package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/fieldsync/internal/offline"
)

const (
	feedWriteTimeout = 5 * time.Second
	maxSubmitBytes   = 1 << 20
)

// ClientMessage is what the UI sends over the websocket.
type ClientMessage struct {
	Type    string `json:"type"`
	Visible bool   `json:"visible,omitempty"`
	Online  bool   `json:"online,omitempty"`
}

type SubmitRequest struct {
	StoreName string         `json:"storeName"`
	Action    offline.Action `json:"action"`
	Payload   offline.Record `json:"payload"`
}

// FeedServer exposes the bridge to a local UI over HTTP and a websocket event
// feed.
type FeedServer struct {
	bridge         *Bridge
	logger         *slog.Logger
	originPatterns []string
}

func NewFeedServer(bridge *Bridge, logger *slog.Logger, originPatterns []string) *FeedServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FeedServer{bridge: bridge, logger: logger, originPatterns: originPatterns}
}

func (s *FeedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "ws" && r.Method == http.MethodGet:
		s.handleSocket(w, r)
	case len(parts) == 1 && parts[0] == "collections" && r.Method == http.MethodGet:
		s.handleCollections(w, r)
	case len(parts) == 2 && parts[0] == "collections" && r.Method == http.MethodGet:
		s.handleCollection(w, r, parts[1])
	case len(parts) == 1 && parts[0] == "submit" && r.Method == http.MethodPost:
		s.handleSubmit(w, r)
	case len(parts) == 1 && parts[0] == "flush" && r.Method == http.MethodPost:
		s.handleFlush(w, r)
	case len(parts) == 1 && parts[0] == "queue" && r.Method == http.MethodGet:
		s.handleQueue(w, r)
	case len(parts) == 3 && parts[0] == "queue" && parts[2] == "retry" && r.Method == http.MethodPost:
		s.handleRetry(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "queue" && r.Method == http.MethodDelete:
		s.handleDiscard(w, r, parts[1])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *FeedServer) handleCollection(w http.ResponseWriter, r *http.Request, storeName string) {
	records, err := s.bridge.FetchForDisplay(r.Context(), storeName)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"store": storeName, "data": records})
}

func (s *FeedServer) handleCollections(w http.ResponseWriter, r *http.Request) {
	names, err := s.bridge.Collections(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": names})
}

func (s *FeedServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	op, err := s.bridge.Submit(r.Context(), req.StoreName, req.Action, req.Payload)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"operation": op})
}

func (s *FeedServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	result, err := s.bridge.Flush(r.Context())
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"result": result, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *FeedServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	status, err := s.bridge.QueueStatus(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	dead, err := s.bridge.DeadLetters(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	out := map[string]any{"status": status, "deadLetters": dead}
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		ops, err := s.bridge.Operations(r.Context())
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		out["operations"] = ops
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *FeedServer) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	op, err := s.bridge.Retry(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation": op})
}

func (s *FeedServer) handleDiscard(w http.ResponseWriter, r *http.Request, id string) {
	op, err := s.bridge.Discard(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation": op})
}

// handleSocket streams hub events to the UI and applies the lifecycle
// messages it sends back.
func (s *FeedServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, unsubscribe := s.bridge.Notifications(64)
	defer unsubscribe()

	go func() {
		defer cancel()
		for {
			var msg ClientMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			s.applyClientMessage(ctx, msg)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			writeCancel()
			if err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *FeedServer) applyClientMessage(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case "visibility":
		s.bridge.VisibilityChanged(msg.Visible)
	case "link":
		s.bridge.LinkChanged(msg.Online)
	case "unload":
		if _, err := s.bridge.Unload(ctx); err != nil {
			s.logger.Debug("unload flush incomplete", "error", err)
		}
	case "flush":
		if _, err := s.bridge.Flush(ctx); err != nil {
			s.logger.Debug("manual flush incomplete", "error", err)
		}
	default:
		s.logger.Debug("ignoring websocket message", "type", msg.Type)
	}
}

func (s *FeedServer) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, offline.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, offline.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		s.logger.Error("bridge request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "message": message})
}
