package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// Frame is a WebSocket request.
type Frame struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers one Frame with the same ID and op.
type Reply struct {
	ID    string         `json:"id"`
	Op    string         `json:"op"`
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// Payloads of ops that do not reuse a service request type.
type (
	idPayload struct {
		ID string `json:"id"`
	}
	updatePayload struct {
		ID         string `json:"id"`
		WasHelpful *bool  `json:"was_helpful"`
	}
	listPayload struct {
		Limit int `json:"limit"`
	}
	resetPayload struct {
		Confirm bool `json:"confirm"`
	}
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket serves request/reply frames until the client leaves.
// Frames are handled in order; a bad frame gets an error reply and does
// not close the connection.
func (s *Server) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		conn.SetReadLimit(maxBodyBytes)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var writeMu sync.Mutex
		write := func(v any) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(v)
		}

		go func() {
			ticker := time.NewTicker(wsPingPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					writeMu.Lock()
					err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
					writeMu.Unlock()
					if err != nil {
						cancel()
						return
					}
				}
			}
		}()

		s.logger.Debug("websocket connected", "remote", r.RemoteAddr)
		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				var syntaxErr *json.SyntaxError
				var typeErr *json.UnmarshalTypeError
				if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
					if werr := write(s.errorReply(frame, fmt.Errorf("%w: invalid frame: %w", core.ErrValidation, err))); werr != nil {
						return
					}
					continue
				}
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read ended", "error", err)
				}
				return
			}

			reply := s.dispatch(ctx, frame)
			s.metrics.wsFrames.WithLabelValues(frame.Op, strconv.FormatBool(reply.OK)).Inc()
			if err := write(reply); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

// dispatch runs one frame against the service.
func (s *Server) dispatch(ctx context.Context, f Frame) Reply {
	data, err := s.runOp(ctx, f)
	if err != nil {
		return s.errorReply(f, err)
	}
	return Reply{ID: f.ID, Op: f.Op, OK: true, Data: data}
}

func (s *Server) runOp(ctx context.Context, f Frame) (any, error) {
	switch f.Op {
	case "health":
		return s.svc.Health(ctx), nil
	case "stats":
		return s.svc.Stats(ctx), nil
	case "embed":
		var p EmbedRequest
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		return s.svc.Embed(ctx, p.Text)
	case "search":
		var p searchBody
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		if p.TopK == 0 {
			p.TopK = p.NResults
		}
		resp, err := s.svc.Search(ctx, p.SearchRequest)
		if err == nil && resp.Degraded {
			s.metrics.degraded.Inc()
		}
		return resp, err
	case "store":
		var p memory.StoreRequest
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		return s.svc.Store(ctx, p)
	case "delete":
		var p idPayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.svc.Delete(ctx, p.ID); err != nil {
			return nil, err
		}
		return MessageResponse{Success: true, Message: fmt.Sprintf("conversation %s deleted", p.ID)}, nil
	case "update":
		var p updatePayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		if p.WasHelpful == nil {
			return nil, fmt.Errorf("%w: was_helpful is required", core.ErrValidation)
		}
		if err := s.svc.UpdateFeedback(ctx, p.ID, *p.WasHelpful); err != nil {
			return nil, err
		}
		return MessageResponse{Success: true, Message: fmt.Sprintf("conversation %s updated", p.ID)}, nil
	case "get":
		var p idPayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		rec, err := s.svc.Get(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		resp := RecordResponse{ID: rec.ID, BotResponse: rec.Document, Metadata: rec.Metadata}
		if rec.Metadata.UserMessage != nil {
			resp.UserMessage = *rec.Metadata.UserMessage
		}
		return resp, nil
	case "list":
		var p listPayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		list, err := s.svc.List(ctx, p.Limit)
		if err != nil {
			return nil, err
		}
		return ListResponse{Conversations: list, Total: len(list)}, nil
	case "reset":
		var p resetPayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		if !p.Confirm {
			return nil, fmt.Errorf("%w: reset requires confirm=true", core.ErrValidation)
		}
		if err := s.svc.Reset(ctx); err != nil {
			return nil, err
		}
		return MessageResponse{Success: true, Message: "collection reset"}, nil
	default:
		return nil, fmt.Errorf("%w: unknown op %q", core.ErrValidation, f.Op)
	}
}

func (s *Server) errorReply(f Frame, err error) Reply {
	if statusFor(err) >= http.StatusInternalServerError {
		s.logger.Error("websocket op failed", "op", f.Op, "error", err, "kind", core.KindOf(err))
	}
	return Reply{
		ID:    f.ID,
		Op:    f.Op,
		Error: &ErrorResponse{Error: err.Error(), Kind: string(core.KindOf(err))},
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid payload: %w", core.ErrValidation, err)
	}
	return nil
}
