// Package gateway - websocket.go serves long-lived client sessions on /v1/ws.
//
// PROTOCOL: the client sends one JSON frame per request, the same shape as the
// POST /v1/messages body plus a "type" of "message" (default) or "reset".
// The server answers with frames of type "delta", "reply" and finally "done"
// carrying the outcome. Requests on one connection are handled in order.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-gateway/internal/config"
)

type wsInbound struct {
	Type string `json:"type"`
	messageRequest
}

type wsOutbound struct {
	Type      string           `json:"type"` // delta | reply | done | error
	RequestID string           `json:"request_id,omitempty"`
	Reply     *Reply           `json:"reply,omitempty"`
	Outcome   *messageResponse `json:"outcome,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// wsSink forwards replies of one request as websocket frames.
type wsSink struct {
	conn      *websocket.Conn
	requestID string
}

func (s *wsSink) Send(ctx context.Context, reply Reply) error {
	frame := wsOutbound{Type: "delta", RequestID: s.requestID, Reply: &reply}
	if reply.Done {
		frame.Type = "reply"
	}
	return wsjson.Write(ctx, s.conn, frame)
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// With JWT enabled the identity is fixed for the connection.
	var connUser string
	if len(g.jwtSecret) > 0 {
		id, err := g.callerID(r, "")
		if err != nil {
			g.writeAuthError(w, err)
			return
		}
		connUser = id
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket: accept failed")
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(config.MaxRequestBodySize)

	ctx := r.Context()
	for {
		var msg wsInbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("websocket: read failed")
			}
			return
		}

		userID := connUser
		if userID == "" {
			userID = msg.UserID
		}
		if userID == "" {
			_ = wsjson.Write(ctx, conn, wsOutbound{Type: "error", Error: errMissingUser.Error()})
			continue
		}

		if msg.Type == "reset" {
			frame := wsOutbound{Type: "done"}
			if err := g.orch.Reset(ctx, userID, msg.ChatID); err != nil {
				frame = wsOutbound{Type: "error", Error: err.Error()}
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
			continue
		}

		req := msg.toRequest(g.getRequestID(r), userID)
		// Per-frame ids: the upgrade request's X-Request-ID applies to the first only.
		r.Header.Del(HeaderRequestID)

		out, _ := g.orch.Handle(ctx, req, &wsSink{conn: conn, requestID: req.ID})
		if out.Reason == ReasonCancelled {
			return
		}
		resp := newMessageResponse(out)
		if err := wsjson.Write(ctx, conn, wsOutbound{Type: "done", RequestID: req.ID, Outcome: &resp}); err != nil {
			return
		}
	}
}
