package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// SignalingServer exposes the WebRTC offer/answer exchange for browser
// participants. Two flavours are served: plain HTTP requests for simple
// clients, and a WebSocket session that also trickles ICE candidates and
// removes the participant when the socket closes.
type SignalingServer struct {
	platform *Platform
	identity string
	origins  []string
}

// NewSignalingServer creates a signaling server backed by platform. Rooms
// created through signaling are joined under identity.
func NewSignalingServer(platform *Platform, identity string, allowedOrigins ...string) *SignalingServer {
	return &SignalingServer{platform: platform, identity: identity, origins: allowedOrigins}
}

// Handler returns an http.Handler serving:
//
//	POST   /rooms/{room}/join    peer sends SDP offer, gets SDP answer
//	POST   /rooms/{room}/ice     peer sends ICE candidate
//	DELETE /rooms/{room}/leave   peer disconnects
//	GET    /rooms/{room}/ws      WebSocket signaling session
func (s *SignalingServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Register adds the signaling routes to mux.
func (s *SignalingServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /rooms/{room}/join", s.handleJoin)
	mux.HandleFunc("POST /rooms/{room}/ice", s.handleICE)
	mux.HandleFunc("DELETE /rooms/{room}/leave", s.handleLeave)
	mux.HandleFunc("GET /rooms/{room}/ws", s.handleWS)
}

type joinRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	SDPOffer string `json:"sdp_offer"`
}

type joinResponse struct {
	SDPAnswer string `json:"sdp_answer"`
}

type iceRequest struct {
	UserID    string `json:"user_id"`
	Candidate string `json:"candidate"`
}

type leaveRequest struct {
	UserID string `json:"user_id"`
}

// handleJoin handles POST /rooms/{room}/join.
func (s *SignalingServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.SDPOffer == "" {
		http.Error(w, "user_id and sdp_offer are required", http.StatusBadRequest)
		return
	}

	conn, err := s.platform.room(r.Context(), r.PathValue("room"), s.identity)
	if err != nil {
		http.Error(w, "failed to open room: "+err.Error(), http.StatusInternalServerError)
		return
	}
	answer, err := conn.AddPeer(r.Context(), req.UserID, req.Username, req.SDPOffer)
	if err != nil {
		http.Error(w, "failed to add peer: "+err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(joinResponse{SDPAnswer: answer})
}

// handleICE handles POST /rooms/{room}/ice.
func (s *SignalingServer) handleICE(w http.ResponseWriter, r *http.Request) {
	var req iceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	conn, ok := s.platform.Room(r.PathValue("room"))
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if err := conn.AddICECandidate(req.UserID, req.Candidate); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrPeerNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleLeave handles DELETE /rooms/{room}/leave.
func (s *SignalingServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, ok := s.platform.Room(r.PathValue("room"))
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if err := conn.RemovePeer(req.UserID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// wsMessage is the envelope of every WebSocket signaling message in both
// directions. Type is one of "join", "answer", "ice", "leave" or "error".
type wsMessage struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleWS serves GET /rooms/{room}/ws. The first message must be a "join";
// the participant is removed when the socket closes.
func (s *SignalingServer) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("webrtc: websocket accept failed", "err", err)
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	room := r.PathValue("room")
	var (
		conn   *Connection
		userID string
	)
	defer func() {
		if conn != nil && userID != "" {
			_ = conn.RemovePeer(userID)
		}
	}()

	for {
		msg, err := readWS(ctx, ws)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				slog.Debug("webrtc: websocket read ended", "room", room, "err", err)
			}
			return
		}

		switch msg.Type {
		case "join":
			if userID != "" {
				_ = writeWS(ctx, ws, wsMessage{Type: "error", Error: "already joined"})
				continue
			}
			c, err := s.platform.room(ctx, room, s.identity)
			if err != nil {
				_ = writeWS(ctx, ws, wsMessage{Type: "error", Error: err.Error()})
				return
			}
			answer, err := c.AddPeer(ctx, msg.UserID, msg.Username, msg.SDP)
			if err != nil {
				_ = writeWS(ctx, ws, wsMessage{Type: "error", Error: err.Error()})
				continue
			}
			conn, userID = c, msg.UserID
			if err := writeWS(ctx, ws, wsMessage{Type: "answer", SDP: answer}); err != nil {
				return
			}
		case "ice":
			if conn == nil {
				_ = writeWS(ctx, ws, wsMessage{Type: "error", Error: "join first"})
				continue
			}
			if err := conn.AddICECandidate(userID, msg.Candidate); err != nil {
				_ = writeWS(ctx, ws, wsMessage{Type: "error", Error: err.Error()})
			}
		case "leave":
			ws.Close(websocket.StatusNormalClosure, "left")
			return
		default:
			_ = writeWS(ctx, ws, wsMessage{Type: "error", Error: "unknown message type " + msg.Type})
		}
	}
}

func readWS(ctx context.Context, ws *websocket.Conn) (wsMessage, error) {
	var msg wsMessage
	_, data, err := ws.Read(ctx)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return wsMessage{Type: "invalid"}, nil
	}
	return msg, nil
}

func writeWS(ctx context.Context, ws *websocket.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
