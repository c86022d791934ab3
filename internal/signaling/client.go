package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/elraffme/oloo-live/internal/models"
	"github.com/elraffme/oloo-live/internal/registry"
	"github.com/elraffme/oloo-live/internal/tokens"
	"github.com/elraffme/oloo-live/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MediaFlagStore records participants' camera/mic publication state.
type MediaFlagStore interface {
	SetMediaFlags(ctx context.Context, sessionID uuid.UUID, participantID string, camera, mic bool) error
	Get(ctx context.Context, sessionID uuid.UUID, participantID string) (*models.ParticipantConnection, error)
}

// LikeStore accumulates session likes.
type LikeStore interface {
	IncrementLikes(ctx context.Context, id uuid.UUID, delta int) error
}

// FeedPublisher pushes registry events onto the change feed.
type FeedPublisher interface {
	Publish(ctx context.Context, ev registry.Event) error
}

// Deps are the stores the signaling client writes through.
type Deps struct {
	Flags MediaFlagStore
	Likes LikeStore
	Feed  FeedPublisher
}

// Client represents a single WebSocket connection in a session.
type Client struct {
	ID          string
	SessionID   uuid.UUID
	Role        models.ParticipantRole
	DisplayName string
	IsGuest     bool
	JoinedAt    time.Time
	hub         *Hub
	sfu         *transport.SFU
	conn        *websocket.Conn
	send        chan WSMessage
	deps        Deps
	logger      *zap.Logger
}

// IsHost reports whether this connection belongs to the broadcaster.
func (c *Client) IsHost() bool { return c.Role == models.RoleHost }

// ServeWs handles the WebSocket upgrade and runs the client loop. The token
// carries the session-scoped participant identity; no account is required.
func ServeWs(hub *Hub, logger *zap.Logger, validate func(token string) (*tokens.Claims, error), sfu *transport.SFU, deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		claims, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:          claims.ParticipantID,
			SessionID:   claims.SessionID,
			Role:        claims.Role,
			DisplayName: claims.DisplayName,
			IsGuest:     claims.IsGuest,
			JoinedAt:    time.Now(),
			hub:         hub,
			sfu:         sfu,
			conn:        conn,
			send:        make(chan WSMessage, 256),
			deps:        deps,
			logger:      logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		if c.sfu != nil {
			c.sfu.RemoveParticipant(c.SessionID, c.ID)
		}
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	sendToMe := func(event string, payload interface{}) {
		c.hub.SendToClient(c.SessionID, c.ID, event, payload)
	}

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "join":
			c.hub.BroadcastAndPublish(c.SessionID, "audience_count", map[string]int{
				"count": c.hub.AudienceCount(c.SessionID),
			})
			c.hub.BroadcastAndPublish(c.SessionID, "join", map[string]string{
				"participant_id": c.ID,
				"display_name":   c.DisplayName,
				"role":           string(c.Role),
			})
		case "webrtc_publisher_offer":
			if c.sfu != nil {
				var payload struct {
					Type string `json:"type"`
					SDP  string `json:"sdp"`
				}
				if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SDP != "" {
					sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
					role := transport.RoleViewer
					if c.IsHost() {
						role = transport.RoleHost
					}
					_ = c.sfu.HandlePublisherOffer(c.SessionID, c.ID, role, sdp, sendToMe)
				}
			}
		case "webrtc_subscribe":
			if c.sfu != nil {
				_ = c.sfu.HandleSubscribe(c.SessionID, c.ID, sendToMe)
			}
		case "webrtc_subscriber_answer":
			if c.sfu != nil {
				var payload struct {
					Type string `json:"type"`
					SDP  string `json:"sdp"`
				}
				if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SDP != "" {
					sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
					_ = c.sfu.HandleSubscriberAnswer(c.SessionID, c.ID, sdp)
				}
			}
		case "webrtc_ice":
			if c.sfu != nil {
				var payload struct {
					Target    string          `json:"target"`
					Candidate json.RawMessage `json:"candidate"`
				}
				if err := json.Unmarshal(msg.Data, &payload); err == nil && len(payload.Candidate) > 0 {
					var cand webrtc.ICECandidateInit
					if json.Unmarshal(payload.Candidate, &cand) == nil {
						if payload.Target == "publisher" {
							_ = c.sfu.HandlePublisherICE(c.SessionID, c.ID, cand)
						} else if payload.Target == "subscriber" {
							_ = c.sfu.HandleSubscriberICE(c.SessionID, c.ID, cand)
						}
					}
				}
			}
		case "media_state":
			c.handleMediaState(msg.Data)
		case "device_error":
			// client-side capture failure, classified by the transport
			var payload struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err == nil && c.sfu != nil {
				c.sfu.SetPublishError(c.SessionID, c.ID, payload.Reason)
			}
		case "like":
			c.handleLike()
		case "chat_message":
			// publish only so the Redis subscriber broadcasts once for all
			// instances, avoiding duplicate delivery to local clients
			c.hub.PublishOnly(c.SessionID, msg.Event, json.RawMessage(msg.Data))
		default:
			// ignore
		}
	}
}

// handleMediaState persists the camera/mic flags and announces them on the
// change feed so the host's camera receiver can pick the stream up.
func (c *Client) handleMediaState(data json.RawMessage) {
	var payload struct {
		Camera bool `json:"camera"`
		Mic    bool `json:"mic"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Flags.SetMediaFlags(ctx, c.SessionID, c.ID, payload.Camera, payload.Mic); err != nil {
		c.logger.Warn("media flags write failed", zap.Error(err))
		return
	}
	row, err := c.deps.Flags.Get(ctx, c.SessionID, c.ID)
	if err != nil || row == nil {
		return
	}
	if c.deps.Feed != nil {
		_ = c.deps.Feed.Publish(ctx, registry.Event{
			Kind:        registry.EventParticipantMedia,
			SessionID:   c.SessionID,
			Participant: row,
			At:          time.Now(),
		})
	}
	c.hub.BroadcastAndPublish(c.SessionID, "media_state", map[string]interface{}{
		"participant_id": c.ID,
		"camera":         payload.Camera,
		"mic":            payload.Mic,
	})
}

func (c *Client) handleLike() {
	if c.deps.Likes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Likes.IncrementLikes(ctx, c.SessionID, 1); err != nil {
		c.logger.Warn("like write failed", zap.Error(err))
		return
	}
	c.hub.BroadcastAndPublish(c.SessionID, "like", map[string]string{
		"participant_id": c.ID,
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
