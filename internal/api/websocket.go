package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/pnp-hooks/internal/infrastructure/config"
	"github.com/nerrad567/pnp-hooks/internal/infrastructure/logging"
)

// Feed message types. Clients send subscribe, unsubscribe and ping; the
// server sends event, ack, pong and error.
const (
	FeedSubscribe   = "subscribe"
	FeedUnsubscribe = "unsubscribe"
	FeedPing        = "ping"
	FeedPong        = "pong"
	FeedEvent       = "event"
	FeedAck         = "ack"
	FeedError       = "error"

	// ChannelAll matches every channel.
	ChannelAll = "*"

	feedBufferSize = 256
)

// FeedMessage is one frame on the event feed.
//
// Events carry a hub-wide sequence number; a gap tells the client it was
// too slow and missed events.
type FeedMessage struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	Channel  string   `json:"channel,omitempty"`
	Seq      uint64   `json:"seq,omitempty"`
	Time     string   `json:"time,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Error    string   `json:"error,omitempty"`
	Payload  any      `json:"payload,omitempty"`
}

// channelSet holds a subscriber's channel patterns: exact names, "*", or
// a dotted prefix ending in ".*" ("device.*" matches "device.connected"
// and "device.twin.updated").
type channelSet map[string]struct{}

func (s channelSet) matches(channel string) bool {
	if _, ok := s[channel]; ok {
		return true
	}
	if _, ok := s[ChannelAll]; ok {
		return true
	}
	for i := 0; i < len(channel); i++ {
		if channel[i] != '.' {
			continue
		}
		if _, ok := s[channel[:i]+".*"]; ok {
			return true
		}
	}
	return false
}

// parseChannels validates subscription patterns. A wildcard is allowed
// only on its own or as a final ".*" segment.
func parseChannels(patterns []string) ([]string, error) {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		body := strings.TrimSuffix(p, ".*")
		if p != ChannelAll && (strings.Contains(body, "*") || strings.HasPrefix(body, ".") || strings.HasSuffix(body, ".")) {
			return nil, fmt.Errorf("invalid channel pattern %q", p)
		}
		out = append(out, p)
	}
	return out, nil
}

// feedTiming is the keepalive schedule derived from config.
type feedTiming struct {
	readLimit int64
	pingEvery time.Duration
	pongWait  time.Duration
}

func newFeedTiming(cfg config.WebSocketConfig) feedTiming {
	t := feedTiming{
		readLimit: int64(cfg.MaxMessageSize),
		pingEvery: time.Duration(cfg.PingInterval) * time.Second,
		pongWait:  time.Duration(cfg.PongTimeout) * time.Second,
	}
	if t.readLimit <= 0 {
		t.readLimit = 8192
	}
	if t.pingEvery <= 0 {
		t.pingEvery = 30 * time.Second
	}
	if t.pongWait <= 0 {
		t.pongWait = 10 * time.Second
	}
	return t
}

// Hub fans provisioning and lifecycle events out to feed subscribers.
type Hub struct {
	timing feedTiming
	logger *logging.Logger
	seq    atomic.Uint64

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub creates an event hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		timing: newFeedTiming(cfg),
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.close()
		s.conn.Close()
	}
}

// Broadcast publishes payload on channel to every matching subscriber.
// Subscribers whose buffer is full miss the event.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(FeedMessage{
		Type:    FeedEvent,
		Channel: channel,
		Seq:     h.seq.Add(1),
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Payload: payload,
	})
	if err != nil {
		h.logger.Error("encoding feed event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if s.wants(channel) {
			s.deliver(data)
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) register(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("feed subscriber connected", "subject", s.subject, "clients", n)
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	s.close()
	h.logger.Debug("feed subscriber disconnected", "subject", s.subject, "clients", n, "dropped", s.dropped.Load())
}

// subscriber is one feed connection.
type subscriber struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string // token subject; empty when auth is disabled
	dropped atomic.Uint64

	mu       sync.Mutex
	channels channelSet
	out      chan []byte
	closed   bool
}

func newSubscriber(h *Hub, conn *websocket.Conn, subject string) *subscriber {
	return &subscriber{
		hub:      h,
		conn:     conn,
		subject:  subject,
		channels: make(channelSet),
		out:      make(chan []byte, feedBufferSize),
	}
}

func (s *subscriber) wants(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels.matches(channel)
}

// deliver queues data without blocking. It is safe after close.
func (s *subscriber) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- data:
	default:
		s.dropped.Add(1)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

func (s *subscriber) reply(msg FeedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.deliver(data)
}

// handleWebSocket upgrades to the event feed. The caller has already been
// authenticated. Channels may be given up front as ?channels=a,b.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	initial, err := parseChannels(strings.Split(r.URL.Query().Get("channels"), ","))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	subject, _ := r.Context().Value(ctxKeySubject).(string) //nolint:errcheck // empty when auth is disabled
	sub := newSubscriber(s.hub, conn, subject)
	for _, c := range initial {
		sub.channels[c] = struct{}{}
	}

	s.hub.register(sub)
	go sub.writeLoop()
	go sub.readLoop()
}

// upgrader leaves origin checks to the CORS middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *subscriber) readLoop() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	t := s.hub.timing
	extend := func() error { return s.conn.SetReadDeadline(time.Now().Add(t.pingEvery + t.pongWait)) }
	s.conn.SetReadLimit(t.readLimit)
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	s.conn.SetPongHandler(func(string) error { return extend() })

	for {
		var msg FeedMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if isDecodeError(err) {
				s.reply(FeedMessage{Type: FeedError, Error: "invalid JSON message"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("feed read error", "subject", s.subject, "error", err)
			}
			return
		}
		extend() //nolint:errcheck // a failed deadline surfaces as a read error
		s.handle(msg)
	}
}

// isDecodeError reports a frame that arrived intact but is not a valid
// FeedMessage. The connection stays usable.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (s *subscriber) handle(msg FeedMessage) {
	switch msg.Type {
	case FeedPing:
		s.reply(FeedMessage{Type: FeedPong, ID: msg.ID})
	case FeedSubscribe, FeedUnsubscribe:
		channels, err := parseChannels(msg.Channels)
		if err != nil {
			s.reply(FeedMessage{Type: FeedError, ID: msg.ID, Error: err.Error()})
			return
		}
		s.mu.Lock()
		for _, c := range channels {
			if msg.Type == FeedSubscribe {
				s.channels[c] = struct{}{}
			} else {
				delete(s.channels, c)
			}
		}
		s.mu.Unlock()
		s.hub.logger.Info("feed "+msg.Type, "subject", s.subject, "channels", channels)
		s.reply(FeedMessage{Type: FeedAck, ID: msg.ID, Channels: channels})
	default:
		s.reply(FeedMessage{Type: FeedError, ID: msg.ID, Error: "unknown message type: " + msg.Type})
	}
}

func (s *subscriber) writeLoop() {
	t := s.hub.timing
	ticker := time.NewTicker(t.pingEvery)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(t.pongWait)) //nolint:errcheck // write error is checked
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(t.pongWait)) //nolint:errcheck // write error is checked
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
