// Package session implements the duplex-socket connection layer (C7):
// upgrade, auth, origin/capacity checks, per-session rate limiting, message
// dispatch against a closed client-event allow-list, heartbeat and idle
// sweeping, and broadcast fan-out. Broadcast fan-out and the
// RWMutex-protected connection map are grounded on the non-blocking
// subscriber broadcast in internal/streaming.StreamSession from the pack;
// the socket lifecycle itself has no direct teacher precedent and is
// hand-built around gorilla/websocket.
package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/aigateway/core/internal/clock"
)

// Known client-event types. Any frame whose Type is not in this set is
// rejected before reaching a handler.
var allowedClientEvents = map[string]bool{
	"chat:send":              true,
	"chat:stop":              true,
	"chat:retry":             true,
	"channel:connect":        true,
	"channel:disconnect":     true,
	"channel:subscribe":      true,
	"channel:unsubscribe":    true,
	"channel:send":           true,
	"channel:list":           true,
	"workspace:*":            true,
	"agent:configure":        true,
	"agent:stop":             true,
	"tool:cancel":            true,
	"session:ping":           true,
	"session:pong":           true,
	"coding-agent:input":     true,
	"coding-agent:resize":    true,
	"coding-agent:subscribe": true,
	"event:subscribe":        true,
	"event:unsubscribe":      true,
	"event:publish":          true,
}

// eventTypeAllowed reports whether eventType is covered by the allow-list,
// treating any entry ending in "*" as a prefix match (e.g. "workspace:*"
// allows "workspace:open") rather than a literal event type.
func eventTypeAllowed(eventType string) bool {
	if allowedClientEvents[eventType] {
		return true
	}
	for prefix := range allowedClientEvents {
		if strings.HasSuffix(prefix, "*") && strings.HasPrefix(eventType, strings.TrimSuffix(prefix, "*")) {
			return true
		}
	}
	return false
}

// Close codes used by the session layer, per the WebSocket surface.
const (
	CloseAuthOrOrigin   = 1008
	CloseCapacity       = 1013
	CloseServerShutdown = 1001
)

// Frame is the wire shape of every inbound and outbound message.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Handler processes one inbound Frame for a Session. Returning an error
// causes the manager to emit a HANDLER_ERROR connection:error frame; it
// never closes the socket.
type Handler func(ctx context.Context, s *Session, payload json.RawMessage) error

// AuthConfig controls how upgrade requests are authenticated.
type AuthConfig struct {
	// APIKeys, when non-empty, are compared against the bearer/token
	// value using constant-time equality.
	APIKeys []string

	// ValidateUISessionToken, when set, is consulted for opaque
	// UI-session tokens before falling back to APIKeys.
	ValidateUISessionToken func(token string) bool
}

func (a AuthConfig) configured() bool {
	return len(a.APIKeys) > 0 || a.ValidateUISessionToken != nil
}

func (a AuthConfig) accepts(token string) bool {
	if !a.configured() {
		return true
	}
	if a.ValidateUISessionToken != nil && a.ValidateUISessionToken(token) {
		return true
	}
	tb := []byte(token)
	for _, key := range a.APIKeys {
		kb := []byte(key)
		if len(tb) == len(kb) && subtle.ConstantTimeCompare(tb, kb) == 1 {
			return true
		}
	}
	return false
}

// Options configures a Manager.
type Options struct {
	Auth AuthConfig

	// AllowedOrigins, when non-empty, restricts upgrades to an exact
	// Origin header match.
	AllowedOrigins []string

	MaxConnections int

	// RateLimitPerSecond and RateLimitBurst configure each session's
	// per-connection token bucket. Defaults: 1 token/sec refill, burst 20
	// (roughly 60/minute as the spec's suggested sane default).
	RateLimitPerSecond float64
	RateLimitBurst     int

	// SessionTimeout is the idle duration after which a session is swept.
	SessionTimeout time.Duration

	// HeartbeatInterval is how often every open socket is pinged.
	HeartbeatInterval time.Duration

	Clock clock.Clock
}

func (o *Options) setDefaults() {
	if o.RateLimitPerSecond <= 0 {
		o.RateLimitPerSecond = 1
	}
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 20
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 10 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

// Manager owns every live Session, the allow-listed handler table, and the
// heartbeat/sweep timers.
type Manager struct {
	opts     Options
	upgrader websocket.Upgrader

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu       sync.RWMutex
	sessions map[string]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager constructs a Manager and starts its heartbeat and sweeper
// timers. Call Close to stop them and terminate every live session.
func NewManager(opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		opts:     opts,
		handlers: make(map[string]Handler),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	go m.heartbeatLoop()
	go m.sweepLoop()
	return m
}

// Handle registers handler for eventType. eventType must be a member of the
// allow-list; unregistered or unknown types are rejected at dispatch time
// regardless.
func (m *Manager) Handle(eventType string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[eventType] = h
}

func (m *Manager) sessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Upgrade performs the full lifecycle: auth, origin check, capacity check,
// socket upgrade, and session registration. It returns the new Session, or
// an error if the request was rejected before the socket was upgraded (auth
// failure). Origin and capacity rejections upgrade the socket and then
// close it with the documented close code, returning a nil Session.
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request) (*Session, error) {
	token := extractToken(r)
	if !m.opts.Auth.accepts(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, fmt.Errorf("session: auth rejected")
	}

	if len(m.opts.AllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if !originAllowed(origin, m.opts.AllowedOrigins) {
			conn, err := m.upgrader.Upgrade(w, r, nil)
			if err != nil {
				return nil, err
			}
			closeWithCode(conn, CloseAuthOrOrigin, "origin not allowed")
			return nil, nil
		}
	}

	if m.opts.MaxConnections > 0 && m.sessionCount() >= m.opts.MaxConnections {
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return nil, err
		}
		closeWithCode(conn, CloseCapacity, "at capacity")
		return nil, nil
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	s := newSession(m, conn)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.send(Frame{Type: "connection:ready", Payload: map[string]string{"sessionId": s.ID}})
	go s.readLoop()
	return s, nil
}

func extractToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == origin {
			return true
		}
	}
	return false
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Broadcast writes the same frame to every open session. The frame is
// encoded separately for each session by that session's JSON write.
func (m *Manager) Broadcast(eventType string, payload any) {
	frame := Frame{Type: eventType, Payload: payload}
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.send(frame)
	}
}

// BroadcastToChannel is like Broadcast but limited to sessions subscribed
// to channelID.
func (m *Manager) BroadcastToChannel(channelID, eventType string, payload any) {
	frame := Frame{Type: eventType, Payload: payload}
	m.mu.RLock()
	var sessions []*Session
	for _, s := range m.sessions {
		if s.inChannel(channelID) {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		s.send(frame)
	}
}

func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.RLock()
			sessions := make([]*Session, 0, len(m.sessions))
			for _, s := range m.sessions {
				sessions = append(sessions, s)
			}
			m.mu.RUnlock()
			for _, s := range sessions {
				s.ping()
			}
		}
	}
}

func (m *Manager) sweepLoop() {
	interval := m.opts.SessionTimeout / 3
	if interval > 60*time.Second || interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := m.opts.Clock.Now()
			m.mu.RLock()
			var stale []*Session
			for _, s := range m.sessions {
				if now.Sub(s.lastActivity()) > m.opts.SessionTimeout {
					stale = append(stale, s)
				}
			}
			m.mu.RUnlock()
			for _, s := range stale {
				s.Close()
			}
		}
	}
}

// Close stops the heartbeat/sweep timers and closes every live session with
// the server-shutdown close code.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		closeWithCode(s.conn, CloseServerShutdown, "Server shutting down")
		m.remove(s.ID)
	}
}

// Session is a single authenticated WebSocket connection. Dispatch runs
// sequentially on the connection's own read goroutine, so handlers for one
// session never run concurrently with each other, while distinct sessions
// proceed independently.
type Session struct {
	ID      string
	manager *Manager
	conn    *websocket.Conn

	limiter *rate.Limiter

	mu            sync.Mutex
	writeMu       sync.Mutex
	lastSeen      time.Time
	channels      map[string]bool
	subscriptions map[string]func()
	closed        bool

	// sink, when set, receives every outbound Frame instead of writing to
	// conn. Used to construct sessions for tests without a real socket.
	sink func(Frame)

	// CancelChat, when non-nil, cancels the in-flight chat stream started
	// by this session's most recent chat:send.
	CancelChat context.CancelFunc
}

func newSession(m *Manager, conn *websocket.Conn) *Session {
	return &Session{
		ID:            uuid.NewString(),
		manager:       m,
		conn:          conn,
		limiter:       rate.NewLimiter(rate.Limit(m.opts.RateLimitPerSecond), m.opts.RateLimitBurst),
		lastSeen:      m.opts.Clock.Now(),
		channels:      make(map[string]bool),
		subscriptions: make(map[string]func()),
	}
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.manager.opts.Clock.Now()
	s.mu.Unlock()
}

func (s *Session) inChannel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

// JoinChannel marks this session as subscribed to channelID.
func (s *Session) JoinChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channelID] = true
}

// LeaveChannel removes channelID from this session's subscriptions.
func (s *Session) LeaveChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
}

// TrackSubscription stores unsubscribe against key, first calling and
// then replacing any previous handle registered under the same key.
func (s *Session) TrackSubscription(key string, unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.subscriptions[key]; ok {
		old()
	}
	s.subscriptions[key] = unsubscribe
}

// ReleaseSubscription closes and removes the subscription tracked under
// key, if any, reporting whether one was present.
func (s *Session) ReleaseSubscription(key string) bool {
	s.mu.Lock()
	unsubscribe, ok := s.subscriptions[key]
	if ok {
		delete(s.subscriptions, key)
	}
	s.mu.Unlock()
	if ok {
		unsubscribe()
	}
	return ok
}

// SubscriptionCount returns how many tracked subscriptions this session
// currently holds.
func (s *Session) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// HasSubscription reports whether key is already tracked.
func (s *Session) HasSubscription(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[key]
	return ok
}

func (s *Session) send(f Frame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return
	}
	if s.sink != nil {
		s.sink(f)
		return
	}
	if err := s.conn.WriteJSON(f); err != nil {
		// A failed write means the socket is in a bad state; terminate
		// the session rather than leave it half-open.
		go s.Close()
	}
}

// NewForTesting constructs a Session with no backing socket, routing every
// outbound Frame to sink instead. Intended for unit tests of handlers in
// other packages (e.g. the event bridge) that need a *Session without
// standing up a real WebSocket connection.
func NewForTesting(id string, sink func(Frame)) *Session {
	return &Session{
		ID:            id,
		sink:          sink,
		channels:      make(map[string]bool),
		subscriptions: make(map[string]func()),
	}
}

// Send delivers a typed event frame to this session only.
func (s *Session) Send(eventType string, payload any) {
	s.send(Frame{Type: eventType, Payload: payload})
}

func (s *Session) ping() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return
	}
	_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close terminates the session's socket, releases every tracked
// subscription, and removes it from the manager.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]func(), 0, len(s.subscriptions))
	for _, unsub := range s.subscriptions {
		subs = append(subs, unsub)
	}
	s.subscriptions = nil
	cancel := s.CancelChat
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, unsub := range subs {
		unsub()
	}
	_ = s.conn.Close()
	s.manager.remove(s.ID)
}

func (s *Session) readLoop() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	if !s.limiter.Allow() {
		s.send(Frame{Type: "connection:error", Payload: map[string]string{"code": "RATE_LIMITED"}})
		return
	}
	s.touch()

	var f struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		s.send(Frame{Type: "connection:error", Payload: map[string]string{"code": "PARSE_ERROR"}})
		return
	}
	if !eventTypeAllowed(f.Type) {
		s.send(Frame{Type: "connection:error", Payload: map[string]string{"code": "UNKNOWN_EVENT_TYPE"}})
		return
	}

	s.manager.handlersMu.RLock()
	h, ok := s.manager.handlers[f.Type]
	s.manager.handlersMu.RUnlock()
	if !ok {
		return
	}
	if err := h(context.Background(), s, f.Payload); err != nil {
		s.send(Frame{Type: "connection:error", Payload: map[string]string{"code": "HANDLER_ERROR", "message": err.Error()}})
	}
}
