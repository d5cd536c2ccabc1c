package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/shardgate"
	"github.com/luciancaetano/shardgate/internal/protocol"
)

// Shard owns one gateway connection: heartbeat, identify or resume,
// the reconnect policy and the outgoing command queue.
type Shard struct {
	id         int
	total      int
	gatewayURL string
	pool       *Pool
	cfg        *Config
	log        *zap.Logger
	queue      *CommandQueue

	mu           sync.Mutex
	conn         *connection
	connID       string
	status       shardgate.Status
	sessionID    string
	seq          int64
	hasSeq       bool
	stopBeat     chan struct{}
	ackPending   bool
	lastBeat     time.Time
	ping         time.Duration
	unavailable  map[string]struct{}
	readyTimer   *time.Timer
	reconnecting bool
}

var _ shardgate.Shard = (*Shard)(nil)

func newShard(p *Pool, id, total int, gatewayURL string) *Shard {
	s := &Shard{
		id:         id,
		total:      total,
		gatewayURL: gatewayURL,
		pool:       p,
		cfg:        p.cfg,
		log:        p.log.With(zap.Int("shard", id)),
		status:     shardgate.StatusDisconnected,
	}
	s.queue = NewCommandQueue(p.cfg.CommandLimit, s.write, s.emitError, s.log)
	return s
}

func (s *Shard) ID() int { return s.id }

func (s *Shard) Status() shardgate.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Shard) Ping() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ping
}

func (s *Shard) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Sequence returns the last sequence number seen and whether one was seen.
func (s *Shard) Sequence() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, s.hasSeq
}

// Send validates and queues a command frame.
func (s *Shard) Send(op shardgate.Opcode, data any, priority bool) error {
	frame, err := protocol.Encode(op, data)
	if err != nil {
		return err
	}
	return s.push(frame, priority)
}

func (s *Shard) push(frame []byte, priority bool) error {
	s.mu.Lock()
	open := s.conn != nil
	s.mu.Unlock()
	if !open {
		return fmt.Errorf("shard %d: %w", s.id, shardgate.ErrConnectionClosed)
	}

	s.queue.Push(frame, priority)
	return nil
}

// write is the queue's sink. It must not be called with s.mu held.
func (s *Shard) write(frame []byte) error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("shard %d: %w", s.id, shardgate.ErrConnectionClosed)
	}
	return c.enqueue(frame)
}

// setStatusLocked must be called with s.mu held.
func (s *Shard) setStatusLocked(status shardgate.Status) {
	if s.status == status {
		return
	}
	s.log.Debug("status change",
		zap.Stringer("from", s.status),
		zap.Stringer("to", status))
	s.status = status
	s.pool.metrics.ShardStatus(s.id, status)
}

func (s *Shard) setStatus(status shardgate.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatusLocked(status)
}

func (s *Shard) emit(n shardgate.Notification) {
	n.Shard = s
	if n.ConnID == "" {
		s.mu.Lock()
		n.ConnID = s.connID
		s.mu.Unlock()
	}
	s.pool.events.Emit(n)
}

func (s *Shard) emitError(err error) {
	s.emit(shardgate.Notification{Kind: shardgate.NotifyShardError, Err: err})
}

// spawn opens a fresh socket and starts its read and write loops.
func (s *Shard) spawn(ctx context.Context) error {
	url := s.gatewayURL + s.cfg.GatewayQuery
	ws, _, err := s.cfg.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("shard %d: dial gateway: %w", s.id, err)
	}

	c := newConnection(ws)

	s.mu.Lock()
	if s.pool.isDestroyed() {
		s.mu.Unlock()
		c.close(shardgate.CloseNormal, "")
		return shardgate.ErrPoolDestroyed
	}
	s.conn = c
	s.connID = c.id
	s.setStatusLocked(shardgate.StatusConnecting)
	s.mu.Unlock()

	s.log.Info("connected to gateway", zap.String("conn", c.id))

	go c.writePump(s.emitError)
	go s.readLoop(c)
	return nil
}

func (s *Shard) readLoop(c *connection) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			s.handleReadError(c, err)
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn("dropping malformed frame", zap.Error(err))
			s.emitError(err)
			continue
		}
		s.handleFrame(c, f)
	}
}

func (s *Shard) handleReadError(c *connection, err error) {
	s.mu.Lock()
	current := s.conn == c
	s.mu.Unlock()
	if !current {
		// closed by destroy or replaced by a newer connection
		return
	}

	code := websocket.CloseAbnormalClosure
	var reason string
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	} else {
		s.log.Error("transport failure", zap.String("conn", c.id), zap.Error(err))
		s.emitError(err)
	}

	s.handleClose(code, reason)
}

// handleClose applies the reconnect policy for a close code.
func (s *Shard) handleClose(code int, reason string) {
	class := protocol.Classify(code)
	s.log.Info("connection closed",
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Stringer("class", class))

	closed := shardgate.Notification{Kind: shardgate.NotifyShardClose, Code: code, Reason: reason}

	switch class {
	case protocol.CloseClean:
		s.Destroy()
		s.emit(closed)
	case protocol.CloseFatal:
		s.pool.Destroy()
		s.emit(closed)
	case protocol.CloseSessionInvalid:
		s.clearSession()
		s.reconnect(shardgate.CloseResumable)
	default:
		s.reconnect(shardgate.CloseResumable)
	}
}

func (s *Shard) handleFrame(c *connection, f protocol.Frame) {
	var seq int64
	s.mu.Lock()
	if f.S != nil && (!s.hasSeq || *f.S > s.seq) {
		s.seq = *f.S
		s.hasSeq = true
	}
	seq = s.seq
	s.mu.Unlock()

	s.log.Debug("frame received", zap.Stringer("op", f.Op), zap.String("event", string(f.T)))

	switch f.Op {
	case shardgate.OpHello:
		var hello struct {
			HeartbeatInterval int64 `json:"heartbeat_interval"`
		}
		if err := json.Unmarshal(f.D, &hello); err != nil || hello.HeartbeatInterval <= 0 {
			s.emitError(fmt.Errorf("shard %d: invalid hello payload %s", s.id, f.D))
			return
		}
		s.startHeartbeat(c, time.Duration(hello.HeartbeatInterval)*time.Millisecond)

		var err error
		if s.SessionID() != "" {
			err = s.Resume()
		} else {
			err = s.Identify()
		}
		if err != nil {
			s.log.Error("handshake failed", zap.Error(err))
			s.emitError(err)
		}

	case shardgate.OpHeartbeat:
		s.log.Debug("heartbeat requested")
		if err := s.heartbeat(); err != nil {
			s.log.Debug("heartbeat not sent", zap.Error(err))
		}

	case shardgate.OpHeartbeatAck:
		s.mu.Lock()
		s.ackPending = false
		s.ping = time.Since(s.lastBeat)
		ping := s.ping
		s.mu.Unlock()
		s.pool.metrics.ShardPing(s.id, ping)

	case shardgate.OpReconnect:
		s.log.Info("reconnect requested")
		s.reconnect(shardgate.CloseResumable)

	case shardgate.OpInvalidSession:
		var resumable bool
		if err := json.Unmarshal(f.D, &resumable); err != nil {
			s.log.Debug("invalid session payload not understood, treating as not resumable",
				zap.ByteString("d", f.D), zap.Error(err))
		}
		s.log.Info("invalid session", zap.Bool("resumable", resumable))
		if !resumable {
			s.clearSession()
		}
		s.reconnect(shardgate.CloseResumable)

	case shardgate.OpDispatch:
		s.pool.dispatch.Dispatch(s, shardgate.Event{Name: f.T, Shard: s, Sequence: seq, Data: f.D})

	default:
		s.log.Debug("ignoring opcode", zap.Int("op", int(f.Op)))
	}
}

func (s *Shard) startHeartbeat(c *connection, interval time.Duration) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	if s.stopBeat != nil {
		close(s.stopBeat)
	}
	stop := make(chan struct{})
	s.stopBeat = stop
	s.ackPending = false
	s.mu.Unlock()

	go s.heartbeatLoop(interval, stop)
}

func (s *Shard) heartbeatLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			missed := s.ackPending
			s.mu.Unlock()

			if missed && s.cfg.DisconnectOnMissedAck {
				s.log.Warn("heartbeat not acknowledged, reconnecting")
				s.reconnect(shardgate.CloseResumable)
				return
			}
			if err := s.heartbeat(); err != nil {
				s.log.Debug("heartbeat not sent", zap.Error(err))
			}
		}
	}
}

// heartbeat sends the last sequence number, or null before any was seen.
// Heartbeats bypass the command queue so the ack deadline only covers the
// round trip.
func (s *Shard) heartbeat() error {
	s.mu.Lock()
	c := s.conn
	var d any
	if s.hasSeq {
		d = s.seq
	}
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("shard %d: %w", s.id, shardgate.ErrConnectionClosed)
	}

	frame, err := protocol.Encode(shardgate.OpHeartbeat, d)
	if err != nil {
		return err
	}

	// armed before the frame is handed off so an early ack cannot be lost
	s.mu.Lock()
	prevBeat, prevPending := s.lastBeat, s.ackPending
	s.lastBeat = time.Now()
	s.ackPending = true
	s.mu.Unlock()

	s.log.Debug("sending heartbeat")
	if err := c.enqueue(frame); err != nil {
		s.mu.Lock()
		if s.conn == c {
			s.lastBeat, s.ackPending = prevBeat, prevPending
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

type identifyPayload struct {
	Token              string             `json:"token"`
	Properties         IdentifyProperties `json:"properties"`
	Shard              [2]int             `json:"shard"`
	Intents            int                `json:"intents"`
	Compress           bool               `json:"compress"`
	LargeThreshold     int                `json:"large_threshold"`
	GuildSubscriptions bool               `json:"guild_subscriptions"`
	Presence           any                `json:"presence,omitempty"`
}

// Identify starts a new session.
// Returns an error wrapping ErrHandshakeFailed if the frame cannot be sent.
func (s *Shard) Identify() error {
	frame, err := protocol.Encode(shardgate.OpIdentify, identifyPayload{
		Token:              s.cfg.Token,
		Properties:         s.cfg.Properties,
		Shard:              [2]int{s.id, s.total},
		Intents:            s.cfg.Intents,
		LargeThreshold:     s.cfg.LargeThreshold,
		GuildSubscriptions: true,
		Presence:           s.cfg.Presence,
	})
	if err != nil {
		return fmt.Errorf("%w: shard %d identify: %w", shardgate.ErrHandshakeFailed, s.id, err)
	}
	if err := s.push(frame, true); err != nil {
		return fmt.Errorf("%w: shard %d identify: %w", shardgate.ErrHandshakeFailed, s.id, err)
	}

	s.log.Info("identify sent")
	return nil
}

type resumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Resume reattaches to the held session.
// Returns an error wrapping ErrHandshakeFailed if the frame cannot be sent.
func (s *Shard) Resume() error {
	s.mu.Lock()
	p := resumePayload{Token: s.cfg.Token, SessionID: s.sessionID, Seq: s.seq}
	s.setStatusLocked(shardgate.StatusConnecting)
	s.mu.Unlock()

	frame, err := protocol.Encode(shardgate.OpResume, p)
	if err != nil {
		return fmt.Errorf("%w: shard %d resume: %w", shardgate.ErrHandshakeFailed, s.id, err)
	}
	if err := s.push(frame, true); err != nil {
		return fmt.Errorf("%w: shard %d resume: %w", shardgate.ErrHandshakeFailed, s.id, err)
	}

	s.log.Info("resume sent", zap.String("session", p.SessionID), zap.Int64("seq", p.Seq))
	return nil
}

func (s *Shard) clearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
}

// reconnect drops the current socket with a resumable close code and spawns
// a new one. A shard without a session waits for the pool's identify gate first.
func (s *Shard) reconnect(code int) {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	session := s.sessionID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	if s.pool.isDestroyed() {
		return
	}

	s.log.Info("reconnecting", zap.Bool("resume", session != ""))
	s.pool.metrics.ShardReconnect(s.id)
	s.emit(shardgate.Notification{Kind: shardgate.NotifyShardReconnect, Code: code})

	s.destroy(code, "reconnect")
	s.setStatus(shardgate.StatusReconnecting)

	ctx := s.pool.ctx
	if session == "" {
		if err := s.pool.waitIdentify(ctx); err != nil {
			s.log.Debug("reconnect abandoned", zap.Error(err))
			return
		}
	}

	if err := s.pool.spawnWithRetry(ctx, s); err != nil {
		s.pool.drop(s, err)
	}
}

// Destroy closes the socket with a normal close code and stops every timer.
func (s *Shard) Destroy() {
	s.destroy(shardgate.CloseNormal, "")
}

func (s *Shard) destroy(code int, reason string) {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	if s.stopBeat != nil {
		close(s.stopBeat)
		s.stopBeat = nil
	}
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	s.ackPending = false
	s.unavailable = nil
	if s.sessionID == "" {
		s.seq = 0
		s.hasSeq = false
	}
	s.setStatusLocked(shardgate.StatusDisconnected)
	s.mu.Unlock()

	s.queue.Reset()
	if c != nil {
		c.close(code, reason)
	}
}

// onReady stores the session and waits for the listed guilds, if any.
func (s *Shard) onReady(sessionID string, unavailable []string) {
	s.mu.Lock()
	s.sessionID = sessionID
	if len(unavailable) == 0 {
		s.mu.Unlock()
		s.markReady()
		return
	}

	s.unavailable = make(map[string]struct{}, len(unavailable))
	for _, id := range unavailable {
		s.unavailable[id] = struct{}{}
	}
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	s.readyTimer = time.AfterFunc(s.cfg.ReadyTimeout, s.markReady)
	s.setStatusLocked(shardgate.StatusWaitingGuilds)
	s.mu.Unlock()

	s.log.Info("waiting for guilds", zap.Int("unavailable", len(unavailable)))
}

// guildAvailable removes id from the unavailable set and becomes ready once it drains.
func (s *Shard) guildAvailable(id string) {
	s.mu.Lock()
	if s.status != shardgate.StatusWaitingGuilds {
		s.mu.Unlock()
		return
	}
	delete(s.unavailable, id)
	drained := len(s.unavailable) == 0
	s.mu.Unlock()

	if drained {
		s.markReady()
	}
}

func (s *Shard) markReady() {
	s.mu.Lock()
	if s.status != shardgate.StatusConnecting && s.status != shardgate.StatusWaitingGuilds {
		s.mu.Unlock()
		return
	}
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	s.unavailable = nil
	s.setStatusLocked(shardgate.StatusReady)
	s.mu.Unlock()

	s.log.Info("shard ready")
	s.emit(shardgate.Notification{Kind: shardgate.NotifyShardReady})
	s.pool.validateStatus()
}
