package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"codeshare/internal/bus"
	"codeshare/internal/exec"
	"codeshare/internal/history"
	"codeshare/internal/metrics"
	"codeshare/internal/protocol"
	"codeshare/internal/store"
)

// ExecRunner is what the hub needs from the execution proxy.
type ExecRunner interface {
	Run(ctx context.Context, req exec.Request) (*exec.Result, error)
}

// Hub routes client events to room participants. All room state mutation and
// membership bookkeeping happens on the single Run goroutine, so every event
// is handled atomically with respect to the room store.
type Hub struct {
	log     *slog.Logger
	store   store.RoomStore
	exec    ExecRunner
	history *history.Store // optional
	bus     *bus.RedisBus  // optional

	msgRate  float64
	msgBurst int

	// Live connections, keyed by active room. Guarded by mu because the
	// REST handlers read these from other goroutines.
	conns   map[string]map[*Client]bool
	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	events     chan *event
	execDone   chan *execResult
	remote     chan bus.Message
}

// event is one inbound client frame awaiting routing.
type event struct {
	sender *Client
	env    protocol.Envelope
}

// execResult re-enters the hub loop once the external execution call returns.
type execResult struct {
	requester *Client
	roomID    string
	language  string
	version   string
	codeSize  int
	result    *exec.Result
	err       error
}

func NewHub(logger *slog.Logger, roomStore store.RoomStore, runner ExecRunner, hist *history.Store) *Hub {
	return &Hub{
		log:        logger,
		store:      roomStore,
		exec:       runner,
		history:    hist,
		msgRate:    60,
		msgBurst:   120,
		conns:      make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
		// Unbuffered so a connection is fully registered before its pumps
		// start; an unregister can then never be seen ahead of the register.
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan *event, 512),
		execDone:   make(chan *execResult, 64),
		remote:     make(chan bus.Message, 256),
	}
}

// SetMessageBudget adjusts the per-connection rate limit applied to new
// connections.
func (h *Hub) SetMessageBudget(rate float64, burst int) {
	h.msgRate = rate
	h.msgBurst = burst
}

// AttachBus enables cross-instance fan-out. Must be called before Run.
func (h *Hub) AttachBus(b *bus.RedisBus) {
	h.bus = b
}

// Run processes hub traffic until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.bus != nil {
		go h.bus.Subscribe(ctx, func(m bus.Message) {
			select {
			case h.remote <- m:
			case <-ctx.Done():
			}
		})
	}

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.ConnectionsActive.Inc()
			h.log.Debug("client connected", "client", client.id)

		case client := <-h.unregister:
			h.handleDisconnect(client)

		case ev := <-h.events:
			h.handleEvent(ctx, ev)

		case res := <-h.execDone:
			h.handleExecResult(res)

		case m := <-h.remote:
			h.handleRemote(m)

		case <-ctx.Done():
			return
		}
	}
}

// handleEvent dispatches one inbound frame. Payloads that fail to parse or
// validate are dropped without reply.
func (h *Hub) handleEvent(ctx context.Context, ev *event) {
	metrics.EventsTotal.WithLabelValues(ev.env.Event).Inc()

	switch ev.env.Event {
	case protocol.EventJoin:
		var p protocol.JoinPayload
		if decodePayload(ev.env.Data, &p) != nil || p.Validate() != nil {
			h.dropPayload(ev)
			return
		}
		h.handleJoin(ctx, ev.sender, p)

	case protocol.EventCodeChange:
		var p protocol.CodeChangePayload
		if decodePayload(ev.env.Data, &p) != nil || p.Validate() != nil {
			h.dropPayload(ev)
			return
		}
		h.handleCodeChange(ctx, ev.sender, p)

	case protocol.EventLeaveRoom:
		h.handleLeave(ctx, ev.sender)

	case protocol.EventTyping:
		var p protocol.TypingPayload
		if decodePayload(ev.env.Data, &p) != nil || p.Validate() != nil {
			h.dropPayload(ev)
			return
		}
		h.handleTyping(ctx, ev.sender, p)

	case protocol.EventLanguageChange:
		var p protocol.LanguageChangePayload
		if decodePayload(ev.env.Data, &p) != nil || p.Validate() != nil {
			h.dropPayload(ev)
			return
		}
		h.handleLanguageChange(ctx, p)

	case protocol.EventCompileCode:
		var p protocol.CompileCodePayload
		if decodePayload(ev.env.Data, &p) != nil || p.Validate() != nil {
			h.dropPayload(ev)
			return
		}
		h.handleCompile(ctx, ev.sender, p)
	}
}

func (h *Hub) dropPayload(ev *event) {
	h.log.Debug("dropping event with bad payload",
		"event", ev.env.Event, "client", ev.sender.id)
}

// handleJoin moves the connection into a room, leaving any previous room
// first so a name never appears in two membership lists at once.
func (h *Hub) handleJoin(ctx context.Context, c *Client, p protocol.JoinPayload) {
	if c.room != "" {
		h.leaveRoom(ctx, c, false)
	}

	room, created := h.store.GetOrCreate(p.RoomID)
	if created {
		h.store.SetDocument(p.RoomID, p.StarterCode)
		room.Document = p.StarterCode
	}
	h.store.AddParticipant(p.RoomID, store.ParticipantKey(p.UserName))

	h.mu.Lock()
	if h.conns[p.RoomID] == nil {
		h.conns[p.RoomID] = make(map[*Client]bool)
	}
	h.conns[p.RoomID][c] = true
	h.mu.Unlock()

	c.room = p.RoomID
	c.name = p.UserName

	// Joiner catches up on the current document, then everyone (joiner
	// included) gets the refreshed membership list.
	if frame, err := protocol.Encode(protocol.EventCodeUpdate, protocol.CodeUpdatePayload{Code: room.Document}); err == nil {
		c.enqueue(frame)
	}
	h.broadcastUserList(ctx, p.RoomID, nil)

	h.log.Info("user joined room", "room", p.RoomID, "user", p.UserName)
}

// handleCodeChange overwrites the room's document and relays the new text to
// everyone except the author. Unknown room ids are tolerated and dropped.
func (h *Hub) handleCodeChange(ctx context.Context, c *Client, p protocol.CodeChangePayload) {
	if _, ok := h.store.Get(p.RoomID); !ok {
		return
	}
	h.store.SetDocument(p.RoomID, p.Code)

	frame, err := protocol.Encode(protocol.EventCodeUpdate, protocol.CodeUpdatePayload{Code: p.Code})
	if err != nil {
		return
	}
	h.broadcast(ctx, p.RoomID, protocol.EventCodeUpdate, frame, c)
}

func (h *Hub) handleLeave(ctx context.Context, c *Client) {
	if c.room == "" {
		return
	}
	h.leaveRoom(ctx, c, true)
}

// leaveRoom removes the connection's membership and tells the room. On an
// explicit leave the broadcast goes out before the connection is detached,
// so the leaver sees the list without themselves; on a room switch or a
// disconnect the mover is excluded.
func (h *Hub) leaveRoom(ctx context.Context, c *Client, notifySelf bool) {
	roomID := c.room
	h.store.RemoveParticipant(roomID, store.ParticipantKey(c.name))

	var exclude *Client
	if !notifySelf {
		exclude = c
	}
	h.broadcastUserList(ctx, roomID, exclude)

	h.mu.Lock()
	if clients, ok := h.conns[roomID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.conns, roomID)
		}
	}
	h.mu.Unlock()

	h.log.Info("user left room", "room", roomID, "user", c.name)
	c.room = ""
	c.name = ""
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, p protocol.TypingPayload) {
	frame, err := protocol.Encode(protocol.EventUserTyping, protocol.UserTypingPayload{UserName: p.UserName})
	if err != nil {
		return
	}
	h.broadcast(ctx, p.RoomID, protocol.EventUserTyping, frame, c)
}

func (h *Hub) handleLanguageChange(ctx context.Context, p protocol.LanguageChangePayload) {
	frame, err := protocol.Encode(protocol.EventLanguageUpdate, protocol.LanguageUpdatePayload{Language: p.Language})
	if err != nil {
		return
	}
	h.broadcast(ctx, p.RoomID, protocol.EventLanguageUpdate, frame, nil)
}

// handleCompile hands the blocking provider call to its own goroutine so the
// hub keeps serving other rooms; the result re-enters the loop via execDone.
func (h *Hub) handleCompile(ctx context.Context, c *Client, p protocol.CompileCodePayload) {
	if _, ok := h.store.Get(p.RoomID); !ok {
		return
	}

	req := exec.Request{
		Language: p.Language,
		Version:  p.Version,
		Files:    []exec.File{{Content: p.Code}},
		Stdin:    p.Input,
	}
	res := &execResult{
		requester: c,
		roomID:    p.RoomID,
		language:  p.Language,
		version:   p.Version,
		codeSize:  len(p.Code),
	}

	go func() {
		res.result, res.err = h.exec.Run(ctx, req)
		select {
		case h.execDone <- res:
		case <-ctx.Done():
		}
	}()
}

// handleExecResult writes a successful result into the room and broadcasts
// it; failures are reported to the requester only, and nothing reaches the
// room or the store.
func (h *Hub) handleExecResult(res *execResult) {
	if res.err != nil {
		metrics.ExecutionsTotal.WithLabelValues("error").Inc()
		h.log.Warn("execution failed",
			"room", res.roomID, "language", res.language, "err", res.err)
		h.recordExecution(res, "", false)

		h.mu.RLock()
		connected := h.clients[res.requester]
		h.mu.RUnlock()
		if connected {
			if frame, err := protocol.Encode(protocol.EventExecutionFailed,
				protocol.ExecutionFailedPayload{Message: "code execution failed"}); err == nil {
				res.requester.enqueue(frame)
			}
		}
		return
	}

	metrics.ExecutionsTotal.WithLabelValues("ok").Inc()
	h.store.SetLastOutput(res.roomID, res.result.Raw)
	h.recordExecution(res, res.result.Output, true)

	frame, err := protocol.EncodeRaw(protocol.EventCodeResponse, res.result.Raw)
	if err != nil {
		return
	}
	h.broadcast(context.Background(), res.roomID, protocol.EventCodeResponse, frame, nil)
}

func (h *Hub) recordExecution(res *execResult, output string, ok bool) {
	if h.history == nil {
		return
	}
	if err := h.history.Record(res.roomID, res.language, res.version, res.codeSize, output, ok); err != nil {
		h.log.Error("record execution", "room", res.roomID, "err", err)
	}
}

// handleRemote delivers a frame published by another instance to the local
// members of the room. codeUpdate frames also refresh the local document
// copy so late joiners on this instance catch up on the newest text.
func (h *Hub) handleRemote(m bus.Message) {
	if m.Event == protocol.EventCodeUpdate {
		var p protocol.CodeUpdatePayload
		var env protocol.Envelope
		if json.Unmarshal(m.Frame, &env) == nil && json.Unmarshal(env.Data, &p) == nil {
			h.store.SetDocument(m.RoomID, p.Code)
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.conns[m.RoomID] {
		client.enqueue(m.Frame)
	}
}

// handleDisconnect applies the leave effect for a connection that went away,
// then forgets it. Disconnect of a session that never joined is a no-op.
func (h *Hub) handleDisconnect(c *Client) {
	h.mu.RLock()
	known := h.clients[c]
	h.mu.RUnlock()
	if !known {
		return
	}

	if c.room != "" {
		h.leaveRoom(context.Background(), c, false)
	}

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
	metrics.ConnectionsActive.Dec()
	h.log.Debug("client disconnected", "client", c.id)
}

// broadcastUserList sends the room's current membership to every connection
// in the room except exclude.
func (h *Hub) broadcastUserList(ctx context.Context, roomID string, exclude *Client) {
	participants := h.store.Participants(roomID)
	users := make([]string, len(participants))
	for i, p := range participants {
		users[i] = string(p)
	}

	frame, err := protocol.Encode(protocol.EventUserJoined, protocol.UserJoinedPayload{Users: users})
	if err != nil {
		return
	}
	// Membership lists are instance-local, so they stay off the bus.
	h.fanOut(roomID, frame, exclude)
	metrics.BroadcastsTotal.Inc()
}

// broadcast fans a frame out to the room, optionally excluding the sender,
// and mirrors it to other instances when a bus is attached.
func (h *Hub) broadcast(ctx context.Context, roomID, eventName string, frame []byte, exclude *Client) {
	h.fanOut(roomID, frame, exclude)
	metrics.BroadcastsTotal.Inc()

	if h.bus != nil {
		if err := h.bus.Publish(ctx, roomID, eventName, frame); err != nil {
			h.log.Debug("bus publish failed", "room", roomID, "err", err)
		}
	}
}

func (h *Hub) fanOut(roomID string, frame []byte, exclude *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.conns[roomID] {
		if client != exclude {
			client.enqueue(frame)
		}
	}
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return protocol.ErrMissingFields
	}
	return json.Unmarshal(data, v)
}

// Observation accessors for the REST API.

// GetClientCount reports live websocket connections.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetRoomCount reports rooms with at least one live connection.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// GetActiveRooms maps room ids to their live connection counts.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	active := make(map[string]int, len(h.conns))
	for roomID, clients := range h.conns {
		active[roomID] = len(clients)
	}
	return active
}
