package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"codeshare/internal/exec"
	"codeshare/internal/protocol"
	"codeshare/internal/store"
)

// fakeRunner stands in for the execution provider.
type fakeRunner struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	res   *exec.Result
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, req exec.Request) (*exec.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.res, f.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestHub(t *testing.T, runner ExecRunner) (*Hub, *store.MemoryStore) {
	t.Helper()

	if runner == nil {
		runner = &fakeRunner{res: &exec.Result{Raw: json.RawMessage(`{}`)}}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	h := NewHub(logger, st, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	return h, st
}

var clientSeq int

func connect(t *testing.T, h *Hub) *Client {
	t.Helper()
	clientSeq++
	c := &Client{
		hub:  h,
		send: make(chan []byte, 64),
		id:   fmt.Sprintf("test-client-%d", clientSeq),
	}
	h.register <- c
	return c
}

func sendEvent(t *testing.T, h *Hub, c *Client, name string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	h.events <- &event{sender: c, env: protocol.Envelope{Event: name, Data: data}}
}

// expectFrame reads the client's next frame and asserts its event name.
func expectFrame(t *testing.T, c *Client, wantEvent string) json.RawMessage {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		if !ok {
			t.Fatalf("send channel closed while waiting for %s", wantEvent)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if env.Event != wantEvent {
			t.Fatalf("expected %s, got %s (%s)", wantEvent, env.Event, frame)
		}
		return env.Data
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", wantEvent)
		return nil
	}
}

func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		if ok {
			t.Fatalf("expected no frame, got %s", frame)
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func expectUserList(t *testing.T, c *Client, want ...string) {
	t.Helper()
	data := expectFrame(t, c, protocol.EventUserJoined)
	var p protocol.UserJoinedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("bad userJoined payload: %v", err)
	}
	if len(p.Users) != len(want) {
		t.Fatalf("expected users %v, got %v", want, p.Users)
	}
	for i := range want {
		if p.Users[i] != want[i] {
			t.Fatalf("expected users %v, got %v", want, p.Users)
		}
	}
}

func expectCode(t *testing.T, c *Client, want string) {
	t.Helper()
	data := expectFrame(t, c, protocol.EventCodeUpdate)
	var p protocol.CodeUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("bad codeUpdate payload: %v", err)
	}
	if p.Code != want {
		t.Fatalf("expected code %q, got %q", want, p.Code)
	}
}

func join(t *testing.T, h *Hub, c *Client, roomID, name, starter string) {
	t.Helper()
	sendEvent(t, h, c, protocol.EventJoin, protocol.JoinPayload{
		RoomID: roomID, UserName: name, StarterCode: starter,
	})
}

func TestJoinDeliversDocumentThenUserList(t *testing.T) {
	h, st := newTestHub(t, nil)
	alice := connect(t, h)

	join(t, h, alice, "r1", "alice", "print(1)")

	expectCode(t, alice, "print(1)")
	expectUserList(t, alice, "alice")

	if got := st.Participants("r1"); len(got) != 1 || got[0] != "alice" {
		t.Errorf("store participants wrong: %v", got)
	}
}

func TestJoinExistingRoomIgnoresStarterCode(t *testing.T) {
	h, _ := newTestHub(t, nil)
	alice := connect(t, h)
	bob := connect(t, h)

	join(t, h, alice, "r1", "alice", "original")
	expectCode(t, alice, "original")
	expectUserList(t, alice, "alice")

	join(t, h, bob, "r1", "bob", "should-be-ignored")
	expectCode(t, bob, "original")
	expectUserList(t, bob, "alice", "bob")
	expectUserList(t, alice, "alice", "bob")
}

func TestCodeChangeSkipsSenderAndPersists(t *testing.T) {
	h, st := newTestHub(t, nil)
	alice := connect(t, h)
	bob := connect(t, h)

	join(t, h, alice, "r1", "alice", "print(1)")
	expectCode(t, alice, "print(1)")
	expectUserList(t, alice, "alice")

	join(t, h, bob, "r1", "bob", "")
	expectCode(t, bob, "print(1)")
	expectUserList(t, bob, "alice", "bob")
	expectUserList(t, alice, "alice", "bob")

	sendEvent(t, h, alice, protocol.EventCodeChange, protocol.CodeChangePayload{
		RoomID: "r1", Code: "print(2)",
	})

	expectCode(t, bob, "print(2)")
	expectNoFrame(t, alice)

	room, _ := st.Get("r1")
	if room.Document != "print(2)" {
		t.Errorf("document not persisted, got %q", room.Document)
	}

	// bob drops off; alice sees the shrunken list
	h.unregister <- bob
	expectUserList(t, alice, "alice")
}

func TestDocumentSurvivesForLateJoiners(t *testing.T) {
	h, _ := newTestHub(t, nil)
	a := connect(t, h)
	b := connect(t, h)

	join(t, h, a, "r", "A", "X")
	expectCode(t, a, "X")
	expectUserList(t, a, "A")

	sendEvent(t, h, a, protocol.EventCodeChange, protocol.CodeChangePayload{RoomID: "r", Code: "Y"})

	join(t, h, b, "r", "B", "")
	expectCode(t, b, "Y")
}

func TestCodeChangeUnknownRoomDropped(t *testing.T) {
	h, st := newTestHub(t, nil)
	c := connect(t, h)

	sendEvent(t, h, c, protocol.EventCodeChange, protocol.CodeChangePayload{
		RoomID: "ghost", Code: "Z",
	})

	expectNoFrame(t, c)
	if _, ok := st.Get("ghost"); ok {
		t.Error("codeChange must not create rooms")
	}
}

func TestLeaveRoomIsIdempotent(t *testing.T) {
	h, st := newTestHub(t, nil)
	alice := connect(t, h)

	join(t, h, alice, "r1", "alice", "")
	expectCode(t, alice, "")
	expectUserList(t, alice, "alice")

	sendEvent(t, h, alice, protocol.EventLeaveRoom, struct{}{})
	expectUserList(t, alice)

	// Second leave, and a leave from a connection that never joined
	sendEvent(t, h, alice, protocol.EventLeaveRoom, struct{}{})
	expectNoFrame(t, alice)

	idle := connect(t, h)
	sendEvent(t, h, idle, protocol.EventLeaveRoom, struct{}{})
	expectNoFrame(t, idle)

	if room, ok := st.Get("r1"); !ok || len(room.Participants) != 0 {
		t.Error("room should persist, empty")
	}
}

func TestJoinSwitchesRoomsImplicitLeave(t *testing.T) {
	h, st := newTestHub(t, nil)
	alice := connect(t, h)
	bob := connect(t, h)

	join(t, h, bob, "r1", "bob", "")
	expectCode(t, bob, "")
	expectUserList(t, bob, "bob")

	join(t, h, alice, "r1", "alice", "")
	expectCode(t, alice, "")
	expectUserList(t, alice, "bob", "alice")
	expectUserList(t, bob, "bob", "alice")

	join(t, h, alice, "r2", "alice", "")

	// alice's first frame is her r2 welcome; the old room's farewell list
	// never reaches the mover
	expectCode(t, alice, "")
	expectUserList(t, alice, "alice")

	// bob sees alice gone from r1
	expectUserList(t, bob, "bob")

	// at no point is alice in both stores
	if got := st.Participants("r1"); len(got) != 1 || got[0] != "bob" {
		t.Errorf("r1 participants wrong: %v", got)
	}
	if got := st.Participants("r2"); len(got) != 1 || got[0] != "alice" {
		t.Errorf("r2 participants wrong: %v", got)
	}
}

func TestTypingRelayExcludesSenderAndOtherRooms(t *testing.T) {
	h, _ := newTestHub(t, nil)
	alice := connect(t, h)
	bob := connect(t, h)
	other := connect(t, h)

	join(t, h, alice, "r1", "alice", "")
	expectCode(t, alice, "")
	expectUserList(t, alice, "alice")

	join(t, h, bob, "r1", "bob", "")
	expectCode(t, bob, "")
	expectUserList(t, bob, "alice", "bob")
	expectUserList(t, alice, "alice", "bob")

	// Same display name in a different room must not hear the typing notice
	join(t, h, other, "r2", "alice", "")
	expectCode(t, other, "")
	expectUserList(t, other, "alice")

	sendEvent(t, h, alice, protocol.EventTyping, protocol.TypingPayload{
		RoomID: "r1", UserName: "alice",
	})

	data := expectFrame(t, bob, protocol.EventUserTyping)
	var p protocol.UserTypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserName != "alice" {
		t.Errorf("bad typing payload: %s", data)
	}
	expectNoFrame(t, alice)
	expectNoFrame(t, other)
}

func TestLanguageChangeIncludesSender(t *testing.T) {
	h, _ := newTestHub(t, nil)
	alice := connect(t, h)
	bob := connect(t, h)

	join(t, h, alice, "r1", "alice", "")
	expectCode(t, alice, "")
	expectUserList(t, alice, "alice")

	join(t, h, bob, "r1", "bob", "")
	expectCode(t, bob, "")
	expectUserList(t, bob, "alice", "bob")
	expectUserList(t, alice, "alice", "bob")

	sendEvent(t, h, alice, protocol.EventLanguageChange, protocol.LanguageChangePayload{
		RoomID: "r1", Language: "go",
	})

	for _, c := range []*Client{alice, bob} {
		data := expectFrame(t, c, protocol.EventLanguageUpdate)
		var p protocol.LanguageUpdatePayload
		if err := json.Unmarshal(data, &p); err != nil || p.Language != "go" {
			t.Errorf("bad languageUpdate payload: %s", data)
		}
	}
}

func TestCompileBroadcastsResultToWholeRoom(t *testing.T) {
	raw := json.RawMessage(`{"language":"python","run":{"output":"42\n","code":0}}`)
	runner := &fakeRunner{res: &exec.Result{Raw: raw, Output: "42\n"}}
	h, st := newTestHub(t, runner)

	alice := connect(t, h)
	bob := connect(t, h)

	join(t, h, alice, "r1", "alice", "")
	expectCode(t, alice, "")
	expectUserList(t, alice, "alice")

	join(t, h, bob, "r1", "bob", "")
	expectCode(t, bob, "")
	expectUserList(t, bob, "alice", "bob")
	expectUserList(t, alice, "alice", "bob")

	sendEvent(t, h, alice, protocol.EventCompileCode, protocol.CompileCodePayload{
		RoomID: "r1", Code: "print(42)", Language: "python", Version: "3.12.0",
	})

	for _, c := range []*Client{alice, bob} {
		data := expectFrame(t, c, protocol.EventCodeResponse)
		if string(data) != string(raw) {
			t.Errorf("provider payload altered: %s", data)
		}
	}

	room, _ := st.Get("r1")
	if string(room.LastOutput) != string(raw) {
		t.Errorf("lastOutput not stored: %s", room.LastOutput)
	}
}

func TestCompileUnknownRoomIsNoop(t *testing.T) {
	runner := &fakeRunner{res: &exec.Result{Raw: json.RawMessage(`{}`)}}
	h, _ := newTestHub(t, runner)
	c := connect(t, h)

	sendEvent(t, h, c, protocol.EventCompileCode, protocol.CompileCodePayload{
		RoomID: "ghost", Code: "x", Language: "go", Version: "1.22",
	})

	expectNoFrame(t, c)
	if runner.callCount() != 0 {
		t.Error("provider must not be invoked for nonexistent rooms")
	}
}

func TestCompileFailureNotifiesRequesterOnly(t *testing.T) {
	runner := &fakeRunner{err: exec.ErrProviderUnreachable}
	h, st := newTestHub(t, runner)

	alice := connect(t, h)
	bob := connect(t, h)

	join(t, h, alice, "r1", "alice", "")
	expectCode(t, alice, "")
	expectUserList(t, alice, "alice")

	join(t, h, bob, "r1", "bob", "")
	expectCode(t, bob, "")
	expectUserList(t, bob, "alice", "bob")
	expectUserList(t, alice, "alice", "bob")

	sendEvent(t, h, alice, protocol.EventCompileCode, protocol.CompileCodePayload{
		RoomID: "r1", Code: "x", Language: "go", Version: "1.22",
	})

	data := expectFrame(t, alice, protocol.EventExecutionFailed)
	var p protocol.ExecutionFailedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Message == "" {
		t.Errorf("bad executionFailed payload: %s", data)
	}
	expectNoFrame(t, bob)

	room, _ := st.Get("r1")
	if len(room.LastOutput) != 0 {
		t.Errorf("failed execution must not touch the store, got %s", room.LastOutput)
	}
}

func TestResultStillBroadcastAfterRequesterDisconnects(t *testing.T) {
	raw := json.RawMessage(`{"run":{"output":"late\n"}}`)
	runner := &fakeRunner{res: &exec.Result{Raw: raw, Output: "late\n"}, delay: 200 * time.Millisecond}
	h, _ := newTestHub(t, runner)

	alice := connect(t, h)
	bob := connect(t, h)

	join(t, h, alice, "r1", "alice", "")
	expectCode(t, alice, "")
	expectUserList(t, alice, "alice")

	join(t, h, bob, "r1", "bob", "")
	expectCode(t, bob, "")
	expectUserList(t, bob, "alice", "bob")
	expectUserList(t, alice, "alice", "bob")

	sendEvent(t, h, alice, protocol.EventCompileCode, protocol.CompileCodePayload{
		RoomID: "r1", Code: "x", Language: "go", Version: "1.22",
	})
	h.unregister <- alice

	expectUserList(t, bob, "bob")
	data := expectFrame(t, bob, protocol.EventCodeResponse)
	if string(data) != string(raw) {
		t.Errorf("expected late result delivered, got %s", data)
	}
}

// awaitClosed drains a client's frames until the hub closes its send channel.
func awaitClosed(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("send channel never closed after disconnect")
		}
	}
}

// Connections that die immediately after connecting must not leave any hub
// state behind, even when many register/unregister pairs race into the loop.
func TestConnectDisconnectChurnLeavesNoState(t *testing.T) {
	h, _ := newTestHub(t, nil)

	clients := make([]*Client, 50)
	for i := range clients {
		clientSeq++
		clients[i] = &Client{
			hub:  h,
			send: make(chan []byte, 64),
			id:   fmt.Sprintf("churn-%d", clientSeq),
		}
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			h.register <- c
			h.unregister <- c
		}(c)
	}
	wg.Wait()

	for _, c := range clients {
		awaitClosed(t, c)
	}

	if got := h.GetClientCount(); got != 0 {
		t.Errorf("Expected 0 clients after churn, got %d", got)
	}

	// Same lifecycle through a room.
	c := connect(t, h)
	join(t, h, c, "churn", "u", "")
	h.unregister <- c
	awaitClosed(t, c)

	if got := h.GetClientCount(); got != 0 {
		t.Errorf("Expected 0 clients after room churn, got %d", got)
	}
	if got := h.GetRoomCount(); got != 0 {
		t.Errorf("Expected 0 active rooms after room churn, got %d", got)
	}
}

func TestDisconnectOfIdleConnectionIsNoop(t *testing.T) {
	h, _ := newTestHub(t, nil)
	c := connect(t, h)

	h.unregister <- c

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("no frame expected on disconnect")
		}
	case <-time.After(time.Second):
		t.Error("send channel should be closed after disconnect")
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	h, st := newTestHub(t, nil)
	c := connect(t, h)

	h.events <- &event{sender: c, env: protocol.Envelope{
		Event: protocol.EventJoin,
		Data:  json.RawMessage(`{"roomId":"r1"}`), // no userName
	}}
	h.events <- &event{sender: c, env: protocol.Envelope{
		Event: protocol.EventCodeChange,
		Data:  json.RawMessage(`"not-an-object"`),
	}}

	expectNoFrame(t, c)
	if st.Count() != 0 {
		t.Error("invalid join must not create rooms")
	}
}

func TestHubCounters(t *testing.T) {
	h, _ := newTestHub(t, nil)

	if h.GetClientCount() != 0 || h.GetRoomCount() != 0 {
		t.Error("fresh hub should report zero clients and rooms")
	}

	a := connect(t, h)
	b := connect(t, h)
	join(t, h, a, "r1", "a", "")
	expectCode(t, a, "")
	expectUserList(t, a, "a")
	join(t, h, b, "r2", "b", "")
	expectCode(t, b, "")
	expectUserList(t, b, "b")

	if got := h.GetClientCount(); got != 2 {
		t.Errorf("expected 2 clients, got %d", got)
	}
	if got := h.GetRoomCount(); got != 2 {
		t.Errorf("expected 2 active rooms, got %d", got)
	}
	active := h.GetActiveRooms()
	if active["r1"] != 1 || active["r2"] != 1 {
		t.Errorf("unexpected active room counts: %v", active)
	}
}
