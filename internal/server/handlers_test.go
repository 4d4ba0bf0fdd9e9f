package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quizroom/internal/ack"
	"quizroom/internal/auth"
	"quizroom/internal/broadcast"
	"quizroom/internal/config"
	"quizroom/internal/events"
	"quizroom/internal/questions"
	"quizroom/internal/registry"
	"quizroom/internal/rooms"
	"quizroom/internal/wshub"
)

type wireEnvelope struct {
	Event string          `json:"event"`
	Task  string          `json:"task"`
	Data  json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.QuestionTime = 5 * time.Second

	src := questions.NewMemorySource()
	for i := 0; i < 8; i++ {
		src.Add(questions.Question{
			ID:         fmt.Sprintf("q%d", i),
			Category:   "general",
			Difficulty: questions.DifficultyEasy,
			Prompt:     fmt.Sprintf("prompt %d", i),
			Options: []questions.Option{
				{ID: "a", Text: "right"},
				{ID: "b", Text: "wrong"},
			},
			CorrectOption: "a",
		})
	}

	bus := events.NewBus()
	roomStore := rooms.NewStore(bus, nil)
	reg := registry.New(roomStore)
	hub := wshub.NewHub()
	coord := ack.NewCoordinator(cfg.AckTimeout)

	srv := &Server{
		Cfg:         cfg,
		Rooms:       roomStore,
		Registry:    reg,
		Hub:         hub,
		Coord:       coord,
		Broadcaster: broadcast.New(roomStore, reg, hub, coord),
		Engine:      questions.NewEngine(src),
		Verifier:    auth.InsecureVerifier{},
		Bus:         bus,
	}
	go srv.roomEventLoop()
	go srv.noticeLoop()
	return srv
}

// connect registers a socketless client; frames land in its Send channel.
func connect(s *Server, userID string) (*connState, *wshub.Client) {
	return connectAs(s, userID, userID+"-conn")
}

func connectAs(s *Server, userID, connID string) (*connState, *wshub.Client) {
	client := &wshub.Client{
		ConnID: connID,
		UserID: userID,
		Send:   make(chan []byte, 64),
	}
	s.Registry.Bind(connID, userID)
	s.Hub.Register(client)
	return &connState{connID: connID, identity: auth.Identity{UserID: userID, DisplayName: userID}}, client
}

// waitFor drains the client's frames until one matches the event name.
func waitFor(t *testing.T, client *wshub.Client, event string) wireEnvelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-client.Send:
			var env wireEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func expectError(t *testing.T, client *wshub.Client, code string) {
	t.Helper()
	env := waitFor(t, client, events.Error)
	var p errorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	if p.Code != code {
		t.Fatalf("expected error code %s, got %s (%s)", code, p.Code, p.Message)
	}
}

func testFrameSettings() *settingsPayload {
	return &settingsPayload{
		Categories: map[string]rooms.CategorySetting{
			"general": {Enabled: true, Difficulty: questions.DifficultyAny},
		},
		QuestionCount: 3,
	}
}

func createRoom(t *testing.T, s *Server, cs *connState, client *wshub.Client) string {
	t.Helper()
	s.dispatch(context.Background(), cs, Frame{Op: "room.create", Settings: testFrameSettings()})
	env := waitFor(t, client, events.RoomCreated)
	var snap rooms.Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatalf("bad snapshot: %v", err)
	}
	return snap.Code
}

func TestCreateRoom(t *testing.T) {
	s := newTestServer(t)
	cs, client := connect(s, "host")

	code := createRoom(t, s, cs, client)
	if len(code) != 5 {
		t.Errorf("expected 5-char room code, got %q", code)
	}
	sess := s.Rooms.Get(code)
	if sess == nil {
		t.Fatal("room not stored")
	}
	if sess.HostID() != "host" {
		t.Errorf("expected host as session host, got %s", sess.HostID())
	}
	if got, _ := s.Registry.RoomOf(cs.connID); got != code {
		t.Errorf("connection not bound to room, got %q", got)
	}
}

func TestCreateRoomInvalidSettings(t *testing.T) {
	s := newTestServer(t)
	cs, client := connect(s, "host")

	s.dispatch(context.Background(), cs, Frame{Op: "room.create", Settings: &settingsPayload{
		Categories: map[string]rooms.CategorySetting{},
	}})
	expectError(t, client, "invalid_settings")
}

func TestJoinUnknownRoom(t *testing.T) {
	s := newTestServer(t)
	cs, client := connect(s, "p1")

	s.dispatch(context.Background(), cs, Frame{Op: "room.join", RoomCode: "ZZZZZ"})
	expectError(t, client, "room_not_found")
}

func TestJoinBroadcastsAndAcks(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: code})

	// Joiner gets the authoritative state, with a task to confirm.
	stateEnv := waitFor(t, p2Client, events.RoomState)
	if stateEnv.Task == "" {
		t.Fatal("room:state should carry a task id")
	}
	var snap rooms.Snapshot
	if err := json.Unmarshal(stateEnv.Data, &snap); err != nil {
		t.Fatalf("bad snapshot: %v", err)
	}
	if len(snap.Players) != 2 {
		t.Fatalf("expected 2 players in snapshot, got %d", len(snap.Players))
	}

	// The host is told about the new player and owes an ack.
	joinEnv := waitFor(t, hostClient, events.PlayerJoined)
	if joinEnv.Task == "" {
		t.Fatal("player:joined should carry a task id")
	}

	// Once every receiver confirms, the joiner hears the news landed.
	s.dispatch(context.Background(), hostCS, Frame{Op: "message.ack", Task: joinEnv.Task})
	waitFor(t, hostClient, events.AckOK)
	cleared := waitFor(t, p2Client, events.BufferCleared)
	if cleared.Task != joinEnv.Task {
		t.Errorf("buffer:cleared for wrong task: got %s want %s", cleared.Task, joinEnv.Task)
	}
}

func TestJoinTimeoutNamesSilentReceiver(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p2Client, events.RoomState)
	waitFor(t, hostClient, events.PlayerJoined)

	// Host never acks; the joiner is told who stayed silent.
	env := waitFor(t, p2Client, events.BufferIncomplete)
	var n ack.Notice
	if err := json.Unmarshal(env.Data, &n); err != nil {
		t.Fatalf("bad notice: %v", err)
	}
	if len(n.Unacknowledged) != 1 || n.Unacknowledged[0] != "host" {
		t.Errorf("expected host unacknowledged, got %v", n.Unacknowledged)
	}
}

func TestRejoinResyncsWithoutRebroadcast(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p2Client, events.RoomState)
	waitFor(t, hostClient, events.PlayerJoined)

	// Drop and come back on a fresh connection.
	s.Hub.Unregister(p2CS.connID)
	s.Registry.OnDisconnect(p2CS.connID)
	p2CS2, p2Client2 := connectAs(s, "p2", "p2-conn2")
	s.dispatch(context.Background(), p2CS2, Frame{Op: "room.join", RoomCode: code})

	waitFor(t, p2Client2, events.RoomState)

	// The rest of the room must not hear player:joined a second time.
	select {
	case raw := <-hostClient.Send:
		var env wireEnvelope
		json.Unmarshal(raw, &env)
		if env.Event == events.PlayerJoined {
			t.Fatal("rejoin must not rebroadcast player:joined")
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStartRequiresEnoughPlayers(t *testing.T) {
	s := newTestServer(t)
	cs, client := connect(s, "host")
	createRoom(t, s, cs, client)

	s.dispatch(context.Background(), cs, Frame{Op: "room.start"})
	expectError(t, client, "insufficient_players")
}

func TestStartOnlyHost(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p2Client, events.RoomState)

	s.dispatch(context.Background(), p2CS, Frame{Op: "room.start"})
	expectError(t, p2Client, "not_host")
}

func TestStartOpensFirstQuestion(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p2Client, events.RoomState)

	s.dispatch(context.Background(), hostCS, Frame{Op: "room.start"})

	for _, client := range []*wshub.Client{hostClient, p2Client} {
		env := waitFor(t, client, events.QuestionStarted)
		var view questions.View
		if err := json.Unmarshal(env.Data, &view); err != nil {
			t.Fatalf("bad question view: %v", err)
		}
		if view.Index != 0 {
			t.Errorf("expected question index 0, got %d", view.Index)
		}
		if len(view.Options) != 2 {
			t.Errorf("expected 2 options, got %d", len(view.Options))
		}
	}
}

func TestAnswerFlow(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p2Client, events.RoomState)
	s.dispatch(context.Background(), hostCS, Frame{Op: "room.start"})
	waitFor(t, hostClient, events.QuestionStarted)
	waitFor(t, p2Client, events.QuestionStarted)

	s.dispatch(context.Background(), hostCS, Frame{Op: "question.answer", QuestionIndex: 0, OptionID: "a", ElapsedMs: 40})

	// The answerer gets their private result directly, no ack owed.
	resEnv := waitFor(t, hostClient, events.QuestionAnswered)
	if resEnv.Task != "" {
		t.Error("direct answer result should not carry a task")
	}
	var res rooms.AnswerResult
	if err := json.Unmarshal(resEnv.Data, &res); err != nil {
		t.Fatalf("bad answer result: %v", err)
	}
	if !res.Correct || res.Points == 0 {
		t.Errorf("expected correct answer with points, got %+v", res)
	}

	// Everyone else hears who answered, without the correct option leaking.
	otherEnv := waitFor(t, p2Client, events.QuestionAnswered)
	if otherEnv.Task == "" {
		t.Error("broadcast answer event should carry a task")
	}
	var p rooms.QuestionAnsweredPayload
	if err := json.Unmarshal(otherEnv.Data, &p); err != nil {
		t.Fatalf("bad broadcast payload: %v", err)
	}
	if p.UserID != "host" {
		t.Errorf("expected host in payload, got %s", p.UserID)
	}
}

func TestAnswerStaleQuestion(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p2Client, events.RoomState)
	s.dispatch(context.Background(), hostCS, Frame{Op: "room.start"})
	waitFor(t, hostClient, events.QuestionStarted)

	s.dispatch(context.Background(), hostCS, Frame{Op: "question.answer", QuestionIndex: 2, OptionID: "a"})
	expectError(t, hostClient, "stale_question")
}

func TestAckUnknownTaskIsBenign(t *testing.T) {
	s := newTestServer(t)
	cs, client := connect(s, "p1")

	s.dispatch(context.Background(), cs, Frame{Op: "message.ack", Task: "no-such-task"})
	env := waitFor(t, client, events.AckOK)
	var reply ackReply
	if err := json.Unmarshal(env.Data, &reply); err != nil {
		t.Fatalf("bad ack reply: %v", err)
	}
	if reply.Accepted {
		t.Error("unknown task must not be accepted")
	}
}

func TestLeavePromotesHost(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	p3CS, p3Client := connect(s, "p3")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p2Client, events.RoomState)
	s.dispatch(context.Background(), p3CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p3Client, events.RoomState)

	s.dispatch(context.Background(), hostCS, Frame{Op: "room.leave"})

	// Remaining players are told, with the promotion attached; the leaver
	// is not in the confirmation set.
	env := waitFor(t, p2Client, events.PlayerRemoved)
	var p rooms.PlayerRemovedPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if p.UserID != "host" || p.Reason != "left" {
		t.Errorf("unexpected removal payload: %+v", p)
	}
	if p.NewHost == nil || p.NewHost.UserID != "p2" {
		t.Fatalf("expected p2 promoted, got %+v", p.NewHost)
	}
	waitFor(t, p3Client, events.PlayerRemoved)

	if _, ok := s.Registry.RoomOf(hostCS.connID); ok {
		t.Error("leaver should be unbound from the room")
	}
}

func TestLeaveLastPlayerDeletesRoom(t *testing.T) {
	s := newTestServer(t)
	cs, client := connect(s, "host")
	code := createRoom(t, s, cs, client)

	s.dispatch(context.Background(), cs, Frame{Op: "room.leave"})
	waitFor(t, client, events.AckOK)

	if s.Rooms.Get(code) != nil {
		t.Error("empty room should be deleted")
	}
}

func TestKickRequiresHost(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p2Client, events.RoomState)

	s.dispatch(context.Background(), p2CS, Frame{Op: "room.kick", TargetID: "host"})
	expectError(t, p2Client, "not_host")
}

func TestKickNotifiesSubjectWithoutAck(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	p3CS, p3Client := connect(s, "p3")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p2Client, events.RoomState)
	s.dispatch(context.Background(), p3CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p3Client, events.RoomState)

	s.dispatch(context.Background(), hostCS, Frame{Op: "room.kick", TargetID: "p2"})

	// The kicked player learns about it without owing an ack.
	kicked := waitFor(t, p2Client, events.PlayerRemoved)
	if kicked.Task != "" {
		t.Error("kicked player's notification should not demand an ack")
	}

	// Bystanders get the acked broadcast.
	env := waitFor(t, p3Client, events.PlayerRemoved)
	if env.Task == "" {
		t.Error("bystander notification should carry a task")
	}
	var p rooms.PlayerRemovedPayload
	json.Unmarshal(env.Data, &p)
	if p.Reason != "kicked" {
		t.Errorf("expected kicked reason, got %s", p.Reason)
	}

	if _, ok := s.Registry.RoomOf(p2CS.connID); ok {
		t.Error("kicked player should be unbound from the room")
	}
}

func TestOpsOutsideRoom(t *testing.T) {
	s := newTestServer(t)
	cs, client := connect(s, "p1")

	for _, op := range []string{"room.leave", "room.start", "question.answer"} {
		s.dispatch(context.Background(), cs, Frame{Op: op})
		expectError(t, client, "not_in_room")
	}
}

func TestUnknownOp(t *testing.T) {
	s := newTestServer(t)
	cs, client := connect(s, "p1")

	s.dispatch(context.Background(), cs, Frame{Op: "room.explode"})
	expectError(t, client, "unknown_op")
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected health body: %s", w.Body.String())
	}
}

func TestHandleResultsNotFinished(t *testing.T) {
	s := newTestServer(t)
	cs, client := connect(s, "host")
	code := createRoom(t, s, cs, client)

	req := httptest.NewRequest(http.MethodGet, "/results/"+code, nil)
	w := httptest.NewRecorder()
	s.handleResults(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unfinished room, got %d", w.Code)
	}
}

func TestHandleResultsPlayerHistoryNeedsDatabase(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/results/player/u1", nil)
	w := httptest.NewRecorder()
	s.handleResults(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without persistence, got %d", w.Code)
	}
}

func TestJoinRejectsMalformedCode(t *testing.T) {
	s := newTestServer(t)
	cs, client := connect(s, "p1")

	for _, raw := range []string{"ab", "toolongcode", "ABC0E"} {
		s.dispatch(context.Background(), cs, Frame{Op: "room.join", RoomCode: raw})
		expectError(t, client, "room_not_found")
	}
}

func TestJoinNormalizesCode(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: "  " + strings.ToLower(code) + " "})
	waitFor(t, p2Client, events.RoomState)
}

func TestFullGameProducesResults(t *testing.T) {
	s := newTestServer(t)
	hostCS, hostClient := connect(s, "host")
	code := createRoom(t, s, hostCS, hostClient)

	p2CS, p2Client := connect(s, "p2")
	s.dispatch(context.Background(), p2CS, Frame{Op: "room.join", RoomCode: code})
	waitFor(t, p2Client, events.RoomState)
	s.dispatch(context.Background(), hostCS, Frame{Op: "room.start"})

	for i := 0; i < 3; i++ {
		waitFor(t, hostClient, events.QuestionStarted)
		waitFor(t, p2Client, events.QuestionStarted)
		s.dispatch(context.Background(), hostCS, Frame{Op: "question.answer", QuestionIndex: i, OptionID: "a", ElapsedMs: 30})
		s.dispatch(context.Background(), p2CS, Frame{Op: "question.answer", QuestionIndex: i, OptionID: "b", ElapsedMs: 50})
	}

	env := waitFor(t, hostClient, events.GameFinished)
	var p rooms.GameFinishedPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if len(p.Standings) != 2 {
		t.Fatalf("expected 2 standings, got %d", len(p.Standings))
	}
	if p.Standings[0].UserID != "host" {
		t.Errorf("expected host to win, got %s", p.Standings[0].UserID)
	}

	req := httptest.NewRequest(http.MethodGet, "/results/"+code, nil)
	w := httptest.NewRecorder()
	s.handleResults(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 results, got %d", w.Code)
	}
}
