package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"quizroom/internal/ack"
	"quizroom/internal/auth"
	"quizroom/internal/broadcast"
	"quizroom/internal/config"
	"quizroom/internal/db"
	"quizroom/internal/events"
	"quizroom/internal/questions"
	"quizroom/internal/registry"
	"quizroom/internal/results"
	"quizroom/internal/rooms"
	"quizroom/internal/wshub"
)

type Server struct {
	Cfg          config.Config
	Rooms        *rooms.Store
	Registry     *registry.Registry
	Hub          *wshub.Hub
	Coord        *ack.Coordinator
	Broadcaster  *broadcast.Broadcaster
	Engine       *questions.Engine
	Verifier     auth.Verifier
	Bus          *events.Bus
	DB           *db.DB             // nil if no database configured
	AnswerBuffer chan db.AnswerEvent // nil if no database configured
}

// Frame is a single client request over the socket. Op selects the
// operation; the remaining fields are read per-op.
type Frame struct {
	Op            string           `json:"op"`
	Settings      *settingsPayload `json:"settings,omitempty"`
	RoomCode      string           `json:"room_code,omitempty"`
	TargetID      string           `json:"target_id,omitempty"`
	QuestionIndex int              `json:"question_index"`
	OptionID      string           `json:"option_id,omitempty"`
	ElapsedMs     int64            `json:"elapsed_ms"`
	Task          string           `json:"task,omitempty"`
}

type settingsPayload struct {
	Categories     map[string]rooms.CategorySetting `json:"categories"`
	QuestionCount  int                              `json:"question_count"`
	MaxPlayers     int                              `json:"max_players"`
	MinPlayers     int                              `json:"min_players"`
	QuestionTimeMs int64                            `json:"question_time_ms"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ackReply struct {
	TaskID          string `json:"task_id"`
	Accepted        bool   `json:"accepted"`
	AllAcknowledged bool   `json:"all_acknowledged"`
}

// connState is what the read loop carries per connection: the identity
// resolved at upgrade time and the hub key for replies.
type connState struct {
	connID   string
	identity auth.Identity
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	identity, err := s.Verifier.Verify(r.Context(), token)
	if err != nil {
		log.Printf("[WS] Rejected connection: %v\n", err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[WS] Accept error: %v\n", err)
		return
	}

	connID := uuid.New().String()
	client := &wshub.Client{
		ConnID: connID,
		UserID: identity.UserID,
		Conn:   conn,
		Send:   make(chan []byte, 32),
	}

	if err := s.Registry.Bind(connID, identity.UserID); err != nil {
		conn.Close(websocket.StatusInternalError, "bind failed")
		return
	}
	s.Hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go client.WritePump(ctx)

	log.Printf("[WS] Connected %s as %s\n", connID, identity.UserID)
	cs := &connState{connID: connID, identity: identity}
	s.readLoop(ctx, conn, cs)

	s.Hub.Unregister(connID)
	s.Registry.OnDisconnect(connID)
	conn.CloseNow()
	log.Printf("[WS] Disconnected %s\n", connID)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, cs *connState) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendError(cs, "bad_frame", "malformed frame")
			continue
		}
		s.dispatch(ctx, cs, f)
	}
}

func (s *Server) dispatch(ctx context.Context, cs *connState, f Frame) {
	switch f.Op {
	case "room.create":
		s.opCreateRoom(ctx, cs, f)
	case "room.join":
		s.opJoinRoom(cs, f)
	case "room.leave":
		s.opLeaveRoom(cs)
	case "room.kick":
		s.opKick(cs, f)
	case "room.start":
		s.opStartRoom(cs)
	case "question.answer":
		s.opAnswer(cs, f)
	case "message.ack":
		s.opAck(cs, f)
	default:
		s.sendError(cs, "unknown_op", fmt.Sprintf("unknown op %q", f.Op))
	}
}

func (s *Server) opCreateRoom(ctx context.Context, cs *connState, f Frame) {
	settings := s.buildSettings(f.Settings)
	if err := settings.Validate(); err != nil {
		s.sendError(cs, "invalid_settings", err.Error())
		return
	}

	sequence, err := s.Engine.Select(ctx, settings.Requests(), settings.QuestionCount)
	if err != nil {
		s.fail(cs, err)
		return
	}

	sess, err := s.Rooms.Create(ctx, cs.identity.UserID, settings, sequence)
	if err != nil {
		s.fail(cs, err)
		return
	}

	if _, err := sess.AddPlayer(cs.identity.UserID, s.profile(cs)); err != nil {
		s.Rooms.Delete(sess.Code())
		s.fail(cs, err)
		return
	}
	if err := s.Registry.JoinRoom(cs.connID, sess.Code()); err != nil {
		s.Rooms.Delete(sess.Code())
		s.fail(cs, err)
		return
	}

	s.persistSnapshot(sess)
	log.Printf("[Room] %s created by %s\n", sess.Code(), cs.identity.UserID)
	s.reply(cs, events.Envelope{Event: events.RoomCreated, Data: sess.Snapshot()})
}

func (s *Server) opJoinRoom(cs *connState, f Frame) {
	code := rooms.NormalizeCode(f.RoomCode)
	if !rooms.ValidCode(code) {
		s.fail(cs, registry.ErrRoomNotFound)
		return
	}
	sess := s.Rooms.Get(code)
	if sess == nil {
		s.fail(cs, registry.ErrRoomNotFound)
		return
	}

	rejoining := sess.Member(cs.identity.UserID)

	player, err := sess.AddPlayer(cs.identity.UserID, s.profile(cs))
	if err != nil {
		s.fail(cs, err)
		return
	}
	if err := s.Registry.JoinRoom(cs.connID, code); err != nil {
		s.fail(cs, err)
		return
	}

	// The joiner always receives the authoritative room state through the
	// acked path, so a rejoin after a dropped connection resynchronizes
	// without any extra protocol.
	s.Broadcaster.PublishTo(code, cs.identity.UserID, events.RoomState, sess.Snapshot(), []string{cs.identity.UserID})

	if !rejoining {
		s.Broadcaster.Publish(code, cs.identity.UserID, events.PlayerJoined,
			rooms.PlayerJoinedPayload{RoomCode: code, Player: player},
			cs.identity.UserID)
		s.persistSnapshot(sess)
	}
	log.Printf("[Room] %s joined %s (rejoin=%v)\n", cs.identity.UserID, code, rejoining)
}

func (s *Server) opLeaveRoom(cs *connState) {
	code, ok := s.Registry.RoomOf(cs.connID)
	if !ok {
		s.fail(cs, rooms.ErrNotInRoom)
		return
	}
	s.removeFromRoom(cs, code, cs.identity.UserID, "left")
}

func (s *Server) opKick(cs *connState, f Frame) {
	code, ok := s.Registry.RoomOf(cs.connID)
	if !ok {
		s.fail(cs, rooms.ErrNotInRoom)
		return
	}
	sess := s.Rooms.Get(code)
	if sess == nil {
		s.fail(cs, registry.ErrRoomNotFound)
		return
	}
	if sess.HostID() != cs.identity.UserID {
		s.fail(cs, rooms.ErrNotHost)
		return
	}
	if f.TargetID == cs.identity.UserID {
		s.sendError(cs, "invalid_target", "host cannot kick themselves")
		return
	}
	s.removeFromRoom(cs, code, f.TargetID, "kicked")
}

// removeFromRoom serves both voluntary leaves and host kicks. The removed
// player and the actor are excluded from the confirmation set: neither is
// expected to acknowledge news about themselves.
func (s *Server) removeFromRoom(cs *connState, code, subjectID, reason string) {
	sess := s.Rooms.Get(code)
	if sess == nil {
		s.fail(cs, registry.ErrRoomNotFound)
		return
	}

	removed, promoted, empty, err := sess.RemovePlayer(subjectID)
	if err != nil {
		s.fail(cs, err)
		return
	}

	for _, connID := range s.Registry.Resolve(subjectID) {
		s.Registry.LeaveRoom(connID)
	}

	if empty {
		s.persistSnapshot(sess)
		s.Rooms.Delete(code)
		log.Printf("[Room] %s empty after %s %s, deleted\n", code, removed.UserID, reason)
		s.reply(cs, events.Envelope{Event: events.AckOK, Data: map[string]string{"room_code": code}})
		return
	}

	payload := rooms.PlayerRemovedPayload{
		RoomCode: code,
		UserID:   removed.UserID,
		Reason:   reason,
		NewHost:  promoted,
	}
	s.Broadcaster.Publish(code, cs.identity.UserID, events.PlayerRemoved, payload,
		cs.identity.UserID, subjectID)

	// A kicked player still learns about it, just without owing an ack.
	if reason == "kicked" {
		env := events.Envelope{Event: events.PlayerRemoved, Data: payload}
		for _, connID := range s.Registry.Resolve(subjectID) {
			s.Hub.Send(connID, env)
		}
	}
	s.persistSnapshot(sess)
}

func (s *Server) opStartRoom(cs *connState) {
	code, ok := s.Registry.RoomOf(cs.connID)
	if !ok {
		s.fail(cs, rooms.ErrNotInRoom)
		return
	}
	sess := s.Rooms.Get(code)
	if sess == nil {
		s.fail(cs, registry.ErrRoomNotFound)
		return
	}
	if err := sess.Start(cs.identity.UserID); err != nil {
		s.fail(cs, err)
		return
	}
	s.persistSnapshot(sess)
	log.Printf("[Room] %s started by %s\n", code, cs.identity.UserID)
}

func (s *Server) opAnswer(cs *connState, f Frame) {
	code, ok := s.Registry.RoomOf(cs.connID)
	if !ok {
		s.fail(cs, rooms.ErrNotInRoom)
		return
	}
	sess := s.Rooms.Get(code)
	if sess == nil {
		s.fail(cs, registry.ErrRoomNotFound)
		return
	}

	res, err := sess.SubmitAnswer(cs.identity.UserID, f.QuestionIndex, f.OptionID, f.ElapsedMs)
	if err != nil {
		s.fail(cs, err)
		return
	}

	s.reply(cs, events.Envelope{Event: events.QuestionAnswered, Data: res})
	if res.Duplicate {
		return
	}

	s.Broadcaster.Publish(code, cs.identity.UserID, events.QuestionAnswered,
		rooms.QuestionAnsweredPayload{
			RoomCode: code,
			UserID:   cs.identity.UserID,
			Index:    f.QuestionIndex,
			Correct:  res.Correct,
		},
		cs.identity.UserID)

	s.recordAnswer(sess, cs.identity.UserID, f, res)
	if res.Advanced {
		s.persistSnapshot(sess)
	}
}

func (s *Server) opAck(cs *connState, f Frame) {
	res, err := s.Coord.Acknowledge(f.Task, cs.identity.UserID)
	switch {
	case errors.Is(err, ack.ErrUnknownTask):
		// Late acks for delivered or expired buffers are routine, not
		// protocol violations.
		s.reply(cs, events.Envelope{Event: events.AckOK, Task: f.Task,
			Data: ackReply{TaskID: f.Task, Accepted: false}})
	case errors.Is(err, ack.ErrUnexpectedReceiver):
		s.fail(cs, err)
	case err != nil:
		s.fail(cs, err)
	default:
		s.reply(cs, events.Envelope{Event: events.AckOK, Task: f.Task,
			Data: ackReply{TaskID: f.Task, Accepted: res.Accepted, AllAcknowledged: res.AllAcknowledged}})
	}
}

// buildSettings fills the gaps in a client's settings with server defaults
// and clamps the ceilings it is not allowed to exceed.
func (s *Server) buildSettings(p *settingsPayload) rooms.Settings {
	settings := rooms.Settings{
		QuestionCount: 10,
		MinPlayers:    s.Cfg.MinPlayers,
		MaxPlayers:    s.Cfg.MaxPlayers,
		QuestionTime:  s.Cfg.QuestionTime,
	}
	if p == nil {
		settings.Categories = map[string]rooms.CategorySetting{
			"general": {Enabled: true, Difficulty: questions.DifficultyAny},
		}
		return settings
	}
	settings.Categories = p.Categories
	if p.QuestionCount > 0 {
		settings.QuestionCount = p.QuestionCount
	}
	if p.MinPlayers >= s.Cfg.MinPlayers {
		settings.MinPlayers = p.MinPlayers
	}
	if p.MaxPlayers > 0 && p.MaxPlayers < s.Cfg.MaxPlayers {
		settings.MaxPlayers = p.MaxPlayers
	}
	if p.QuestionTimeMs > 0 {
		settings.QuestionTime = time.Duration(p.QuestionTimeMs) * time.Millisecond
	}
	return settings
}

func (s *Server) profile(cs *connState) rooms.Profile {
	return rooms.Profile{
		DisplayName: cs.identity.DisplayName,
		Avatar:      cs.identity.Avatar,
	}
}

func (s *Server) recordAnswer(sess *rooms.Session, userID string, f Frame, res rooms.AnswerResult) {
	if s.AnswerBuffer == nil {
		return
	}
	ids := sess.QuestionIDs()
	if f.QuestionIndex < 0 || f.QuestionIndex >= len(ids) {
		return
	}
	select {
	case s.AnswerBuffer <- db.AnswerEvent{
		RoomCode:      sess.Code(),
		UserID:        userID,
		QuestionID:    ids[f.QuestionIndex],
		QuestionIndex: f.QuestionIndex,
		OptionID:      f.OptionID,
		Correct:       res.Correct,
		Points:        res.Points,
		ElapsedMs:     f.ElapsedMs,
		SubmittedAt:   time.Now(),
	}:
	default:
		log.Println("[DB] Answer buffer full, dropping event")
	}
}

func (s *Server) persistSnapshot(sess *rooms.Session) {
	if s.DB == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.DB.SaveRoomSnapshot(ctx, sess.Snapshot()); err != nil {
		log.Printf("[DB] SaveRoomSnapshot error: %v\n", err)
	}
}

func (s *Server) reply(cs *connState, env events.Envelope) {
	s.Hub.Send(cs.connID, env)
}

func (s *Server) sendError(cs *connState, code, message string) {
	s.Hub.Send(cs.connID, events.Envelope{
		Event: events.Error,
		Data:  errorPayload{Code: code, Message: message},
	})
}

// fail maps domain errors onto stable wire codes.
func (s *Server) fail(cs *connState, err error) {
	code := "internal_error"
	switch {
	case errors.Is(err, auth.ErrAuthenticationRequired):
		code = "authentication_required"
	case errors.Is(err, registry.ErrRoomNotFound):
		code = "room_not_found"
	case errors.Is(err, rooms.ErrRoomFull):
		code = "room_full"
	case errors.Is(err, rooms.ErrRoomAlreadyPlaying):
		code = "room_already_playing"
	case errors.Is(err, rooms.ErrInsufficientPlayers):
		code = "insufficient_players"
	case errors.Is(err, rooms.ErrStaleQuestion):
		code = "stale_question"
	case errors.Is(err, rooms.ErrNotHost):
		code = "not_host"
	case errors.Is(err, rooms.ErrNotInRoom):
		code = "not_in_room"
	case errors.Is(err, ack.ErrUnexpectedReceiver):
		code = "unexpected_receiver"
	case errors.Is(err, questions.ErrNoQuestionsAvailable):
		code = "no_questions_available"
	}
	s.sendError(cs, code, err.Error())
}

// handleResults serves /results/{code} (a finished room's standings) and
// /results/player/{id} (a user's finished rooms, database-backed only).
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/results/")
	if rest == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	if userID := strings.TrimPrefix(rest, "player/"); userID != rest {
		s.servePlayerHistory(w, r, userID)
		return
	}

	code := rooms.NormalizeCode(rest)
	if s.DB != nil {
		standings, err := results.NewQueries(s.DB).RoomStandings(r.Context(), code)
		if err != nil {
			log.Printf("[Results] RoomStandings error: %v\n", err)
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}
		if len(standings) == 0 {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(standings)
		return
	}

	sess := s.Rooms.Get(code)
	if sess == nil || sess.Status() != rooms.StatusFinished {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(sess.Standings())
}

func (s *Server) servePlayerHistory(w http.ResponseWriter, r *http.Request, userID string) {
	if userID == "" {
		http.Error(w, "missing player id", http.StatusBadRequest)
		return
	}
	if s.DB == nil {
		http.Error(w, "history requires persistence", http.StatusNotFound)
		return
	}
	history, err := results.NewQueries(s.DB).PlayerHistory(r.Context(), userID, 20)
	if err != nil {
		log.Printf("[Results] PlayerHistory error: %v\n", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(history)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.DB != nil {
		if err := s.DB.Ping(); err != nil {
			status = "db_error"
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"%s","error":"%s"}`, status, err.Error())
			return
		}
	}
	fmt.Fprintf(w, `{"status":"%s","connections":%d,"rooms":%d}`, status, s.Hub.Count(), len(s.Rooms.List()))
}
