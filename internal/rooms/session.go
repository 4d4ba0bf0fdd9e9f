package rooms

import (
	"sort"
	"sync"
	"time"

	"quizroom/internal/events"
	"quizroom/internal/questions"
	"quizroom/internal/utility"
)

// Session is the aggregate root for one room: player list, settings, the
// fixed question sequence, and the waiting→playing→finished lifecycle.
//
// Every operation takes the session mutex, so work on one room is serialized
// while other rooms proceed independently. Question-flow transitions the
// session drives itself (timer expiry, last answer in) go out through the
// event bus; request-scoped events are broadcast by the caller.
type Session struct {
	mu sync.Mutex

	code     string
	hostID   string
	settings Settings
	status   Status

	players  []*Player // join order
	sequence []questions.Question
	current  int
	results  []QuestionResult
	answered map[string]struct{}

	questionStartedAt time.Time
	timer             *time.Timer

	bus *events.Bus

	createdAt  time.Time
	finishedAt time.Time
}

// AnswerResult reports what one submitted answer did to the room.
type AnswerResult struct {
	Correct   bool `json:"correct"`
	Points    int  `json:"points"`
	Score     int  `json:"score"`
	Duplicate bool `json:"duplicate"`
	Advanced  bool `json:"-"`
	Finished  bool `json:"-"`
}

func NewSession(code, hostID string, settings Settings, sequence []questions.Question, bus *events.Bus) *Session {
	return &Session{
		code:      code,
		hostID:    hostID,
		settings:  settings,
		status:    StatusWaiting,
		sequence:  sequence,
		answered:  make(map[string]struct{}),
		bus:       bus,
		createdAt: time.Now(),
	}
}

func (s *Session) Code() string { return s.code }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) HostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostID
}

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) FinishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt
}

// Members returns the user identities currently in the room, in join order.
func (s *Session) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.players))
	for i, p := range s.players {
		out[i] = p.UserID
	}
	return out
}

// Member reports whether an identity holds a membership in this room.
func (s *Session) Member(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(userID) >= 0
}

func (s *Session) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

// AddPlayer joins a user to the room. Re-joining an existing membership
// updates the stored profile instead of appending a duplicate, regardless of
// room status — that is the reconnect path. Fresh joins are only accepted
// while the room is waiting and below capacity.
func (s *Session) AddPlayer(userID string, profile Profile) (Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.findLocked(userID); i >= 0 {
		p := s.players[i]
		if profile.DisplayName != "" {
			p.Name = profile.DisplayName
		}
		if profile.Avatar != "" {
			p.Avatar = profile.Avatar
		}
		return *p, nil
	}

	if s.status != StatusWaiting {
		return Player{}, ErrRoomAlreadyPlaying
	}
	if len(s.players) >= s.settings.MaxPlayers {
		return Player{}, ErrRoomFull
	}

	p := &Player{
		UserID:   userID,
		Name:     profile.DisplayName,
		Avatar:   profile.Avatar,
		Color:    utility.RandomColorHex(),
		IsHost:   userID == s.hostID,
		JoinedAt: time.Now(),
	}
	s.players = append(s.players, p)
	return *p, nil
}

// RemovePlayer drops a membership. When the host leaves, the next-joined
// player inherits the host flag. The second return value is the promoted
// player, if any; the third reports whether the room is now empty.
func (s *Session) RemovePlayer(userID string) (Player, *Player, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findLocked(userID)
	if i < 0 {
		return Player{}, nil, len(s.players) == 0, ErrNotInRoom
	}

	removed := *s.players[i]
	s.players = append(s.players[:i], s.players[i+1:]...)
	delete(s.answered, userID)

	var promoted *Player
	if removed.IsHost && len(s.players) > 0 {
		s.players[0].IsHost = true
		s.hostID = s.players[0].UserID
		cp := *s.players[0]
		promoted = &cp
	}

	// The departed player may have been the last answer everyone was
	// waiting on.
	if s.status == StatusPlaying && s.allAnsweredLocked() {
		s.advanceLocked()
	}

	return removed, promoted, len(s.players) == 0, nil
}

// Start moves the room from waiting to playing and opens the first question.
// Host only.
func (s *Session) Start(byUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byUserID != s.hostID {
		return ErrNotHost
	}
	if s.status != StatusWaiting {
		return ErrRoomAlreadyPlaying
	}
	if len(s.players) < s.settings.MinPlayers {
		return ErrInsufficientPlayers
	}
	if len(s.sequence) == 0 {
		return questions.ErrNoQuestionsAvailable
	}

	s.status = StatusPlaying
	s.current = 0
	s.results = make([]QuestionResult, len(s.sequence))
	for i := range s.results {
		s.results[i] = QuestionResult{
			Index:      i,
			QuestionID: s.sequence[i].ID,
			Answers:    make(map[string]PlayerAnswer),
		}
	}
	s.openQuestionLocked()
	return nil
}

// SubmitAnswer scores one answer against the current question. The question
// index must match the current one; answers to an already-advanced question
// are rejected as stale. A second answer from the same player to the same
// question is absorbed as a no-op.
//
// elapsedMs is the client's own timing and is recorded, but points come from
// the server clock.
func (s *Session) SubmitAnswer(userID string, questionIndex int, optionID string, elapsedMs int64) (AnswerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPlaying {
		return AnswerResult{}, ErrStaleQuestion
	}
	i := s.findLocked(userID)
	if i < 0 {
		return AnswerResult{}, ErrNotInRoom
	}
	if questionIndex != s.current {
		return AnswerResult{}, ErrStaleQuestion
	}
	if _, dup := s.answered[userID]; dup {
		return AnswerResult{Duplicate: true, Score: s.players[i].Score}, nil
	}

	q := s.sequence[s.current]
	now := time.Now()
	elapsed := now.Sub(s.questionStartedAt)
	correct := optionID == q.CorrectOption

	var points int
	p := s.players[i]
	if correct {
		points = questions.Score(elapsed, s.settings.QuestionTime)
		p.Score += points
		if p.FirstCorrectAt.IsZero() {
			p.FirstCorrectAt = now
		}
	} else {
		p.Incorrect++
	}

	s.results[s.current].Answers[userID] = PlayerAnswer{
		OptionID:    optionID,
		Correct:     correct,
		Points:      points,
		ElapsedMs:   elapsedMs,
		SubmittedAt: now,
	}
	s.answered[userID] = struct{}{}

	res := AnswerResult{Correct: correct, Points: points, Score: p.Score}
	if s.allAnsweredLocked() {
		s.advanceLocked()
		res.Advanced = true
		res.Finished = s.status == StatusFinished
	}
	return res, nil
}

// CurrentIndex returns the active question index, or -1 outside of play.
func (s *Session) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPlaying {
		return -1
	}
	return s.current
}

// Standings returns the leaderboard: score descending, ties broken by fewer
// incorrect answers, then by the earlier first correct answer.
func (s *Session) Standings() []Standing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standingsLocked()
}

// Results returns the accumulated per-question results.
func (s *Session) Results() []QuestionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QuestionResult, len(s.results))
	for i, r := range s.results {
		cp := QuestionResult{Index: r.Index, QuestionID: r.QuestionID, Answers: make(map[string]PlayerAnswer, len(r.Answers))}
		for k, v := range r.Answers {
			cp.Answers[k] = v
		}
		out[i] = cp
	}
	return out
}

// QuestionIDs returns the fixed sequence's question ids in order.
func (s *Session) QuestionIDs() []string {
	ids := make([]string, len(s.sequence))
	for i, q := range s.sequence {
		ids[i] = q.ID
	}
	return ids
}

// Snapshot captures the full room state for persistence and for resyncing a
// rejoining player.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Code:        s.code,
		HostID:      s.hostID,
		Status:      s.status,
		Settings:    s.settings,
		QuestionIDs: make([]string, len(s.sequence)),
		CreatedAt:   s.createdAt,
	}
	for i, q := range s.sequence {
		snap.QuestionIDs[i] = q.ID
	}
	snap.Players = make([]Player, len(s.players))
	for i, p := range s.players {
		snap.Players[i] = *p
	}
	if s.status == StatusPlaying {
		v := s.sequence[s.current].View(s.current, len(s.sequence), s.settings.QuestionTime)
		snap.Current = &v
	}
	if s.status != StatusWaiting {
		snap.Standings = s.standingsLocked()
	}
	return snap
}

// Close stops the question timer. Called when the session is evicted.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
}

func (s *Session) findLocked(userID string) int {
	for i, p := range s.players {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (s *Session) allAnsweredLocked() bool {
	if len(s.players) == 0 {
		return false
	}
	for _, p := range s.players {
		if _, ok := s.answered[p.UserID]; !ok {
			return false
		}
	}
	return true
}

// openQuestionLocked announces the current question and arms its timer.
func (s *Session) openQuestionLocked() {
	s.answered = make(map[string]struct{})
	s.questionStartedAt = time.Now()
	view := s.sequence[s.current].View(s.current, len(s.sequence), s.settings.QuestionTime)
	s.bus.Emit(events.RoomEvent{
		RoomCode: s.code,
		Event:    events.QuestionStarted,
		Data:     view,
	})
	if s.settings.QuestionTime > 0 {
		idx := s.current
		s.timer = time.AfterFunc(s.settings.QuestionTime, func() {
			s.onQuestionTimeout(idx)
		})
	}
}

func (s *Session) onQuestionTimeout(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPlaying || s.current != idx {
		return
	}
	s.advanceLocked()
}

// advanceLocked moves past the current question: leaderboard out, then the
// next question or the final results.
func (s *Session) advanceLocked() {
	s.stopTimerLocked()

	s.bus.Emit(events.RoomEvent{
		RoomCode: s.code,
		Event:    events.LeaderboardUpdate,
		Data: LeaderboardPayload{
			RoomCode:  s.code,
			Index:     s.current,
			Standings: s.standingsLocked(),
		},
	})

	s.current++
	if s.current >= len(s.sequence) {
		s.current = len(s.sequence) - 1
		s.finishLocked()
		return
	}
	s.openQuestionLocked()
}

func (s *Session) finishLocked() {
	s.status = StatusFinished
	s.finishedAt = time.Now()
	s.bus.Emit(events.RoomEvent{
		RoomCode: s.code,
		Event:    events.GameFinished,
		Data: GameFinishedPayload{
			RoomCode:  s.code,
			Standings: s.standingsLocked(),
		},
	})
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) standingsLocked() []Standing {
	ranked := make([]*Player, len(s.players))
	copy(ranked, s.players)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Incorrect != b.Incorrect {
			return a.Incorrect < b.Incorrect
		}
		switch {
		case a.FirstCorrectAt.IsZero():
			return false
		case b.FirstCorrectAt.IsZero():
			return true
		default:
			return a.FirstCorrectAt.Before(b.FirstCorrectAt)
		}
	})
	out := make([]Standing, len(ranked))
	for i, p := range ranked {
		out[i] = Standing{
			Rank:      i + 1,
			UserID:    p.UserID,
			Name:      p.Name,
			Score:     p.Score,
			Incorrect: p.Incorrect,
		}
	}
	return out
}
