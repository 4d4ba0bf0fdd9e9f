package rooms

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"quizroom/internal/questions"
)

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

var (
	ErrRoomFull            = errors.New("room is full")
	ErrRoomAlreadyPlaying  = errors.New("room is not accepting joins")
	ErrInsufficientPlayers = errors.New("not enough players to start")
	ErrStaleQuestion       = errors.New("answer does not match the current question")
	ErrNotHost             = errors.New("only the host can do that")
	ErrNotInRoom           = errors.New("player is not in this room")
)

// CategorySetting is the per-category slice of a room's settings, validated
// at the boundary rather than trusted as free-form.
type CategorySetting struct {
	Enabled    bool   `json:"enabled"`
	Difficulty string `json:"difficulty"`
}

type Settings struct {
	Categories    map[string]CategorySetting `json:"categories"`
	QuestionCount int                        `json:"question_count"`
	MaxPlayers    int                        `json:"max_players"`
	MinPlayers    int                        `json:"min_players"`
	QuestionTime  time.Duration              `json:"question_time"`
}

func (s *Settings) Validate() error {
	enabled := 0
	for name, cs := range s.Categories {
		if !cs.Enabled {
			continue
		}
		enabled++
		switch cs.Difficulty {
		case questions.DifficultyAny, questions.DifficultyEasy,
			questions.DifficultyMedium, questions.DifficultyHard:
		default:
			return fmt.Errorf("category %s: unknown difficulty %q", name, cs.Difficulty)
		}
	}
	if enabled == 0 {
		return errors.New("at least one category must be enabled")
	}
	if s.QuestionCount < 1 {
		return fmt.Errorf("question count must be positive, got %d", s.QuestionCount)
	}
	if s.MinPlayers < 1 {
		return fmt.Errorf("min players must be positive, got %d", s.MinPlayers)
	}
	if s.MaxPlayers < s.MinPlayers {
		return fmt.Errorf("max players %d below min players %d", s.MaxPlayers, s.MinPlayers)
	}
	if s.QuestionTime < 0 {
		return fmt.Errorf("question time must not be negative")
	}
	return nil
}

// Requests returns the enabled categories as selection requests, in a stable
// order.
func (s Settings) Requests() []questions.CategoryRequest {
	names := make([]string, 0, len(s.Categories))
	for name, cs := range s.Categories {
		if cs.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	reqs := make([]questions.CategoryRequest, 0, len(names))
	for _, name := range names {
		reqs = append(reqs, questions.CategoryRequest{
			Category:   name,
			Difficulty: s.Categories[name].Difficulty,
		})
	}
	return reqs
}

// Profile is what a joining user brings along; everything else on Player is
// owned by the room.
type Profile struct {
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
}

type Player struct {
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	Avatar         string    `json:"avatar,omitempty"`
	Color          string    `json:"color"`
	IsHost         bool      `json:"is_host"`
	Score          int       `json:"score"`
	Incorrect      int       `json:"incorrect"`
	FirstCorrectAt time.Time `json:"-"`
	JoinedAt       time.Time `json:"-"`
}

// Standing is one row of a leaderboard or final result.
type Standing struct {
	Rank      int    `json:"rank"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Score     int    `json:"score"`
	Incorrect int    `json:"incorrect"`
}

// PlayerAnswer records one submitted answer inside a question's result.
type PlayerAnswer struct {
	OptionID    string    `json:"option_id"`
	Correct     bool      `json:"correct"`
	Points      int       `json:"points"`
	ElapsedMs   int64     `json:"elapsed_ms"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// QuestionResult accumulates the answers to one question of the sequence.
type QuestionResult struct {
	Index      int                     `json:"index"`
	QuestionID string                  `json:"question_id"`
	Answers    map[string]PlayerAnswer `json:"answers"`
}

// Snapshot is the full read-only room state, persisted after mutations and
// resent to rejoining players.
type Snapshot struct {
	Code        string          `json:"code"`
	HostID      string          `json:"host_id"`
	Status      Status          `json:"status"`
	Settings    Settings        `json:"settings"`
	Players     []Player        `json:"players"`
	QuestionIDs []string        `json:"question_ids"`
	Current     *questions.View `json:"current,omitempty"`
	Standings   []Standing      `json:"standings,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Broadcast payloads.

type PlayerJoinedPayload struct {
	RoomCode string `json:"room_code"`
	Player   Player `json:"player"`
}

type PlayerRemovedPayload struct {
	RoomCode string  `json:"room_code"`
	UserID   string  `json:"user_id"`
	Reason   string  `json:"reason"` // "left" or "kicked"
	NewHost  *Player `json:"new_host,omitempty"`
}

type QuestionAnsweredPayload struct {
	RoomCode string `json:"room_code"`
	UserID   string `json:"user_id"`
	Index    int    `json:"index"`
	Correct  bool   `json:"correct"`
}

type LeaderboardPayload struct {
	RoomCode  string     `json:"room_code"`
	Index     int        `json:"index"`
	Standings []Standing `json:"standings"`
}

type GameFinishedPayload struct {
	RoomCode  string     `json:"room_code"`
	Standings []Standing `json:"standings"`
}
