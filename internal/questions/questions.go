package questions

import "time"

const (
	DifficultyAny    = ""
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question is one entry of a room's fixed sequence. CorrectOption never
// leaves the server; clients see a View.
type Question struct {
	ID            string   `json:"id"`
	Category      string   `json:"category"`
	Difficulty    string   `json:"difficulty"`
	Prompt        string   `json:"prompt"`
	Options       []Option `json:"options"`
	CorrectOption string   `json:"-"`
}

// View is the client-facing shape of a question.
type View struct {
	Index       int      `json:"index"`
	Total       int      `json:"total"`
	Category    string   `json:"category"`
	Difficulty  string   `json:"difficulty"`
	Prompt      string   `json:"prompt"`
	Options     []Option `json:"options"`
	TimeLimitMs int64    `json:"time_limit_ms"`
}

func (q Question) View(index, total int, limit time.Duration) View {
	return View{
		Index:       index,
		Total:       total,
		Category:    q.Category,
		Difficulty:  q.Difficulty,
		Prompt:      q.Prompt,
		Options:     q.Options,
		TimeLimitMs: limit.Milliseconds(),
	}
}

const (
	baseScore    = 100
	maxTimeBonus = 100
)

// Score returns the points for a correct answer submitted elapsed into the
// per-question window. The time bonus decreases linearly with elapsed time,
// so an earlier correct answer never scores less than a later one.
func Score(elapsed, window time.Duration) int {
	if window <= 0 || elapsed >= window {
		return baseScore
	}
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := 1 - float64(elapsed)/float64(window)
	return baseScore + int(float64(maxTimeBonus)*remaining)
}
