package db

import (
	"fmt"
	"strings"
	"time"
)

// AnswerEvent is one submitted answer, buffered and written in batches.
type AnswerEvent struct {
	RoomCode      string
	UserID        string
	QuestionID    string
	QuestionIndex int
	OptionID      string
	Correct       bool
	Points        int
	ElapsedMs     int64
	SubmittedAt   time.Time
}

// BatchRecordAnswers flushes the write buffer in one multi-row insert.
func (d *DB) BatchRecordAnswers(events []AnswerEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO answer_events (room_code, user_id, question_id, question_index, option_id, correct, points, elapsed_ms, submitted_at) VALUES `)
	args := make([]any, 0, len(events)*9)
	for i, ev := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args, ev.RoomCode, ev.UserID, ev.QuestionID, ev.QuestionIndex,
			ev.OptionID, ev.Correct, ev.Points, ev.ElapsedMs, ev.SubmittedAt)
	}

	if _, err := d.conn.Exec(sb.String(), args...); err != nil {
		return fmt.Errorf("batch recording %d answers: %w", len(events), err)
	}
	return nil
}
