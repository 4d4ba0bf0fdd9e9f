package results

import (
	"context"
	"fmt"

	"quizroom/internal/db"
)

// FinalStanding is one persisted row of a finished room's results.
type FinalStanding struct {
	Rank        int     `json:"rank"`
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Score       int     `json:"score"`
	Incorrect   int     `json:"incorrect"`
	AvgElapsed  float64 `json:"avg_elapsed_ms"`
}

type Queries struct {
	DB *db.DB
}

func NewQueries(database *db.DB) *Queries {
	return &Queries{DB: database}
}

// RoomStandings returns a finished room's final results, usable after the
// in-memory session has been swept.
func (q *Queries) RoomStandings(ctx context.Context, roomCode string) ([]FinalStanding, error) {
	rows, err := q.DB.QueryContext(ctx, `
		SELECT rr.rank, rr.user_id, rr.display_name, rr.final_score, rr.incorrect,
			COALESCE((
				SELECT AVG(ae.elapsed_ms)
				FROM answer_events ae
				WHERE ae.room_code = rr.room_code AND ae.user_id = rr.user_id
			), 0) AS avg_elapsed
		FROM room_results rr
		WHERE rr.room_code = $1
		ORDER BY rr.rank
	`, roomCode)
	if err != nil {
		return nil, fmt.Errorf("querying room standings: %w", err)
	}
	defer rows.Close()

	var out []FinalStanding
	for rows.Next() {
		var st FinalStanding
		if err := rows.Scan(&st.Rank, &st.UserID, &st.DisplayName, &st.Score, &st.Incorrect, &st.AvgElapsed); err != nil {
			return nil, fmt.Errorf("scanning standing: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PlayerHistory returns a user's finished rooms, most recent first.
func (q *Queries) PlayerHistory(ctx context.Context, userID string, limit int) ([]FinalStanding, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.DB.QueryContext(ctx, `
		SELECT rank, user_id, display_name, final_score, incorrect, 0
		FROM room_results
		WHERE user_id = $1
		ORDER BY finished_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying player history: %w", err)
	}
	defer rows.Close()

	var out []FinalStanding
	for rows.Next() {
		var st FinalStanding
		if err := rows.Scan(&st.Rank, &st.UserID, &st.DisplayName, &st.Score, &st.Incorrect, &st.AvgElapsed); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
