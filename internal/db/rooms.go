package db

import (
	"context"
	"encoding/json"
	"fmt"

	"quizroom/internal/rooms"
)

// CodeInUse reports whether another process already persisted a live room
// under this code. Satisfies rooms.CodeChecker.
func (d *DB) CodeInUse(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := d.conn.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM rooms WHERE code = $1 AND status <> 'finished')
	`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking room code: %w", err)
	}
	return exists, nil
}

// SaveRoomSnapshot upserts the room's current state.
func (d *DB) SaveRoomSnapshot(ctx context.Context, snap rooms.Snapshot) error {
	settings, err := json.Marshal(snap.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	questionIDs, err := json.Marshal(snap.QuestionIDs)
	if err != nil {
		return fmt.Errorf("encoding question ids: %w", err)
	}
	players, err := json.Marshal(snap.Players)
	if err != nil {
		return fmt.Errorf("encoding players: %w", err)
	}

	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO rooms (code, host_id, status, settings, question_ids, players, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (code) DO UPDATE SET
			host_id = $2, status = $3, settings = $4, question_ids = $5, players = $6, updated_at = now()
	`, snap.Code, snap.HostID, string(snap.Status), settings, questionIDs, players, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving room snapshot: %w", err)
	}
	return nil
}

// SaveFinalResults writes the finished room's standings.
func (d *DB) SaveFinalResults(ctx context.Context, roomCode string, standings []rooms.Standing) error {
	for _, st := range standings {
		_, err := d.conn.ExecContext(ctx, `
			INSERT INTO room_results (room_code, user_id, display_name, final_score, incorrect, rank)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (room_code, user_id) DO UPDATE SET
				final_score = $4, incorrect = $5, rank = $6
		`, roomCode, st.UserID, st.Name, st.Score, st.Incorrect, st.Rank)
		if err != nil {
			return fmt.Errorf("saving result for %s: %w", st.UserID, err)
		}
	}
	return nil
}
