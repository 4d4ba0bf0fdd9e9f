package db

import (
	"context"
	"encoding/json"
	"fmt"

	"quizroom/internal/questions"
)

// Candidates fetches questions of one category. An empty difficulty matches
// every difficulty. Satisfies questions.Source.
func (d *DB) Candidates(ctx context.Context, category, difficulty string) ([]questions.Question, error) {
	query := `
		SELECT id, category, difficulty, prompt, options, correct_option
		FROM questions
		WHERE category = $1
	`
	args := []any{category}
	if difficulty != questions.DifficultyAny {
		query += ` AND difficulty = $2`
		args = append(args, difficulty)
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying question candidates: %w", err)
	}
	defer rows.Close()

	var out []questions.Question
	for rows.Next() {
		var q questions.Question
		var opts []byte
		if err := rows.Scan(&q.ID, &q.Category, &q.Difficulty, &q.Prompt, &opts, &q.CorrectOption); err != nil {
			return nil, fmt.Errorf("scanning question: %w", err)
		}
		if err := json.Unmarshal(opts, &q.Options); err != nil {
			return nil, fmt.Errorf("decoding options for question %s: %w", q.ID, err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// InsertQuestion is used by seeding tools and tests.
func (d *DB) InsertQuestion(ctx context.Context, q questions.Question) (string, error) {
	opts, err := json.Marshal(q.Options)
	if err != nil {
		return "", fmt.Errorf("encoding options: %w", err)
	}
	var id string
	err = d.conn.QueryRowContext(ctx, `
		INSERT INTO questions (category, difficulty, prompt, options, correct_option)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, q.Category, q.Difficulty, q.Prompt, opts, q.CorrectOption).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("inserting question: %w", err)
	}
	return id, nil
}
