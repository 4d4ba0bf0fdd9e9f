package questions

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
)

var ErrNoQuestionsAvailable = errors.New("no questions available for the requested settings")

// Source supplies candidate questions. Difficulty may be DifficultyAny to
// fetch every difficulty of a category.
type Source interface {
	Candidates(ctx context.Context, category, difficulty string) ([]Question, error)
}

// CategoryRequest names one enabled category and its requested difficulty.
type CategoryRequest struct {
	Category   string
	Difficulty string
}

// Engine selects a room's question sequence. Selection runs once at room
// creation; the resulting sequence is never reordered afterwards, so every
// player sees the same questions in the same positions.
type Engine struct {
	src     Source
	shuffle func(n int, swap func(i, j int))
}

func NewEngine(src Source) *Engine {
	return &Engine{src: src, shuffle: rand.Shuffle}
}

// Select builds an ordered sequence of at most count questions.
//
// Per category it fetches exact-difficulty candidates first and backfills
// with same-category questions of any difficulty when those run short.
// Categories are then drawn round-robin so a small category is not drowned
// out by a large one, and the drawn set is shuffled into its final order.
func (e *Engine) Select(ctx context.Context, reqs []CategoryRequest, count int) ([]Question, error) {
	if count <= 0 {
		return nil, fmt.Errorf("question count must be positive, got %d", count)
	}

	lists := make([][]Question, 0, len(reqs))
	for _, req := range reqs {
		exact, err := e.src.Candidates(ctx, req.Category, req.Difficulty)
		if err != nil {
			return nil, fmt.Errorf("fetching %s/%s candidates: %w", req.Category, req.Difficulty, err)
		}
		// Exact-difficulty candidates keep priority over backfill: each
		// segment is shuffled among itself, never across the boundary, so
		// the draw exhausts exact matches before touching fallbacks.
		e.shuffle(len(exact), func(i, j int) { exact[i], exact[j] = exact[j], exact[i] })
		list := exact
		if len(list) < count && req.Difficulty != DifficultyAny {
			all, err := e.src.Candidates(ctx, req.Category, DifficultyAny)
			if err != nil {
				return nil, fmt.Errorf("backfilling %s candidates: %w", req.Category, err)
			}
			seen := make(map[string]struct{}, len(list))
			for _, q := range list {
				seen[q.ID] = struct{}{}
			}
			var backfill []Question
			for _, q := range all {
				if _, dup := seen[q.ID]; !dup {
					backfill = append(backfill, q)
				}
			}
			e.shuffle(len(backfill), func(i, j int) { backfill[i], backfill[j] = backfill[j], backfill[i] })
			list = append(list, backfill...)
		}
		if len(list) > 0 {
			lists = append(lists, list)
		}
	}

	if len(lists) == 0 {
		return nil, ErrNoQuestionsAvailable
	}

	// Round-robin draw across categories until count is reached or every
	// list is exhausted.
	var picked []Question
	for len(picked) < count {
		progressed := false
		for i := range lists {
			if len(lists[i]) == 0 {
				continue
			}
			picked = append(picked, lists[i][0])
			lists[i] = lists[i][1:]
			progressed = true
			if len(picked) == count {
				break
			}
		}
		if !progressed {
			break
		}
	}

	if len(picked) == 0 {
		return nil, ErrNoQuestionsAvailable
	}

	e.shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	return picked, nil
}
