package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"quizroom/internal/ack"
	"quizroom/internal/auth"
	"quizroom/internal/broadcast"
	"quizroom/internal/config"
	"quizroom/internal/db"
	"quizroom/internal/events"
	"quizroom/internal/metrics"
	"quizroom/internal/questions"
	"quizroom/internal/registry"
	"quizroom/internal/rooms"
	"quizroom/internal/wshub"
)

func Run(cfg config.Config) error {
	bus := events.NewBus()

	var (
		database *db.DB
		checker  rooms.CodeChecker
		source   questions.Source
		verifier auth.Verifier
	)

	// Optional database connection
	if cfg.DatabaseURL != "" {
		d, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Printf("[DB] Failed to connect: %v (running without database)\n", err)
		} else {
			if err := d.Migrate(); err != nil {
				log.Printf("[DB] Migration failed: %v\n", err)
			}
			database = d
			checker = d
			source = d
			verifier = d
			log.Println("[DB] Database connected and migrations applied")
		}
	}
	if database == nil {
		log.Println("[DB] No database, using built-in question pool and insecure identities")
		source = seedQuestions()
		verifier = auth.InsecureVerifier{}
	}

	roomStore := rooms.NewStore(bus, checker)
	reg := registry.New(roomStore)
	hub := wshub.NewHub()
	coord := ack.NewCoordinator(cfg.AckTimeout)
	bcaster := broadcast.New(roomStore, reg, hub, coord)

	srv := &Server{
		Cfg:         cfg,
		Rooms:       roomStore,
		Registry:    reg,
		Hub:         hub,
		Coord:       coord,
		Broadcaster: bcaster,
		Engine:      questions.NewEngine(source),
		Verifier:    verifier,
		Bus:         bus,
		DB:          database,
	}

	go srv.roomEventLoop()
	go srv.noticeLoop()

	if database != nil {
		srv.AnswerBuffer = make(chan db.AnswerEvent, 1000)
		go answerBatchWriter(database, srv.AnswerBuffer)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/results/", srv.handleResults)
	mux.Handle("/metrics", metrics.Handler())

	fmt.Printf("Server listening on http://%s\n", cfg.Addr())
	return http.ListenAndServe(cfg.Addr(), mux)
}

// roomEventLoop publishes session-driven transitions (question advances,
// game end) and persists the terminal state of finished games.
func (s *Server) roomEventLoop() {
	for ev := range s.Bus.RoomEvents {
		// Session-driven events have no acting player; the origin stays
		// empty and delivery notices are only logged.
		s.Broadcaster.Publish(ev.RoomCode, "", ev.Event, ev.Data, ev.Excluded...)

		if ev.Event == events.GameFinished {
			if payload, ok := ev.Data.(rooms.GameFinishedPayload); ok {
				s.persistFinished(ev.RoomCode, payload.Standings)
			}
		}
	}
}

// noticeLoop routes terminal buffer states back to the acting player:
// buffer:cleared on full delivery, buffer:incomplete naming the receivers
// that never acknowledged.
func (s *Server) noticeLoop() {
	for n := range s.Coord.Notices() {
		if !n.Delivered {
			log.Printf("[Ack] %s task %s incomplete in room %s, missing %v\n", n.Event, n.TaskID, n.RoomCode, n.Unacknowledged)
		}
		if n.Origin == "" {
			continue
		}

		event := events.BufferCleared
		if !n.Delivered {
			event = events.BufferIncomplete
		}
		env := events.Envelope{Event: event, Task: n.TaskID, Data: n}
		for _, connID := range s.Registry.Resolve(n.Origin) {
			s.Hub.Send(connID, env)
		}
	}
}

func (s *Server) persistFinished(roomCode string, standings []rooms.Standing) {
	if s.DB == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sess := s.Rooms.Get(roomCode); sess != nil {
		if err := s.DB.SaveRoomSnapshot(ctx, sess.Snapshot()); err != nil {
			log.Printf("[DB] SaveRoomSnapshot error: %v\n", err)
		}
	}
	if err := s.DB.SaveFinalResults(ctx, roomCode, standings); err != nil {
		log.Printf("[DB] SaveFinalResults error: %v\n", err)
	}
}

func answerBatchWriter(database *db.DB, buffer chan db.AnswerEvent) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	batch := make([]db.AnswerEvent, 0, 50)

	for {
		select {
		case ev := <-buffer:
			batch = append(batch, ev)
			if len(batch) >= 50 {
				if err := database.BatchRecordAnswers(batch); err != nil {
					log.Printf("[DB] BatchRecordAnswers error: %v\n", err)
				}
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				if err := database.BatchRecordAnswers(batch); err != nil {
					log.Printf("[DB] BatchRecordAnswers error: %v\n", err)
				}
				batch = batch[:0]
			}
		}
	}
}

// seedQuestions provides a small built-in pool for database-less runs.
func seedQuestions() *questions.MemorySource {
	src := questions.NewMemorySource()
	seed := []questions.Question{
		{ID: "gen-1", Category: "general", Difficulty: questions.DifficultyEasy,
			Prompt: "Which planet is known as the Red Planet?",
			Options: []questions.Option{
				{ID: "a", Text: "Venus"}, {ID: "b", Text: "Mars"},
				{ID: "c", Text: "Jupiter"}, {ID: "d", Text: "Saturn"},
			},
			CorrectOption: "b"},
		{ID: "gen-2", Category: "general", Difficulty: questions.DifficultyEasy,
			Prompt: "How many continents are there?",
			Options: []questions.Option{
				{ID: "a", Text: "Five"}, {ID: "b", Text: "Six"},
				{ID: "c", Text: "Seven"}, {ID: "d", Text: "Eight"},
			},
			CorrectOption: "c"},
		{ID: "gen-3", Category: "general", Difficulty: questions.DifficultyMedium,
			Prompt: "What year did the Berlin Wall fall?",
			Options: []questions.Option{
				{ID: "a", Text: "1987"}, {ID: "b", Text: "1989"},
				{ID: "c", Text: "1991"}, {ID: "d", Text: "1993"},
			},
			CorrectOption: "b"},
		{ID: "gen-4", Category: "general", Difficulty: questions.DifficultyMedium,
			Prompt: "Which element has the chemical symbol Au?",
			Options: []questions.Option{
				{ID: "a", Text: "Silver"}, {ID: "b", Text: "Copper"},
				{ID: "c", Text: "Gold"}, {ID: "d", Text: "Aluminium"},
			},
			CorrectOption: "c"},
		{ID: "gen-5", Category: "general", Difficulty: questions.DifficultyHard,
			Prompt: "Who proved Fermat's Last Theorem?",
			Options: []questions.Option{
				{ID: "a", Text: "Andrew Wiles"}, {ID: "b", Text: "Terence Tao"},
				{ID: "c", Text: "Grigori Perelman"}, {ID: "d", Text: "Paul Erdős"},
			},
			CorrectOption: "a"},
	}
	for _, q := range seed {
		src.Add(q)
	}
	return src
}
