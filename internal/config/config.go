package config

import (
	"fmt"
	"time"
)

type Config struct {
	Bind        string
	Port        int
	DatabaseURL string

	// AckTimeout bounds how long a broadcast buffer waits for every
	// expected receiver before it is reported incomplete.
	AckTimeout time.Duration

	// QuestionTime is the default per-question answer window.
	QuestionTime time.Duration

	// MinPlayers / MaxPlayers bound what room settings may ask for.
	MinPlayers int
	MaxPlayers int
}

func Default() Config {
	return Config{
		Bind:         "0.0.0.0",
		Port:         8080,
		AckTimeout:   5 * time.Second,
		QuestionTime: 20 * time.Second,
		MinPlayers:   2,
		MaxPlayers:   12,
	}
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive: %v", c.AckTimeout)
	}
	if c.QuestionTime <= 0 {
		return fmt.Errorf("question time must be positive: %v", c.QuestionTime)
	}
	if c.MinPlayers < 2 {
		return fmt.Errorf("min players must be at least 2: %d", c.MinPlayers)
	}
	if c.MaxPlayers < c.MinPlayers {
		return fmt.Errorf("max players %d below min players %d", c.MaxPlayers, c.MinPlayers)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}
