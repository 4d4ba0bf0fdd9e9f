package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"quizroom/internal/config"
	"quizroom/internal/server"
)

func newCmd(cfg *config.Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("QUIZROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "quizroom",
		Short:         "Realtime quiz room server with confirmed event delivery.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return server.Run(*cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	defaults := config.Default()
	fs.StringVarP(&cfg.Bind, "bind", "b", defaults.Bind, "address to bind to (env: QUIZROOM_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", defaults.Port, "port to listen on (env: QUIZROOM_PORT)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string, empty runs without persistence (env: QUIZROOM_DATABASE_URL)")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", defaults.AckTimeout, "time receivers get to acknowledge a broadcast (env: QUIZROOM_ACK_TIMEOUT)")
	fs.DurationVar(&cfg.QuestionTime, "question-time", defaults.QuestionTime, "default answer window per question (env: QUIZROOM_QUESTION_TIME)")
	fs.IntVar(&cfg.MinPlayers, "min-players", defaults.MinPlayers, "fewest players a game can start with (env: QUIZROOM_MIN_PLAYERS)")
	fs.IntVar(&cfg.MaxPlayers, "max-players", defaults.MaxPlayers, "most players a room can hold (env: QUIZROOM_MAX_PLAYERS)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	return cmd
}

func main() {
	cfg := config.Default()
	cobra.CheckErr(newCmd(&cfg).Execute())
}
