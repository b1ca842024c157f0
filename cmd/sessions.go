package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kelvinbot/kelvin/internal/config"
	"github.com/kelvinbot/kelvin/internal/store"
)

func sessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List archived attendance sessions",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
				os.Exit(1)
			}

			archive, err := store.Open(filepath.Join(cfg.DataDirectory, "kelvin.db"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to open archive database: %v\n", err)
				os.Exit(1)
			}
			defer archive.Close()

			sessions, err := archive.RecentSessions(context.Background(), limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to query sessions: %v\n", err)
				os.Exit(1)
			}
			if len(sessions) == 0 {
				fmt.Println("no archived sessions")
				return
			}

			for _, s := range sessions {
				fmt.Printf("%s  %s  %s  (%d participants: %s)\n",
					s.StartedAt.Local().Format("2006-01-02 15:04"),
					s.EndedAt.Sub(s.StartedAt).Round(time.Second),
					s.SourceService,
					len(s.Participants),
					strings.Join(s.Participants, ", "))
			}
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to list")
	return cmd
}
