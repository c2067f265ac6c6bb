package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"joinbot/internal/app"
	"joinbot/internal/clock"
	"joinbot/internal/config"
	"joinbot/internal/storage"
	"joinbot/internal/tokens"
	logx "joinbot/pkg/logx"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List active events straight from the store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.NewConfigManager(cfgPath).Load()
		if err != nil {
			return err
		}
		loc, err := cfg.Events.Location()
		if err != nil {
			return err
		}
		sc, err := app.StorageConfig(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		st, err := storage.Open(ctx, sc, logx.NewConsole("WARN"))
		if err != nil {
			return err
		}
		defer st.Close()

		evs, err := st.LoadActive(ctx)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			fmt.Println("No events found! :(")
			return nil
		}
		now := clock.NewSystem().Now()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTART\tSTATUS\tIN")
		for _, ev := range evs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", ev.ID, ev.Name, ev.StartText(loc), ev.Status, ev.RemainingText(now))
		}
		return w.Flush()
	},
}

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Validate a token file and print how many tokens it holds",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("file")
		set, err := tokens.LoadFile(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d token(s)\n", path, set.Len())
		return nil
	},
}
