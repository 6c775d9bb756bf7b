package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/winfunc/opcode-sub004/internal/common/config"
	"github.com/winfunc/opcode-sub004/internal/engine"
)

type engineStatus struct {
	ID         engine.ID `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path,omitempty"`
	Version    string    `json:"version,omitempty"`
	Source     string    `json:"source,omitempty"`
	MissingEnv []string  `json:"missing_env,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func newEnginesCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "engines",
		Short: "Show which engines are installed and ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithPath(configPath(cmd))
			if err != nil {
				return err
			}
			locator := engine.NewDiscovery(
				engine.WithOverride(map[engine.ID]string{
					engine.Claude:    cfg.Engines.Claude.Binary,
					engine.Aider:     cfg.Engines.Aider.Binary,
					engine.OpenCodex: cfg.Engines.OpenCodex.Binary,
				}),
				engine.WithCommand(),
				engine.WithStandardPaths(),
			)

			statuses := make([]engineStatus, 0, len(engine.All()))
			for _, id := range engine.All() {
				st := engineStatus{ID: id, Name: id.DisplayName(), MissingEnv: engine.CheckRequiredEnv(id, nil)}
				if bin, err := locator.Locate(cmd.Context(), id); err != nil {
					st.Error = err.Error()
				} else {
					st.Path, st.Version, st.Source = bin.Path, bin.Version, bin.Source
				}
				statuses = append(statuses, st)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			return printEngines(cmd.OutOrStdout(), statuses)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}

func printEngines(w io.Writer, statuses []engineStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENGINE\tVERSION\tPATH\tSTATUS")
	for _, st := range statuses {
		status := "ready"
		switch {
		case st.Error != "":
			status = "not installed"
		case len(st.MissingEnv) > 0:
			status = "missing " + strings.Join(st.MissingEnv, ", ")
		}
		version := st.Version
		if version == "" {
			version = "-"
		}
		path := st.Path
		if path == "" {
			path = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.ID, version, path, status)
	}
	return tw.Flush()
}
