package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"threatguard/internal/config"
	"threatguard/internal/engine"
	"threatguard/internal/recovery"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and the catalogues it references",
	RunE: func(cmd *cobra.Command, _ []string) error {
		mgr, err := loadManager()
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := engine.LoadPatterns(cfg.Correlation.PatternsFile); err != nil {
			return fmt.Errorf("patterns: %w", err)
		}
		if _, err := recovery.LoadWorkflows(cfg.Recovery.WorkflowsFile); err != nil {
			return fmt.Errorf("workflows: %w", err)
		}
		path := mgr.Path()
		if path == "" {
			path = "(defaults)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: %s\n", path)
		return nil
	},
}

var catalogueCmd = &cobra.Command{
	Use:   "catalogue",
	Short: "Print the threat patterns and recovery workflows in effect",
	RunE: func(cmd *cobra.Command, _ []string) error {
		mgr, err := loadManager()
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		patterns, err := engine.LoadPatterns(cfg.Correlation.PatternsFile)
		if err != nil {
			return err
		}
		workflows, err := recovery.LoadWorkflows(cfg.Recovery.WorkflowsFile)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATTERN\tWINDOW\tTHRESHOLD\tWEIGHT\tINDICATORS")
		for _, p := range patterns {
			kinds := make([]string, 0, len(p.Indicators))
			for _, k := range p.Indicators {
				kinds = append(kinds, string(k))
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%s\n", p.Name, p.Window, p.Threshold, p.Weight, strings.Join(kinds, ","))
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "WORKFLOW\tAPPROVAL\tRETRIES\tTIMEOUT\tACTIONS")
		for _, wf := range workflows {
			actions := make([]string, 0, len(wf.Actions))
			for _, a := range wf.Actions {
				actions = append(actions, string(a))
			}
			fmt.Fprintf(w, "%s\t%t\t%d\t%s\t%s\n", wf.Name, wf.RequiresApproval, wf.MaxRetries, wf.Timeout, strings.Join(actions, " > "))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd, catalogueCmd)
}
