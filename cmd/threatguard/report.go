package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"threatguard/internal/audit"
)

var (
	reportAPI    string
	reportSince  time.Duration
	reportFormat string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Fetch a compliance report from a running instance",
	RunE:  runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVar(&reportAPI, "api-url", "http://localhost:8081", "API base URL")
	reportCmd.Flags().DurationVar(&reportSince, "since", 24*time.Hour, "report window ending now; 0 for everything")
	reportCmd.Flags().StringVar(&reportFormat, "format", "table", "output format (table, json)")
}

func runReport(cmd *cobra.Command, _ []string) error {
	q := url.Values{}
	if reportSince > 0 {
		q.Set("start", time.Now().UTC().Add(-reportSince).Format(time.RFC3339))
	}
	endpoint := reportAPI + "/compliance"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch report: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api returned %d: %s", resp.StatusCode, body)
	}

	out := cmd.OutOrStdout()
	if reportFormat == "json" {
		_, err := out.Write(body)
		return err
	}
	var rep audit.ComplianceReport
	if err := json.Unmarshal(body, &rep); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	printReport(out, rep)
	return nil
}

func printReport(w io.Writer, rep audit.ComplianceReport) {
	window := "all time"
	if !rep.Start.IsZero() {
		window = "since " + humanize.Time(rep.Start)
	}
	fmt.Fprintf(w, "Compliance report (%s)\n", window)
	fmt.Fprintf(w, "  Generated        : %s\n", rep.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Audit entries    : %s\n", humanize.Comma(int64(rep.TotalEntries)))
	fmt.Fprintf(w, "  Incidents        : %s\n", humanize.Comma(int64(rep.TotalIncidents)))
	fmt.Fprintf(w, "  Recovery actions : %s (%s failed)\n", humanize.Comma(int64(rep.RecoveryActions)), humanize.Comma(int64(rep.FailedActions)))
	fmt.Fprintf(w, "  Success rate     : %s%%\n", humanize.FormatFloat("#.#", rep.RecoverySuccessRate*100))
	fmt.Fprintf(w, "  System failures  : %d\n", rep.SystemFailures)
	if rep.ResponseTime.Count > 0 {
		fmt.Fprintf(w, "  Response time    : mean %s ms, p95 %s ms, max %s ms\n",
			humanize.FormatFloat("#.##", rep.ResponseTime.MeanMs),
			humanize.FormatFloat("#.##", rep.ResponseTime.P95Ms),
			humanize.FormatFloat("#.##", rep.ResponseTime.MaxMs))
	}
	integrity := "valid"
	if !rep.Integrity.Valid {
		integrity = fmt.Sprintf("TAMPERED (%d entries, %d broken links)", len(rep.Integrity.TamperedIDs), len(rep.Integrity.BrokenLinks))
	}
	fmt.Fprintf(w, "  Integrity        : %s, %d checked\n", integrity, rep.Integrity.Checked)
	printCounts(w, "By severity", rep.IncidentsBySeverity)
	printCounts(w, "By state", rep.IncidentsByState)
	printCounts(w, "By kind", rep.IncidentsByKind)
	printCounts(w, "Actions", rep.ActionsByName)
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-28s %s\n", k, humanize.Comma(int64(counts[k])))
	}
}
