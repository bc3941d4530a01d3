package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/remedyd/internal/statusclient"
)

var (
	listState      string
	listRepository string
	listLimit      int
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listState, "state", "", "Filter by ledger state (RECEIVED, ACTIVE, COMPLETED, FAILED, ABORTED)")
	listCmd.Flags().StringVar(&listRepository, "repo", "", "Filter by repository (owner/name)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of remediations to show (0 for all)")
}

var statusCmd = &cobra.Command{
	Use:   "status <signature>",
	Short: "Show one remediation",
	Long: `Show the ledger entry of one remediation.

The signature may be abbreviated to any unique prefix of at least 8
characters.

Examples:
  remedyctl status 3f9a1c0e
  remedyctl status --json 3f9a1c0e5b7d...`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List remediations",
	Long: `List remediations known to the ledger, most recently updated first.

Examples:
  remedyctl list
  remedyctl list --state FAILED
  remedyctl list --repo acme/api --limit 5`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	s, err := client.Status(ctx, args[0])
	switch {
	case errors.Is(err, statusclient.ErrNotFound):
		return fmt.Errorf("no remediation matches %s", args[0])
	case errors.Is(err, statusclient.ErrAmbiguous):
		return fmt.Errorf("%s matches more than one remediation, use a longer prefix", args[0])
	case err != nil:
		return err
	}

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), s)
	}
	formatStatus(cmd.OutOrStdout(), s)
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	list, err := client.List(ctx, statusclient.Filter{
		State:      strings.ToUpper(listState),
		Repository: listRepository,
	})
	if err != nil {
		return err
	}

	total := len(list.Remediations)
	if listLimit > 0 && total > listLimit {
		list.Remediations = list.Remediations[:listLimit]
		list.Count = listLimit
	}

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), list)
	}
	if total == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No remediations found")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderList(list.Remediations))
	if total > len(list.Remediations) {
		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(fmt.Sprintf("showing %d of %d", len(list.Remediations), total)))
	}
	return nil
}

// formatStatus writes one remediation as aligned label/value lines.
func formatStatus(w io.Writer, s statusclient.Status) {
	line := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-11s", label)), value)
	}

	fmt.Fprintln(w, headerStyle.Render("Remediation "+shortSignature(s.Signature)))
	line("Signature", s.Signature)
	line("State", stateStyle(s.State).Render(s.State))
	line("Phase", s.Phase)
	line("Repository", s.Repository)
	line("Commit", s.CommitSHA)
	line("Attempts", strconv.Itoa(s.Attempts))
	if s.PRNumber > 0 {
		line("Pull req.", fmt.Sprintf("#%d %s", s.PRNumber, s.PRURL))
	}
	line("Reason", s.Reason)
	if s.Duplicates > 0 {
		line("Duplicates", strconv.Itoa(s.Duplicates))
	}
	line("Started", formatTime(s.StartedAt))
	line("Updated", formatTime(s.UpdatedAt))
	line("Finished", formatTime(s.FinishedAt))
}

// renderList renders remediations as a bordered table.
func renderList(items []statusclient.Status) string {
	rows := make([][]string, 0, len(items))
	for _, s := range items {
		pr := ""
		if s.PRNumber > 0 {
			pr = "#" + strconv.Itoa(s.PRNumber)
		}
		rows = append(rows, []string{
			shortSignature(s.Signature),
			s.State,
			s.Repository,
			strconv.Itoa(s.Attempts),
			pr,
			s.Reason,
			formatTime(s.UpdatedAt),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("SIGNATURE", "STATE", "REPOSITORY", "ATTEMPTS", "PR", "REASON", "UPDATED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			if col == 1 && row >= 0 && row < len(rows) {
				return stateStyle(rows[row][1]).Padding(0, 1)
			}
			return cellStyle
		})
	return t.Render()
}

func shortSignature(sig string) string {
	if len(sig) <= 12 {
		return sig
	}
	return sig[:12]
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
