package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
)

var (
	fpRepository string
	fpWorkflow   string
	fpJob        string
	fpVerbose    bool
)

func init() {
	rootCmd.AddCommand(fingerprintCmd)

	fingerprintCmd.Flags().StringVar(&fpRepository, "repo", "", "Repository (owner/name) the log belongs to")
	fingerprintCmd.Flags().StringVar(&fpWorkflow, "workflow", "", "Workflow path or name")
	fingerprintCmd.Flags().StringVar(&fpJob, "job", "", "Job name")
	fingerprintCmd.Flags().BoolVarP(&fpVerbose, "verbose", "v", false, "Show the error lines the signature was derived from")
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint [file]",
	Short: "Compute the failure signature of a CI log",
	Long: `Compute the failure signature of a CI log locally, without a server.

Use the same --repo, --workflow and --job as the failing job to get the
signature remedyd would assign to it.

Examples:
  # Fingerprint a downloaded log
  remedyctl fingerprint --repo acme/api --workflow ci.yml --job test job.log

  # Fingerprint from stdin
  gh run view 123 --log-failed | remedyctl fingerprint --repo acme/api -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFingerprint,
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}

	res := fingerprint.Analyze(string(data), fingerprint.JobIdentity{
		Repository: fpRepository,
		Workflow:   fpWorkflow,
		Job:        fpJob,
	})

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"signature":   res.Signature,
			"basis":       res.Basis,
			"category":    res.Category,
			"error_lines": res.ErrorLines,
			"tokens":      res.Tokens,
		})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, res.Signature)
	if !fpVerbose {
		return nil
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("basis:   "), res.Basis)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("category:"), res.Category)
	for _, line := range res.ErrorLines {
		fmt.Fprintf(w, "  %s\n", dimStyle.Render(line))
	}
	return nil
}
