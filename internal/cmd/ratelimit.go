package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/slotkeeper/slotkeeper/internal/models"
	"github.com/slotkeeper/slotkeeper/internal/security"
)

// Output formats accepted by --output-format.
const (
	formatTable = "table"
	formatJSON  = "json"
)

func newCleanupCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired rate limit records once",
		RunE: func(cmd *cobra.Command, args []string) error {
			limiter, err := openLimiter(cmd.Context(), e, nil, false)
			if err != nil {
				return err
			}
			defer limiter.Close() // nolint:errcheck // best-effort cleanup

			deleted, err := limiter.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired rate limit record(s)\n", deleted)
			return err
		},
	}
}

func newListCmd(e *env) *cobra.Command {
	var (
		endpoint    string
		identifier  string
		expiredOnly bool
		limit       int
		format      string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored rate limit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(strings.TrimSpace(format))
			if format != formatTable && format != formatJSON {
				return fmt.Errorf("unsupported output format: %s", format)
			}

			endpoint = strings.TrimSpace(endpoint)
			if endpoint != "" {
				if err := security.ValidateEndpoint(endpoint); err != nil {
					return err
				}
			}

			limiter, err := openLimiter(cmd.Context(), e, nil, false)
			if err != nil {
				return err
			}
			defer limiter.Close() // nolint:errcheck // best-effort cleanup

			records, err := limiter.List(cmd.Context(), models.RateLimitQuery{
				Endpoint:    endpoint,
				Identifier:  strings.TrimSpace(identifier),
				ExpiredOnly: expiredOnly,
				Limit:       limit,
			})
			if err != nil {
				return err
			}

			if format == formatJSON {
				return writeRecordsJSON(cmd.OutOrStdout(), records)
			}
			return writeRecordsTable(cmd.OutOrStdout(), records, limiter.Now())
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "only records for this endpoint")
	cmd.Flags().StringVar(&identifier, "identifier", "", "only records for this identifier")
	cmd.Flags().BoolVar(&expiredOnly, "expired", false, "only records whose window has ended")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to show (0 = no limit)")
	cmd.Flags().StringVar(&format, "output-format", formatTable, "output format: table|json")
	return cmd
}

func newResetCmd(e *env) *cobra.Command {
	var endpoint, identifier string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the counter for one identifier and endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := security.ValidateEndpoint(endpoint); err != nil {
				return err
			}
			if strings.TrimSpace(identifier) == "" {
				return models.ErrEmptyIdentifier
			}

			limiter, err := openLimiter(cmd.Context(), e, nil, false)
			if err != nil {
				return err
			}
			defer limiter.Close() // nolint:errcheck // best-effort cleanup

			if err := limiter.Reset(cmd.Context(), identifier, endpoint); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Reset %s for %s\n", endpoint, identifier)
			return err
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "endpoint label, e.g. form or api")
	cmd.Flags().StringVar(&identifier, "identifier", "", "caller identity, usually an IP address")
	_ = cmd.MarkFlagRequired("endpoint")
	_ = cmd.MarkFlagRequired("identifier")
	return cmd
}

func writeRecordsJSON(w io.Writer, records []models.RateLimitRecord) error {
	payload, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(payload))
	return err
}

func writeRecordsTable(w io.Writer, records []models.RateLimitRecord, now time.Time) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "(no stored rate limit records)")
		return err
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Endpoint", "Identifier", "Count", "Reset At", "Status"})
	for _, r := range records {
		status := "active"
		if r.IsExpired(now) {
			status = "expired"
		}
		t.AppendRow(table.Row{
			r.Endpoint,
			r.Identifier,
			r.Count,
			r.ResetAt.UTC().Format(time.RFC3339),
			status,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d record(s)", len(records))})

	_, err := fmt.Fprintln(w, t.Render())
	return err
}
