package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/palisade/internal/events"
	"github.com/linnemanlabs/palisade/internal/ledger"
)

func newLedgerCmd(opts *rootOptions) *cobra.Command {
	var (
		kind, nodeID, proposal, quarantineID, since string
		limit                                       int
	)
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query recorded lifecycle events",
		Example: `  palisadectl ledger --kind quarantine_created --since 1h
  palisadectl ledger --node agent_666 --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := ledger.Query{
				Kind:         events.Kind(kind),
				NodeID:       nodeID,
				ProposalID:   proposal,
				QuarantineID: quarantineID,
				Limit:        limit,
			}
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				q.Since = t
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			evs, err := c.Ledger(cmd.Context(), q)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, evs)
			}
			return table(w, "TIME\tKIND\tNODE\tPROPOSAL\tQUARANTINE\tDETAIL", func(tw io.Writer) {
				for _, e := range evs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						ts(e.Time), e.Kind, dash(e.NodeID), dash(e.ProposalID), dash(e.QuarantineID), detail(e.Detail))
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "", "only events of this kind")
	f.StringVar(&nodeID, "node", "", "only events about this node")
	f.StringVar(&proposal, "proposal", "", "only events about this proposal")
	f.StringVar(&quarantineID, "quarantine", "", "only events about this quarantine")
	f.StringVar(&since, "since", "", "only events after this time (duration like 1h, or RFC3339)")
	f.IntVar(&limit, "limit", 0, "maximum events to return (0 = server default)")
	return cmd
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the live event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ks := make([]events.Kind, len(kinds))
			for i, k := range kinds {
				ks[i] = events.Kind(k)
			}
			w := cmd.OutOrStdout()
			return c.Stream(cmd.Context(), ks, func(e events.Event) error {
				if opts.jsonOutput() {
					return printJSON(w, e)
				}
				subject := e.QuarantineID
				if subject == "" {
					subject = e.ProposalID
				}
				if subject == "" {
					subject = e.NodeID
				}
				_, err := fmt.Fprintf(w, "%s  %-24s %s %s\n", e.Time.Local().Format(time.TimeOnly), e.Kind, dash(subject), detail(e.Detail))
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "only these event kinds")
	return cmd
}

// parseSince accepts a lookback duration or an absolute RFC3339 time.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since %q: duration must be positive", s)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since %q: want a duration or RFC3339 time", s)
	}
	return t, nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func detail(d map[string]any) string {
	if len(d) == 0 {
		return ""
	}
	parts := make([]string, 0, len(d))
	for _, k := range slices.Sorted(maps.Keys(d)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d[k]))
	}
	return strings.Join(parts, " ")
}
