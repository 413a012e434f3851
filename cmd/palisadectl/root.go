package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/palisade/internal/apiclient"
)

// rootOptions are the global flags.
type rootOptions struct {
	endpoint string
	token    string
	output   string
	network  string
	timeout  time.Duration
}

func (o *rootOptions) client() (*apiclient.Client, error) {
	return apiclient.New(o.endpoint, o.token, o.timeout)
}

func (o *rootOptions) jsonOutput() bool { return o.output == "json" }

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "palisadectl",
		Short: "Operate a palisade defense network",
		Long: `palisadectl talks to a palisade server's HTTP API.

Network:
  health       Network health summary
  nodes        Node states and trust
  route        Current path between two nodes
  ingest       Submit behavior records from a YAML or JSON file

Consensus:
  propose      Open a proposal
  vote         Vote on a proposal
  proposal     Show a proposal
  collusion    Suspected colluding voters
  stats        Consensus statistics

Quarantine:
  quarantine   Create, list, inspect and terminate environments

Audit:
  ledger       Query recorded lifecycle events
  events       Follow the live event stream

The endpoint and token default to PALISADE_ENDPOINT and PALISADE_TOKEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.output != "table" && opts.output != "json" {
				return fmt.Errorf("unknown output format %q (want table or json)", opts.output)
			}
			return nil
		},
	}

	endpoint := os.Getenv("PALISADE_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:8080"
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.endpoint, "endpoint", endpoint, "palisade server URL")
	pf.StringVar(&opts.token, "token", os.Getenv("PALISADE_TOKEN"), "bearer token for write operations")
	pf.StringVarP(&opts.output, "output", "o", "table", "output format (table, json)")
	pf.StringVar(&opts.network, "network", "", "network ID for topology commands (empty = primary)")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddGroup(
		&cobra.Group{ID: "network", Title: "Network:"},
		&cobra.Group{ID: "consensus", Title: "Consensus:"},
		&cobra.Group{ID: "quarantine", Title: "Quarantine:"},
		&cobra.Group{ID: "audit", Title: "Audit:"},
	)
	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			root.AddCommand(c)
		}
	}
	add("network", newHealthCmd(opts), newNodesCmd(opts), newRouteCmd(opts), newIngestCmd(opts))
	add("consensus", newProposeCmd(opts), newVoteCmd(opts), newProposalCmd(opts), newCollusionCmd(opts), newStatsCmd(opts))
	add("quarantine", newQuarantineCmd(opts))
	add("audit", newLedgerCmd(opts), newEventsCmd(opts))
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes tab separated rows aligned into columns.
func table(w io.Writer, header string, rows func(tw io.Writer)) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	rows(tw)
	return tw.Flush()
}

func ts(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
