package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/palisade/internal/ingest"
	"github.com/linnemanlabs/palisade/internal/node"
)

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show network health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			h, err := c.NetworkHealth(cmd.Context(), opts.network)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, h)
			}
			return table(w, "NODES\tHEALTHY\tSUSPICIOUS\tQUARANTINED\tISOLATED\tRECOVERING\tEFFICIENCY\tADAPTATIONS", func(tw io.Writer) {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%.2f\t%d\n",
					h.TotalNodes, h.Healthy, h.Suspicious, h.Quarantined, h.Isolated, h.Recovering, h.Efficiency, h.AdaptationEvents)
			})
		},
	}
}

func newNodesCmd(opts *rootOptions) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List nodes with their state and trust",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			nodes, err := c.Nodes(cmd.Context(), opts.network)
			if err != nil {
				return err
			}
			if state != "" {
				kept := nodes[:0]
				for _, n := range nodes {
					if string(n.State) == state {
						kept = append(kept, n)
					}
				}
				nodes = kept
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, nodes)
			}
			return table(w, "ID\tSTATE\tTRUST\tLOAD\tROLES\tQUARANTINES", func(tw io.Writer) {
				for _, n := range nodes {
					roles := make([]string, len(n.Roles))
					for i, r := range n.Roles {
						roles[i] = string(r)
					}
					fmt.Fprintf(tw, "%s\t%s\t%.3f\t%.2f\t%s\t%d/%d\n",
						n.ID, n.State, n.Trust.Overall, n.AvgLoad(), strings.Join(roles, ","), len(n.ActiveQuarantines), n.MaxQuarantines)
				}
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only nodes in this state")
	return cmd
}

func newRouteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "route SRC DST",
		Short: "Show the current route between two nodes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			path, err := c.Route(cmd.Context(), opts.network, node.ID(args[0]), node.ID(args[1]))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, map[string]any{"path": path, "found": len(path) > 0})
			}
			if len(path) == 0 {
				_, err := fmt.Fprintf(w, "no route from %s to %s\n", args[0], args[1])
				return err
			}
			hops := make([]string, len(path))
			for i, id := range path {
				hops[i] = string(id)
			}
			_, err = fmt.Fprintln(w, strings.Join(hops, " -> "))
			return err
		},
	}
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest FILE",
		Short: "Submit behavior records from a YAML or JSON file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			recs, err := ingest.ParseRecords(r)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return fmt.Errorf("%s holds no records", args[0])
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.IngestSignals(cmd.Context(), recs)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, res)
			}
			fmt.Fprintf(w, "accepted %d, ignored %d, rejected %d\n", res.Accepted, res.Ignored, len(res.Rejected))
			for _, rej := range res.Rejected {
				fmt.Fprintf(w, "  record %d: %s: %s\n", rej.Index, rej.Reason, rej.Error)
			}
			for id, a := range res.Adapted {
				if len(a.Isolated)+len(a.Quarantined)+len(a.Suspicious)+len(a.Cleared) == 0 {
					continue
				}
				fmt.Fprintf(w, "  network %s: isolated %v, quarantined %v, suspicious %v, cleared %v\n",
					id, a.Isolated, a.Quarantined, a.Suspicious, a.Cleared)
			}
			return nil
		},
	}
}
