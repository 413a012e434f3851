package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/palisade/internal/quarantine"
)

func newQuarantineCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "quarantine",
		Aliases: []string{"q"},
		Short:   "Manage quarantine environments",
	}
	cmd.AddCommand(
		newQuarantineCreateCmd(opts),
		newQuarantineListCmd(opts),
		newQuarantineGetCmd(opts),
		newQuarantineTerminateCmd(opts),
		newQuarantineStatsCmd(opts),
	)
	return cmd
}

func newQuarantineCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		level      string
		confidence float64
		evidence   []string
		replicas   int
		proposal   string
	)
	cmd := &cobra.Command{
		Use:   "create TARGET",
		Short: "Quarantine an agent directly, bypassing consensus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := quarantine.ParseLevel(level)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.CreateQuarantine(cmd.Context(), quarantine.Request{
				TargetAgent: args[0],
				Level:       l,
				Evidence:    quarantine.Evidence{Confidence: confidence, Evidence: evidence},
				Replicas:    replicas,
				ProposalID:  proposal,
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, res)
			}
			fmt.Fprintln(w, res.ID)
			for _, id := range slices.Sorted(maps.Keys(res.FailedNodes)) {
				fmt.Fprintf(w, "  %s failed to initialize: %s\n", id, res.FailedNodes[id])
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&level, "level", "sandbox_execution", "isolation level")
	f.Float64Var(&confidence, "confidence", 0.5, "evidence confidence (0..1)")
	f.StringSliceVar(&evidence, "evidence", nil, "evidence notes")
	f.IntVar(&replicas, "replicas", 0, "non-coordinator participants (0 = server default)")
	f.StringVar(&proposal, "proposal-id", "", "committed proposal this quarantine enacts")
	return cmd
}

func newQuarantineListCmd(opts *rootOptions) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List quarantine environments",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			envs, err := c.Quarantines(cmd.Context(), target)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, envs)
			}
			return table(w, "ID\tTARGET\tLEVEL\tSTATE\tCOORDINATOR\tPARTICIPANTS\tEFFECTIVENESS\tCREATED", func(tw io.Writer) {
				for _, e := range envs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%.2f\t%s\n",
						e.ID, e.TargetAgent, e.Level, e.State, e.Coordinator, len(e.Participants), e.Health.Effectiveness, ts(e.CreatedAt))
				}
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "only environments holding this agent")
	return cmd
}

func newQuarantineGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one quarantine environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			e, err := c.Quarantine(cmd.Context(), quarantine.ID(args[0]))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, e)
			}
			fmt.Fprintf(w, "ID:           %s\n", e.ID)
			fmt.Fprintf(w, "Target:       %s\n", e.TargetAgent)
			fmt.Fprintf(w, "Level:        %s\n", e.Level)
			fmt.Fprintf(w, "State:        %s\n", e.State)
			fmt.Fprintf(w, "Coordinator:  %s\n", e.Coordinator)
			if e.ProposalID != "" {
				fmt.Fprintf(w, "Proposal:     %s\n", e.ProposalID)
			}
			fmt.Fprintf(w, "Confidence:   %.2f\n", e.Evidence.Confidence)
			fmt.Fprintf(w, "Allocation:   %.2f cpu, %.0f MB per node\n", e.Allocation.CPU, e.Allocation.MemoryMB)
			fmt.Fprintf(w, "Health:       effectiveness %.2f, efficiency %.2f, coverage %.2f\n",
				e.Health.Effectiveness, e.Health.Efficiency, e.Health.Coverage)
			fmt.Fprintf(w, "Created:      %s\n", ts(e.CreatedAt))
			fmt.Fprintf(w, "Last check:   %s\n", ts(e.LastHealthCheck))
			if len(e.FailedNodes) > 0 {
				failed := make([]string, len(e.FailedNodes))
				for i, id := range e.FailedNodes {
					failed[i] = string(id)
				}
				fmt.Fprintf(w, "Failed nodes: %s\n", strings.Join(failed, ", "))
			}
			fmt.Fprintln(w)
			return table(w, "PARTICIPANT\tROLE", func(tw io.Writer) {
				for _, id := range e.Participants {
					role, _ := e.RoleOf(id)
					fmt.Fprintf(tw, "%s\t%s\n", id, role)
				}
			})
		},
	}
}

func newQuarantineTerminateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "terminate ID",
		Aliases: []string{"rm"},
		Short:   "Terminate a quarantine environment",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.TerminateQuarantine(cmd.Context(), quarantine.ID(args[0])); err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": args[0], "terminated": true})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "terminated %s\n", args[0])
			return err
		},
	}
}

func newQuarantineStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show quarantine statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			s, err := c.QuarantineStats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, s)
			}
			fmt.Fprintf(w, "total %d, active %d, failed creations %d\n", s.TotalQuarantines, s.ActiveQuarantines, s.FailedCreations)
			fmt.Fprintf(w, "avg utilization %.2f, avg effectiveness %.2f\n", s.AvgUtilization, s.AvgIsolationEffectiveness)
			if len(s.ByLevel) == 0 {
				return nil
			}
			return table(w, "LEVEL\tACTIVE", func(tw io.Writer) {
				for _, l := range slices.Sorted(maps.Keys(s.ByLevel)) {
					fmt.Fprintf(tw, "%s\t%d\n", l, s.ByLevel[l])
				}
			})
		},
	}
}
