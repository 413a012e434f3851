package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/palisade/internal/consensus"
	"github.com/linnemanlabs/palisade/internal/node"
	"github.com/linnemanlabs/palisade/internal/quarantine"
)

func newProposeCmd(opts *rootOptions) *cobra.Command {
	var (
		proposer   string
		content    string
		target     string
		level      string
		confidence float64
		evidence   []string
	)
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Open a consensus proposal",
		Long: `Open a consensus proposal.

Either pass raw JSON content with --content, or describe a quarantine
action with --target and --level; a committed quarantine proposal creates
the environment.

Examples:
  palisadectl propose --proposer coord_1 --target agent_666 --level complete_isolation --confidence 0.9
  palisadectl propose --proposer coord_1 --content '{"action":"rotate_keys"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var payload json.RawMessage
			switch {
			case content != "" && target != "":
				return errors.New("--content and --target are mutually exclusive")
			case content != "":
				if !json.Valid([]byte(content)) {
					return errors.New("--content is not valid JSON")
				}
				payload = json.RawMessage(content)
			case target != "":
				l, err := quarantine.ParseLevel(level)
				if err != nil {
					return err
				}
				payload, err = json.Marshal(map[string]any{
					"action":          "quarantine",
					"target_agent":    target,
					"isolation_level": l,
					"evidence":        quarantine.Evidence{Confidence: confidence, Evidence: evidence},
				})
				if err != nil {
					return err
				}
			default:
				return errors.New("one of --content or --target is required")
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			id, err := c.Propose(cmd.Context(), node.ID(proposer), payload)
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]any{"proposal_id": id})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&proposer, "proposer", "", "proposing node ID")
	f.StringVar(&content, "content", "", "raw JSON proposal content")
	f.StringVar(&target, "target", "", "agent to quarantine")
	f.StringVar(&level, "level", "sandbox_execution", "isolation level for --target")
	f.Float64Var(&confidence, "confidence", 0.5, "evidence confidence for --target (0..1)")
	f.StringSliceVar(&evidence, "evidence", nil, "evidence notes for --target")
	_ = cmd.MarkFlagRequired("proposer")
	return cmd
}

func newVoteCmd(opts *rootOptions) *cobra.Command {
	var (
		voter  string
		reject bool
		reason string
	)
	cmd := &cobra.Command{
		Use:   "vote PROPOSAL_ID",
		Short: "Vote on a proposal (approve unless --reject)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			state, err := c.Vote(cmd.Context(), consensus.ProposalID(args[0]), node.ID(voter), !reject, reason)
			if err != nil {
				return err
			}
			if opts.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]any{"proposal_id": args[0], "state": state})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], state)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&voter, "voter", "", "voting node ID")
	f.BoolVar(&reject, "reject", false, "vote against the proposal")
	f.StringVar(&reason, "reason", "", "reason recorded with a rejection")
	_ = cmd.MarkFlagRequired("voter")
	return cmd
}

func newProposalCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "proposal PROPOSAL_ID",
		Short: "Show a proposal and its votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			p, err := c.Proposal(cmd.Context(), consensus.ProposalID(args[0]))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, p)
			}
			fmt.Fprintf(w, "ID:        %s\n", p.ID)
			fmt.Fprintf(w, "State:     %s\n", p.State)
			fmt.Fprintf(w, "Proposer:  %s\n", p.Proposer)
			fmt.Fprintf(w, "Created:   %s\n", ts(p.CreatedAt))
			fmt.Fprintf(w, "Decided:   %s\n", ts(p.DecidedAt))
			fmt.Fprintf(w, "Confirmed: %d/%d\n", len(p.Confirmations), p.RequiredConfirmations)
			fmt.Fprintf(w, "Content:   %s\n", p.Content)
			if p.AbortReason != "" {
				fmt.Fprintf(w, "Aborted:   %s\n", p.AbortReason)
			}
			votes := p.Votes()
			if len(votes) == 0 {
				return nil
			}
			fmt.Fprintln(w)
			return table(w, "VOTER\tVOTE\tREASON", func(tw io.Writer) {
				for _, id := range slices.Sorted(maps.Keys(votes)) {
					vote := "approve"
					if !votes[id] {
						vote = "reject"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", id, vote, p.Rejections[id])
				}
			})
		},
	}
}

func newCollusionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collusion",
		Short: "Show voter pairs with suspiciously correlated votes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			pairs, err := c.Collusion(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, pairs)
			}
			if len(pairs) == 0 {
				_, err := fmt.Fprintln(w, "no suspected collusion")
				return err
			}
			return table(w, "A\tB\tCORRELATION\tSAMPLES", func(tw io.Writer) {
				for _, p := range pairs {
					fmt.Fprintf(tw, "%s\t%s\t%.3f\t%d\n", p.A, p.B, p.Correlation, p.Samples)
				}
			})
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show consensus statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			s, err := c.ConsensusStats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if opts.jsonOutput() {
				return printJSON(w, s)
			}
			rows := [][2]string{
				{"attempts", fmt.Sprint(s.TotalAttempts)},
				{"committed", fmt.Sprint(s.Committed)},
				{"aborted", fmt.Sprint(s.Aborted)},
				{"success rate", fmt.Sprintf("%.1f%%", s.SuccessRate*100)},
				{"avg decision", fmt.Sprintf("%.2fs", s.AvgDecisionSeconds)},
				{"active proposals", fmt.Sprint(s.ActiveProposals)},
				{"nodes", fmt.Sprintf("%d (%d above participation threshold)", s.TotalNodes, s.NodesAboveThreshold)},
				{"average trust", fmt.Sprintf("%.3f", s.AverageTrust)},
				{"max tolerable faults", fmt.Sprint(s.MaxTolerableFaults)},
				{"resilient", fmt.Sprint(s.Resilient)},
				{"consensus capable", fmt.Sprint(s.ConsensusCapable)},
			}
			return table(w, "METRIC\tVALUE", func(tw io.Writer) {
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%s\n", r[0], strings.TrimSpace(r[1]))
				}
			})
		},
	}
}
