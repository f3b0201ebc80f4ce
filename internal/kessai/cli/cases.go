package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Treynis/ejbca/internal/kessai/api"
	"github.com/Treynis/ejbca/internal/kessai/approvals"
	"github.com/Treynis/ejbca/internal/kessai/client"
)

func (c *cli) casesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cases",
		Aliases: []string{"case"},
		Short:   "List and inspect approval requests",
	}

	var opts client.ListOptions
	list := &cobra.Command{
		Use:   "list",
		Short: "List approval requests, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			cases, err := cl.ListCases(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(cases)
			}
			return c.printCaseTable(cases)
		},
	}
	list.Flags().StringVar(&opts.Status, "status", "", "only cases with this stored status")
	list.Flags().IntVar(&opts.CAID, "ca", 0, "only cases for this CA id")
	list.Flags().StringVar(&opts.ProfileID, "profile", "", "only cases using this approval profile")
	list.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of cases")

	show := &cobra.Command{
		Use:   "show CASE_ID",
		Short: "Show one approval request with its votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			view, err := cl.GetCase(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(view)
			}
			return c.printCase(view)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func (c *cli) printCaseTable(cases []api.CaseView) error {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROFILE\tCA\tREQUESTED\tSUMMARY")
	for _, v := range cases {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			v.ID, v.Status, v.ProfileID, v.CAID, v.RequestedAt.Format(time.RFC3339), v.Summary)
	}
	return tw.Flush()
}

func (c *cli) printCase(v *api.CaseView) error {
	fmt.Fprintf(c.out, "Case:      %s\n", v.ID)
	fmt.Fprintf(c.out, "Status:    %s\n", v.Status)
	fmt.Fprintf(c.out, "Action:    %s\n", v.Summary)
	fmt.Fprintf(c.out, "Profile:   %s\n", v.ProfileID)
	fmt.Fprintf(c.out, "Requester: %s\n", v.Action.Requester)
	if v.Action.Editor != nil {
		fmt.Fprintf(c.out, "Editor:    %s\n", *v.Action.Editor)
	}
	fmt.Fprintf(c.out, "Requested: %s\n", v.RequestedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "Expires:   %s\n", v.ExpiresAt.Format(time.RFC3339))
	if len(v.Votes)+len(v.OldVotes) == 0 {
		fmt.Fprintln(c.out, "Votes:     none")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSTEP\tPARTITION\tDECISION\tADMIN\tCAST\tNOTE")
	for _, group := range []struct {
		votes []approvals.Vote
		note  string
	}{{v.Votes, ""}, {v.OldVotes, "before edit"}} {
		for _, vote := range group.votes {
			decision := "approved"
			if !vote.Accepted {
				decision = "rejected"
			}
			note := group.note
			if vote.Comment != "" {
				note = vote.Comment
			}
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", vote.StepID, vote.PartitionID, decision,
				vote.Admin, vote.CastAt.Format(time.RFC3339), note)
		}
	}
	return tw.Flush()
}

func voteFlags(cmd *cobra.Command, v *api.VoteRequest) {
	cmd.Flags().IntVar(&v.StepID, "step", 1, "approval step")
	cmd.Flags().IntVar(&v.PartitionID, "partition", 1, "partition within the step")
	cmd.Flags().StringVarP(&v.Comment, "comment", "m", "", "comment stored with the vote")
}

func (c *cli) approveCommand() *cobra.Command {
	var vote api.VoteRequest
	cmd := &cobra.Command{
		Use:   "approve CASE_ID",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			res, err := cl.Approve(cmd.Context(), args[0], vote)
			if err != nil {
				return err
			}
			return c.printVote(res)
		},
	}
	voteFlags(cmd, &vote)
	return cmd
}

func (c *cli) rejectCommand() *cobra.Command {
	var vote api.VoteRequest
	cmd := &cobra.Command{
		Use:   "reject CASE_ID",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if vote.Comment == "" {
				return fmt.Errorf("a rejection needs --comment")
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			res, err := cl.Reject(cmd.Context(), args[0], vote)
			if err != nil {
				return err
			}
			return c.printVote(res)
		},
	}
	voteFlags(cmd, &vote)
	return cmd
}

func (c *cli) printVote(res *api.VoteResponse) error {
	if c.jsonOutput() {
		return c.printJSON(res)
	}
	if res.Resolved {
		fmt.Fprintf(c.out, "Case %s resolved: %s\n", res.Case.ID, res.Case.Status)
		return nil
	}
	fmt.Fprintf(c.out, "Vote recorded on %s; %d more approval(s) needed\n", res.Case.ID, res.Remaining)
	return nil
}

func (c *cli) submitCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit -f REQUEST.json",
		Short: "Open a new approval request",
		Long: `Open a new approval request from a JSON document of the form

  {"profile_id": "two-step", "ca_id": 3, "ttl": "8h",
   "action": {"kind": "activate_ca_key", "executable": true,
              "activate_ca_key": {"ca_id": 3, "authentication_code": "..."}}}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req api.SubmitRequest
			if err := readJSONFile(file, &req); err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			view, err := cl.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(view)
			}
			fmt.Fprintf(c.out, "Submitted case %s (expires %s)\n", view.ID, view.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "request document ('-' for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) editCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "edit CASE_ID -f ACTION.json",
		Short: "Replace the action of a pending request",
		Long: `Replace the action of a pending request. Votes cast so far are kept as
history and their authors cannot vote again; you cannot vote on the edited
request yourself.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var action approvals.GatedAction
			if err := readJSONFile(file, &action); err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			view, err := cl.Edit(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(view)
			}
			fmt.Fprintf(c.out, "Case %s replaced by %s\n", args[0], view.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "action document ('-' for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readJSONFile(path string, into any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = readAllStdin()
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
