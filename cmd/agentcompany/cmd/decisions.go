package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentcompany/agentcompany/internal/approval"
)

var (
	decideFeedback  string
	decideBy        string
	rollbackPhase   string
	terminateReason string
)

var decideCmd = &cobra.Command{
	Use:   "decide <workflow-id> <approve|request_revision|reject>",
	Short: "Resolve a pending approval",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		err := newAPIClient().post("/api/v1/workflows/"+args[0]+"/decisions", map[string]string{
			"action":    args[1],
			"feedback":  decideFeedback,
			"decidedBy": decideBy,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Printf("decision %s submitted for %s\n", args[1], args[0])
		return nil
	},
}

var escalateCmd = &cobra.Command{
	Use:   "escalate <workflow-id> <retry|skip|abort>",
	Short: "Resolve a pending task escalation",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		err := newAPIClient().post("/api/v1/workflows/"+args[0]+"/escalations", map[string]string{
			"action":    args[1],
			"reason":    decideFeedback,
			"decidedBy": decideBy,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Printf("escalation %s submitted for %s\n", args[1], args[0])
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <workflow-id>",
	Short: "Move a workflow back to an earlier phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		err := newAPIClient().post("/api/v1/workflows/"+args[0]+"/rollback", map[string]string{
			"phase": rollbackPhase,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Printf("workflow %s rolled back to %s\n", args[0], rollbackPhase)
		return nil
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <workflow-id>",
	Short: "Terminate a running workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		err := newAPIClient().post("/api/v1/workflows/"+args[0]+"/terminate", map[string]string{
			"reason": terminateReason,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Printf("termination requested for %s\n", args[0])
		return nil
	},
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List approvals waiting on a principal",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		var body struct {
			Approvals []approval.Pending `json:"approvals"`
		}
		if err := newAPIClient().get("/api/v1/approvals", &body); err != nil {
			return err
		}
		if len(body.Approvals) == 0 {
			fmt.Println("no pending approvals")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WORKFLOW\tPHASE\tSINCE")
		for _, p := range body.Approvals {
			fmt.Fprintf(tw, "%s\t%s\t%s\n",
				p.WorkflowID, p.Phase, p.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

func init() {
	decideCmd.Flags().StringVarP(&decideFeedback, "feedback", "f", "", "feedback carried with the decision")
	decideCmd.Flags().StringVar(&decideBy, "by", "principal", "who is deciding")
	escalateCmd.Flags().StringVarP(&decideFeedback, "reason", "r", "", "reason for the decision")
	rollbackCmd.Flags().StringVar(&rollbackPhase, "phase", "proposal", "target phase")
	terminateCmd.Flags().StringVar(&terminateReason, "reason", "", "termination reason")

	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(escalateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(terminateCmd)
	rootCmd.AddCommand(approvalsCmd)
}
