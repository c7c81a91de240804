package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentcompany/agentcompany/internal/core"
)

var (
	startProjectID string
	listStatus     string
	statusJSON     bool
)

var startCmd = &cobra.Command{
	Use:   "start <instruction>",
	Short: "Start a new workflow from an instruction",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var wf core.Workflow
		err := newAPIClient().post("/api/v1/workflows", map[string]string{
			"instruction": args[0],
			"projectId":   startProjectID,
		}, &wf)
		if err != nil {
			return err
		}
		fmt.Printf("workflow %s started (run %s)\n", wf.WorkflowID, wf.RunID)
		return nil
	},
}

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List workflows",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		path := "/api/v1/workflows"
		if listStatus != "" {
			path += "?status=" + listStatus
		}
		var body struct {
			Workflows []core.RunInfo `json:"workflows"`
		}
		if err := newAPIClient().get(path, &body); err != nil {
			return err
		}
		if len(body.Workflows) == 0 {
			fmt.Println("no workflows")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tUPDATED")
		for _, info := range body.Workflows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				info.RunID, info.WorkflowID, info.Status,
				info.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show the full state of one workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var wf core.Workflow
		if err := newAPIClient().get("/api/v1/workflows/"+args[0], &wf); err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(&wf)
		}

		fmt.Printf("workflow:  %s\n", wf.WorkflowID)
		fmt.Printf("run:       %s\n", wf.RunID)
		fmt.Printf("project:   %s\n", wf.ProjectID)
		fmt.Printf("status:    %s\n", wf.Status)
		fmt.Printf("phase:     %s\n", wf.CurrentPhase)
		if wf.Progress != nil {
			done, total := 0, len(wf.Progress.Subtasks)
			for _, sub := range wf.Progress.Subtasks {
				if sub.Done() {
					done++
				}
			}
			fmt.Printf("subtasks:  %d/%d done\n", done, total)
		}
		if wf.Escalation != nil {
			fmt.Printf("escalation: task %s failed %d times: %s\n",
				wf.Escalation.TaskID, wf.Escalation.RetryCount, wf.Escalation.FailureDetails)
		}
		if len(wf.ErrorLog) > 0 {
			last := wf.ErrorLog[len(wf.ErrorLog)-1]
			fmt.Printf("last error: %s\n", last.Message)
		}
		return nil
	},
}

func init() {
	startCmd.Flags().StringVarP(&startProjectID, "project", "p", "", "project the workflow belongs to")
	_ = startCmd.MarkFlagRequired("project")
	workflowsCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON state")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(workflowsCmd)
	rootCmd.AddCommand(statusCmd)
}
