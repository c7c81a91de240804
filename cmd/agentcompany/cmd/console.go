package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentcompany/agentcompany/internal/approval"
	"github.com/agentcompany/agentcompany/internal/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive terminal for pending approvals",
	Long: `console opens a full-screen terminal UI that shows every approval
waiting on the principal, renders the proposal or deliverable, and lets
you approve, request revision or reject without leaving the terminal.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return console.Run(&consoleAPI{client: newAPIClient()})
	},
}

// consoleAPI adapts the JSON client to what the console needs.
type consoleAPI struct {
	client *apiClient
}

func (c *consoleAPI) Approvals() ([]approval.Pending, error) {
	var body struct {
		Approvals []approval.Pending `json:"approvals"`
	}
	if err := c.client.get("/api/v1/approvals", &body); err != nil {
		return nil, err
	}
	return body.Approvals, nil
}

func (c *consoleAPI) Decide(workflowID, action, feedback string) error {
	return c.client.post("/api/v1/workflows/"+workflowID+"/decisions", map[string]string{
		"action":    action,
		"feedback":  feedback,
		"decidedBy": "principal",
	}, nil)
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
