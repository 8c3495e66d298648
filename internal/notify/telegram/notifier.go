package telegram

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"Dynaopt/internal/repo"
)

const CancelPrefix = "cancel:"

// Notifier posts finished runs to the operator chat.
type Notifier struct {
	Client *Client
	ChatID int64
}

func (n *Notifier) RunFinished(ctx context.Context, run repo.Run) error {
	_, err := n.Client.SendMessage(ctx, n.ChatID, FormatRun(run))
	return err
}

// RunStarted posts a message with a button that asks the bot to cancel the run.
func (n *Notifier) RunStarted(ctx context.Context, run repo.Run) error {
	text := fmt.Sprintf("Run %s started on %s", short(run.ID), filepath.Base(run.Config.MeshPath))
	_, err := n.Client.SendMessage(ctx, n.ChatID, text, Button{Text: "Cancel", CallbackData: CancelPrefix + run.ID})
	return err
}

func FormatRun(run repo.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %s\n", short(run.ID), run.State)
	fmt.Fprintf(&b, "Mesh: %s\n", filepath.Base(run.Config.MeshPath))
	fmt.Fprintf(&b, "Iterations: %d\n", run.Iterations)
	fmt.Fprintf(&b, "Final mesh: %s", filepath.Base(run.FinalMesh))
	if run.Message != "" {
		fmt.Fprintf(&b, "\n%s", run.Message)
	}
	return b.String()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
