package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"Dynaopt/internal/repo"

	"go.uber.org/zap"
)

const listLimit = 10

// Bot answers the operator chat: cancel buttons and the /runs command.
type Bot struct {
	Client  *Client
	AdminID int64
	Runs    repo.Repository
	Log     *zap.Logger
	// Wait is the long-poll timeout passed to getUpdates.
	Wait time.Duration
}

// Poll handles updates until ctx is done.
func (b *Bot) Poll(ctx context.Context) error {
	log := b.Log
	if log == nil {
		log = zap.NewNop()
	}
	offset := 0
	for {
		updates, err := b.Client.GetUpdates(ctx, offset, b.Wait)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Warn("getUpdates", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			if err := b.Handle(ctx, u); err != nil {
				log.Warn("handle update", zap.Int("update", u.UpdateID), zap.Error(err))
			}
		}
	}
}

func (b *Bot) Handle(ctx context.Context, u Update) error {
	switch {
	case u.CallbackQuery != nil:
		return b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.Chat.ID == b.AdminID:
		if strings.HasPrefix(strings.TrimSpace(u.Message.Text), "/runs") {
			return b.listRuns(ctx)
		}
	}
	return nil
}

func (b *Bot) handleCallback(ctx context.Context, cb *CallbackQuery) error {
	if cb.Message == nil || cb.Message.Chat.ID != b.AdminID {
		return b.Client.AnswerCallback(ctx, cb.ID, "Not allowed")
	}
	id, ok := strings.CutPrefix(cb.Data, CancelPrefix)
	if !ok || id == "" {
		return b.Client.AnswerCallback(ctx, cb.ID, "Unknown action")
	}

	run, err := b.Runs.GetRun(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return b.Client.AnswerCallback(ctx, cb.ID, "Run not found")
	}
	if err != nil {
		return err
	}
	if run.State.Done() {
		return b.Client.AnswerCallback(ctx, cb.ID, fmt.Sprintf("Already %s", run.State))
	}
	if err := b.Runs.RequestCancel(ctx, id); err != nil {
		return err
	}
	if err := b.Client.AnswerCallback(ctx, cb.ID, "Cancel requested"); err != nil {
		return err
	}
	return b.Client.EditMessage(ctx, cb.Message.Chat.ID, cb.Message.MessageID,
		fmt.Sprintf("Cancel requested for run %s", short(id)))
}

func (b *Bot) listRuns(ctx context.Context) error {
	runs, err := b.Runs.ListRuns(ctx, listLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err = b.Client.SendMessage(ctx, b.AdminID, "No runs yet")
		return err
	}
	var sb strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&sb, "%s %s iter=%d\n", short(r.ID), r.State, r.Iterations)
	}
	_, err = b.Client.SendMessage(ctx, b.AdminID, strings.TrimSpace(sb.String()))
	return err
}
