// Package recovery repairs run state after a process restart. Any run
// persisted as queued or running cannot have a live goroutine behind it
// anymore, so it is failed with a recovered marker and its chat is told.
// Drafts are left untouched: they hold no execution state and remain
// confirmable.
package recovery

import (
	"context"
	"log/slog"

	"github.com/drojas/agentd"
)

// Run scans all persisted runs once and must complete before the HTTP
// surface starts serving. Returns the number of recovered runs.
func Run(ctx context.Context, runs agentd.PlanRunStore, state agentd.ChatStateRepo, chats agentd.ChatStore, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	all, err := runs.ListRuns(ctx)
	if err != nil {
		logger.Error("recovery: list runs failed", "err", err)
		return 0
	}

	recovered := 0
	for _, r := range all {
		if r.Status != agentd.RunQueued && r.Status != agentd.RunRunning {
			continue
		}
		recovered++

		if err := runs.UpdateRun(ctx, r.RunID, agentd.RunUpdate{
			Status:    agentd.Ptr(agentd.RunError),
			LastEvent: agentd.Ptr("recovered_after_reload"),
			Error:     agentd.Ptr("stopped by server restart"),
		}); err != nil {
			logger.Error("recovery: update run failed", "run_id", r.RunID, "err", err)
			continue
		}

		// active_run_id must never point at a run with no goroutine.
		st, err := state.GetState(ctx, r.ChatID)
		if err != nil {
			logger.Warn("recovery: read chat state failed", "chat_id", r.ChatID, "err", err)
		} else {
			u := agentd.ChatStateUpdate{}
			if st.ActiveRunID == r.RunID {
				u.ActiveRunID = agentd.Ptr("")
			}
			if st.PendingRunID == r.RunID {
				u.PendingRunID = agentd.Ptr("")
			}
			if u.ActiveRunID != nil || u.PendingRunID != nil {
				if err := state.SetState(ctx, r.ChatID, u); err != nil {
					logger.Warn("recovery: clear chat state failed", "chat_id", r.ChatID, "err", err)
				}
			}
		}

		notice := agentd.Envelope{
			Kind:   agentd.KindRunError,
			RunID:  r.RunID,
			Goal:   r.Goal,
			Detail: "stopped by server restart; confirm again to re-run",
			Status: agentd.RunError,
		}
		if err := chats.AddMessage(ctx, r.ChatID, "assistant", notice.Encode()); err != nil {
			logger.Warn("recovery: post notice failed", "chat_id", r.ChatID, "err", err)
		}

		logger.Info("recovered stale run", "run_id", r.RunID, "chat_id", r.ChatID, "was", r.Status)
	}

	logger.Info("recovery done", "recovered", recovered)
	return recovered
}
