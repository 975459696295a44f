package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/store"
)

// The signal commands do not talk to the engine: they append a row to the
// session's signal queue and exit. The engine process polls the queue and
// applies pause, resume and cancel at its next safe point, which is what
// makes the commands work across process boundaries.

func (a *App) newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <session-id>",
		Short: "Pause a session after its in-flight tasks finish",
		Args:  exactArgs(1, "pause <session-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSignal(cmd.Context(), "pause", store.SignalPause, args[0])
		},
	}
}

func (a *App) newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a paused session",
		Args:  exactArgs(1, "resume <session-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSignal(cmd.Context(), "resume", store.SignalResume, args[0])
		},
	}
}

func (a *App) newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session and terminate its workers",
		Args:  exactArgs(1, "cancel <session-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSignal(cmd.Context(), "cancel", store.SignalCancel, args[0])
		},
	}
}

func (a *App) runSignal(ctx context.Context, verb, signal, sessionID string) error {
	st, err := store.Open(ctx, a.cfg.Database.Path, a.log)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case store.SessionComplete, store.SessionCancelled:
		return errors.IllegalStatef("session %s is already %s", sessionID, sess.Status)
	}

	sig, err := st.EnqueueSignal(ctx, sessionID, signal)
	if err != nil {
		return err
	}
	a.out.Emit("session:"+verb+":queued", map[string]any{
		"session_id": sessionID,
		"signal":     signal,
		"signal_id":  sig.ID,
	}, "%s queued for session %s", verb, sessionID)
	return nil
}
