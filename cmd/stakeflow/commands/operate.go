package commands

import (
	"fmt"
	"io"
	"time"

	"StakeFlow/internal/core"
	"StakeFlow/internal/session"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var requestID string

// stake <amount> | withdraw <amount|max> | harvest: run one operation
// for the keystore account and wait for it to finish.
func operationCmd(name string) *cobra.Command {
	kind, _ := core.ParseKind(name)

	cmd := &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Run a %s and wait for confirmation", name),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var amount string
			if kind.NeedsAmount() {
				amount = args[0]
			}
			req, err := core.ParseRequest(requestID, kind, amount)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			st, err := buildStack(ctx, false, nil, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			mgr := session.NewManager(st.orch, st.sync, logger, st.account)
			defer mgr.Close()

			sess, report, err := mgr.Connect(ctx, st.account)
			if err != nil {
				return err
			}
			if !report.OK() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: initial refresh %s\n", report)
			}

			stderr := cmd.ErrOrStderr()
			if _, err := sess.OnStateChange(func(s core.State) { printPhase(stderr, s) }); err != nil {
				return err
			}

			res, err := sess.Submit(ctx, req)
			if err != nil {
				return fmt.Errorf("%s failed (%s): %w", name, core.Classify(err), err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s succeeded in %s\n", res.Kind, res.RequestID, res.Duration.Round(time.Millisecond))
			for _, r := range res.Receipts {
				fmt.Fprintf(out, "  tx %s block %d\n", r.TxHash.Hex(), r.BlockNumber)
			}
			if !res.Refresh.OK() {
				fmt.Fprintf(out, "  balances %s\n", res.Refresh)
			}

			view, err := sess.GetSnapshot()
			if err != nil {
				return err
			}
			printView(out, view, st.sync)
			return nil
		},
	}
	switch {
	case kind == core.KindWithdraw:
		cmd.Use = name + " <amount|max>"
		cmd.Args = cobra.ExactArgs(1)
	case kind.NeedsAmount():
		cmd.Use = name + " <amount>"
		cmd.Args = cobra.ExactArgs(1)
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "request ID (UUID); generated when empty")
	return cmd
}

func printPhase(w io.Writer, s core.State) {
	line := fmt.Sprintf("-> %s", s.Phase)
	if s.TxHash != (common.Hash{}) {
		line += " " + s.TxHash.Hex()
	}
	if s.Err != nil {
		line += " error: " + s.Err.Error()
	}
	fmt.Fprintln(w, line)
}
