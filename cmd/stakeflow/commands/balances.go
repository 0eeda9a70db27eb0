package commands

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"StakeFlow/internal/balance"
	"StakeFlow/internal/session"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var account string

// balances [--account 0x..]: refresh and print wallet balances and the
// stake position. Without --account the keystore account is used.
func balancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Show token balances and the stake position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			readOnly := account != ""
			if readOnly && !common.IsHexAddress(account) {
				return fmt.Errorf("invalid account %q", account)
			}

			ctx := cmd.Context()
			st, err := buildStack(ctx, readOnly, nil, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			target := st.account
			if readOnly {
				target = common.HexToAddress(account)
			}

			mgr := session.NewManager(st.orch, st.sync, logger)
			defer mgr.Close()

			sess, report, err := mgr.Connect(ctx, target)
			if err != nil {
				return err
			}
			view, err := sess.GetSnapshot()
			if err != nil {
				return err
			}

			printView(cmd.OutOrStdout(), view, st.sync)
			if !report.OK() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: refresh %s\n", report)
				for _, k := range report.FailedKeys() {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %v\n", k, report.Failed[k])
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account to inspect (read-only, no keystore needed)")
	return cmd
}

func printView(w io.Writer, v session.View, sync *balance.Synchronizer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "account\t%s\n", v.Account.Hex())

	keys := make([]string, 0, len(v.Balances))
	for k := range v.Balances {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b := v.Balances[k]
		fmt.Fprintf(tw, "%s\t%s\n", k, b.Formatted)
	}

	staked, reward := sync.FormatPosition(v.Position)
	if staked == "" {
		staked = "?"
	}
	if reward == "" {
		reward = "?"
	}
	fmt.Fprintf(tw, "staked\t%s\n", staked)
	fmt.Fprintf(tw, "reward\t%s\n", reward)
	tw.Flush()
}
