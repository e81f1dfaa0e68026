package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oarkflow/shield"
)

var (
	clearRealms    []string
	clearUsernames []string
)

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Clear realm caches on every node of the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx, true)
		if err != nil {
			return err
		}
		defer n.Close(ctx)
		resp, err := n.Invalidation.ClearCache(ctx, shield.ClearRealmCacheRequest{Realms: clearRealms, Usernames: clearUsernames})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, nr := range resp.Nodes {
			if nr.OK {
				fmt.Fprintf(out, "%-20s ok\n", nr.NodeID)
				continue
			}
			fmt.Fprintf(out, "%-20s failed: %s\n", nr.NodeID, nr.Error)
		}
		return resp.Err()
	},
}

func init() {
	clearCacheCmd.Flags().StringSliceVar(&clearRealms, "realms", nil, "Realms to clear, all cacheable realms when empty")
	clearCacheCmd.Flags().StringSliceVar(&clearUsernames, "usernames", nil, "Users to expire, the whole cache when empty")
}
