package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/oarkflow/shield"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Build every configured component and report the realm chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx, false)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		defer n.Close(ctx)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration is valid\n")
		fmt.Fprintf(out, "  Node:    %s\n", n.Name)
		fmt.Fprintf(out, "  Signing: %v\n", n.Guard.Enabled())
		fmt.Fprintf(out, "  Realms:\n")
		for _, r := range n.Chain.Realms() {
			fmt.Fprintf(out, "    %-16s type=%-8s order=%d\n", r.Name(), r.Type(), r.Order())
		}

		usage := n.Chain.UsageStats()
		types := make([]string, 0, len(usage))
		for t := range usage {
			types = append(types, t)
		}
		sort.Strings(types)
		fmt.Fprintf(out, "  Realm types:\n")
		for _, t := range types {
			u := usage[t]
			fmt.Fprintf(out, "    %-8s enabled=%v available=%v\n", t, u.Enabled, u.Available)
		}

		stats, err := wait(ctx, func(cb func(shield.RoleUsage, error)) { n.Roles.UsageStats(ctx, cb) })
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  Roles: reserved=%d file=%d native=%d\n", stats.Reserved, stats.File, stats.Native)
		if files := n.Chain.FilesToWatch(); len(files) > 0 {
			fmt.Fprintf(out, "  Watched files:\n")
			for _, f := range files {
				fmt.Fprintf(out, "    %s\n", f)
			}
		}
		return nil
	},
}
