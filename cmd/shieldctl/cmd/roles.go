package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oarkflow/shield"
)

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Inspect and manage roles",
}

var rolesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the effective roles of every layer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx, false)
		if err != nil {
			return err
		}
		defer n.Close(ctx)
		roles, err := wait(ctx, func(cb func([]*shield.RoleDescriptor, error)) { n.Roles.ResolveAll(ctx, cb) })
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, d := range roles {
			layer := "native"
			if shield.IsReserved(d.Name) {
				layer = "reserved"
			} else if _, ok := n.FileRoles.Get(d.Name); ok {
				layer = "file"
			}
			fmt.Fprintf(out, "%-24s %-8s cluster=%v indices=%d run_as=%v\n", d.Name, layer, d.Cluster, len(d.Indices), d.RunAs)
		}
		return nil
	},
}

var rolesPutCmd = &cobra.Command{
	Use:   "put <name> <descriptor-json>",
	Short: "Store a role in the native layer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx, true)
		if err != nil {
			return err
		}
		defer n.Close(ctx)
		if n.NativeRoles == nil {
			return errors.New("no database configured for native roles")
		}
		d := &shield.RoleDescriptor{}
		if err := json.Unmarshal([]byte(args[1]), d); err != nil {
			return fmt.Errorf("decode role: %w", err)
		}
		d.Name = args[0]
		if err := n.NativeRoles.PutRole(ctx, d); err != nil {
			return err
		}
		return clearRole(cmd, n.Invalidation, d.Name, "stored")
	},
}

var rolesDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a role from the native layer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx, true)
		if err != nil {
			return err
		}
		defer n.Close(ctx)
		if n.NativeRoles == nil {
			return errors.New("no database configured for native roles")
		}
		if err := n.NativeRoles.DeleteRole(ctx, args[0]); err != nil {
			return err
		}
		return clearRole(cmd, n.Invalidation, args[0], "deleted")
	},
}

func clearRole(cmd *cobra.Command, svc *shield.CacheInvalidationService, name, verb string) error {
	resp, err := svc.ClearRolesCache(cmd.Context(), shield.ClearRolesCacheRequest{Names: []string{name}})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Role %s %s, caches cleared on %d node(s)\n", name, verb, len(resp.Nodes)-len(resp.Failures()))
	return resp.Err()
}

func init() {
	rolesCmd.AddCommand(rolesListCmd, rolesPutCmd, rolesDeleteCmd)
}
