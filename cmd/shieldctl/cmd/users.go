package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/realms"
)

var (
	userPassword string
	userRoles    []string
	userFullName string
	userEmail    string
	userDisabled bool
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage native realm users",
}

var usersPutCmd = &cobra.Command{
	Use:   "put <username>",
	Short: "Create or update a native user and expire it from every realm cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx, true)
		if err != nil {
			return err
		}
		defer n.Close(ctx)
		if n.Users == nil {
			return errors.New("no database configured for native users")
		}
		if userPassword == "" {
			return errors.New("--password is required")
		}
		hash, err := realms.HashPassword(userPassword, 0)
		if err != nil {
			return err
		}
		enabled := !userDisabled
		u := &realms.User{Username: args[0], PasswordHash: hash, Roles: userRoles, FullName: userFullName, Email: userEmail, Enabled: &enabled}
		if err := n.Users.PutUser(ctx, u); err != nil {
			return err
		}
		return expireUser(cmd, n.Invalidation, args[0])
	},
}

var usersDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Delete a native user and expire it from every realm cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx, true)
		if err != nil {
			return err
		}
		defer n.Close(ctx)
		if n.Users == nil {
			return errors.New("no database configured for native users")
		}
		if err := n.Users.DeleteUser(ctx, args[0]); err != nil {
			return err
		}
		return expireUser(cmd, n.Invalidation, args[0])
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List native users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx, false)
		if err != nil {
			return err
		}
		defer n.Close(ctx)
		if n.Users == nil {
			return errors.New("no database configured for native users")
		}
		names, err := n.Users.ListUsers(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func expireUser(cmd *cobra.Command, svc *shield.CacheInvalidationService, username string) error {
	resp, err := svc.ClearCache(cmd.Context(), shield.ClearRealmCacheRequest{Usernames: []string{username}})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %s saved, caches cleared on %d node(s)\n", username, len(resp.Nodes)-len(resp.Failures()))
	return resp.Err()
}

func init() {
	usersPutCmd.Flags().StringVarP(&userPassword, "password", "p", "", "Password of the user")
	usersPutCmd.Flags().StringSliceVarP(&userRoles, "roles", "r", nil, "Roles of the user")
	usersPutCmd.Flags().StringVar(&userFullName, "full-name", "", "Full name")
	usersPutCmd.Flags().StringVar(&userEmail, "email", "", "Email address")
	usersPutCmd.Flags().BoolVar(&userDisabled, "disabled", false, "Store the user disabled")
	usersCmd.AddCommand(usersPutCmd, usersDeleteCmd, usersListCmd)
}
