package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oarkflow/shield"
)

var (
	authzUser     string
	authzPassword string
	authzBearer   string
	authzRunAs    string
	authzIndices  []string
)

var authorizeCmd = &cobra.Command{
	Use:   "authorize <action>",
	Short: "Run a request through the security filter and print the decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx, false)
		if err != nil {
			return err
		}
		defer n.Close(ctx)

		req := &shield.Request{Action: args[0], Indices: authzIndices, Origin: "shieldctl", RunAs: authzRunAs}
		switch {
		case authzBearer != "":
			req.Token = &shield.BearerToken{Value: authzBearer}
		case authzUser != "":
			req.Token = shield.NewUsernamePasswordToken(authzUser, authzPassword)
		}
		_, err = n.Filter.Apply(ctx, req, func(_ context.Context, id *shield.Identity, _ *shield.Request) (*shield.Response, error) {
			eff := id.Effective()
			fmt.Fprintf(cmd.OutOrStdout(), "granted: principal=%s realm=%s roles=%v\n", eff.Principal(), eff.Realm(), eff.Roles())
			return &shield.Response{}, nil
		})
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "rejected (%d): %v\n", shield.RejectionStatus(err), err)
			return err
		}
		return nil
	},
}

func init() {
	authorizeCmd.Flags().StringVarP(&authzUser, "user", "u", "", "Username")
	authorizeCmd.Flags().StringVarP(&authzPassword, "password", "p", "", "Password")
	authorizeCmd.Flags().StringVar(&authzBearer, "bearer", "", "Bearer token")
	authorizeCmd.Flags().StringVar(&authzRunAs, "run-as", "", "Run the request as this user")
	authorizeCmd.Flags().StringSliceVarP(&authzIndices, "indices", "i", nil, "Indices the request touches")
}
