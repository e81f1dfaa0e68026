package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oarkflow/shield"
)

var (
	keyOut  string
	keyPath string
)

var syskeyCmd = &cobra.Command{
	Use:   "syskeygen",
	Short: "Generate a system key used to sign continuation tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := shield.GenerateSystemKey()
		if err != nil {
			return err
		}
		if err := shield.WriteSystemKey(keyOut, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "System key written to %s\n", keyOut)
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <text>",
	Short: "Sign text with the system key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guard, err := loadGuard()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), guard.Sign(args[0]))
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <signed>",
	Short: "Verify signed text and print its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		guard, err := loadGuard()
		if err != nil {
			return err
		}
		payload, err := guard.Verify(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), payload)
		return nil
	},
}

func loadGuard() (*shield.IntegrityGuard, error) {
	key, err := shield.LoadSystemKey(keyPath)
	if err != nil {
		return nil, err
	}
	return shield.NewIntegrityGuard(key, shield.WithLogger(cliLogger())), nil
}

func init() {
	syskeyCmd.Flags().StringVarP(&keyOut, "out", "o", "system_key", "Path of the generated key")
	for _, c := range []*cobra.Command{signCmd, verifyCmd} {
		c.Flags().StringVarP(&keyPath, "key", "k", "system_key", "System key file")
	}
}
