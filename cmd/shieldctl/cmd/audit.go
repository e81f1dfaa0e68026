package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oarkflow/shield"
	"github.com/oarkflow/shield/stores"
)

var (
	auditPrincipal string
	auditKind      string
	auditLimit     int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show events stored by the index audit output",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx, false)
		if err != nil {
			return err
		}
		defer n.Close(ctx)
		trail, ok := n.Audit.(*shield.CompositeAuditTrail)
		if !ok {
			return errors.New("auditing is disabled")
		}
		var index *stores.SQLAuditOutput
		for _, o := range trail.Outputs() {
			if s, ok := o.(*stores.SQLAuditOutput); ok {
				index = s
			}
		}
		if index == nil {
			return errors.New("no index audit output configured")
		}
		events, err := index.Events(ctx, stores.AuditFilter{Principal: auditPrincipal, Kind: shield.AuditEventKind(auditKind), Limit: auditLimit})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, ev := range events {
			fmt.Fprintf(out, "%s %-28s principal=%s realm=%s action=%s indices=%s\n",
				ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.Principal, ev.Realm, ev.Action, strings.Join(ev.Indices, ","))
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditPrincipal, "principal", "", "Only events of this principal")
	auditCmd.Flags().StringVar(&auditKind, "kind", "", "Only events of this kind")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of events")
}
