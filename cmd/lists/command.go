package lists

import (
	"fmt"

	"github.com/spf13/cobra"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"go.miloapis.com/email-provider-mailchimp/internal/cli"
	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

type options struct {
	configFile string
	listID     string
}

// lists returns a Lists client for the selected list, or the default one.
func (o *options) lists() (*mailchimp.Lists, error) {
	client, err := cli.NewClient(o.configFile)
	if err != nil {
		return nil, err
	}
	lists := client.Lists()
	if o.listID != "" {
		lists.SetListID(o.listID)
	}
	return lists, nil
}

// NewListsCommand returns the command group inspecting and editing Mailchimp lists.
func NewListsCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "lists",
		Short: "Inspect and edit Mailchimp lists",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logf.SetLogger(zap.New(zap.WriteTo(cmd.ErrOrStderr())))
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.listID, "list", "", "List id, defaults to the configured default list")

	cmd.AddCommand(newActivityCommand(opts))
	cmd.AddCommand(newAbuseReportsCommand(opts))
	cmd.AddCommand(newMemberInfoCommand(opts))
	cmd.AddCommand(newGroupingsCommand(opts))
	cmd.AddCommand(newSubscribeCommand(opts))
	cmd.AddCommand(newUnsubscribeCommand(opts))

	return cmd
}

func newActivityCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "activity",
		Short: "Show the daily activity of the list",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lists, err := opts.lists()
			if err != nil {
				return err
			}
			res, err := lists.Activity(cmd.Context())
			if err != nil {
				return err
			}
			return cli.PrintResult(cmd.OutOrStdout(), res)
		},
	}
}

func newAbuseReportsCommand(opts *options) *cobra.Command {
	var (
		start, limit int
		since        string
	)

	cmd := &cobra.Command{
		Use:   "abuse-reports",
		Short: "Show abuse reports filed against the list",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lists, err := opts.lists()
			if err != nil {
				return err
			}
			res, err := lists.AbuseReports(cmd.Context(), start, limit, since)
			if err != nil {
				return err
			}
			return cli.PrintResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().IntVar(&start, "start", 0, "Page to start from")
	cmd.Flags().IntVar(&limit, "limit", 500, "Reports per page")
	cmd.Flags().StringVar(&since, "since", "", "Only reports after this time, YYYY-MM-DD HH:ii:ss in GMT")

	return cmd
}

func newMemberInfoCommand(opts *options) *cobra.Command {
	var (
		emails     []string
		identifier string
	)

	cmd := &cobra.Command{
		Use:   "member-info",
		Short: "Show list members",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lists, err := opts.lists()
			if err != nil {
				return err
			}
			res, err := lists.MemberInfo(cmd.Context(), identifier, emails...)
			if err != nil {
				return err
			}
			return cli.PrintResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringSliceVar(&emails, "email", nil, "Member to show, repeatable")
	cmd.Flags().StringVar(&identifier, "identifier", mailchimp.IdentifierEmail, "How --email identifies members (email, euid, leid)")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newGroupingsCommand(opts *options) *cobra.Command {
	var counts bool

	cmd := &cobra.Command{
		Use:   "groupings",
		Short: "Show the interest groupings of the list",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lists, err := opts.lists()
			if err != nil {
				return err
			}
			res, err := lists.InterestGroupings(cmd.Context(), counts)
			if err != nil {
				return err
			}
			return cli.PrintResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().BoolVar(&counts, "counts", false, "Include subscriber counts")

	return cmd
}

func newSubscribeCommand(opts *options) *cobra.Command {
	var (
		email, firstName, lastName string
		doubleOptin, sendWelcome   bool
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe an address to the list",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lists, err := opts.lists()
			if err != nil {
				return err
			}

			subscribeOpts := mailchimp.DefaultSubscribeOptions()
			subscribeOpts.DoubleOptin = doubleOptin
			subscribeOpts.SendWelcome = sendWelcome

			res, err := lists.
				AddMergeVars(mailchimp.MergeVars{"FNAME": firstName, "LNAME": lastName}).
				Subscribe(cmd.Context(), email, mailchimp.IdentifierEmail, subscribeOpts)
			if err != nil {
				return err
			}
			return cli.PrintResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Address to subscribe")
	cmd.Flags().StringVar(&firstName, "first-name", "", "FNAME merge value")
	cmd.Flags().StringVar(&lastName, "last-name", "", "LNAME merge value")
	cmd.Flags().BoolVar(&doubleOptin, "double-optin", true, "Send the opt-in confirmation mail")
	cmd.Flags().BoolVar(&sendWelcome, "send-welcome", false, "Send the welcome mail")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newUnsubscribeCommand(opts *options) *cobra.Command {
	var (
		email                                 string
		deleteMember, sendGoodbye, sendNotify bool
	)

	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Unsubscribe an address from the list",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lists, err := opts.lists()
			if err != nil {
				return err
			}

			if _, err := lists.Unsubscribe(cmd.Context(), email, mailchimp.IdentifierEmail, mailchimp.UnsubscribeOptions{
				DeleteMember: deleteMember,
				SendGoodbye:  sendGoodbye,
				SendNotify:   sendNotify,
			}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s unsubscribed from %s\n", email, lists.ListID())
			return nil
		},
	}

	defaults := mailchimp.DefaultUnsubscribeOptions()
	cmd.Flags().StringVar(&email, "email", "", "Address to unsubscribe")
	cmd.Flags().BoolVar(&deleteMember, "delete", defaults.DeleteMember, "Delete the member instead of marking it unsubscribed")
	cmd.Flags().BoolVar(&sendGoodbye, "send-goodbye", defaults.SendGoodbye, "Send the goodbye mail")
	cmd.Flags().BoolVar(&sendNotify, "send-notify", defaults.SendNotify, "Notify the list owner")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}
