package templates

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"go.miloapis.com/email-provider-mailchimp/internal/cli"
	"go.miloapis.com/email-provider-mailchimp/internal/templates"
	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

// NewTemplatesCommand returns the command group managing Mailchimp user templates.
func NewTemplatesCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage Mailchimp user templates",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logf.SetLogger(zap.New(zap.WriteTo(cmd.ErrOrStderr())))
		},
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML configuration file")

	cmd.AddCommand(newPushCommand(&configFile))
	cmd.AddCommand(newDeleteCommand(&configFile))
	cmd.AddCommand(newListCommand(&configFile))
	cmd.AddCommand(newInfoCommand(&configFile))

	return cmd
}

func newPushCommand(configFile *string) *cobra.Command {
	var name, file, dataFile string

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Render a Liquid template and create or update it on Mailchimp",
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read template: %w", err)
			}
			data, err := templates.LoadData(dataFile)
			if err != nil {
				return err
			}

			client, err := cli.NewClient(*configFile)
			if err != nil {
				return err
			}

			res, err := templates.NewPublisher(client).Publish(cmd.Context(), name, string(source), data)
			if err != nil {
				return err
			}

			action := "updated"
			if res.Created {
				action = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "template %q %s (id %d)\n", name, action, res.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Template name")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Liquid template file")
	cmd.Flags().StringVar(&dataFile, "data", "", "YAML file with template bindings")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newDeleteCommand(configFile *string) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a user template by name",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cli.NewClient(*configFile)
			if err != nil {
				return err
			}

			deleted, err := templates.NewPublisher(client).Remove(cmd.Context(), name)
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("template %q not found", name)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "template %q deleted\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Template name")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newListCommand(configFile *string) *cobra.Command {
	var gallery, inactive bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cli.NewClient(*configFile)
			if err != nil {
				return err
			}

			res, err := client.Templates().ListAll(cmd.Context(),
				mailchimp.TemplateTypes{User: true, Gallery: gallery},
				mailchimp.TemplateFilters{IncludeInactive: inactive},
			)
			if err != nil {
				return err
			}
			return cli.PrintResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().BoolVar(&gallery, "gallery", false, "Include gallery templates")
	cmd.Flags().BoolVar(&inactive, "include-inactive", false, "Include deleted templates")

	return cmd
}

func newInfoCommand(configFile *string) *cobra.Command {
	var templateType string

	cmd := &cobra.Command{
		Use:   "info TEMPLATE_ID",
		Short: "Show the source and sections of a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid template id %q: %w", args[0], err)
			}

			client, err := cli.NewClient(*configFile)
			if err != nil {
				return err
			}

			res, err := client.Templates().SetTemplateID(id).Info(cmd.Context(), templateType)
			if err != nil {
				return err
			}
			return cli.PrintResult(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&templateType, "type", "user", "Template type (user, gallery, base)")

	return cmd
}
