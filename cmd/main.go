package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	lists "go.miloapis.com/email-provider-mailchimp/cmd/lists"
	manager "go.miloapis.com/email-provider-mailchimp/cmd/manager"
	templates "go.miloapis.com/email-provider-mailchimp/cmd/templates"
	version "go.miloapis.com/email-provider-mailchimp/cmd/version"
	"go.miloapis.com/email-provider-mailchimp/cmd/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "email-provider-mailchimp",
		Short: "Mailchimp is the email provider for Milo",
		Long:  "A Kubernetes controller that keeps Milo contacts and contact groups in sync with Mailchimp lists.",
	}

	rootCmd.AddCommand(manager.CreateManagerCommand())
	rootCmd.AddCommand(version.NewVersionCommand())
	rootCmd.AddCommand(webhook.CreateWebhookCommand())
	rootCmd.AddCommand(templates.NewTemplatesCommand())
	rootCmd.AddCommand(lists.NewListsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
