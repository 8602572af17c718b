package cli

import (
	"fmt"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"go.miloapis.com/email-provider-mailchimp/internal/config"
	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

// NewClient loads the configuration and builds the Mailchimp client.
func NewClient(configFile string) (*mailchimp.Client, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: configFile})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	client, err := cfg.NewClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create mailchimp client: %w", err)
	}
	return client, nil
}

// PrintResult writes an API result as indented JSON. The empty result prints as null.
func PrintResult(w io.Writer, res gjson.Result) error {
	raw := "null"
	if res.Exists() {
		raw = res.Raw
	}
	_, err := w.Write(pretty.Pretty([]byte(raw)))
	return err
}
