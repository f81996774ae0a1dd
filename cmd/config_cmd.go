package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dedupe-cli/internal/config"
)

const redacted = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := yaml.Marshal(redactConfig(*cfg))
		if err != nil {
			return eris.Wrap(err, "config: marshal")
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// redactConfig returns a copy of c with credentials masked.
func redactConfig(c config.Config) config.Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	maskAll := func(m map[string]string) map[string]string {
		if m == nil {
			return nil
		}
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[k] = mask(v)
		}
		return out
	}

	c.Store.DatabaseURL = mask(c.Store.DatabaseURL)
	c.CRM.HubSpot.Token = mask(c.CRM.HubSpot.Token)
	c.CRM.HubSpot.TenantTokens = maskAll(c.CRM.HubSpot.TenantTokens)
	c.CRM.Salesforce.AccessToken = mask(c.CRM.Salesforce.AccessToken)
	c.CRM.Salesforce.TenantTokens = maskAll(c.CRM.Salesforce.TenantTokens)
	c.Lock.RedisURL = mask(c.Lock.RedisURL)
	return c
}

func init() {
	rootCmd.AddCommand(configCmd)
}
