package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dedupe-cli/internal/config"
	"github.com/sells-group/dedupe-cli/internal/merge"
	"github.com/sells-group/dedupe-cli/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"serve", "worker", "run", "finish", "resume", "status", "retry-deletes", "plan", "health", "migrate", "config"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "dedupe-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	flag := runCmd.Flags().Lookup("force")
	require.NotNil(t, flag, "run command should have --force flag")
	assert.Equal(t, "false", flag.DefValue)
	assert.Error(t, runCmd.Args(runCmd, nil))
	assert.NoError(t, runCmd.Args(runCmd, []string{"acme"}))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestStatusCommand_Flags(t *testing.T) {
	flag := statusCmd.Flags().Lookup("history")
	require.NotNil(t, flag)
	assert.Equal(t, "10", flag.DefValue)
	assert.NotNil(t, statusCmd.Flags().Lookup("json"))
}

func TestPlanCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range planCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["show"])
	assert.True(t, names["set"])

	for _, flagName := range []string{"type", "contact-limit", "payment-status", "billing-type"} {
		assert.NotNil(t, planSetCmd.Flags().Lookup(flagName), "plan set should have --%s flag", flagName)
	}
}

func newPlanSetCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "set"}
	cmd.Flags().String("type", "", "")
	cmd.Flags().Int("contact-limit", 0, "")
	cmd.Flags().String("payment-status", "", "")
	cmd.Flags().String("billing-type", "", "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestPlanChangeFromFlags(t *testing.T) {
	change, err := planChangeFromFlags(newPlanSetCmd(t, "--type", "paid", "--contact-limit", "0"))
	require.NoError(t, err)
	require.NotNil(t, change.PlanType)
	assert.Equal(t, model.PlanPaid, *change.PlanType)
	require.NotNil(t, change.ContactLimit)
	assert.Equal(t, 0, *change.ContactLimit)
	assert.Nil(t, change.PaymentStatus)
	assert.Nil(t, change.BillingType)
}

func TestPlanChangeFromFlags_RequiresOne(t *testing.T) {
	_, err := planChangeFromFlags(newPlanSetCmd(t))
	assert.ErrorContains(t, err, "at least one of")
}

func TestRedactConfig(t *testing.T) {
	c := config.Config{}
	c.Store.DatabaseURL = "postgres://user:pw@db/dedupe"
	c.CRM.HubSpot.Token = "pat-na1-secret"
	c.CRM.HubSpot.TenantTokens = map[string]string{"acme": "pat-acme"}
	c.Lock.RedisURL = ""

	r := redactConfig(c)
	assert.Equal(t, redacted, r.Store.DatabaseURL)
	assert.Equal(t, redacted, r.CRM.HubSpot.Token)
	assert.Equal(t, redacted, r.CRM.HubSpot.TenantTokens["acme"])
	assert.Empty(t, r.Lock.RedisURL)

	// The original is untouched.
	assert.Equal(t, "pat-acme", c.CRM.HubSpot.TenantTokens["acme"])

	out, err := yaml.Marshal(r)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "pat-na1-secret")
}

func TestFormatRunsList(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, []model.ProcessStatus{{
		ID:          "run-1",
		TenantID:    "acme",
		ProcessName: model.ProcessManualMerge,
		Status:      "Found 3 duplicate groups",
		Count:       42,
		Active:      true,
		UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}})

	out := buf.String()
	assert.Contains(t, out, "STATE")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "manually merge")
	assert.Contains(t, out, "Found 3 duplicate groups")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
}

func TestFormatStatus_Nil(t *testing.T) {
	var buf bytes.Buffer
	formatStatus(&buf, nil)
	assert.Equal(t, "No runs found.\n", buf.String())
}

func TestFormatRetryReport(t *testing.T) {
	var buf bytes.Buffer
	formatRetryReport(&buf, &merge.RetryReport{Attempted: 3, Succeeded: 2, Failed: 1, Remaining: 1})
	assert.Equal(t, "attempted=3 succeeded=2 failed=1 remaining=1\n", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
