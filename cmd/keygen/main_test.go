package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmdFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"permissions required", []string{"--service", "checkout", "--db", "postgres://x"}, `required flag(s) "permissions" not set`},
		{"service required", []string{"--permissions", "PAYMENTS_READ", "--db", "postgres://x"}, `required flag(s) "service" not set`},
		{"database required", []string{"--service", "checkout", "--permissions", "PAYMENTS_READ", "--db", ""}, "DATABASE_URL or --db is required"},
		{"no positional args", []string{"extra", "--service", "checkout", "--permissions", "PAYMENTS_READ"}, `unknown command "extra"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := rootCmd()
			cmd.SetArgs(tt.args)
			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRootCmdSplitsPermissions(t *testing.T) {
	cmd := rootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--permissions", "PAYMENTS_READ,WALLET_READ"}))

	perms, err := cmd.Flags().GetStringSlice("permissions")
	require.NoError(t, err)
	assert.Equal(t, []string{"PAYMENTS_READ", "WALLET_READ"}, perms)
}
