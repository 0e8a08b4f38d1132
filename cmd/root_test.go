/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand() *cobra.Command {
	c := &cobra.Command{Use: "test"}
	c.Flags().String("listen", "127.0.0.1:1", "")
	c.Flags().Duration("grace", 0, "")
	return c
}

func TestViperFlagDefaults(t *testing.T) {
	v, err := Viper(newTestCommand())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1", v.GetString("listen"))
}

func TestViperEnvironmentOverride(t *testing.T) {
	t.Setenv("KWMCALLD_LISTEN", "0.0.0.0:2")
	t.Setenv("KWMCALLD_GRACE", "5s")

	v, err := Viper(newTestCommand())
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:2", v.GetString("listen"))
	assert.Equal(t, "5s", v.GetDuration("grace").String())
}

func TestViperExplicitFlagWins(t *testing.T) {
	t.Setenv("KWMCALLD_LISTEN", "0.0.0.0:2")

	c := newTestCommand()
	require.NoError(t, c.Flags().Set("listen", "127.0.0.1:3"))
	v, err := Viper(c)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3", v.GetString("listen"))
}

func TestEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "kwmcalld.env")
	require.NoError(t, os.WriteFile(envFile, []byte("KWMCALLD_TEST_ENV_FILE=loaded\n"), 0600))
	t.Cleanup(func() {
		os.Unsetenv("KWMCALLD_TEST_ENV_FILE")
	})

	c := &cobra.Command{Use: "test"}
	c.Flags().AddFlagSet(RootCmd.PersistentFlags())
	require.NoError(t, c.Flags().Set("env-file", envFile))
	require.NoError(t, RootCmd.PersistentPreRunE(c, nil))
	assert.Equal(t, "loaded", os.Getenv("KWMCALLD_TEST_ENV_FILE"))

	require.NoError(t, c.Flags().Set("env-file", filepath.Join(t.TempDir(), "missing.env")))
	assert.Error(t, RootCmd.PersistentPreRunE(c, nil))
}
