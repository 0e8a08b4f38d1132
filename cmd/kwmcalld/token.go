/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stash.kopano.io/kwm/kwmcall/cmd"
	"stash.kopano.io/kwm/kwmcall/internal/relay"
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

func commandToken() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token [...args]",
		Short: "Create a relay token for a party",
		Run: func(cmd *cobra.Command, args []string) {
			if err := token(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	tokenCmd.Flags().String("jwt-secret", "", "Shared secret of the relay (required)")
	tokenCmd.Flags().String("user", "", "Party id to issue the token for (required)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Validity of the token")

	return tokenCmd
}

func token(c *cobra.Command, args []string) error {
	v, err := cmd.Viper(c)
	if err != nil {
		return err
	}

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return fmt.Errorf("jwt-secret required but not given")
	}
	party := v.GetString("user")
	if party == "" {
		return fmt.Errorf("user required but not given")
	}

	signed, err := relay.NewToken([]byte(secret), signaling.PartyID(party), v.GetDuration("ttl"))
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	fmt.Fprintln(os.Stdout, signed)

	return nil
}
