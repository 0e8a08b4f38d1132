/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stash.kopano.io/kwm/kwmcall/cmd"
	"stash.kopano.io/kwm/kwmcall/internal/pending"
	"stash.kopano.io/kwm/kwmcall/internal/signaling"
)

func commandPark() *cobra.Command {
	parkCmd := &cobra.Command{
		Use:   "park [...args]",
		Short: "Park an outgoing call for a call agent started with auto-initiate",
		Run: func(cmd *cobra.Command, args []string) {
			if err := park(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	parkCmd.Flags().String("user", "", "Local party id of the agent which picks up the call (required)")
	parkCmd.Flags().String("target", "", "Party to call (required)")
	parkCmd.Flags().String("call-id", "", "Call id to use for the call")
	parkCmd.Flags().Bool("audio-only", false, "Park an audio call without video")
	addPendingFlags(parkCmd)
	addLoggerFlags(parkCmd)

	return parkCmd
}

func park(c *cobra.Command, args []string) error {
	ctx := context.Background()

	v, err := cmd.Viper(c)
	if err != nil {
		return err
	}
	logger, err := newLoggerFromViper(v)
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}

	local := v.GetString("user")
	if local == "" {
		return fmt.Errorf("user required but not given")
	}
	intent := &pending.OutboundIntent{
		TargetUserID: signaling.PartyID(v.GetString("target")),
		CallID:       v.GetString("call-id"),
	}
	if intent.TargetUserID == "" {
		return fmt.Errorf("target required but not given")
	}
	if v.GetBool("audio-only") {
		intent.CallType = "audio"
	}

	if v.GetString("redis-url") == "" {
		return fmt.Errorf("redis-url required, a memory repository does not survive this process")
	}
	repo, closeRepo, err := newPendingRepository(ctx, v, local, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	if err = pending.PutOutboundIntent(ctx, repo, intent); err != nil {
		return fmt.Errorf("failed to park call: %w", err)
	}
	logger.WithField("target", intent.TargetUserID).Infoln("outgoing call parked")

	return nil
}
