// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/services/forge/checkpoint"
)

func newRunsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect checkpointed runs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored runs, most recent first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, err := opts.openStore()
				if err != nil {
					return err
				}
				runs, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				return opts.printer.Table(
					[]string{"ID", "Project", "Stage", "Steps", "Status", "Updated"},
					summaryRows(runs),
				)
			},
		},
		&cobra.Command{
			Use:   "show <run-id>",
			Short: "Show the latest checkpoint of a run",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := opts.openStore()
				if err != nil {
					return err
				}
				snap, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return opts.printer.JSON(snap)
			},
		},
		&cobra.Command{
			Use:   "delete <run-id>",
			Short: "Remove a run's checkpoint",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := opts.openStore()
				if err != nil {
					return err
				}
				if _, err := store.Load(cmd.Context(), args[0]); err != nil {
					return err
				}
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err = fmt.Fprintf(opts.stdout, "Deleted run %s\n", args[0])
				return err
			},
		},
	)
	return cmd
}

// runStatus is the one-word state shown in listings.
func runStatus(s checkpoint.Summary) string {
	switch {
	case s.Finished:
		return "finished"
	case s.Error != "":
		return "failed"
	default:
		return "stopped"
	}
}

func summaryRows(runs []checkpoint.Summary) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.RunID,
			r.ProjectName,
			string(r.NextStage),
			strconv.Itoa(r.StepsDone) + "/" + strconv.Itoa(r.StepsTotal),
			runStatus(r),
			r.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}
