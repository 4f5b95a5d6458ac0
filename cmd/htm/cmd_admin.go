// Admin commands: stats, reembed, purge.
package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/MadBomber/htm"
)

var (
	reembedLimit int
	purgeOlder   time.Duration
	purgeConfirm string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show hive statistics",
	RunE:  runStats,
}

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Submit embedding jobs for nodes that missed enrichment",
	RunE:  runReembed,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Hard-delete long-forgotten nodes and orphan tags",
	RunE:  runPurge,
}

func init() {
	reembedCmd.Flags().IntVar(&reembedLimit, "limit", 100, "max jobs to submit")
	purgeCmd.Flags().DurationVar(&purgeOlder, "older-than", 30*24*time.Hour, "purge nodes forgotten longer ago than this")
	purgeCmd.Flags().StringVar(&purgeConfirm, "confirm", "", `must be "confirmed"`)
}

func runStats(cmd *cobra.Command, args []string) error {
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		stats, err := h.Stats(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-20s %s\n", k, titleStyle.Render(strconv.FormatInt(stats[k], 10)))
		}

		if err := r.RefreshWorkingMemory(ctx); err == nil {
			wm := r.WorkingMemory()
			fmt.Printf("%-20s %d nodes, %d/%d tokens (%.0f%%)\n",
				"working_memory", wm.Nodes, wm.Tokens, wm.MaxTokens, wm.Utilization*100)
		}
		return nil
	})
}

func runReembed(cmd *cobra.Command, args []string) error {
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		n, err := h.ReembedMissing(ctx, reembedLimit)
		if err != nil {
			return err
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("submitted %d embedding jobs", n)))
		return nil
	})
}

func runPurge(cmd *cobra.Command, args []string) error {
	if purgeConfirm != htm.PurgeConfirmation {
		return fmt.Errorf("purge is irreversible; pass --confirm %s", htm.PurgeConfirmation)
	}
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		n, err := h.PurgeDeletedBefore(ctx, time.Now().Add(-purgeOlder))
		if err != nil {
			return err
		}
		reaped, err := h.ReapOrphanTags(ctx)
		if err != nil {
			return err
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("purged %d nodes, reaped %d orphan tags", n, reaped)))
		return nil
	})
}
