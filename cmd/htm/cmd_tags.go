// Tag and file commands: tags tree/search, load, unload.
package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MadBomber/htm"
)

var tagsFormat string

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Show the tag ontology as a tree",
	RunE:  runTagsTree,
}

var tagsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Fuzzy-search tag names",
	Args:  cobra.ExactArgs(1),
	RunE:  runTagsSearch,
}

var loadCmd = &cobra.Command{
	Use:   "load <path>",
	Short: "Load a file or directory into memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoad,
}

var unloadCmd = &cobra.Command{
	Use:   "unload <path>",
	Short: "Forget every chunk of a loaded file",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnload,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile loaded files with the disk",
	RunE:  runSync,
}

func init() {
	tagsCmd.Flags().StringVar(&tagsFormat, "format", "text", "text | mermaid | svg")
	tagsCmd.AddCommand(tagsSearchCmd)
}

func runTagsTree(cmd *cobra.Command, args []string) error {
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		tree, err := h.TagTreeAs(ctx, tagsFormat)
		if err != nil {
			return err
		}
		if tree == "" {
			fmt.Println("no tags yet")
			return nil
		}
		fmt.Print(tree)
		return nil
	})
}

func runTagsSearch(cmd *cobra.Command, args []string) error {
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		matches, err := r.SearchTags(ctx, args[0])
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			fmt.Println("no matching tags")
			return nil
		}
		for _, m := range matches {
			fmt.Printf("%s %s\n", scoreStyle.Render(fmt.Sprintf("%.2f", m.Similarity)), tagStyle.Render(m.Name))
		}
		return nil
	})
}

func runLoad(cmd *cobra.Command, args []string) error {
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		info, err := statPath(args[0])
		if err != nil {
			return err
		}
		if info.IsDir() {
			results, err := r.LoadDirectory(ctx, args[0])
			if err != nil {
				return err
			}
			loaded, skipped, chunks := 0, 0, 0
			for _, res := range results {
				if res.Skipped {
					skipped++
					continue
				}
				loaded++
				chunks += res.Chunks
			}
			fmt.Println(okStyle.Render(fmt.Sprintf("loaded %d files (%d chunks), %d unchanged", loaded, chunks, skipped)))
			return nil
		}
		res, err := r.LoadFile(ctx, args[0])
		if err != nil {
			return err
		}
		if res.Skipped {
			fmt.Println("unchanged, skipped")
			return nil
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("loaded %s: %d chunks", res.Path, res.Chunks)))
		return nil
	})
}

func runSync(cmd *cobra.Command, args []string) error {
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		results, unloaded, err := r.ResyncFiles(ctx)
		if err != nil {
			return err
		}
		reloaded, unchanged := 0, 0
		for _, res := range results {
			if res.Skipped {
				unchanged++
			} else {
				reloaded++
			}
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("%d reloaded, %d unchanged, %d unloaded", reloaded, unchanged, unloaded)))
		return nil
	})
}

func runUnload(cmd *cobra.Command, args []string) error {
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		n, err := r.UnloadFile(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("forgot %d chunks", n)))
		return nil
	})
}
