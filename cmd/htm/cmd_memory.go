// Memory commands: remember, recall, forget, restore, context.
package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/MadBomber/htm"
)

var (
	rememberTags     []string
	rememberMeta     []string
	rememberImport   float64
	recallStrategy   string
	recallLimit      int
	recallTimeframe  string
	recallTopic      string
	recallMinScore   float64
	recallPlain      bool
	forgetPermanent  bool
	forgetConfirm    string
	contextStrategy  string
	contextMaxTokens int
)

var rememberCmd = &cobra.Command{
	Use:   "remember <content>",
	Short: "Store content in hive memory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemember,
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search hive memory",
	Long: `Search hive memory.

Strategies: hybrid (default), vector, fulltext, topic.
Timeframes use the natural grammar ("yesterday", "last week",
"2 days ago") or ":auto" to extract the timeframe from the query.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRecall,
}

var forgetCmd = &cobra.Command{
	Use:   "forget <node-id>",
	Short: "Soft-delete a memory (restorable), or purge with --permanent",
	Args:  cobra.ExactArgs(1),
	RunE:  runForget,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <node-id>",
	Short: "Bring a forgotten memory back",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Assemble working memory into a prompt-ready block",
	RunE:  runContext,
}

func init() {
	rememberCmd.Flags().StringSliceVarP(&rememberTags, "tag", "t", nil, "manual tag (repeatable, suppresses auto-tagging)")
	rememberCmd.Flags().StringSliceVarP(&rememberMeta, "meta", "m", nil, "metadata key=value (repeatable)")
	rememberCmd.Flags().Float64Var(&rememberImport, "importance", 0, "working-memory importance (default 1.0)")

	recallCmd.Flags().StringVarP(&recallStrategy, "strategy", "s", "", "hybrid | vector | fulltext | topic")
	recallCmd.Flags().IntVarP(&recallLimit, "limit", "n", 0, "max results")
	recallCmd.Flags().StringVar(&recallTimeframe, "timeframe", "", `timeframe expression or ":auto"`)
	recallCmd.Flags().StringVar(&recallTopic, "topic", "", "recall by tag subtree")
	recallCmd.Flags().Float64Var(&recallMinScore, "min-score", 0, "drop results below this score")
	recallCmd.Flags().BoolVar(&recallPlain, "plain", false, "no markdown rendering")

	forgetCmd.Flags().BoolVar(&forgetPermanent, "permanent", false, "hard-delete; requires --confirm confirmed")
	forgetCmd.Flags().StringVar(&forgetConfirm, "confirm", "", "confirmation string for --permanent")

	contextCmd.Flags().StringVarP(&contextStrategy, "strategy", "s", "", "recent | important | balanced")
	contextCmd.Flags().IntVar(&contextMaxTokens, "max-tokens", 0, "token budget (default: full working memory)")
}

func runRemember(cmd *cobra.Command, args []string) error {
	content := strings.Join(args, " ")
	meta, err := parseMeta(rememberMeta)
	if err != nil {
		return err
	}
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		res, err := r.Remember(ctx, content, htm.RememberOptions{
			Tags:       rememberTags,
			Metadata:   meta,
			Importance: rememberImport,
		})
		if err != nil {
			return err
		}
		if res.Created {
			fmt.Println(okStyle.Render(fmt.Sprintf("remembered as node %d (%d tokens)", res.NodeID, res.TokenCount)))
		} else {
			fmt.Println(okStyle.Render(fmt.Sprintf("already known: node %d", res.NodeID)))
		}
		if len(res.Evicted) > 0 {
			fmt.Printf("evicted %d nodes from working memory\n", len(res.Evicted))
		}
		return nil
	})
}

func runRecall(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	if query == "" && recallTopic == "" {
		return fmt.Errorf("a query or --topic is required")
	}
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		hits, err := r.Recall(ctx, query, htm.RecallOptions{
			Strategy:          recallStrategy,
			Limit:             recallLimit,
			MinSimilarity:     recallMinScore,
			Timeframe:         recallTimeframe,
			Topic:             recallTopic,
			SkipWorkingMemory: true, // CLI invocations are one-shot
		})
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Println("no matches")
			return nil
		}

		var renderer *glamour.TermRenderer
		if !recallPlain {
			renderer, _ = glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(100),
			)
		}
		for i, hit := range hits {
			fmt.Println(titleStyle.Render(fmt.Sprintf("#%d  node %d", i+1, hit.NodeID)) +
				scoreStyle.Render(fmt.Sprintf("  score %.3f  %s", hit.Score, hit.CreatedAt.Local().Format("2006-01-02 15:04"))))
			if len(hit.Tags) > 0 {
				fmt.Println(tagStyle.Render("  " + strings.Join(hit.Tags, "  ")))
			}
			if renderer != nil {
				if out, err := renderer.Render(hit.Content); err == nil {
					fmt.Print(out)
					continue
				}
			}
			fmt.Println("  " + strings.ReplaceAll(hit.Content, "\n", "\n  "))
			fmt.Println()
		}
		return nil
	})
}

func runForget(cmd *cobra.Command, args []string) error {
	nodeID, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		if forgetPermanent {
			if err := r.ForgetPermanently(ctx, nodeID, forgetConfirm); err != nil {
				return err
			}
			fmt.Println(okStyle.Render(fmt.Sprintf("node %d permanently deleted", nodeID)))
			return nil
		}
		if err := r.Forget(ctx, nodeID); err != nil {
			return err
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("node %d forgotten (restorable)", nodeID)))
		return nil
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	nodeID, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		if err := r.Restore(ctx, nodeID); err != nil {
			return err
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("node %d restored", nodeID)))
		return nil
	})
}

func runContext(cmd *cobra.Command, args []string) error {
	return withRobot(func(ctx context.Context, h *htm.Hive, r *htm.HTM) error {
		// One-shot process: rebuild working memory from persisted flags.
		if err := r.RefreshWorkingMemory(ctx); err != nil {
			return err
		}
		out, err := r.CreateContext(contextStrategy, contextMaxTokens)
		if err != nil {
			return err
		}
		if out == "" {
			fmt.Println("working memory is empty")
			return nil
		}
		fmt.Println(out)
		return nil
	})
}
