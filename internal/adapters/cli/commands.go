package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

func newIngestCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [corpus-dir]",
		Short: "Chunk and embed the corpus into the cache",
		Long: `Walks the corpus directory, where each top-level directory names a
profile, and embeds every chunk missing from the cache. Unchanged sources are
skipped, so an interrupted run resumes where it stopped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			root := services.CorpusPath
			if len(args) == 1 {
				root = args[0]
			}

			report, err := services.Ingestor.IngestCorpus(cmd.Context(), root)
			if err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}
			if a.jsonOut {
				return a.printJSON(cmd, report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d documents, %d unchanged, %d failed, %d chunks, %d new embeddings\n",
				report.RunID,
				report.DocumentsSeen,
				report.DocumentsSkip,
				report.DocumentsFailed,
				report.Chunks,
				report.NewEmbeddings,
			)
			return nil
		},
	}
}

func newContextCommand(a *app) *cobra.Command {
	var (
		profiles    []string
		maxProfiles int
		topK        int
		maxResults  int
	)
	cmd := &cobra.Command{
		Use:   "context [question]",
		Short: "Retrieve the prompt context for a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := a.open(cmd.Context())
			if err != nil {
				return err
			}

			opts := domain.SearchOptions{
				MaxProfiles:    maxProfiles,
				TopKPerProfile: topK,
				MaxResults:     maxResults,
				Profiles:       profiles,
			}
			entries, err := services.Contexts.AnswerContextWithOptions(cmd.Context(), args[0], opts)
			if err != nil {
				return fmt.Errorf("context failed: %w", err)
			}
			if a.jsonOut {
				return a.printJSON(cmd, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No relevant passages found.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), services.Contexts.Render(entries))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&profiles, "profile", "p", nil, "search only these profiles (skips detection)")
	cmd.Flags().IntVar(&maxProfiles, "max-profiles", -1, "maximum detected profiles to search (-1 = default)")
	cmd.Flags().IntVarP(&topK, "top-k", "k", -1, "passages per profile (-1 = default)")
	cmd.Flags().IntVarP(&maxResults, "limit", "n", -1, "maximum passages returned (-1 = default)")
	return cmd
}

func newDetectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect [question]",
		Short: "Show the profiles a question is about",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			detections, err := services.Contexts.DetectProfiles(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("detect failed: %w", err)
			}
			if a.jsonOut {
				return a.printJSON(cmd, detections)
			}
			for _, d := range detections {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-15s %.3f\n", d.Profile, d.Confidence)
			}
			return nil
		},
	}
}

func newProfilesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List profiles and their loaded chunk counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			stats := services.Knowledge.Stats()
			if a.jsonOut {
				return a.printJSON(cmd, stats)
			}
			printStats(cmd, stats)
			return nil
		},
	}
}

func newReloadCommand(a *app) *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Rebuild the knowledge base from the cache",
		Long: `Rebuilds the per-profile snapshots from the embedding cache. With
--publish the reload is also signalled to running API processes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := services.Knowledge.Reload(cmd.Context()); err != nil {
				return fmt.Errorf("reload failed: %w", err)
			}
			if publish {
				if services.Publisher == nil {
					return errors.New("reload signal requires NATS_URL")
				}
				if err := services.Publisher.PublishReload(cmd.Context(), "cli"); err != nil {
					return fmt.Errorf("publish reload: %w", err)
				}
			}
			stats := services.Knowledge.Stats()
			if a.jsonOut {
				return a.printJSON(cmd, stats)
			}
			printStats(cmd, stats)
			return nil
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "signal running API processes to reload")
	return cmd
}

func printStats(cmd *cobra.Command, stats []domain.ProfileStats) {
	total := 0
	for _, s := range stats {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-15s %d chunks\n", s.Profile, s.Chunks)
		total += s.Chunks
	}
	fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", strings.Repeat("-", 24))
	fmt.Fprintf(cmd.OutOrStdout(), "  %-15s %d chunks\n", "total", total)
}
