package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/ports"
)

// Services are the use cases the commands drive. Publisher may be nil.
type Services struct {
	Contexts   ports.ContextService
	Ingestor   ports.CorpusIngestor
	Knowledge  ports.KnowledgeReloader
	Publisher  ports.ReloadPublisher
	CorpusPath string
}

// Loader builds the services on first use so that help and flag errors never
// touch the cache or the provider. The returned func releases them.
type Loader func(ctx context.Context) (*Services, func(), error)

type app struct {
	load     Loader
	services *Services
	release  func()
	jsonOut  bool
}

func (a *app) open(ctx context.Context) (*Services, error) {
	if a.services != nil {
		return a.services, nil
	}
	if a.load == nil {
		return nil, errors.New("services are not configured")
	}
	services, release, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	a.services = services
	a.release = release
	return services, nil
}

func (a *app) close() {
	if a.release != nil {
		a.release()
		a.release = nil
	}
	a.services = nil
}

// NewRootCommand assembles the fiscalctl command tree. The returned func
// releases whatever the commands opened and must run after Execute.
func NewRootCommand(load Loader) (*cobra.Command, func()) {
	a := &app{load: load}

	root := &cobra.Command{
		Use:   "fiscalctl",
		Short: "Operate the fiscal knowledge retrieval engine",
		Long: `fiscalctl ingests the per-profile fiscal corpus into the embedding cache
and queries the multi-profile retrieval engine from the command line.

Profiles: FR_PARTICULIER, AD (Andorra), LU (Luxembourg), CH (Switzerland).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output as JSON")

	root.AddCommand(
		newIngestCommand(a),
		newContextCommand(a),
		newDetectCommand(a),
		newProfilesCommand(a),
		newReloadCommand(a),
	)
	return root, a.close
}

func (a *app) printJSON(cmd *cobra.Command, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
