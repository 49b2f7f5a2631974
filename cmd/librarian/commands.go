package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"smartlibrarian-backend/app"
	"smartlibrarian-backend/config"
	"smartlibrarian-backend/logging"
	"smartlibrarian-backend/models"
	"smartlibrarian-backend/resolver"
	"smartlibrarian-backend/service"
	"smartlibrarian-backend/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	topK       int
	model      string
	jsonOutput bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "librarian",
		Short:         "Recommend one book from a free-text request",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	ask := &cobra.Command{
		Use:   "ask [request...]",
		Short: "Run one recommendation",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAskCommand,
	}
	ask.Flags().IntVar(&topK, "top-k", 0, "number of retrieved candidates (1-10, default TOP_K)")
	ask.Flags().StringVar(&model, "model", "", "chat model override")
	ask.Flags().BoolVar(&jsonOutput, "json", false, "print the full result as JSON")

	resolve := &cobra.Command{
		Use:   "resolve [title...]",
		Short: "Resolve a title against the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runResolveCommand,
	}

	root.AddCommand(ask, resolve)
	return root
}

func runAskCommand(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.EnsureIndexed(ctx); err != nil {
		return err
	}

	res, err := a.Chain.Run(ctx, service.RunRequest{
		Query: strings.Join(args, " "),
		TopK:  topK,
		Model: model,
	})
	if err != nil {
		logger.Debug("ask failed", zap.Error(err))
		return err
	}
	return printResult(cmd.OutOrStdout(), res, jsonOutput)
}

func printResult(w io.Writer, res *models.ChainResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	title := "(none)"
	if res.ChosenTitle != nil {
		title = *res.ChosenTitle
	}
	score := "n/a"
	if res.ToolMatchScore != nil {
		score = fmt.Sprintf("%.4f", *res.ToolMatchScore)
	}
	fmt.Fprintf(w, "Chosen title: %s\n", title)
	fmt.Fprintf(w, "Tool score: %s\n", score)
	fmt.Fprintln(w, "---- Final content ----")
	fmt.Fprintln(w, res.Content)
	return nil
}

func runResolveCommand(cmd *cobra.Command, args []string) error {
	cfg := config.Read()
	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		return err
	}

	loader := resolver.NewCatalogLoader(store, cfg.CatalogPath, nil)
	res, err := resolver.NewResolver(loader).Resolve(cmd.Context(), strings.Join(args, " "))
	if err != nil {
		var notFound *resolver.NotFoundError
		if errors.As(err, &notFound) {
			fmt.Fprintf(cmd.OutOrStdout(), "Not found (best similarity %.4f)\n", notFound.BestScore)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (score %.4f)\n\n%s\n", res.Title, res.Score, res.Summary)
	return nil
}
