package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/intake"
)

var (
	importFile        string
	importKind        string
	importSheet       string
	importConcurrency int
	importNoEnqueue   bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import buyers, deals or universes from a CSV or XLSX file",
	Long: `Upserts every valid row of the file and queues the affected pairs for
scoring with the bulk trigger. Rows that fail to parse are reported and skipped.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		kind := intake.Kind(importKind)
		switch kind {
		case intake.KindBuyers, intake.KindDeals, intake.KindUniverses:
		default:
			return eris.Errorf("unknown import kind %q (buyers, deals or universes)", importKind)
		}

		env, err := initScoring(ctx, "import")
		if err != nil {
			return err
		}
		defer env.Close()

		var q intake.Enqueuer = env.Queue
		if importNoEnqueue {
			q = nil
		}
		rep, err := intake.NewImporter(env.Store, q, importConcurrency).ImportFile(ctx, kind, importFile, importSheet)
		if err != nil {
			return eris.Wrap(err, "import file")
		}

		for _, re := range rep.Errors {
			zap.L().Warn("import row skipped", zap.Int("row", re.Row), zap.String("id", re.ID), zap.String("error", re.Err))
		}
		zap.L().Info("import complete",
			zap.String("file", importFile),
			zap.String("kind", string(rep.Kind)),
			zap.Int("rows", rep.Rows),
			zap.Int("imported", rep.Imported),
			zap.Int("enqueued", rep.Enqueued),
			zap.Int("errors", len(rep.Errors)),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to CSV or XLSX file (required)")
	importCmd.Flags().StringVar(&importKind, "kind", "", "buyers, deals or universes (required)")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "XLSX sheet name (default first sheet)")
	importCmd.Flags().IntVar(&importConcurrency, "concurrency", 4, "parallel row writes")
	importCmd.Flags().BoolVar(&importNoEnqueue, "no-enqueue", false, "write rows without queueing scoring")
	_ = importCmd.MarkFlagRequired("file")
	_ = importCmd.MarkFlagRequired("kind")
	rootCmd.AddCommand(importCmd)
}
