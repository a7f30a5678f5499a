package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridianhealth/provider-validation/internal/model"
)

var (
	trustAsJSON          bool
	feedbackValidationID string
	feedbackSource       string
	feedbackField        string
	feedbackIncorrect    bool
	feedbackCorrected    string
	feedbackSubmittedBy  string
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect and adjust data source trust scores",
}

var trustScoresCmd = &cobra.Command{
	Use:   "scores",
	Short: "List all trust scores",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		scores, err := env.Trust.ListScores(ctx)
		if err != nil {
			return eris.Wrap(err, "list trust scores")
		}

		if trustAsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(scores)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SOURCE\tFIELD\tSCORE\tCORRECT/TOTAL")
		for _, s := range scores {
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d/%d\n",
				s.Source, s.FieldName, s.Score, s.Correct, s.Total)
		}
		return tw.Flush()
	},
}

var trustInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Seed trust scores for known data sources",
	Long:  "Inserts baseline trust scores for known source/field pairs. Existing scores are never overwritten, so re-running is safe.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// initEnv already seeds; rerunning here is explicit and idempotent.
		if err := env.Trust.InitializeDefaults(ctx); err != nil {
			return eris.Wrap(err, "initialize trust seeds")
		}

		fmt.Println("trust scores initialized")
		return nil
	},
}

var trustFeedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record validation feedback for a source/field pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		score, err := env.Trust.SubmitFeedback(ctx, model.Feedback{
			ValidationID:   feedbackValidationID,
			IsCorrect:      !feedbackIncorrect,
			CorrectedValue: feedbackCorrected,
			SubmittedBy:    feedbackSubmittedBy,
		}, feedbackSource, feedbackField)
		if err != nil {
			return eris.Wrap(err, "submit feedback")
		}

		zap.L().Info("feedback recorded",
			zap.String("source", score.Source),
			zap.String("field", score.FieldName),
			zap.Float64("score", score.Score),
		)
		fmt.Printf("%s/%s -> %.2f (%d/%d)\n",
			score.Source, score.FieldName, score.Score, score.Correct, score.Total)
		return nil
	},
}

func init() {
	trustScoresCmd.Flags().BoolVar(&trustAsJSON, "json", false, "output JSON")

	trustFeedbackCmd.Flags().StringVar(&feedbackValidationID, "validation", "", "validation ID the feedback refers to (required)")
	trustFeedbackCmd.Flags().StringVar(&feedbackSource, "source", "", "data source name (required)")
	trustFeedbackCmd.Flags().StringVar(&feedbackField, "field", "", "field name (required)")
	trustFeedbackCmd.Flags().BoolVar(&feedbackIncorrect, "incorrect", false, "mark the source's value as incorrect")
	trustFeedbackCmd.Flags().StringVar(&feedbackCorrected, "corrected-value", "", "corrected value, when incorrect")
	trustFeedbackCmd.Flags().StringVar(&feedbackSubmittedBy, "by", "", "who submitted the feedback")
	_ = trustFeedbackCmd.MarkFlagRequired("validation")
	_ = trustFeedbackCmd.MarkFlagRequired("source")
	_ = trustFeedbackCmd.MarkFlagRequired("field")

	trustCmd.AddCommand(trustScoresCmd, trustInitCmd, trustFeedbackCmd)
	rootCmd.AddCommand(trustCmd)
}
