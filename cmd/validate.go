package main

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridianhealth/provider-validation/internal/model"
	"github.com/meridianhealth/provider-validation/internal/notify"
)

var (
	validateProviders []string
	validateWatch     bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Trigger a validation job for a set of providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("validate"); err != nil {
			return err
		}

		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Orch.TriggerValidation(ctx, validateProviders)
		if err != nil {
			return eris.Wrap(err, "trigger validation")
		}

		zap.L().Info("validation job triggered",
			zap.String("job_id", job.ID),
			zap.Int("providers", job.TotalProviders),
		)

		if !validateWatch {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		}

		events, cancel := env.Hub.Subscribe(notify.JobTopic(job.ID))
		defer cancel()

		enc := json.NewEncoder(os.Stdout)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, open := <-events:
				if !open {
					return nil
				}
				_ = enc.Encode(ev)
				if ev.Type == notify.EventJobCompleted {
					return nil
				}
			case <-time.After(30 * time.Second):
				// The hub drops events under pressure; fall back to polling
				// so the watch always observes the terminal state.
				current, err := env.Orch.GetJobStatus(ctx, job.ID)
				if err != nil {
					if errors.Is(err, model.ErrNotFound) {
						return eris.Errorf("job %s disappeared", job.ID)
					}
					return err
				}
				if current.Status.Terminal() {
					_ = enc.Encode(notify.JobCompleted(current.ID, current.Status))
					return nil
				}
			}
		}
	},
}

func init() {
	validateCmd.Flags().StringSliceVar(&validateProviders, "provider", nil, "provider ID to validate (repeatable)")
	validateCmd.Flags().BoolVar(&validateWatch, "watch", false, "stream job events until completion")
	_ = validateCmd.MarkFlagRequired("provider")
	rootCmd.AddCommand(validateCmd)
}
