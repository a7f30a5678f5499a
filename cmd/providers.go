package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridianhealth/provider-validation/internal/store"
)

var (
	providersCSVPath string
	providersLimit   int
	providersOffset  int
	providersAsJSON  bool
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage the provider roster",
}

var providersImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import providers from a roster CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		imported, err := store.ImportProviderCSV(ctx, st, providersCSVPath)
		if err != nil {
			return eris.Wrap(err, "import csv")
		}

		zap.L().Info("import complete",
			zap.Int64("imported", imported),
			zap.String("csv", providersCSVPath),
		)
		return nil
	},
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers in the roster",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		providers, err := st.ListProviders(ctx, providersLimit, providersOffset)
		if err != nil {
			return eris.Wrap(err, "list providers")
		}

		if providersAsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(providers)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNPI\tNAME\tSPECIALTY\tSTATE")
		for _, p := range providers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				p.ID, p.NPI, p.FullName(), p.Specialty, p.State)
		}
		return tw.Flush()
	},
}

func init() {
	providersImportCmd.Flags().StringVar(&providersCSVPath, "csv", "", "path to roster CSV file (required)")
	_ = providersImportCmd.MarkFlagRequired("csv")

	providersListCmd.Flags().IntVar(&providersLimit, "limit", 50, "max providers to list")
	providersListCmd.Flags().IntVar(&providersOffset, "offset", 0, "pagination offset")
	providersListCmd.Flags().BoolVar(&providersAsJSON, "json", false, "output JSON")

	providersCmd.AddCommand(providersImportCmd, providersListCmd)
	rootCmd.AddCommand(providersCmd)
}
