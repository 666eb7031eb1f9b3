package main

import (
	"bufio"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ndk-tracker-go/internal/logger"
)

func newExportCmd(f *rootFlags, log *logger.Logger) *cobra.Command {
	var start, end, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write saved sessions to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			file, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("creating %s: %w", out, err)
			}
			w := bufio.NewWriter(file)
			if err := a.proc.Export(cmd.Context(), w, start, end); err != nil {
				file.Close()
				return err
			}
			if err := w.Flush(); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
			log.WithField("out", out).Info("export written")
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day YYYY-MM-DD (default 7 days ago)")
	cmd.Flags().StringVar(&end, "end", "", "last day YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&out, "out", "ndk-export.xlsx", "output file")
	return cmd
}

func newModelsCmd(f *rootFlags, log *logger.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List local model files and the active backend's models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			files, err := a.catalog.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "local model files (%s):\n", cfg.LLM.ModelsDir)
			for _, m := range files {
				fmt.Fprintf(out, "  %s\n", m)
			}
			res := a.proc.ListModels(cmd.Context())
			fmt.Fprintf(out, "backend %s:\n", res.Backend)
			for _, m := range res.Models {
				fmt.Fprintf(out, "  %s\n", m)
			}
			if res.Error != "" {
				fmt.Fprintf(out, "  error: %s\n", res.Error)
			}
			return nil
		},
	}
}

func newConfigCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print every resolved setting and where it came from",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE\tFROM")
			for _, s := range cfg.Settings() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Key, s.Value, s.Source, s.From)
			}
			return tw.Flush()
		},
	}
}
