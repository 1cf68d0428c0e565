// Package main provides qcctl, the offline companion to the QC server. It
// replays measurement files through the rule engine, prints effective rule
// sets and moves verdict reviews in and out of the SQLite review store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/labflow-qc-server/internal/cache"
	"github.com/labflow-qc-server/internal/config"
	"github.com/labflow-qc-server/internal/domain"
	"github.com/labflow-qc-server/internal/review"
	"github.com/labflow-qc-server/internal/service"
	"github.com/labflow-qc-server/internal/store"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// engineOptions are the flags shared by the commands that run the engine.
type engineOptions struct {
	profile         string
	meanRunLength   int
	establishN      uint64
	includeRejected bool
	baselines       string
	tenant          string
	db              string
	verbose         bool
}

func (o *engineOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.profile, "profile", "", "rule profile YAML file")
	cmd.Flags().IntVar(&o.meanRunLength, "mean-run-length", domain.DefaultMeanRunLength, "N of the N-x rule (8-12)")
	cmd.Flags().Uint64Var(&o.establishN, "establish-n", service.DefaultEstablishN, "points before computed stats replace an assigned baseline")
	cmd.Flags().BoolVar(&o.includeRejected, "include-rejected", false, "feed rejected runs into the baseline")
	cmd.Flags().StringVar(&o.baselines, "baselines", "", "CSV of assigned baselines (test_code,analyte,level,lot,mean,sd,effective_from[,reason])")
	cmd.Flags().StringVar(&o.tenant, "tenant", service.DefaultTenant, "tenant identifier")
	cmd.Flags().StringVar(&o.db, "db", "", "persist measurements and verdicts to this SQLite file")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "log engine activity to stderr")
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "qcctl",
		Short:        "LabFlow QC rule engine tooling",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newRulesCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newExportReviewsCmd())
	rootCmd.AddCommand(newImportReviewsCmd())

	return rootCmd
}

func (o *engineOptions) logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{})
	logger.SetLevel(logrus.WarnLevel)
	if o.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// newService builds a QC service with an in-memory stats cache and, when
// --db is set, a SQLite repository. Stored state is replayed first.
func (o *engineOptions) newService(ctx context.Context) (*service.QCService, error) {
	profiles, err := config.LoadRuleProfiles(o.profile)
	if err != nil {
		return nil, err
	}
	logger := o.logger()

	pipelineConfig := service.PipelineConfigFromQC(domain.QCConfig{
		MeanRunLength:   o.meanRunLength,
		EstablishN:      o.establishN,
		IncludeRejected: o.includeRejected,
	}, profiles.Profiles, profiles.PlausibleRanges)

	opts := []service.ServiceOption{service.WithStatsCache(cache.NewMemoryCache(0, 0))}
	if o.db != "" {
		repo, err := store.NewSQLiteStore(o.db, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, service.WithRepository(repo))
	}

	qc, err := service.NewQCService(logger, pipelineConfig, opts...)
	if err != nil {
		return nil, err
	}
	if err := qc.Hydrate(ctx); err != nil {
		qc.Close()
		return nil, err
	}
	return qc, nil
}

// feed runs measurements through qc in file order, applying each baseline
// just before the first measurement of its group it covers. visit sees every
// outcome; a nil processed means the measurement was refused.
func (o *engineOptions) feed(ctx context.Context, qc *service.QCService, measurements []domain.Measurement,
	visit func(m domain.Measurement, processed *domain.ProcessedMeasurement, err error)) error {

	baselines, err := readBaselines(o.baselines)
	if err != nil {
		return err
	}
	pending := make(map[domain.ControlGroup][]domain.Baseline)
	for _, b := range baselines {
		pending[b.Group] = append(pending[b.Group], b)
	}

	apply := func(group domain.ControlGroup, upTo uint64, all bool) error {
		queue := pending[group]
		for len(queue) > 0 && (all || queue[0].EffectiveFrom <= upTo) {
			if _, err := qc.ResetBaseline(ctx, o.tenant, queue[0]); err != nil {
				return fmt.Errorf("baseline for %s from %d: %w", group, queue[0].EffectiveFrom, err)
			}
			queue = queue[1:]
		}
		pending[group] = queue
		return nil
	}

	for _, m := range measurements {
		if err := apply(m.Group, m.SequenceNumber, false); err != nil {
			return err
		}
		processed, err := qc.Submit(ctx, o.tenant, m)
		visit(m, processed, err)
	}
	for group := range pending {
		if err := apply(group, 0, true); err != nil {
			return err
		}
	}
	return nil
}

func newReplayCmd() *cobra.Command {
	opts := &engineOptions{}
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "replay <file.csv>",
		Short: "Feed measurements through the rule engine and print each verdict",
		Long: `Replay reads a CSV with the columns test_code, analyte, level, lot,
sequence and value (optionally unit, run_id and timestamp) and prints the
verdict for every row in file order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			measurements, err := readMeasurements(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			qc, err := opts.newService(ctx)
			if err != nil {
				return err
			}
			defer qc.Close()

			out := cmd.OutOrStdout()
			var w *tabwriter.Writer
			var enc *json.Encoder
			if asJSON {
				enc = json.NewEncoder(out)
			} else {
				w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "GROUP\tSEQ\tVALUE\tZ\tDECISION\tRULES\tHOLD")
			}

			counts := make(map[domain.Decision]int)
			refused := 0
			err = opts.feed(ctx, qc, measurements, func(m domain.Measurement, p *domain.ProcessedMeasurement, err error) {
				if p == nil {
					refused++
					if enc != nil {
						_ = enc.Encode(map[string]any{"measurement": m, "error": err.Error(), "code": domain.ErrorCode(err)})
						return
					}
					fmt.Fprintf(w, "%s\t%d\t%g\t-\tREFUSED\t%s\t-\n", m.Group, m.SequenceNumber, m.Value, domain.ErrorCode(err))
					return
				}
				counts[p.Verdict.Decision]++
				if enc != nil {
					_ = enc.Encode(p)
					return
				}
				z := "-"
				if p.Point != nil {
					z = fmt.Sprintf("%.2f", p.Point.ZScore)
				}
				fmt.Fprintf(w, "%s\t%d\t%g\t%s\t%s\t%s\t%t\n", m.Group, m.SequenceNumber, m.Value, z,
					p.Verdict.Decision, joinOrDash(p.Verdict.RuleIDs()), p.Verdict.MustHoldResults)
			})
			if err != nil {
				return err
			}
			if w != nil {
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%d accepted, %d warned, %d rejected, %d indeterminate, %d refused\n",
					counts[domain.ACCEPT], counts[domain.WARN], counts[domain.REJECT_RUN], counts[domain.INDETERMINATE], refused)
			}
			return nil
		},
	}

	opts.bind(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per measurement")
	return cmd
}

func newStatsCmd() *cobra.Command {
	opts := &engineOptions{}

	cmd := &cobra.Command{
		Use:   "stats <file.csv>",
		Short: "Print the final running statistics for every group in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			measurements, err := readMeasurements(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			qc, err := opts.newService(ctx)
			if err != nil {
				return err
			}
			defer qc.Close()

			if err := opts.feed(ctx, qc, measurements, func(domain.Measurement, *domain.ProcessedMeasurement, error) {}); err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), qc, opts.tenant)
		},
	}

	opts.bind(cmd)
	return cmd
}

func printStats(out io.Writer, qc *service.QCService, tenant string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tN\tMEAN\tSD\tCV%\t-2SD\t+2SD\tSOURCE")
	for _, group := range qc.ListGroups(tenant) {
		stats, err := qc.CurrentStats(context.Background(), tenant, group)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t-\t%s\n", group, domain.ErrorCode(err))
			continue
		}
		lower, upper := stats.Limits(2)
		fmt.Fprintf(w, "%s\t%d\t%.4g\t%.4g\t%.2f\t%.4g\t%.4g\t%s\n",
			group, stats.N, stats.Mean, stats.SD, stats.CV(), lower, upper, stats.Source)
	}
	return w.Flush()
}

func newRulesCmd() *cobra.Command {
	var profile, testCode, analyte string
	var meanRunLength int

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the effective rule set as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			profiles, err := config.LoadRuleProfiles(profile)
			if err != nil {
				return err
			}
			pipelineConfig := service.PipelineConfigFromQC(domain.QCConfig{MeanRunLength: meanRunLength},
				profiles.Profiles, profiles.PlausibleRanges)
			pipeline, err := service.NewQCPipeline(logrus.New(), pipelineConfig)
			if err != nil {
				return err
			}

			rules := pipelineConfig.Rules
			if testCode != "" {
				rules = pipeline.RulesFor(domain.ControlGroup{TestCode: testCode, Analyte: analyte})
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(rules); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "rule profile YAML file")
	cmd.Flags().StringVar(&testCode, "test-code", "", "resolve the profile for this test code")
	cmd.Flags().StringVar(&analyte, "analyte", "", "resolve the profile for this analyte")
	cmd.Flags().IntVar(&meanRunLength, "mean-run-length", domain.DefaultMeanRunLength, "N of the N-x rule (8-12)")
	return cmd
}

func defaultReviewDB() string {
	return config.DefaultLiteConfig().ReviewDBPath()
}

func newExportReviewsCmd() *cobra.Command {
	var dbPath, outPath string

	cmd := &cobra.Command{
		Use:   "export-reviews",
		Short: "Export verdict reviews from the SQLite review store as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reviews, err := review.NewSQLiteStore(dbPath)
			if err != nil {
				return err
			}
			defer reviews.Close()

			out := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if err := reviews.ExportJSON(cmd.Context(), out); err != nil {
				return err
			}
			if outPath != "" {
				count, err := reviews.Count(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d reviews to %s\n", count, outPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", defaultReviewDB(), "review store SQLite file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to this file instead of stdout")
	return cmd
}

func newImportReviewsCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "import-reviews <file.json>",
		Short: "Import verdict reviews into the SQLite review store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			reviews, err := review.NewSQLiteStore(dbPath)
			if err != nil {
				return err
			}
			defer reviews.Close()

			imported, skipped, err := reviews.ImportJSON(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d reviews, skipped %d existing\n", imported, skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", defaultReviewDB(), "review store SQLite file")
	return cmd
}

func joinOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ",")
}
