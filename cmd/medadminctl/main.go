// Package main provides medadminctl, the operations CLI for the ward
// medication services.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/epis/medadmin/internal/config"
	"github.com/epis/medadmin/internal/domain/dosing"
	"github.com/epis/medadmin/internal/infrastructure/postgres"
	"github.com/epis/medadmin/internal/infrastructure/redpanda"
	"github.com/epis/medadmin/internal/observability/logging"
	"github.com/epis/medadmin/internal/projection"
	"github.com/epis/medadmin/pkg/idempotency"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "medadminctl",
		Short:        "Operate the ward medication administration services",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(statsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// env holds what a command needs from the configuration.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func load(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, _ := cmd.Flags().GetString("log-level")
	logger, err := logging.New(level, "console")
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) connect(ctx context.Context) (*pgxpool.Pool, error) {
	if e.cfg.InMemory() {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	return postgres.Connect(ctx, postgres.DefaultPoolConfig(e.cfg.DatabaseURL), e.logger)
}

func (e *env) store(pool *pgxpool.Pool) (*postgres.Store, error) {
	return postgres.NewStore(pool, postgres.StoreConfig{Location: e.cfg.Location()}, nil, e.logger)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load(cmd)
			if err != nil {
				return err
			}
			pool, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Schema is up to date.")
			return nil
		},
	}
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage broker topics",
	}

	withAdmin := func(run func(ctx context.Context, a *redpanda.Admin, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			e, err := load(cmd)
			if err != nil {
				return err
			}
			a, err := redpanda.NewAdmin(e.cfg.Brokers(), e.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd.Context(), a, cmd)
		}
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the event and dead letter topics if missing",
		RunE: withAdmin(func(ctx context.Context, a *redpanda.Admin, cmd *cobra.Command) error {
			partitions, _ := cmd.Flags().GetInt32("partitions")
			replication, _ := cmd.Flags().GetInt16("replication")
			created, err := a.EnsureTopics(ctx, redpanda.WardTopics(partitions), replication)
			if err != nil {
				return err
			}
			for _, name := range created {
				fmt.Printf("Created %s\n", name)
			}
			fmt.Println("Topics are in place.")
			return nil
		}),
	}
	ensureCmd.Flags().Int32("partitions", 6, "Partitions of the event topic")
	ensureCmd.Flags().Int16("replication", 1, "Replication factor")
	cmd.AddCommand(ensureCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: withAdmin(func(ctx context.Context, a *redpanda.Admin, cmd *cobra.Command) error {
			names, err := a.ListTopics(ctx)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		}),
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
		RunE: withAdmin(func(ctx context.Context, a *redpanda.Admin, cmd *cobra.Command) error {
			group, _ := cmd.Flags().GetString("group")
			lag, err := a.GroupLag(ctx, group)
			if err != nil {
				return err
			}
			fmt.Printf("%-32s %-10s %s\n", "TOPIC", "PARTITION", "LAG")
			for _, l := range lag {
				fmt.Printf("%-32s %-10d %d\n", l.Topic, l.Partition, l.Lag)
			}
			return nil
		}),
	}
	lagCmd.Flags().String("group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group")
	cmd.AddCommand(lagCmd)

	return cmd
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the dose schedule of a patient or a nurse's ward",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			nurse, _ := cmd.Flags().GetString("nurse")
			dayFlag, _ := cmd.Flags().GetString("day")
			grid, _ := cmd.Flags().GetBool("grid")
			asJSON, _ := cmd.Flags().GetBool("json")
			if (patient == "") == (nurse == "") {
				return fmt.Errorf("exactly one of --patient or --nurse is required")
			}

			e, err := load(cmd)
			if err != nil {
				return err
			}
			day, err := dayOrToday(dayFlag, e.cfg)
			if err != nil {
				return err
			}
			pool, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			store, err := e.store(pool)
			if err != nil {
				return err
			}

			resolver := dosing.NewResolver(store, store, e.logger, dosing.WithWardDirectory(store))
			var lines []dosing.DoseLine
			if patient != "" {
				lines, err = resolver.Resolve(cmd.Context(), patient, day)
			} else {
				lines, err = resolver.ResolveWard(cmd.Context(), dosing.WardQuery{NurseID: nurse, Day: day})
			}
			if err != nil {
				return err
			}

			switch {
			case asJSON && grid:
				return printJSON(dosing.Pivot(lines))
			case asJSON:
				return printJSON(lines)
			case grid:
				printGrid(day, dosing.Pivot(lines))
			default:
				printLines(day, lines)
			}
			return nil
		},
	}
	cmd.Flags().String("patient", "", "Patient id")
	cmd.Flags().String("nurse", "", "Nurse id, resolves every admitted patient")
	cmd.Flags().String("day", "", "Day as YYYY-MM-DD (default today in the ward time zone)")
	cmd.Flags().Bool("grid", false, "One row per prescription with a column per slot")
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an administration for a dose",
		RunE: func(cmd *cobra.Command, args []string) error {
			rx, _ := cmd.Flags().GetString("prescription")
			slotFlag, _ := cmd.Flags().GetString("slot")
			statusFlag, _ := cmd.Flags().GetString("status")
			dayFlag, _ := cmd.Flags().GetString("day")
			remarks, _ := cmd.Flags().GetString("remarks")
			operator, _ := cmd.Flags().GetString("operator")

			slot, err := dosing.ParseSlot(slotFlag)
			if err != nil {
				return err
			}
			status, err := dosing.ParseStatus(statusFlag)
			if err != nil {
				return err
			}

			e, err := load(cmd)
			if err != nil {
				return err
			}
			day, err := dayOrToday(dayFlag, e.cfg)
			if err != nil {
				return err
			}
			pool, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			store, err := e.store(pool)
			if err != nil {
				return err
			}

			recorder := dosing.NewRecorder(store, store, dosing.RecorderConfig{
				Location:        e.cfg.Location(),
				AllowOutOfRange: e.cfg.AllowOutOfRangeRecording,
			}, e.logger)
			result, err := recorder.Record(cmd.Context(), dosing.RecordInput{
				PrescriptionID: rx,
				Slot:           slot,
				Day:            day,
				Status:         status,
				Remarks:        remarks,
				Operator:       operator,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s %s: %s\n", rx, slot, day, status, result)
			return nil
		},
	}
	cmd.Flags().String("prescription", "", "Prescription id")
	cmd.Flags().String("slot", "", "Morning, Afternoon or Evening")
	cmd.Flags().String("status", "Given", "Given, Skipped or Pending")
	cmd.Flags().String("day", "", "Day as YYYY-MM-DD (default today in the ward time zone)")
	cmd.Flags().String("remarks", "", "Free-text remarks")
	cmd.Flags().String("operator", os.Getenv("USER"), "Recording operator")
	_ = cmd.MarkFlagRequired("prescription")
	_ = cmd.MarkFlagRequired("slot")
	return cmd
}

func summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show projected day summaries",
		Long: "Show the projected dose counts of a day. With --nurse the summaries of the\n" +
			"nurse's admitted patients are projected again first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dayFlag, _ := cmd.Flags().GetString("day")
			nurse, _ := cmd.Flags().GetString("nurse")

			e, err := load(cmd)
			if err != nil {
				return err
			}
			day, err := dayOrToday(dayFlag, e.cfg)
			if err != nil {
				return err
			}
			pool, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			store, err := e.store(pool)
			if err != nil {
				return err
			}

			projector := projection.NewInline(dosing.NewResolver(store, store, e.logger), store, e.logger)
			if nurse != "" {
				patients, err := store.ListAdmittedPatients(cmd.Context(), nurse)
				if err != nil {
					return err
				}
				for _, p := range patients {
					if _, err := projector.Project(cmd.Context(), p.ID, day); err != nil {
						return fmt.Errorf("project %s: %w", p.ID, err)
					}
				}
			}

			sums, err := projector.Summaries(cmd.Context(), day)
			if err != nil {
				return err
			}
			fmt.Printf("Summaries for %s (%d)\n", day, len(sums))
			fmt.Printf("%-20s %-6s %-8s %-8s %s\n", "PATIENT", "GIVEN", "SKIPPED", "PENDING", "TOTAL")
			for _, s := range sums {
				fmt.Printf("%-20s %-6d %-8d %-8d %d\n", s.PatientID, s.Given, s.Skipped, s.Pending, s.Total)
			}
			return nil
		},
	}
	cmd.Flags().String("day", "", "Day as YYYY-MM-DD (default today in the ward time zone)")
	cmd.Flags().String("nurse", "", "Project the nurse's admitted patients before listing")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show outbox and inbox backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load(cmd)
			if err != nil {
				return err
			}
			pool, err := e.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			outbox, err := postgres.NewOutbox(pool, nil, postgres.DefaultOutboxConfig(), e.logger).GetStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("outbox  pending=%d processed=%d failed=%d", outbox.Pending, outbox.Processed, outbox.Failed)
			if outbox.OldestPending != nil {
				fmt.Printf(" oldest=%s", outbox.OldestPending.Format("2006-01-02 15:04:05"))
			}
			fmt.Println()

			inbox, err := idempotency.NewInbox(idempotency.NewPostgresStore(pool), idempotency.DefaultInboxConfig(), e.logger).GetStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("inbox   total=%d started=%d finished=%d recoverable=%d failed=%d\n",
				inbox.TotalEntries, inbox.Started, inbox.Finished, inbox.Recoverable, inbox.Failed)
			return nil
		},
	}
}

func dayOrToday(v string, cfg *config.Config) (dosing.Day, error) {
	if strings.TrimSpace(v) == "" {
		return dosing.DayOf(time.Now(), cfg.Location()), nil
	}
	return dosing.ParseDay(v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLines(day dosing.Day, lines []dosing.DoseLine) {
	fmt.Printf("Doses for %s (%d)\n", day, len(lines))
	fmt.Printf("%-20s %-12s %-24s %-10s %-8s %s\n", "PATIENT", "RX", "MEDICATION", "SLOT", "STATUS", "OPERATOR")
	for _, l := range lines {
		fmt.Printf("%-20s %-12s %-24s %-10s %-8s %s\n",
			l.PatientName, l.PrescriptionID, l.MedicationName+" "+l.Dosage, l.Slot, l.Status, l.Operator)
	}
}

func printGrid(day dosing.Day, rows []dosing.GridRow) {
	fmt.Printf("Doses for %s\n", day)
	fmt.Printf("%-20s %-24s", "PATIENT", "MEDICATION")
	for _, s := range dosing.Slots {
		fmt.Printf(" %-10s", s)
	}
	fmt.Println()
	for _, row := range rows {
		fmt.Printf("%-20s %-24s", row.PatientName, row.MedicationName+" "+row.Dosage)
		for _, s := range dosing.Slots {
			cell := "-"
			if st, ok := row.Cell(s); ok {
				cell = string(st)
			}
			fmt.Printf(" %-10s", cell)
		}
		fmt.Println()
	}
}
