package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pdcare/pdcare/internal/config"
	"github.com/pdcare/pdcare/internal/domain/kpi"
	"github.com/pdcare/pdcare/internal/domain/patient"
	"github.com/pdcare/pdcare/internal/platform/blobstore"
	"github.com/pdcare/pdcare/internal/platform/cache"
	"github.com/pdcare/pdcare/internal/platform/db"
	"github.com/pdcare/pdcare/internal/platform/events"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pdcare-server",
		Short: "Peritoneal dialysis clinic API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())
	rootCmd.AddCommand(ingestLabsCmd())
	rootCmd.AddCommand(exportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the PD clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage clinic schema migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool, dir).Up(ctx, schema)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migration(s) to %s\n", n, schema)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status for a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return err
			}
			fmt.Printf("Migration status for %s:\n", schema)
			for _, s := range statuses {
				state := "pending"
				if s.Applied && s.AppliedAt != nil {
					state = "applied " + s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("  %03d_%s  %s\n", s.Version, s.Name, state)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			steps, _ := cmd.Flags().GetInt("steps")
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool, dir).Down(ctx, schema, steps)
			if err != nil {
				return err
			}
			fmt.Printf("Rolled back %d migration(s) on %s\n", n, schema)
			return nil
		},
	}
	downCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	downCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	downCmd.Flags().Int("steps", 1, "Number of migrations to roll back")
	cmd.AddCommand(downCmd)

	return cmd
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating clinic schema: %s\n", db.SchemaName(name))
			if err := db.CreateClinicSchema(ctx, pool, name, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Println("Clinic created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Clinic identifier (alphanumeric)")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List clinics with a schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			ids, err := db.ListClinics(ctx, pool)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	})

	return cmd
}

// ingestLabsCmd runs the Kafka lab consumer on its own, for deployments that
// keep ingestion out of the API process.
func ingestLabsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest-labs",
		Short: "Consume lab results from Kafka until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(cfg.KafkaBrokers) == 0 {
				return fmt.Errorf("KAFKA_BROKERS is required for lab ingestion")
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			bus := events.NewBus(logger)
			if cfg.KafkaAlertTopic != "" {
				pub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
				defer pub.Close()
				bus.AddSink(events.Sink{Name: "kafka", Publisher: pub, Types: []string{events.AlertRaised}})
			}
			svc := patient.NewService(patient.NewRepo(pool), blobstore.NewInMemoryBlobStore(), bus, logger)

			reader := patient.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaLabTopic, cfg.KafkaGroupID)
			logger.Info().Str("topic", cfg.KafkaLabTopic).Msg("lab ingestion started")
			return patient.NewLabIngestor(reader, svc, clinicScope(pool), logger).Run(ctx)
		},
	}
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export clinic data",
	}

	rosterCmd := &cobra.Command{
		Use:   "roster",
		Short: "Write a clinic's roster, KPIs and risk ranking to an XLSX file",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")
			out, _ := cmd.Flags().GetString("out")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if clinic == "" {
				clinic = cfg.DefaultClinic
			}
			if out == "" {
				out = "pd-roster-" + clinic + ".xlsx"
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			patients := patient.NewService(patient.NewRepo(pool), blobstore.NewInMemoryBlobStore(), events.NewBus(logger), logger)
			kpis := kpi.NewService(patients, cache.NewMemory(), 0, logger)

			var data []byte
			err = db.WithClinic(ctx, pool, clinic, func(ctx context.Context) error {
				var err error
				data, err = kpis.ExportRoster(ctx)
				return err
			})
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Printf("Wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	rosterCmd.Flags().String("clinic", "", "Clinic identifier (defaults to DEFAULT_CLINIC)")
	rosterCmd.Flags().String("out", "", "Output file (defaults to pd-roster-<clinic>.xlsx)")
	cmd.AddCommand(rosterCmd)

	return cmd
}
