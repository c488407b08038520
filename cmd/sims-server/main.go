package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sims/sims/internal/config"
	"github.com/sims/sims/internal/domain/medication"
	"github.com/sims/sims/internal/domain/student"
	"github.com/sims/sims/internal/domain/visit"
	"github.com/sims/sims/internal/platform/db"
	"github.com/sims/sims/internal/platform/export"
	"github.com/sims/sims/internal/platform/identity"
	"github.com/sims/sims/internal/platform/sandbox"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "sims-server",
		Short: "School infirmary management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(schoolCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// connect loads config and opens the pool for one-shot commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the infirmary API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			school, _ := cmd.Flags().GetString("school")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(school)
			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("school", "default", "School whose schema is migrated")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			school, _ := cmd.Flags().GetString("school")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(school)
			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("school", "default", "School whose schema is inspected")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "school",
		Short: "Manage schools",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a school schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			dir, _ := cmd.Flags().GetString("dir")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating school schema: %s\n", db.SchemaFor(name))
			if err := db.CreateSchoolSchema(ctx, pool, name, dir); err != nil {
				return err
			}
			fmt.Println("School created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "School identifier (letters, digits, underscore)")
	createCmd.Flags().String("dir", "./migrations", "Path to migrations directory")

	cmd.AddCommand(createCmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export records to a file",
	}

	visitsCmd := &cobra.Command{
		Use:   "visits",
		Short: "Export the visit log as csv, html, pdf or xlsx",
		RunE: func(cmd *cobra.Command, args []string) error {
			school, _ := cmd.Flags().GetString("school")
			format, _ := cmd.Flags().GetString("format")
			out, _ := cmd.Flags().GetString("out")
			title, _ := cmd.Flags().GetString("title")

			query := map[string]string{}
			for _, name := range []string{"from", "to", "disposition", "emergency", "student_id"} {
				v, _ := cmd.Flags().GetString(name)
				query[name] = v
			}
			f, err := visit.ParseFilter(func(k string) string { return query[k] })
			if err != nil {
				return err
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if school == "" {
				school = cfg.DefaultSchool
			}

			ctx, release, err := db.AcquireForSchool(ctx, pool, school)
			if err != nil {
				return err
			}
			defer release()

			logger := newLogger(cfg.Env)
			svc := visit.NewService(visit.NewRepoPG(pool), nil, db.NewTransactor(pool), logger)
			rows, err := svc.ExportRows(ctx, f)
			if err != nil {
				return err
			}

			now := time.Now()
			body, _, err := export.Render(format, rows, title, now)
			if err != nil {
				return err
			}
			path := outputPath(out, format, now)
			if err := os.WriteFile(path, body, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Printf("Exported %d visit(s) to %s\n", len(rows), path)
			return nil
		},
	}
	visitsCmd.Flags().String("school", "", "School to export (defaults to DEFAULT_SCHOOL)")
	visitsCmd.Flags().String("format", "csv", "Output format: csv, html, pdf or xlsx")
	visitsCmd.Flags().String("out", "", "Output file or directory (defaults to the current directory)")
	visitsCmd.Flags().String("title", "Infirmary Visits", "Document title for html and pdf")
	visitsCmd.Flags().String("from", "", "First day, YYYY-MM-DD")
	visitsCmd.Flags().String("to", "", "Last day, YYYY-MM-DD")
	visitsCmd.Flags().String("disposition", "", "Only visits with this disposition")
	visitsCmd.Flags().String("emergency", "", "Only emergency (true) or non-emergency (false) visits")
	visitsCmd.Flags().String("student_id", "", "Only visits for this student")

	cmd.AddCommand(visitsCmd)
	return cmd
}

// outputPath resolves --out: empty means the dated default name in the
// current directory, an existing directory gets the default name inside it.
func outputPath(out, format string, now time.Time) string {
	name := export.Filename(strings.ToLower(format), now)
	if out == "" {
		return name
	}
	if info, err := os.Stat(out); err == nil && info.IsDir() {
		return filepath.Join(out, name)
	}
	return out
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo data into a school (requires DEMO_MODE=true)",
		RunE: func(cmd *cobra.Command, args []string) error {
			school, _ := cmd.Flags().GetString("school")
			seedCfg := sandbox.DefaultSeedConfig()
			seedCfg.Students, _ = cmd.Flags().GetInt("students")
			seedCfg.Grades, _ = cmd.Flags().GetInt("grades")
			seedCfg.Seed, _ = cmd.Flags().GetInt64("seed")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if !cfg.DemoMode {
				return fmt.Errorf("seed refuses to run unless DEMO_MODE=true")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if school == "" {
				school = cfg.DefaultSchool
			}

			ctx, release, err := db.AcquireForSchool(ctx, pool, school)
			if err != nil {
				return err
			}
			defer release()

			logger := newLogger(cfg.Env)
			tx := db.NewTransactor(pool)
			students := student.NewService(student.NewStudentRepoPG(pool), student.NewLookupRepoPG(pool),
				student.NewMedicalHistoryRepoPG(pool), tx)
			meds := medication.NewService(medication.NewRepoPG(pool), tx, logger)

			res, err := sandbox.NewSeeder(students, meds, logger).Seed(ctx, seedCfg)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %s: %d grades, %d classes, %d students, %d medications\n",
				db.SchemaFor(school), res.Grades, res.Classes, res.Students, res.Medications)
			return nil
		},
	}
	def := sandbox.DefaultSeedConfig()
	cmd.Flags().String("school", "", "School to seed (defaults to DEFAULT_SCHOOL)")
	cmd.Flags().Int("students", def.Students, "Number of students")
	cmd.Flags().Int("grades", def.Grades, "Number of grades")
	cmd.Flags().Int64("seed", 0, "Random seed for reproducible data (0 picks one)")
	return cmd
}

// identityConfig derives the admin API settings from the OIDC issuer. The
// user management routes are only mounted when an admin URL is configured.
func identityConfig(cfg *config.Config) (identity.Config, bool) {
	if cfg.IDPAdminURL == "" {
		return identity.Config{}, false
	}
	return identity.Config{
		AdminURL:     cfg.IDPAdminURL,
		TokenURL:     strings.TrimRight(cfg.AuthIssuer, "/") + "/protocol/openid-connect/token",
		ClientID:     cfg.AuthClientID,
		ClientSecret: cfg.IDPClientSecret,
	}, true
}
