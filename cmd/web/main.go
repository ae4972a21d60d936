package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"examdesk/internal/app"
	"examdesk/internal/db"
	"examdesk/internal/department"
	"examdesk/internal/exam"
	"examdesk/internal/i18n"
	"examdesk/internal/question"
	"examdesk/internal/report"
	"examdesk/internal/settings"
	"examdesk/internal/upload"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "examdesk",
		Short:        "Internal exam and quiz server",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Config file (default: examdesk.yaml in . or /etc/examdesk)")
	root.PersistentFlags().String("db-driver", "", "Database driver (postgres, sqlite)")
	root.PersistentFlags().String("db-dsn", "", "Database DSN or sqlite path")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "Log format (text, json)")

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportResultsCmd())

	// "serve" is the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", "", "HTTP listen address")
	f.StringP("lang", "l", "", "Default language (en, zh)")
	f.String("static-dir", "", "Directory with the built web client")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import questions from an .xlsx or .yaml file",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	cmd.Flags().String("mode", question.ModeAppend, "Import mode (append, overwrite)")
	cmd.Flags().Bool("has-header", false, "Skip the first spreadsheet row")
	return cmd
}

func exportResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-results",
		Short: "Export exam results as an .xlsx file",
		RunE:  runExportResults,
	}
	cmd.Flags().StringP("output", "o", "exam-results.xlsx", "Output file path")
	cmd.Flags().String("department", "", "Only export results of this department")
	return cmd
}

// viperForCmd binds a command's flags, EXAMDESK_* environment variables and
// the optional config file to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	app.SetDefaults(v)

	bindings := map[string]string{
		"db-driver":  "db.driver",
		"db-dsn":     "db.dsn",
		"log-level":  "log.level",
		"log-format": "log.format",
		"addr":       "http.addr",
		"lang":       "lang",
		"static-dir": "http.static_dir",
	}
	for flag, key := range bindings {
		if fl := lookupFlag(cmd, flag); fl != nil {
			if err := v.BindPFlag(key, fl); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	v.SetEnvPrefix("EXAMDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("examdesk")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/examdesk")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if fl := cmd.Flags().Lookup(name); fl != nil {
		return fl
	}
	return cmd.InheritedFlags().Lookup(name)
}

func setup(cmd *cobra.Command) (app.Config, *logrus.Logger, error) {
	v, err := viperForCmd(cmd)
	if err != nil {
		return app.Config{}, nil, err
	}
	cfg, err := app.LoadConfig(v)
	if err != nil {
		return app.Config{}, nil, err
	}
	log, err := app.NewLogger(cfg)
	if err != nil {
		return app.Config{}, nil, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		log.WithField("path", used).Info("loaded config file")
	}
	return cfg, log, nil
}

func openDB(ctx context.Context, cfg app.Config) (*sql.DB, error) {
	conn, err := db.Open(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn, cfg.DB.Driver); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	if err := i18n.Init(cfg.Lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := settings.NewService(conn).EnsureDefaults(ctx); err != nil {
		return err
	}
	seeded, err := department.NewService(conn).EnsureSeeded(ctx, cfg.Departments)
	if err != nil {
		return err
	}
	if seeded > 0 {
		log.WithField("count", seeded).Info("seeded departments")
	}
	if cfg.AdminPassword == "" {
		log.Warn("admin.password is empty, admin login is disabled")
	}

	stager, err := upload.NewStager(upload.Config{
		Dir:      cfg.UploadDir,
		MaxBytes: cfg.UploadMaxBytes,
		MaxAge:   cfg.UploadMaxAge,
	}, log)
	if err != nil {
		return err
	}

	router, err := app.NewRouter(cfg, conn, stager, log)
	if err != nil {
		return err
	}

	jobs, err := stager.Schedule(cfg.UploadSweepSchedule)
	if err != nil {
		return err
	}
	if _, err := jobs.AddFunc("@every 10m", func() {
		if n := router.PruneLimiters(); n > 0 {
			log.WithField("removed", n).Debug("rate limit buckets pruned")
		}
	}); err != nil {
		return fmt.Errorf("schedule limiter prune: %w", err)
	}
	defer jobs.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":      cfg.HTTPAddr,
			"db_driver": cfg.DB.Driver,
			"lang":      cfg.Lang,
		}).Info("examdesk listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	mode, _ := cmd.Flags().GetString("mode")
	hasHeader, _ := cmd.Flags().GetBool("has-header")

	ctx := cmd.Context()
	conn, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer f.Close()

	rep, err := question.NewService(conn).ImportFile(ctx, args[0], f, question.ImportOptions{Mode: mode, HasHeader: hasHeader})
	if err != nil {
		return fmt.Errorf("import %s: %w", args[0], err)
	}
	for _, e := range rep.Errors {
		log.WithFields(logrus.Fields{"row": e.Row, "code": e.Code}).Warn("row rejected")
	}
	log.WithFields(logrus.Fields{
		"file":     args[0],
		"mode":     mode,
		"imported": rep.Imported,
		"rejected": len(rep.Errors),
		"total":    rep.Total,
	}).Info("questions imported")
	return nil
}

func runExportResults(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("output")
	dept, _ := cmd.Flags().GetString("department")

	ctx := cmd.Context()
	conn, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	examSvc := exam.NewService(conn, question.NewService(conn))
	data, err := report.NewService(examSvc).ExportXLSX(ctx, dept)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	log.WithFields(logrus.Fields{"path": out, "bytes": len(data)}).Info("results exported")
	return nil
}
