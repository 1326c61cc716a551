package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chatlog-pipeline/internal/app"
	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/config"
	"chatlog-pipeline/internal/infra/db"
	logpkg "chatlog-pipeline/internal/infra/log"
	"chatlog-pipeline/internal/usecase/ingest"
	"chatlog-pipeline/internal/usecase/pipeline"
)

// errPermanentFailures завершает процесс с ненулевым кодом без повторного вывода ошибки.
var errPermanentFailures = errors.New("есть выгрузки с окончательной ошибкой")

var (
	cfg    config.AppConfig
	logger zerolog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errPermanentFailures) {
			fmt.Fprintln(os.Stderr, "ошибка:", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "chatlog",
	Short:         "Обработка выгрузок переписки учебных групп",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logger = logpkg.New(os.Stderr, cfg.AppEnv)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd, runCmd, reprocessCmd, listCmd, retryCmd, membersCmd, migrateCmd)
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// --- ingest ---

var ingestFlags struct {
	product string
	period  string
	group   string
	date    string
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Загрузить выгрузки переписки",
	Long: "Загружает файлы выгрузок. Без флагов ключ берётся из имени файла " +
		"<линейка>_<поток>_<группа>_<ГГГГ-ММ-ДД>.txt.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		explicit := ingestFlags.product != "" || ingestFlags.period != "" || ingestFlags.group != "" || ingestFlags.date != ""
		if explicit && len(args) > 1 {
			return errors.New("ключ выгрузки задаётся флагами только для одного файла")
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("чтение %s: %w", path, err)
				}
				var res ingest.Result
				if explicit {
					date, perr := time.ParseInLocation(domain.DateLayout, ingestFlags.date, a.Location)
					if perr != nil {
						return fmt.Errorf("дата %q: %w", ingestFlags.date, perr)
					}
					res, err = a.Ingest.Ingest(ctx, ingest.Request{
						ProductLine: ingestFlags.product,
						Period:      ingestFlags.period,
						Group:       ingestFlags.group,
						Date:        date,
						FileName:    path,
						Content:     string(data),
					})
				} else {
					res, err = a.Ingest.IngestFile(ctx, path, string(data))
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				state := "без изменений"
				if res.Changed {
					state = "ожидает обработки"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: id=%d, %s\n", path, res.ID, state)
			}
			if failed > 0 {
				return fmt.Errorf("не загружено файлов: %d", failed)
			}
			return nil
		})
	},
}

// --- run ---

var runFlags struct {
	force   bool
	dryRun  bool
	limit   int
	workers int
	delay   time.Duration
	noAI    bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Обработать ожидающие выгрузки",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			summary, err := a.Pipeline.Run(ctx, pipeline.RunOptions{
				Force:     runFlags.force,
				DryRun:    runFlags.dryRun,
				Limit:     runFlags.limit,
				Workers:   runFlags.workers,
				Delay:     runFlags.delay,
				DisableAI: runFlags.noAI,
			})
			if err != nil {
				return err
			}
			printSummary(cmd, summary)
			if summary.HasPermanentFailures() {
				return errPermanentFailures
			}
			return nil
		})
	},
}

func printSummary(cmd *cobra.Command, s pipeline.RunSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Запуск %s", s.RunID)
	if s.DryRun {
		fmt.Fprint(out, " (пробный прогон)")
	}
	fmt.Fprintf(out, "\nОбработано: %d, ошибок: %d, пропущено: %d, в очереди повторов: %d\n",
		s.Processed, s.Failed, s.Skipped, s.RetryQueued)
	categories := make([]string, 0, len(s.TotalsByCategory))
	for k, n := range s.TotalsByCategory {
		if n > 0 {
			categories = append(categories, k)
		}
	}
	sort.Strings(categories)
	for _, k := range categories {
		fmt.Fprintf(out, "  %s: %d\n", k, s.TotalsByCategory[k])
	}
	for _, e := range s.Errors {
		fmt.Fprintf(out, "  ! %s: %s\n", e.FileName, e.Error)
	}
	if s.ErrorsDropped > 0 {
		fmt.Fprintf(out, "  ...и ещё %d\n", s.ErrorsDropped)
	}
}

// --- reprocess ---

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <id|file>",
	Short: "Повторно обработать одну выгрузку",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			var (
				res pipeline.ReprocessResult
				err error
			)
			if id, perr := strconv.ParseInt(args[0], 10, 64); perr == nil {
				res, err = a.Pipeline.ReprocessOne(ctx, id)
			} else {
				res, err = a.Pipeline.ReprocessByFileName(ctx, args[0])
			}
			if err != nil {
				return err
			}
			if !res.OK {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ошибка: %s\n", args[0], res.Error)
				return errPermanentFailures
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: обработана\n", args[0])
			return nil
		})
	},
}

// --- list ---

var listFlags struct {
	status string
	limit  int
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Показать выгрузки в заданном статусе",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := domain.ParseStatus(listFlags.status)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			records, err := a.Pipeline.ListByStatus(ctx, status, listFlags.limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tФАЙЛ\tСТАТУС\tСООБЩЕНИЙ\tПРИЧИНА")
			for _, rec := range records {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", rec.ID, rec.FileName, rec.Status, rec.MessageCount, rec.StatusReason)
			}
			return w.Flush()
		})
	},
}

// --- retry ---

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Обработать наступившие записи очереди повторов",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			sum, err := a.Pipeline.SweepRetries(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Захвачено: %d, успешно: %d, отложено: %d, окончательно: %d\n",
				sum.Claimed, sum.Done, sum.Rescheduled, sum.Failed)
			if sum.Failed > 0 {
				return errPermanentFailures
			}
			return nil
		})
	},
}

// --- members ---

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Управление участниками",
}

var membersMergeCmd = &cobra.Command{
	Use:   "merge <keep-id> <duplicate-id>",
	Short: "Объединить дубликат участника с основной записью",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("id участника %q: %w", args[0], err)
		}
		dup, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("id участника %q: %w", args[1], err)
		}
		if keep == dup {
			return errors.New("нельзя объединить участника с самим собой")
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Writer.MergeMembers(ctx, keep, dup); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Участник %d объединён с %d\n", dup, keep)
			return nil
		})
	},
}

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Применить миграции схемы",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := db.Connect(cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		applied, err := db.Migrate(cmd.Context(), pool, logpkg.Component(logger, "db"))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Применено миграций: %d, версия схемы: %d\n", applied, db.LatestVersion())
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFlags.product, "product", "", "продуктовая линейка")
	ingestCmd.Flags().StringVar(&ingestFlags.period, "period", "", "поток")
	ingestCmd.Flags().StringVar(&ingestFlags.group, "group", "", "группа")
	ingestCmd.Flags().StringVar(&ingestFlags.date, "date", "", "дата переписки, ГГГГ-ММ-ДД")

	runCmd.Flags().BoolVar(&runFlags.force, "force", false, "сбросить обработанные выгрузки в pending")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "извлечь факты без записи")
	runCmd.Flags().IntVar(&runFlags.limit, "limit", 0, "максимум выгрузок за запуск, 0 без ограничения")
	runCmd.Flags().IntVar(&runFlags.workers, "workers", 0, "число обработчиков, 0 из конфига")
	runCmd.Flags().DurationVar(&runFlags.delay, "delay", 0, "пауза обработчика между выгрузками")
	runCmd.Flags().BoolVar(&runFlags.noAI, "no-ai", false, "только правила, без модели")

	listCmd.Flags().StringVar(&listFlags.status, "status", string(domain.StatusFailed), "статус выгрузок")
	listCmd.Flags().IntVar(&listFlags.limit, "limit", 100, "максимум строк")

	membersCmd.AddCommand(membersMergeCmd)
}
