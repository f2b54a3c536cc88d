// Command batch is the operator surface named in spec §6: list, run,
// run-all, status, test subcommands with exit codes 0/1/2/3. Grounded on
// gitlab-runner's commands/list.go (a configOptions-embedding Command with
// an Execute method reading a loaded config) generalized from urfave/cli v1
// to v2, the version this module's go.mod carries.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/aicc6/weather-flick-batch/internal/archive"
	"github.com/aicc6/weather-flick-batch/internal/batcherr"
	"github.com/aicc6/weather-flick-batch/internal/config"
	"github.com/aicc6/weather-flick-batch/internal/governor"
	"github.com/aicc6/weather-flick-batch/internal/httpexec"
	"github.com/aicc6/weather-flick-batch/internal/jobdef"
	"github.com/aicc6/weather-flick-batch/internal/jobs"
	"github.com/aicc6/weather-flick-batch/internal/keyregistry"
	"github.com/aicc6/weather-flick-batch/internal/ledger"
	"github.com/aicc6/weather-flick-batch/internal/logging"
	"github.com/aicc6/weather-flick-batch/internal/notify"
	"github.com/aicc6/weather-flick-batch/internal/quality"
	"github.com/aicc6/weather-flick-batch/internal/scheduler"
	"github.com/aicc6/weather-flick-batch/internal/store"
	"github.com/aicc6/weather-flick-batch/internal/upsert"
)

// exit codes per spec §6.
const (
	exitSuccess        = 0
	exitGenericFailure = 1
	exitMisuse         = 2
	exitQuotaExhausted = 3
)

type app struct {
	cfg      *config.Config
	log      *logging.Logger
	db       *store.DB
	registry *keyregistry.Registry
	gov      *governor.Governor
	executor *httpexec.Executor
	engine   *upsert.Engine
	gate     *quality.Gate
	ledger   *ledger.Ledger
	jobdefs  *jobdef.Registry
}

func main() {
	os.Exit(run())
}

func run() int {
	cliApp := &cli.App{
		Name:  "batch",
		Usage: "tourism and weather batch ingestion operator surface",
		Commands: []*cli.Command{
			{Name: "list", Usage: "list registered job definitions", Action: actionList},
			{Name: "run", Usage: "run a single job by id", ArgsUsage: "<job-id>", Action: actionRun},
			{Name: "run-all", Usage: "run every enabled job once", Action: actionRunAll},
			{Name: "status", Usage: "print last execution status per job", Action: actionStatus},
			{Name: "test", Usage: "validate config and provider connectivity without writing data", Action: actionTest},
			{Name: "serve", Usage: "run the scheduler daemon: cron/interval triggers, dependency checks, retry with backoff", Action: actionServe},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return exitSuccess
}

func exitCodeFor(err error) int {
	switch batcherr.KindOf(err) {
	case batcherr.KindQuotaExhausted:
		return exitQuotaExhausted
	case batcherr.KindValidation, batcherr.KindConfigError:
		return exitMisuse
	default:
		return exitGenericFailure
	}
}

func bootstrap() (*app, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	var quotaStore keyregistry.QuotaStore
	if cfg.Redis.Enabled {
		quotaStore = keyregistry.NewRedisQuotaStore(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB}), "batch:quota")
	} else {
		quotaStore = keyregistry.NewInMemoryQuotaStore()
	}

	registry := keyregistry.New(quotaStore, cfg.Location())
	ctx := context.Background()
	if err := registry.LoadKeys(ctx, keyregistry.ProviderKTO, cfg.KTO.Keys, cfg.KTO.DailyQuota); err != nil {
		return nil, err
	}
	if err := registry.LoadKeys(ctx, keyregistry.ProviderKMA, cfg.KMA.Keys, cfg.KMA.DailyQuota); err != nil {
		return nil, err
	}

	gov := governor.New(cfg.Batch.GlobalMaxInFlight, cfg.Batch.GlobalRatePerSecond)
	archiver := archive.New(db.SQL)
	if cfg.Archive.S3Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Archive.S3Region))
		if err != nil {
			return nil, batcherr.New(batcherr.KindConfigError, "bootstrap", err)
		}
		archiver = archiver.WithS3Overflow(s3.NewFromConfig(awsCfg), cfg.Archive.S3Bucket)
	}

	executor := httpexec.New(gov, registry, archiver, log, httpexec.Options{
		BaseURLs: map[keyregistry.Provider]string{
			keyregistry.ProviderKTO: cfg.KTO.BaseURL,
			keyregistry.ProviderKMA: cfg.KMA.BaseURL,
		},
	})

	ldg := ledger.New(db.Gorm)
	if err := ldg.AutoMigrate(); err != nil {
		return nil, err
	}

	gate := quality.New(db.SQL, cfg.Quality.OverallThreshold)
	engine := upsert.New(db.SQL)
	defs := jobdef.NewRegistry()
	registerJobDefinitions(defs)

	return &app{
		cfg: cfg, log: log, db: db, registry: registry, gov: gov,
		executor: executor, engine: engine, gate: gate, ledger: ldg, jobdefs: defs,
	}, nil
}

// registerJobDefinitions is the static JobDefinition catalog (spec §3):
// one per tourism content type plus weather, each depending on nothing but
// carrying its own retry/timeout/priority policy.
func registerJobDefinitions(defs *jobdef.Registry) {
	tourismTypes := []string{"12", "14", "15", "25", "28", "32", "38", "39"}
	for _, ct := range tourismTypes {
		defs.Register(jobdef.Definition{
			ID:               "tourism_" + ct,
			DisplayName:      "Tourism content type " + ct + " harvest",
			JobType:          "harvest",
			Trigger:          jobdef.Trigger{Cron: "0 0 3 * * *"},
			Timeout:          30 * time.Minute,
			MaxRetries:       3,
			RetryBackoffBase: 30 * time.Second,
			Priority:         5,
			Enabled:          true,
		})
	}
	defs.Register(jobdef.Definition{
		ID:               "weather_forecast",
		DisplayName:      "Weather forecast harvest",
		JobType:          "harvest",
		Trigger:          jobdef.Trigger{Interval: 10 * time.Minute},
		Timeout:          5 * time.Minute,
		MaxRetries:       5,
		RetryBackoffBase: 10 * time.Second,
		Priority:         10,
		Enabled:          true,
	})
}

func actionList(c *cli.Context) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	for _, def := range a.jobdefs.All() {
		fmt.Printf("%-20s %-30s enabled=%v priority=%d\n", def.ID, def.DisplayName, def.Enabled, def.Priority)
	}
	return nil
}

func actionRun(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return batcherr.Newf(batcherr.KindValidation, "cmd.run", "usage: batch run <job-id>")
	}
	a, err := bootstrap()
	if err != nil {
		return err
	}
	def, ok := a.jobdefs.Get(id)
	if !ok {
		return batcherr.Newf(batcherr.KindValidation, "cmd.run", "unknown job id %q", id)
	}

	job := a.jobFor(def)
	exec := jobs.Run(context.Background(), job, jobs.Params{})
	if err := a.ledger.Record(context.Background(), exec); err != nil {
		a.log.WithError(err).Error("failed to record execution")
	}
	fmt.Printf("job=%s status=%s processed=%d failed=%d\n", def.ID, exec.Status, exec.ProcessedRecords, exec.FailedRecords)
	if exec.Status != jobs.StatusSuccess {
		return batcherr.New(batcherr.KindTransient, "cmd.run", errors.New(exec.ErrorMessage))
	}
	return nil
}

func actionRunAll(c *cli.Context) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	failed := false
	for _, def := range a.jobdefs.Enabled() {
		job := a.jobFor(def)
		exec := jobs.Run(context.Background(), job, jobs.Params{})
		if err := a.ledger.Record(context.Background(), exec); err != nil {
			a.log.WithError(err).Error("failed to record execution")
		}
		fmt.Printf("job=%s status=%s processed=%d failed=%d\n", def.ID, exec.Status, exec.ProcessedRecords, exec.FailedRecords)
		if exec.Status != jobs.StatusSuccess {
			failed = true
		}
	}
	if failed {
		return batcherr.Newf(batcherr.KindTransient, "cmd.run-all", "one or more jobs failed")
	}
	return nil
}

func actionStatus(c *cli.Context) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, def := range a.jobdefs.All() {
		exec, ok, err := a.ledger.LastSuccess(ctx, def.ID)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("%-20s never succeeded\n", def.ID)
			continue
		}
		fmt.Printf("%-20s last success at %s (%d records)\n", def.ID, exec.EndedAt.Format(time.RFC3339), exec.ProcessedRecords)
	}
	return nil
}

func actionTest(c *cli.Context) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	snap := a.registry.Snapshot(keyregistry.ProviderKTO)
	if snap.ActiveCount == 0 {
		return batcherr.Newf(batcherr.KindQuotaExhausted, "cmd.test", "no active KTO keys available")
	}
	fmt.Println("config valid, key registry reachable, database reachable")
	return nil
}

// jobFor builds the runnable harvest.Job for a Definition. Concrete
// per-content-type Source/Mapping wiring lives in registry.go.
func (a *app) jobFor(def jobdef.Definition) jobs.Job {
	return buildHarvestJob(a, def)
}

// actionServe starts the long-running Scheduler daemon: cron/interval
// triggers, dependency checks, whole-job retry with backoff, and the
// periodic key-maintenance probe tick. The five subcommands above remain
// one-shot operator actions against the same JobDefinition catalog; serve
// is the process that actually fires them unattended.
func actionServe(c *cli.Context) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}

	sink := buildNotifySink(a)
	sched := scheduler.New(a.jobdefs, a.ledger, sink, a.jobFor, a.log, scheduler.Options{
		WorkerPoolSize: a.cfg.Scheduler.WorkerPoolSize,
		Location:       a.cfg.Location(),
	})
	sched.WithKeyMaintenance(a.registry, keyregistry.ProviderKTO, buildProber(a, keyregistry.ProviderKTO))
	sched.WithKeyMaintenance(a.registry, keyregistry.ProviderKMA, buildProber(a, keyregistry.ProviderKMA))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		return err
	}

	a.log.Info("scheduler started, waiting for triggers")
	select {} // runs until the process is signaled; shutdown handling is the supervisor's concern
}

func buildProber(a *app, provider keyregistry.Provider) keyregistry.Prober {
	endpoint := map[keyregistry.Provider]string{
		keyregistry.ProviderKTO: "/KorService2/areaCode2",
		keyregistry.ProviderKMA: "/VilageFcstInfoService_2.0/getVilageFcst",
	}[provider]

	return func(ctx context.Context, p keyregistry.Provider, key *keyregistry.ApiKey) bool {
		err := a.executor.Probe(ctx, p, key, endpoint, map[string]string{"numOfRows": "1"})
		return err == nil
	}
}

// buildNotifySink wires the primary egress per cfg.Notification.Driver,
// falling back to log-only when the driver can't connect, then wraps the
// result in the cooldown dedup (spec §6 "delivered at-most-once per
// distinct incident within a configurable cooldown").
func buildNotifySink(a *app) notify.Sink {
	logSink := notify.NewLogSink(a.log.Logger)

	var primary notify.Sink = logSink
	if a.cfg.Notification.Driver == "nats" && a.cfg.Notification.NATSURL != "" {
		if conn, err := nats.Connect(a.cfg.Notification.NATSURL); err == nil {
			if js, err := conn.JetStream(); err == nil {
				natsSink := notify.NewNatsSink(js, "alerts.batch", "BATCH_ALERTS")
				primary = notify.NewFallback(natsSink, logSink)
			}
		} else {
			a.log.WithError(err).Warn("notification driver nats unreachable, falling back to log-only")
		}
	}

	return notify.NewDedup(primary, time.Duration(a.cfg.Notification.CooldownSecs)*time.Second)
}
