package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/crm"
	"github.com/sells-group/dedupe-cli/internal/dedupe"
	"github.com/sells-group/dedupe-cli/internal/export"
	"github.com/sells-group/dedupe-cli/internal/lock"
	"github.com/sells-group/dedupe-cli/internal/merge"
	"github.com/sells-group/dedupe-cli/internal/process"
	"github.com/sells-group/dedupe-cli/internal/quota"
	"github.com/sells-group/dedupe-cli/internal/resilience"
	"github.com/sells-group/dedupe-cli/internal/store"
	"github.com/sells-group/dedupe-cli/pkg/hubspot"
	"github.com/sells-group/dedupe-cli/pkg/salesforce"
)

// engineEnv holds the store, CRM client, runner and resolver needed by the
// serve/worker/run commands.
type engineEnv struct {
	Store    store.Store
	CRM      *crm.Resilient
	Gate     *quota.Gate
	Steps    *process.Steps
	Runner   *process.Runner
	Resolver *merge.Resolver

	local    *process.LocalExecutor // nil with the temporal engine
	temporal client.Client          // nil with the local engine
	redis    *lock.Redis            // nil with the local lock
}

// Close releases resources held by the environment. Local runs still in
// flight are cancelled and awaited first.
func (e *engineEnv) Close() {
	if e.local != nil {
		_ = e.local.Close()
	}
	if e.temporal != nil {
		e.temporal.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine validates the config for mode and wires every component.
// Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &engineEnv{}
	fail := func(err error) (*engineEnv, error) {
		env.Close()
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st
	if err := st.Migrate(ctx); err != nil {
		return fail(eris.Wrap(err, "migrate store"))
	}

	crmClient, err := initCRM()
	if err != nil {
		return fail(err)
	}
	env.CRM = crmClient

	locker, err := initLocker(ctx, env)
	if err != nil {
		return fail(err)
	}

	exporter, err := initExporter(ctx)
	if err != nil {
		return fail(err)
	}

	detector, err := dedupe.NewDetector(cfg.Dedupe.Rules, dedupe.Options{MinNameLength: cfg.Dedupe.MinNameLength})
	if err != nil {
		return fail(err)
	}

	env.Gate = quota.NewGate(st, st, quota.Limits{
		FreeContactLimit:    cfg.Quota.FreeContactLimit,
		FreeMergeGroupLimit: cfg.Quota.FreeMergeGroupLimit,
	})
	env.Steps = process.NewSteps(st, crmClient, env.Gate, detector, exporter)

	executor, err := initExecutor(env)
	if err != nil {
		return fail(err)
	}
	env.Runner = process.NewRunner(st, env.Gate, executor)

	env.Resolver = merge.NewResolver(st, crmClient, env.Gate, locker, env.Runner, merge.Options{
		DeleteConcurrency: cfg.Merge.DeleteConcurrency,
		LockTTL:           time.Duration(cfg.Lock.TTLSecs) * time.Second,
		CallBudget:        crmClient.CallBudget(),
		DLQMaxRetries:     cfg.Merge.DLQMaxRetries,
		DLQBatchSize:      cfg.Merge.DLQBatchSize,
	})

	zap.L().Info("engine initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("crm", cfg.CRM.Provider),
		zap.String("runner", cfg.Runner.Engine),
		zap.String("lock", cfg.Lock.Driver),
		zap.String("export", cfg.Export.Driver),
	)
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "dedupe.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initCRM() (*crm.Resilient, error) {
	var next crm.Client
	switch cfg.CRM.Provider {
	case "hubspot":
		next = crm.NewHubSpot(
			crm.Tokens{Default: cfg.CRM.HubSpot.Token, PerTenant: cfg.CRM.HubSpot.TenantTokens},
			cfg.CRM.PageSize,
			cfg.CRM.HubSpot.Properties,
			hubspot.WithBaseURL(cfg.CRM.HubSpot.BaseURL),
			hubspot.WithRateLimit(cfg.CRM.RateLimit),
		)
	case "salesforce":
		next = crm.NewSalesforce(
			cfg.CRM.Salesforce.Domain,
			crm.Tokens{Default: cfg.CRM.Salesforce.AccessToken, PerTenant: cfg.CRM.Salesforce.TenantTokens},
			cfg.CRM.PageSize,
			salesforce.WithRateLimit(cfg.CRM.RateLimit),
		)
	default:
		return nil, eris.Errorf("unsupported crm provider: %s", cfg.CRM.Provider)
	}

	r := cfg.Resilience
	return crm.NewResilient(next, crm.ResilientOptions{
		Provider:    cfg.CRM.Provider,
		CallTimeout: time.Duration(cfg.CRM.CallTimeoutSecs) * time.Second,
		Retry:       resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs),
		Breaker:     resilience.FromCircuitConfig(r.FailureThreshold, r.ResetTimeoutSecs),
	}), nil
}

func initLocker(ctx context.Context, env *engineEnv) (lock.Locker, error) {
	switch cfg.Lock.Driver {
	case "local":
		return lock.NewLocal(), nil
	case "redis":
		r, err := lock.DialRedis(ctx, cfg.Lock.RedisURL, "dedupe")
		if err != nil {
			return nil, err
		}
		env.redis = r
		return r, nil
	default:
		return nil, eris.Errorf("unsupported lock driver: %s", cfg.Lock.Driver)
	}
}

func initExporter(ctx context.Context) (*export.Exporter, error) {
	switch cfg.Export.Driver {
	case "file":
		return export.NewExporter(export.NewFileSink(cfg.Export.Dir)), nil
	case "s3":
		sink, err := export.NewS3Sink(ctx, export.S3Config{
			Bucket:   cfg.Export.S3.Bucket,
			Prefix:   cfg.Export.S3.Prefix,
			Region:   cfg.Export.S3.Region,
			Endpoint: cfg.Export.S3.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return export.NewExporter(sink), nil
	default:
		return nil, eris.Errorf("unsupported export driver: %s", cfg.Export.Driver)
	}
}

func initExecutor(env *engineEnv) (process.Executor, error) {
	switch cfg.Runner.Engine {
	case "local":
		env.local = process.NewLocalExecutor(env.Steps)
		return env.local, nil
	case "temporal":
		c, err := process.Dial(cfg.Runner.Temporal.HostPort, cfg.Runner.Temporal.Namespace)
		if err != nil {
			return nil, err
		}
		env.temporal = c
		return process.NewTemporalExecutor(c, cfg.Runner.Temporal.TaskQueue, process.DefaultStepTimeout), nil
	default:
		return nil, eris.Errorf("unsupported runner engine: %s", cfg.Runner.Engine)
	}
}

func staleAfter() time.Duration {
	return time.Duration(cfg.Runner.StaleAfterMins) * time.Minute
}
