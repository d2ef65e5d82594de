package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/forgeline-labs/forgeline/internal/appconfig"
	"github.com/forgeline-labs/forgeline/internal/archive"
	"github.com/forgeline-labs/forgeline/internal/branding"
	"github.com/forgeline-labs/forgeline/internal/credentials"
	"github.com/forgeline-labs/forgeline/internal/engine"
	"github.com/forgeline-labs/forgeline/internal/gitsource"
	"github.com/forgeline-labs/forgeline/internal/imagebuild"
	"github.com/forgeline-labs/forgeline/internal/platform/auditlog"
	"github.com/forgeline-labs/forgeline/internal/platform/auth"
	"github.com/forgeline-labs/forgeline/internal/platform/env"
	"github.com/forgeline-labs/forgeline/internal/platform/httpserver"
	"github.com/forgeline-labs/forgeline/internal/platform/postgres"
	"github.com/forgeline-labs/forgeline/internal/registry"
	repopg "github.com/forgeline-labs/forgeline/internal/repo/postgres"
	"github.com/forgeline-labs/forgeline/internal/service/outputs"
	"github.com/forgeline-labs/forgeline/internal/service/runs"
	"github.com/forgeline-labs/forgeline/internal/service/stats"
	"github.com/forgeline-labs/forgeline/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("PIPELINES_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("PIPELINES_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}

	backend := strings.ToLower(strings.TrimSpace(env.String("PIPELINES_STORE_BACKEND", "minio")))
	var store objectstore.Store
	var storeCheck func(ctx context.Context) error
	switch backend {
	case "minio":
		minioStore, err := objectstore.NewMinioStore(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := minioStore.EnsureBuckets(startupCtx, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()
		store = minioStore
		storeCheck = func(ctx context.Context) error {
			return minioStore.CheckBuckets(ctx, storeCfg)
		}
	case "fs":
		storeDir := env.String("PIPELINES_STORE_DIR", filepath.Join(os.TempDir(), "forgeline-objects"))
		fsStore, err := objectstore.NewFSStore(storeDir)
		if err != nil {
			logger.Error("fs store init failed", "error", err)
			os.Exit(2)
		}
		store = fsStore
		storeCheck = func(ctx context.Context) error {
			return objectstore.Check(ctx, fsStore, storeCfg.BucketArtifacts)
		}
	default:
		logger.Error("unsupported store backend", "backend", backend)
		os.Exit(2)
	}

	var sealer *credentials.Cipher
	if encoded := strings.TrimSpace(env.String("PIPELINES_CREDENTIALS_KEY", "")); encoded != "" {
		key, err := credentials.ParseKey(encoded)
		if err != nil {
			logger.Error("invalid credentials key", "error", err)
			os.Exit(2)
		}
		sealer, err = credentials.NewCipher(key)
		if err != nil {
			logger.Error("invalid credentials key", "error", err)
			os.Exit(2)
		}
	} else {
		logger.Warn("credentials key not set; sources and registries cannot carry secrets", "env", "PIPELINES_CREDENTIALS_KEY")
	}

	buildTimeout, err := env.Duration("PIPELINES_BUILD_TIMEOUT", time.Hour)
	if err != nil {
		logger.Error("invalid build timeout", "error", err)
		os.Exit(2)
	}
	maxConcurrent, err := env.Int("PIPELINES_MAX_CONCURRENT_BUILDS", 3)
	if err != nil {
		logger.Error("invalid max concurrent builds", "error", err)
		os.Exit(2)
	}
	zipRetention, err := env.Duration("PIPELINES_ZIP_RETENTION", 7*24*time.Hour)
	if err != nil {
		logger.Error("invalid zip retention", "error", err)
		os.Exit(2)
	}
	imageRetention, err := env.Duration("PIPELINES_IMAGE_RETENTION", 24*time.Hour)
	if err != nil {
		logger.Error("invalid image retention", "error", err)
		os.Exit(2)
	}
	cleanupInterval, err := env.Duration("PIPELINES_CLEANUP_INTERVAL", time.Hour)
	if err != nil {
		logger.Error("invalid cleanup interval", "error", err)
		os.Exit(2)
	}
	registryPlainHTTP, err := env.Bool("PIPELINES_REGISTRY_PLAIN_HTTP", false)
	if err != nil {
		logger.Error("invalid registry plain http flag", "error", err)
		os.Exit(2)
	}

	allowedHosts := env.List("PIPELINES_GIT_ALLOWED_HOSTS", nil)
	dockerEndpoint := env.String("PIPELINES_DOCKER_ENDPOINT", "")
	profilesDir := env.String("PIPELINES_CONFIG_PROFILES_DIR", "")

	builder, err := imagebuild.NewDockerBuilder(dockerEndpoint)
	if err != nil {
		logger.Error("docker builder init failed", "error", err)
		os.Exit(2)
	}
	publisher, err := registry.NewDockerPublisher(dockerEndpoint)
	if err != nil {
		logger.Error("docker publisher init failed", "error", err)
		os.Exit(2)
	}
	cloner := &gitsource.Cloner{AllowedHosts: allowedHosts}
	credSource := &registry.CredentialSource{ECR: registry.NewECRTokenProvider()}
	var secrets engine.Decrypter
	if sealer != nil {
		credSource.Cipher = sealer
		secrets = sealer
	}

	runStore := repopg.NewRunStore(db)
	outputStore := repopg.NewOutputStore(db)
	sourceStore := repopg.NewSourceStore(db)
	registryStore := repopg.NewRegistryStore(db)
	templateStore := repopg.NewTemplateStore(db)

	eng, err := engine.New(engine.Config{
		WorkspaceRoot:  env.String("PIPELINES_WORKSPACE_ROOT", ""),
		DefaultRepoURL: env.String("PIPELINES_DEFAULT_REPO_URL", ""),
		DefaultBranch:  env.String("PIPELINES_DEFAULT_BRANCH", "main"),
		BuildTimeout:   buildTimeout,
		MaxConcurrent:  maxConcurrent,
		ZipRetention:   zipRetention,
		ImageRetention: imageRetention,
		ImageName:      env.String("PIPELINES_IMAGE_NAME", "forgeline/custom-build"),
	}, engine.Deps{
		Runs:        runStore,
		Outputs:     outputStore,
		Sources:     sourceStore,
		Registries:  registryStore,
		Templates:   templateStore,
		Cloner:      cloner,
		Branding:    &branding.Applier{Store: store, Bucket: storeCfg.BucketAssets},
		AppConfig:   &appconfig.Applier{Dir: profilesDir},
		Packager:    &archive.Builder{Store: store, Bucket: storeCfg.BucketArtifacts},
		Builder:     builder,
		Publisher:   publisher,
		Credentials: credSource,
		Secrets:     secrets,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	runSvc := runs.New(runStore, outputStore, sourceStore, registryStore, templateStore, store, storeCfg.BucketArtifacts, builder)
	outputSvc := outputs.New(outputStore, store, storeCfg.BucketArtifacts, builder)
	statsSvc := stats.New(runStore, outputStore)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("pipelines"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"pipelines",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "objectstore",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return storeCheck(checkCtx)
				},
			},
		),
	)

	api := newPipelinesAPI(
		logger,
		db,
		store,
		storeCfg,
		runSvc,
		outputSvc,
		statsSvc,
		eng,
		sourceStore,
		registryStore,
		templateStore,
		sealer,
		cloner,
		&registry.Verifier{PlainHTTP: registryPlainHTTP},
		credSource,
		allowedHosts,
	)
	api.register(mux)

	startCleanupJanitor(ctx, logger, outputSvc, cleanupInterval)

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var handler http.Handler = mux
	if authCfg.Mode != auth.ModeDisabled {
		var authenticator auth.Authenticator
		if authCfg.Mode == auth.ModeOIDC {
			oidcService, err := auth.NewOIDCService(ctx, authCfg)
			if err != nil {
				logger.Error("oidc init failed", "error", err)
				os.Exit(2)
			}
			authenticator = oidcService
		} else {
			authenticator = auth.NewDevAuthenticator(authCfg)
		}
		var authorize auth.AuthorizeFunc
		if role := strings.TrimSpace(env.String("PIPELINES_AUTH_ROLE", "admin")); role != "" {
			authorize = auth.RequireRole(role)
		}
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     authorize,
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return auditlog.InsertAuthDeny(auditCtx, db, "pipelines", event)
			},
			SkipPrefixes: []string{"/healthz", "/readyz"},
		}.Wrap(mux)
	}

	cfg := httpserver.Config{
		Service:         "pipelines",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "pipelines", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
