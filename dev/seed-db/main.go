// Command seed-db creates the forgeline schema and, unless told otherwise,
// seeds demo fixtures (a branding template, a repository source, and a
// container registry) for local development. Safe to re-run: the schema is
// IF NOT EXISTS and fixtures that already exist are skipped.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/forgeline-labs/forgeline/internal/branding"
	"github.com/forgeline-labs/forgeline/internal/credentials"
	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/platform/env"
	"github.com/forgeline-labs/forgeline/internal/platform/postgres"
	repopg "github.com/forgeline-labs/forgeline/internal/repo/postgres"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id        TEXT PRIMARY KEY,
		status        TEXT NOT NULL,
		steps         JSONB NOT NULL,
		source_id     TEXT,
		output_type   TEXT NOT NULL,
		registry_id   TEXT,
		template_id   TEXT,
		config_name   TEXT,
		error_message TEXT,
		logs          TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		created_by    TEXT NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS pipeline_runs_created_at_idx ON pipeline_runs (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS pipeline_runs_status_idx ON pipeline_runs (status)`,

	`CREATE TABLE IF NOT EXISTS build_outputs (
		output_id       TEXT PRIMARY KEY,
		run_id          TEXT NOT NULL REFERENCES pipeline_runs (run_id) ON DELETE CASCADE,
		output_type     TEXT NOT NULL,
		file_path       TEXT,
		file_size_bytes BIGINT NOT NULL DEFAULT 0,
		checksum_sha256 TEXT,
		image_reference TEXT,
		download_count  BIGINT NOT NULL DEFAULT 0,
		expires_at      TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL,
		UNIQUE (run_id, output_type)
	)`,
	`CREATE INDEX IF NOT EXISTS build_outputs_expires_at_idx ON build_outputs (expires_at) WHERE expires_at IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS repository_sources (
		source_id            TEXT PRIMARY KEY,
		name                 TEXT NOT NULL UNIQUE,
		url                  TEXT NOT NULL,
		protocol             TEXT NOT NULL,
		default_branch       TEXT,
		username             TEXT,
		encrypted_credential TEXT,
		is_verified          BOOLEAN NOT NULL DEFAULT FALSE,
		last_verified_at     TIMESTAMPTZ,
		created_at           TIMESTAMPTZ NOT NULL,
		created_by           TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS container_registries (
		registry_id          TEXT PRIMARY KEY,
		name                 TEXT NOT NULL UNIQUE,
		registry_type        TEXT NOT NULL,
		base_image           TEXT NOT NULL,
		username             TEXT,
		encrypted_credential TEXT,
		aws_region           TEXT,
		is_verified          BOOLEAN NOT NULL DEFAULT FALSE,
		last_verified_at     TIMESTAMPTZ,
		created_at           TIMESTAMPTZ NOT NULL,
		created_by           TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS branding_templates (
		template_id TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT,
		app_title   TEXT,
		rules       JSONB NOT NULL,
		assets      JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		created_by  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id               BIGSERIAL PRIMARY KEY,
		occurred_at      TIMESTAMPTZ NOT NULL,
		actor            TEXT NOT NULL,
		action           TEXT NOT NULL,
		resource_type    TEXT NOT NULL,
		resource_id      TEXT NOT NULL,
		request_id       TEXT,
		ip               TEXT,
		user_agent       TEXT,
		payload          JSONB NOT NULL,
		integrity_sha256 TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_occurred_at_idx ON audit_log (occurred_at DESC)`,
}

const demoTemplateSpec = `schema: forgeline.branding.v1
name: Demo Rebrand
description: Replaces the stock product name for local development builds.
app_title: Acme Web Console
rules:
  - pattern: WebAdmin
    replacement: Acme Console
  - pattern: 'Web\s*Admin'
    replacement: Acme Console
    use_regex: true
`

func main() {
	demo := flag.Bool("demo", true, "seed demo fixtures after creating the schema")
	sourceCredential := flag.String("source-credential", "", "plaintext credential to seal into the demo source (requires PIPELINES_CREDENTIALS_KEY)")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		die("database config", err)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		die("open database", err)
	}
	defer func() { _ = db.Close() }()

	fmt.Printf("==> forgeline seed-db (database=%s)\n", redactDSN(dbCfg.URL))

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			die("apply schema", fmt.Errorf("%w\nstatement:\n%s", err, stmt))
		}
	}
	fmt.Println("==> schema is up to date")

	if !*demo {
		return
	}

	var sealer *credentials.Cipher
	if encoded := strings.TrimSpace(env.String("PIPELINES_CREDENTIALS_KEY", "")); encoded != "" {
		key, err := credentials.ParseKey(encoded)
		if err != nil {
			die("credentials key", err)
		}
		sealer, err = credentials.NewCipher(key)
		if err != nil {
			die("credentials key", err)
		}
	}
	if *sourceCredential != "" && sealer == nil {
		die("seal source credential", errors.New("PIPELINES_CREDENTIALS_KEY is not set"))
	}

	now := time.Now().UTC()

	spec, err := branding.ParseSpec([]byte(demoTemplateSpec))
	if err != nil {
		die("parse demo template spec", err)
	}
	template := spec.ToTemplate()
	template.ID = uuid.NewString()
	template.CreatedAt = now
	template.CreatedBy = "seed"
	if err := repopg.NewTemplateStore(db).CreateTemplate(ctx, template); err != nil {
		if !isUniqueViolation(err) {
			die("seed template", err)
		}
		fmt.Printf("==> template %q already present, skipping\n", template.Name)
	} else {
		fmt.Printf("==> seeded template: %s (%s)\n", template.ID, template.Name)
	}

	source := domain.RepositorySource{
		ID:            uuid.NewString(),
		Name:          "Demo WebAdmin",
		URL:           "https://github.com/forgeline-labs/webadmin-demo.git",
		Protocol:      domain.SourceProtocolHTTPS,
		DefaultBranch: "main",
		CreatedAt:     now,
		CreatedBy:     "seed",
	}
	if *sourceCredential != "" {
		sealed, err := sealer.Encrypt(*sourceCredential)
		if err != nil {
			die("seal source credential", err)
		}
		source.Username = "forgeline-bot"
		source.EncryptedCredential = sealed
	}
	if err := repopg.NewSourceStore(db).CreateSource(ctx, source); err != nil {
		if !isUniqueViolation(err) {
			die("seed source", err)
		}
		fmt.Printf("==> source %q already present, skipping\n", source.Name)
	} else {
		fmt.Printf("==> seeded source: %s (%s)\n", source.ID, source.Name)
	}

	registry := domain.ContainerRegistry{
		ID:        uuid.NewString(),
		Name:      "Demo Docker Hub",
		Type:      domain.RegistryTypeDockerHub,
		BaseImage: "forgeline/webadmin-demo",
		CreatedAt: now,
		CreatedBy: "seed",
	}
	if err := repopg.NewRegistryStore(db).CreateRegistry(ctx, registry); err != nil {
		if !isUniqueViolation(err) {
			die("seed registry", err)
		}
		fmt.Printf("==> registry %q already present, skipping\n", registry.Name)
	} else {
		fmt.Printf("==> seeded registry: %s (%s)\n", registry.ID, registry.Name)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	scheme := strings.Index(dsn, "://")
	if scheme < 0 {
		return dsn[at+1:]
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

func die(step string, err error) {
	fmt.Fprintf(os.Stderr, "seed-db: %s: %v\n", step, err)
	os.Exit(1)
}
