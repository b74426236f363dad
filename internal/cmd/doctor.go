package cmd

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/internal/config"
	"github.com/3leaps/geoxfer/internal/observability"
	"github.com/3leaps/geoxfer/pkg/jobstore"
	"github.com/3leaps/geoxfer/pkg/pgbackend"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks against the configured job store, object store
and databases, and suggest fixes for common issues.

Examples:
  geoxfer doctor
  geoxfer doctor --skip-databases`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Bool("skip-databases", false, "Do not connect to the configured databases")
}

// checklist numbers diagnostic lines and remembers failures.
type checklist struct {
	logger *zap.Logger
	n      int
	total  int
	failed int
}

func (c *checklist) pass(what, detail string, fields ...zap.Field) {
	c.n++
	c.logger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", c.n, c.total, what, detail), fields...)
}

func (c *checklist) fail(what, detail string, err error) {
	c.n++
	c.failed++
	c.logger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", c.n, c.total, what, detail), zap.Error(err))
}

func (c *checklist) warn(what, detail string) {
	c.n++
	c.failed++
	c.logger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", c.n, c.total, what, detail))
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := jobsContext(cmd)
	skipDatabases, _ := cmd.Flags().GetBool("skip-databases")
	log := observability.CLILogger

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")

	cfg, cfgErr := config.Load(ctx)
	total := 5
	if cfgErr == nil {
		if cfg.Objects.Provider == config.ObjectsProviderS3 {
			total++
		}
		if !skipDatabases {
			total += len(cfg.Databases)
		}
	}
	c := &checklist{logger: log, total: total}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		c.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		c.warn("Go version", goVersion+" (recommended: go1.23+)")
	}

	version := crucible.GetVersion()
	if version.Crucible != "" && version.Gofulmen != "" {
		c.pass("Gofulmen and Crucible", "gofulmen v"+version.Gofulmen+", crucible v"+version.Crucible)
	} else {
		c.fail("Gofulmen and Crucible", "version information unavailable", errors.New("crucible version not embedded"))
	}

	if cfgErr != nil {
		c.fail("configuration", "cannot load configuration", cfgErr)
		return finishDoctor(c, bannerName)
	}
	c.pass("configuration", fmt.Sprintf("%v", configForDisplay(cfg)))

	objects, err := openObjects(ctx, cfg.Objects)
	if err != nil {
		c.fail("object store", "cannot open "+cfg.Objects.Provider+" store", err)
		if cfg.Objects.Provider == config.ObjectsProviderS3 {
			printAWSCredentialsHelp()
		}
	} else if _, err := objects.Scan(ctx, "geoxfer-doctor/"); err != nil {
		c.fail("object store", "cannot list objects", err)
	} else {
		c.pass("object store", cfg.Objects.Provider)
	}

	if objects != nil {
		store, _, err := openStore(ctx, cfg, objects, log)
		if err != nil {
			c.fail("job store", "cannot open "+cfg.Store.Driver+" store", err)
		} else {
			jobs, err := store.List(ctx, jobstore.Filter{})
			if err != nil {
				c.fail("job store", "cannot list jobs", err)
			} else {
				c.pass("job store", fmt.Sprintf("%d jobs", len(jobs)))
			}
			_ = store.Close()
		}
	} else {
		c.fail("job store", "skipped, no object store", err)
	}

	if cfg.Objects.Provider == config.ObjectsProviderS3 {
		checkAWSCredentials(ctx, c, cfg.Objects.Profile)
	}

	if !skipDatabases {
		for _, d := range cfg.Databases {
			db, err := pgbackend.Open(ctx, pgbackend.Config{ID: d.ID, DSN: d.DSN, Capacity: d.Capacity, MaxConns: 1})
			if err != nil {
				c.fail("database "+d.ID, "cannot connect", err)
				continue
			}
			c.pass("database "+d.ID, fmt.Sprintf("capacity %.0f", d.Capacity))
			db.Close()
		}
	}

	return finishDoctor(c, bannerName)
}

func finishDoctor(c *checklist, bannerName string) error {
	log := c.logger
	log.Info("")
	if c.failed == 0 {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
	if c.failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed",
			fmt.Errorf("%d of %d checks failed", c.failed, c.total))
	}
	return nil
}

func checkAWSCredentials(ctx context.Context, c *checklist, profile string) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		c.fail("AWS credentials", "cannot load AWS config", err)
		printAWSCredentialsHelp()
		return
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		c.fail("AWS credentials", "cannot retrieve credentials", err)
		printAWSCredentialsHelp()
		return
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	c.pass("AWS credentials", maskAccessKey(creds.AccessKeyID)+" from "+source,
		zap.String("credential_source", source))
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Set objectstore.profile to a profile from 'aws configure', or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set objectstore.endpoint")
	log.Info("and objectstore.force_path_style.")
	log.Info("")
}
