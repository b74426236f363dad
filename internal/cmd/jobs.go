package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/internal/config"
	"github.com/3leaps/geoxfer/internal/observability"
	"github.com/3leaps/geoxfer/pkg/job"
	"github.com/3leaps/geoxfer/pkg/jobstore"
	"github.com/3leaps/geoxfer/pkg/manifest"
	"github.com/3leaps/geoxfer/pkg/orchestrator"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage import and export jobs",
	Long: `Manage jobs in the configured job store.

Commands that change a job record it in the store; a running
'geoxfer serve' against the same store picks the change up on its next
poll. Use --json for machine-readable output.`,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job from a manifest",
	Long: `Create a job from a YAML or JSON job manifest and start it.

Examples:
  geoxfer jobs create -f import.yaml
  geoxfer jobs create -f steps.json --no-start`,
	RunE: runJobsCreate,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStartCmd = &cobra.Command{
	Use:   "start <job_id>",
	Short: "Start a waiting job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobCommand(cmd, args[0], "started", (*orchestrator.Scheduler).Start)
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Retry a failed or aborted job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobCommand(cmd, args[0], "retried", (*orchestrator.Scheduler).Retry)
	},
}

var jobsAbortCmd = &cobra.Command{
	Use:   "abort <job_id>",
	Short: "Abort a job and cancel its running operations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobCommand(cmd, args[0], "aborted", (*orchestrator.Scheduler).Abort)
	},
}

var jobsResolveCmd = &cobra.Command{
	Use:   "resolve <job_id> <step_id> <succeeded|failed|resume>",
	Short: "Resolve a step in unknown state",
	Args:  cobra.ExactArgs(3),
	RunE:  runJobsResolve,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete expired jobs and their stored objects",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsCreateCmd, jobsListCmd, jobsStatusCmd, jobsStartCmd,
		jobsRetryCmd, jobsAbortCmd, jobsResolveCmd, jobsGCCmd)

	jobsCreateCmd.Flags().StringP("file", "f", "", "Job manifest path (required)")
	_ = jobsCreateCmd.MarkFlagRequired("file")
	jobsCreateCmd.Flags().Bool("no-start", false, "Store the job waiting instead of starting it")
	jobsCreateCmd.Flags().Bool("json", false, "Output as JSON")

	jobsListCmd.Flags().String("type", "", "Filter by job type: Import, Steps or Composite")
	jobsListCmd.Flags().String("status", "", "Filter by comma-separated statuses")
	jobsListCmd.Flags().String("key", "", "Filter by source or target descriptor key")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")

	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

func jobsContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withStore runs fn against the job store alone.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *jobstore.Store) error) error {
	ctx := jobsContext(cmd)
	cfg, err := loadConfig(ctx, cmd, nil)
	if err != nil {
		return err
	}
	objects, err := openObjects(ctx, cfg.Objects)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open object store", err)
	}
	store, _, err := openStore(ctx, cfg, objects, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, store)
}

// withEngine runs fn against a scheduler wired to every backend. The
// scheduler does not run; commands only record state changes.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine) error) error {
	ctx := jobsContext(cmd)
	cfg, err := loadConfig(ctx, cmd, nil)
	if err != nil {
		return err
	}
	e, err := openEngine(ctx, cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open backends", err)
	}
	defer e.Close()
	return fn(ctx, e)
}

func runJobsCreate(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	noStart, _ := cmd.Flags().GetBool("no-start")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	m, err := manifest.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return exitError(foundry.ExitFileNotFound, "Manifest not found", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	j, err := m.ToJob(time.Now().UTC())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		submit := e.scheduler.Submit
		if noStart {
			submit = e.scheduler.Create
		}
		if err := submit(ctx, j); err != nil {
			return err
		}
		stored, err := e.scheduler.Get(ctx, j.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, stored)
		}
		_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\nstatus=%s\n", stored.ID, stored.Status)
		return nil
	})
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	typ, _ := cmd.Flags().GetString("type")
	rawStatus, _ := cmd.Flags().GetString("status")
	key, _ := cmd.Flags().GetString("key")

	statuses, err := parseStatuses(rawStatus)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --status", err)
	}
	f := jobstore.Filter{Type: job.Type(typ), Statuses: statuses, Key: key}

	return withStore(cmd, func(ctx context.Context, store *jobstore.Store) error {
		jobs, err := store.List(ctx, f)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, jobs)
		}
		if len(jobs) == 0 {
			_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
			return nil
		}
		return writeJobTable(os.Stdout, jobs)
	})
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	id := strings.TrimSpace(args[0])

	return withStore(cmd, func(ctx context.Context, store *jobstore.Store) error {
		j, err := store.GetExpanded(ctx, id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, j)
		}
		writeJobStatus(os.Stdout, j)
		return nil
	})
}

func runJobCommand(cmd *cobra.Command, id, verb string, run func(*orchestrator.Scheduler, context.Context, string) error) error {
	id = strings.TrimSpace(id)
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		if err := run(e.scheduler, ctx, id); err != nil {
			return err
		}
		observability.CLILogger.Info("job "+verb, zap.String("job_id", id))
		_, _ = fmt.Fprintf(os.Stdout, "job %s %s\n", id, verb)
		return nil
	})
}

func runJobsResolve(cmd *cobra.Command, args []string) error {
	jobID, stepID := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
	action := orchestrator.Resolution(strings.ToLower(strings.TrimSpace(args[2])))
	if !action.Valid() {
		return exitError(foundry.ExitInvalidArgument, "Invalid resolution",
			fmt.Errorf("unknown action %q", args[2]))
	}
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		if err := e.scheduler.ResolveStep(ctx, jobID, stepID, action); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "step %s of job %s resolved as %s\n", stepID, jobID, action)
		return nil
	})
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		n, err := e.scheduler.GC(ctx)
		_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", n)
		return err
	})
}

func parseStatuses(raw string) ([]job.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []job.Status
	for _, s := range strings.Split(raw, ",") {
		st := job.Status(strings.ToLower(strings.TrimSpace(s)))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", s)
		}
		out = append(out, st)
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJobTable(out io.Writer, jobs []*job.Job) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB ID\tTYPE\tSTATUS\tCREATED\tUPDATED\tERROR")
	for _, j := range jobs {
		errType := j.ErrorType
		if errType == "" {
			errType = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID,
			j.Type,
			j.Status,
			formatTime(j.CreatedAt),
			formatTime(j.UpdatedAt),
			errType,
		)
	}
	return w.Flush()
}

func writeJobStatus(out io.Writer, j *job.Job) {
	_, _ = fmt.Fprintf(out, "job_id=%s\n", j.ID)
	_, _ = fmt.Fprintf(out, "type=%s\n", j.Type)
	_, _ = fmt.Fprintf(out, "status=%s\n", j.Status)
	if j.LastStatus != "" {
		_, _ = fmt.Fprintf(out, "last_status=%s\n", j.LastStatus)
	}
	if j.ErrorType != "" {
		_, _ = fmt.Fprintf(out, "error_type=%s\n", j.ErrorType)
	}
	if j.ErrorDescription != "" {
		_, _ = fmt.Fprintf(out, "error_description=%s\n", j.ErrorDescription)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", formatTime(j.CreatedAt))
	_, _ = fmt.Fprintf(out, "updated_at=%s\n", formatTime(j.UpdatedAt))
	if j.TargetTable != "" {
		_, _ = fmt.Fprintf(out, "target=%s/%s\n", j.Database, j.TargetTable)
	}
	for _, o := range j.ImportObjects {
		_, _ = fmt.Fprintf(out, "file=%s status=%s bytes=%d\n", o.Filename, o.Status, o.ByteSize)
	}
	for _, s := range j.Steps {
		line := fmt.Sprintf("step=%s type=%s status=%s", s.ID, s.Type, s.Status)
		if s.ErrorCode != "" {
			line += " error=" + s.ErrorCode
		}
		_, _ = fmt.Fprintln(out, line)
	}
	for _, c := range j.ChildJobs {
		_, _ = fmt.Fprintf(out, "child=%s status=%s\n", c.ID, c.Status)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// configForDisplay reports the resolved store and object locations.
func configForDisplay(cfg *config.Config) []string {
	store := cfg.Store.Path
	if cfg.Store.URL != "" {
		store = cfg.Store.URL
	}
	objects := cfg.Objects.BaseDir
	if cfg.Objects.Provider == config.ObjectsProviderS3 {
		objects = "s3://" + cfg.Objects.Bucket
	}
	return []string{
		"store=" + cfg.Store.Driver + ":" + store,
		"objects=" + cfg.Objects.Provider + ":" + objects,
	}
}
