package step

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/geoxfer/pkg/objectstore"
	"github.com/3leaps/geoxfer/pkg/resource"
)

// TypeRunProcess runs a local program over the job's inputs.
const TypeRunProcess = "RunProcess"

// ProcessResource is the default resource local processes are accounted under.
const ProcessResource = "local"

const maxProcessOutputTail = 4096

// RunProcessConfig is the persisted configuration of a RunProcess step.
//
// Args may reference ${INPUT_DIR}, ${OUTPUT_DIR}, ${JOB_ID} and ${STEP_ID}.
type RunProcessConfig struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ExpectInputs   bool              `json:"expect_inputs,omitempty"`
	Resource       string            `json:"resource,omitempty"`
	EstimatedUnits float64           `json:"estimated_units,omitempty"`
}

// RunProcess is a synchronous step that downloads the job's inputs, runs a
// program and uploads whatever the program wrote to its output directory.
// It cannot be resumed or cancelled once started.
type RunProcess struct {
	*Base
	objects objectstore.Store
	cfg     RunProcessConfig
	workDir string
}

var _ Step = (*RunProcess)(nil)

func newRunProcess(rec *Record, deps Deps) (Step, error) {
	var cfg RunProcessConfig
	if len(rec.Config) > 0 {
		if err := json.Unmarshal(rec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s config: %w", TypeRunProcess, err)
		}
	}
	if cfg.Resource == "" {
		cfg.Resource = ProcessResource
	}
	if cfg.EstimatedUnits == 0 {
		cfg.EstimatedUnits = 1
	}
	return &RunProcess{
		Base:    NewBase(rec, Sync, deps.Ledger, deps.Logger),
		objects: deps.Objects,
		cfg:     cfg,
		workDir: deps.WorkDir,
	}, nil
}

func (s *RunProcess) Loads(ctx context.Context) ([]resource.Load, error) {
	return []resource.Load{{ResourceID: s.cfg.Resource, EstimatedUnits: s.cfg.EstimatedUnits}}, nil
}

func (s *RunProcess) Validate(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Command) == "" {
		return &ValidationError{StepID: s.ID(), Reason: "command is required"}
	}
	if _, err := exec.LookPath(s.cfg.Command); err != nil {
		return &ValidationError{StepID: s.ID(), Reason: fmt.Sprintf("command %q not found", s.cfg.Command)}
	}
	if s.objects == nil {
		return &ValidationError{StepID: s.ID(), Reason: "no object store configured"}
	}
	if s.cfg.ExpectInputs {
		entries, err := s.objects.Scan(ctx, objectstore.InputPrefix(s.JobID()))
		if err != nil {
			return fmt.Errorf("scan inputs: %w", err)
		}
		if len(entries) == 0 {
			return &ValidationError{StepID: s.ID(), Reason: "no inputs uploaded"}
		}
	}
	return nil
}

func (s *RunProcess) Execute(ctx context.Context) error {
	if err := s.Claim(s.cfg.Resource, s.Unclaimed(s.cfg.Resource, s.cfg.EstimatedUnits)); err != nil {
		return err
	}

	root, err := os.MkdirTemp(s.workDir, "geoxfer-"+s.ID()+"-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(root) }()

	inDir := filepath.Join(root, "inputs")
	outDir := filepath.Join(root, "outputs")
	for _, d := range []string{inDir, outDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
	}

	if err := s.download(ctx, inDir); err != nil {
		return err
	}

	vars := map[string]string{
		"INPUT_DIR":  inDir,
		"OUTPUT_DIR": outDir,
		"JOB_ID":     s.JobID(),
		"STEP_ID":    s.ID(),
	}
	expand := func(v string) string {
		return os.Expand(v, func(k string) string { return vars[k] })
	}
	args := make([]string, 0, len(s.cfg.Args))
	for _, a := range s.cfg.Args {
		args = append(args, expand(a))
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	cmd.Dir = root
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+expand(v))
	}
	var out tailBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	s.Logger().Info("process starting", zap.String("command", s.cfg.Command), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		code := ""
		if ee, ok := err.(*exec.ExitError); ok {
			code = fmt.Sprintf("exit_%d", ee.ExitCode())
		}
		return &ExecutionError{StepID: s.ID(), Code: code, Message: strings.TrimSpace(out.String()), Err: err}
	}

	prefix := objectstore.OutputPrefix(s.JobID(), s.ID())
	if err := s.upload(ctx, outDir, prefix); err != nil {
		return err
	}
	s.SetOutputKey(prefix)
	return nil
}

func (s *RunProcess) download(ctx context.Context, dir string) error {
	prefix := objectstore.InputPrefix(s.JobID())
	entries, err := s.objects.Scan(ctx, prefix)
	if err != nil {
		return fmt.Errorf("scan inputs: %w", err)
	}
	for _, e := range entries {
		rel := strings.TrimPrefix(e.Key, prefix)
		dst := filepath.Join(dir, filepath.FromSlash(path.Clean("/" + rel)))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("download %s: %w", e.Key, err)
		}
		if err := s.copyTo(ctx, e.Key, dst); err != nil {
			return err
		}
	}
	return nil
}

func (s *RunProcess) copyTo(ctx context.Context, key, dst string) error {
	rc, _, err := s.objects.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("download %s: %w", key, err)
	}
	return f.Close()
}

func (s *RunProcess) upload(ctx context.Context, dir, prefix string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		key := prefix + filepath.ToSlash(rel)
		if err := s.objects.Put(ctx, key, f, info.Size(), objectstore.PutOptions{}); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		return nil
	})
}

// tailBuffer keeps the last bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if t.buf.Len() > maxProcessOutputTail {
		tail := append([]byte(nil), t.buf.Bytes()[t.buf.Len()-maxProcessOutputTail:]...)
		t.buf.Reset()
		t.buf.Write(tail)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
