package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"procexec/internal/job"
	logx "procexec/pkg/logx"
)

// FileCatalog serves command jobs declared in a YAML file on top of a base
// registry. Every Load re-reads the file.
//
//	jobs:
//	  - identifier: checksum
//	    inputs: [text]
//	    command: ["sh", "-c", "printf %s \"$PROCEXEC_INPUT_TEXT\" | sha256sum"]
//	    result: stdout        # or file:<name> relative to the working directory
//	    timeout: 30s          # optional cap for the child process
//
// Each input reaches the child as PROCEXEC_INPUT_<NAME> (upper case, other
// characters mapped to '_'). The {inputs.<name>}, {context}, {workdir} and
// {job_id} placeholders are substituted into argv and env values verbatim;
// never place them inside shell source, where an input becomes code.
type FileCatalog struct {
	path string
	base *Registry
	log  logx.Logger

	mu    sync.RWMutex
	specs map[string]commandSpec
	defs  map[string]*job.Definition
}

type fileDoc struct {
	Jobs []commandSpec `yaml:"jobs"`
}

type commandSpec struct {
	Identifier string            `yaml:"identifier"`
	Title      string            `yaml:"title"`
	Abstract   string            `yaml:"abstract"`
	Version    string            `yaml:"version"`
	Inputs     []string          `yaml:"inputs"`
	Command    []string          `yaml:"command"`
	Env        map[string]string `yaml:"env"`
	Result     string            `yaml:"result"`
	Timeout    string            `yaml:"timeout"`
	Metadata   map[string]string `yaml:"metadata"`

	timeout time.Duration
}

func NewFileCatalog(path string, base *Registry, log logx.Logger) *FileCatalog {
	if base == nil {
		base = NewRegistry()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileCatalog{path: path, base: base, log: log}
}

// Path is the watched catalog file.
func (c *FileCatalog) Path() string { return c.path }

func (c *FileCatalog) SupportsSpecialization() bool { return true }

func (c *FileCatalog) Load(ctx context.Context) ([]*job.Definition, error) {
	specs, err := readCatalogFile(c.path)
	if err != nil {
		return nil, err
	}
	baseDefs, err := c.base.Load(ctx)
	if err != nil {
		return nil, err
	}

	defs := make(map[string]*job.Definition, len(baseDefs)+len(specs))
	for _, d := range baseDefs {
		defs[d.Identifier] = d
	}
	for id, sp := range specs {
		if _, dup := defs[id]; dup {
			return nil, fmt.Errorf("catalog %s: %s shadows a builtin job", c.path, id)
		}
		defs[id] = sp.definition("")
	}

	c.mu.Lock()
	c.specs = specs
	c.defs = defs
	c.mu.Unlock()

	out := make([]*job.Definition, 0, len(defs))
	for _, d := range defs {
		out = append(out, d)
	}
	c.log.Debug("catalog loaded", logx.String("path", c.path), logx.Int("jobs", len(out)))
	return Sorted(out), nil
}

func (c *FileCatalog) Specialize(ctx context.Context, ids []string, contextKey string) ([]*job.Definition, error) {
	c.mu.RLock()
	loaded := c.defs != nil
	c.mu.RUnlock()
	if !loaded {
		if _, err := c.Load(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	found, err := Lookup(c.defs, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*job.Definition, len(found))
	for i, d := range found {
		if sp, ok := c.specs[d.Identifier]; ok {
			out[i] = sp.definition(contextKey)
			continue
		}
		out[i] = d.WithContext(contextKey)
	}
	return out, nil
}

func readCatalogFile(path string) (map[string]commandSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc fileDoc
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}

	specs := make(map[string]commandSpec, len(doc.Jobs))
	for i, sp := range doc.Jobs {
		sp.Identifier = strings.TrimSpace(sp.Identifier)
		if sp.Identifier == "" {
			return nil, fmt.Errorf("catalog %s: jobs[%d]: identifier is required", path, i)
		}
		if len(sp.Command) == 0 || strings.TrimSpace(sp.Command[0]) == "" {
			return nil, fmt.Errorf("catalog %s: %s: command is required", path, sp.Identifier)
		}
		if _, dup := specs[sp.Identifier]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate identifier %s", path, sp.Identifier)
		}
		if r := strings.TrimSpace(sp.Result); r != "" && r != "stdout" && r != "none" && !strings.HasPrefix(r, "file:") {
			return nil, fmt.Errorf("catalog %s: %s: result must be stdout, none or file:<name>", path, sp.Identifier)
		}
		if raw := strings.TrimSpace(sp.Timeout); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("catalog %s: %s: invalid timeout %q", path, sp.Identifier, raw)
			}
			sp.timeout = d
		}
		specs[sp.Identifier] = sp
	}
	return specs, nil
}

func (sp commandSpec) definition(contextKey string) *job.Definition {
	md := map[string]string{"kind": "command"}
	for k, v := range sp.Metadata {
		md[k] = v
	}
	return &job.Definition{
		Identifier: sp.Identifier,
		Title:      sp.Title,
		Abstract:   sp.Abstract,
		Version:    sp.Version,
		ContextKey: contextKey,
		Inputs:     append([]string(nil), sp.Inputs...),
		Metadata:   md,
		Handler:    sp.handler(contextKey),
	}
}

const maxCapture = 8 << 20

// handler runs the command in the job working directory.
func (sp commandSpec) handler(contextKey string) job.Handler {
	return func(ctx context.Context, req *job.Request, resp *job.Response) error {
		for _, name := range sp.Inputs {
			if _, ok := req.Inputs[name]; !ok {
				return job.Fail("missing input %s", name)
			}
		}
		if sp.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, sp.timeout)
			defer cancel()
		}

		pairs := []string{"{context}", contextKey, "{workdir}", req.WorkDir, "{job_id}", req.JobID}
		for k, v := range req.Inputs {
			pairs = append(pairs, "{inputs."+k+"}", v)
		}
		rep := strings.NewReplacer(pairs...)
		argv := make([]string, len(sp.Command))
		for i, a := range sp.Command {
			argv[i] = rep.Replace(a)
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = req.WorkDir
		cmd.WaitDelay = 2 * time.Second
		cmd.Env = os.Environ()
		cmd.Env = append(cmd.Env, "PROCEXEC_JOB_ID="+req.JobID, "PROCEXEC_CONTEXT="+contextKey, "PROCEXEC_WORKDIR="+req.WorkDir)
		for k, v := range req.Inputs {
			cmd.Env = append(cmd.Env, InputEnv(k)+"="+v)
		}
		for k, v := range sp.Env {
			cmd.Env = append(cmd.Env, k+"="+rep.Replace(v))
		}
		stdout := &limitedBuffer{max: maxCapture}
		stderr := &limitedBuffer{max: 64 << 10}
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		log := resp.Log()
		log.Info("running command", logx.Any("argv", argv))
		_ = resp.UpdateStatus(ctx, "Running "+filepath.Base(argv[0]), 0)
		err := cmd.Run()
		if s := strings.TrimSpace(stderr.String()); s != "" {
			log.Info("command stderr", logx.String("stderr", s))
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				msg := lastLine(stderr.String())
				if msg == "" {
					msg = fmt.Sprintf("command exited with status %d", ee.ExitCode())
				}
				return &job.ProcessError{Message: msg, Err: err}
			}
			return fmt.Errorf("run %s: %w", argv[0], err)
		}

		switch r := strings.TrimSpace(sp.Result); {
		case r == "none":
		case strings.HasPrefix(r, "file:"):
			name := strings.TrimPrefix(r, "file:")
			b, err := os.ReadFile(filepath.Join(req.WorkDir, filepath.Clean("/"+name)))
			if err != nil {
				return &job.ProcessError{Message: "result file not produced: " + name, Err: err}
			}
			resp.SetDocument(b)
		default:
			resp.SetDocument(stdout.Bytes())
		}
		return nil
	}
}

// InputEnv is the environment variable carrying input name.
func InputEnv(name string) string {
	var b strings.Builder
	b.WriteString("PROCEXEC_INPUT_")
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

type limitedBuffer struct {
	bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.max - b.Len(); room < len(p) {
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return n, nil
	}
	b.Buffer.Write(p)
	return n, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
