package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/openclaw/pkg/contract"
	"github.com/zen-systems/openclaw/pkg/policy"
)

// FileName is the optional runtime file looked up at the repo root.
const FileName = "openclaw.yaml"

// RuntimeFlags holds every runtime setting. Provider API keys are not part
// of it; handlers read them from the environment variable each provider names.
type RuntimeFlags struct {
	RepoRoot string `yaml:"repo_root"`
	StateDir string `yaml:"state_dir"`

	PolicyPath   string `yaml:"policy_path"`
	PolicyStrict bool   `yaml:"policy_strict"`
	BudgetPath   string `yaml:"budget_path"`
	CircuitPath  string `yaml:"circuit_path"`
	LedgerPath   string `yaml:"witness_ledger"`
	LedgerStrict bool   `yaml:"witness_ledger_strict"`

	Router   RouterFlags   `yaml:"router"`
	Contract ContractFlags `yaml:"contract"`
	Heavy    HeavyFlags    `yaml:"heavy"`
	GPU      GPUFlags      `yaml:"gpu"`

	HTTPAddr     string   `yaml:"http_addr"`
	Log          LogFlags `yaml:"log"`
	OTLPEndpoint string   `yaml:"otlp_endpoint"`
}

// RouterFlags toggles the router's optional runtime controls.
type RouterFlags struct {
	Offline         bool              `yaml:"offline"`
	Proprioception  bool              `yaml:"proprioception"`
	GatingThreshold float64           `yaml:"gating_threshold"`
	GatingPeriod    time.Duration     `yaml:"gating_period"`
	Capability      map[string]string `yaml:"capability"`
	ActiveInference bool              `yaml:"active_inference"`
}

// ContractFlags locates the contract files.
type ContractFlags struct {
	CurrentPath string `yaml:"current"`
	PolicyPath  string `yaml:"policy_path"`
	EventsPath  string `yaml:"events"`
}

// HeavyFlags locates the heavy queue files.
type HeavyFlags struct {
	QueuePath      string `yaml:"queue_path"`
	RunsLog        string `yaml:"runs_log"`
	RunsDir        string `yaml:"runs_dir"`
	ArchiveDir     string `yaml:"archive_dir"`
	DefaultToolID  string `yaml:"default_tool_id"`
	EnsureHookPath string `yaml:"ensure_hook"`
}

// GPUFlags configures the GPU lock.
type GPUFlags struct {
	StateDir       string `yaml:"state_dir"`
	LockTTLMinutes int    `yaml:"lock_ttl_minutes"`
}

// LockTTL returns the lock TTL as a duration.
func (g GPUFlags) LockTTL() time.Duration {
	return time.Duration(g.LockTTLMinutes) * time.Minute
}

// LogFlags configures logging.
type LogFlags struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load builds RuntimeFlags from the YAML file at path, or from
// <repo root>/openclaw.yaml when path is empty and that file exists, then
// applies OPENCLAW_* environment overrides and fills defaults.
func Load(path string) (*RuntimeFlags, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*RuntimeFlags, error) {
	flags := &RuntimeFlags{PolicyStrict: true}

	root, ok := lookup("OPENCLAW_REPO_ROOT")
	if !ok || root == "" {
		var err error
		root, err = findRoot()
		if err != nil {
			return nil, err
		}
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, FileName)
	}
	if err := loadFile(path, flags, explicit); err != nil {
		return nil, err
	}
	if flags.RepoRoot == "" {
		flags.RepoRoot = root
	}

	if err := applyEnv(flags, lookup); err != nil {
		return nil, err
	}
	flags.fillDefaults()
	return flags, nil
}

func findRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	root, err := policy.RepoRoot(wd)
	if errors.Is(err, policy.ErrNoRepoRoot) {
		return wd, nil
	}
	return root, err
}

// loadFile decodes the YAML runtime file. A missing default file is not an
// error; a missing explicit file is.
func loadFile(path string, flags *RuntimeFlags, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, flags); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(f *RuntimeFlags, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	str("OPENCLAW_STATE_DIR", &f.StateDir)
	str("OPENCLAW_POLICY_PATH", &f.PolicyPath)
	boolean("OPENCLAW_POLICY_STRICT", &f.PolicyStrict)
	str("OPENCLAW_BUDGET_PATH", &f.BudgetPath)
	str("OPENCLAW_CIRCUIT_PATH", &f.CircuitPath)
	str("OPENCLAW_WITNESS_LEDGER", &f.LedgerPath)
	boolean("OPENCLAW_WITNESS_LEDGER_STRICT", &f.LedgerStrict)

	boolean("OPENCLAW_ROUTER_OFFLINE", &f.Router.Offline)
	boolean("OPENCLAW_ROUTER_PROPRIOCEPTION", &f.Router.Proprioception)
	boolean("OPENCLAW_ROUTER_ACTIVE_INFERENCE", &f.Router.ActiveInference)
	if v, ok := lookup("OPENCLAW_ROUTER_GATING_THRESHOLD"); ok && v != "" {
		th, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("OPENCLAW_ROUTER_GATING_THRESHOLD: %w", err))
		} else {
			f.Router.GatingThreshold = th
		}
	}
	if v, ok := lookup("OPENCLAW_ROUTER_GATING_PERIOD"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("OPENCLAW_ROUTER_GATING_PERIOD: %w", err))
		} else {
			f.Router.GatingPeriod = d
		}
	}
	if v, ok := lookup("OPENCLAW_ROUTER_CAPABILITY"); ok && v != "" {
		rules, err := ParseCapability(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("OPENCLAW_ROUTER_CAPABILITY: %w", err))
		} else {
			f.Router.Capability = rules
		}
	}

	str("OPENCLAW_CONTRACT_CURRENT", &f.Contract.CurrentPath)
	str("OPENCLAW_CONTRACT_POLICY_PATH", &f.Contract.PolicyPath)
	str("OPENCLAW_CONTRACT_EVENTS", &f.Contract.EventsPath)

	str("OPENCLAW_HEAVY_QUEUE_PATH", &f.Heavy.QueuePath)
	str("OPENCLAW_HEAVY_RUNS_LOG", &f.Heavy.RunsLog)
	str("OPENCLAW_HEAVY_RUNS_DIR", &f.Heavy.RunsDir)
	str("OPENCLAW_HEAVY_ARCHIVE_DIR", &f.Heavy.ArchiveDir)
	str("OPENCLAW_HEAVY_DEFAULT_TOOL_ID", &f.Heavy.DefaultToolID)
	str("OPENCLAW_ENSURE_CODER_PATH", &f.Heavy.EnsureHookPath)

	str("OPENCLAW_GPU_STATE_DIR", &f.GPU.StateDir)
	if v, ok := lookup("OPENCLAW_GPU_LOCK_TTL_MINUTES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("OPENCLAW_GPU_LOCK_TTL_MINUTES: invalid value %q", v))
		} else {
			f.GPU.LockTTLMinutes = n
		}
	}

	str("OPENCLAW_HTTP_ADDR", &f.HTTPAddr)
	str("OPENCLAW_LOG_LEVEL", &f.Log.Level)
	str("OPENCLAW_LOG_FORMAT", &f.Log.Format)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &f.OTLPEndpoint)

	return errors.Join(errs...)
}

func (f *RuntimeFlags) fillDefaults() {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(f.RepoRoot, p)
	}
	def := func(dst *string, fallback string) {
		if *dst == "" {
			*dst = fallback
		}
		*dst = abs(*dst)
	}

	def(&f.StateDir, filepath.Join("workspace", "state"))
	state := func(parts ...string) string { return filepath.Join(append([]string{f.StateDir}, parts...)...) }

	def(&f.PolicyPath, policy.DefaultPath(f.RepoRoot))
	def(&f.BudgetPath, state("budget.json"))
	def(&f.CircuitPath, state("circuit.json"))
	def(&f.LedgerPath, state("witness_ledger.jsonl"))

	def(&f.Contract.CurrentPath, state("contract", "current.json"))
	def(&f.Contract.EventsPath, state("contract", "events.jsonl"))
	def(&f.Contract.PolicyPath, contract.DefaultPolicyPath)

	def(&f.Heavy.QueuePath, state("heavy_jobs.jsonl"))
	def(&f.Heavy.RunsLog, state("heavy_runs.jsonl"))
	def(&f.Heavy.RunsDir, state("heavy_runs"))
	def(&f.Heavy.ArchiveDir, state("archive"))
	f.Heavy.EnsureHookPath = abs(f.Heavy.EnsureHookPath)

	def(&f.GPU.StateDir, state("gpu"))
	if f.GPU.LockTTLMinutes <= 0 {
		f.GPU.LockTTLMinutes = 30
	}

	if f.HTTPAddr == "" {
		f.HTTPAddr = ":8088"
	}
	if f.Log.Level == "" {
		f.Log.Level = "info"
	}
	if f.Log.Format == "" {
		f.Log.Format = "console"
	}
}

// ParseCapability parses "phrase=provider,phrase=provider" trigger rules.
func ParseCapability(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		phrase, provider, ok := strings.Cut(part, "=")
		phrase, provider = strings.TrimSpace(phrase), strings.TrimSpace(provider)
		if !ok || phrase == "" || provider == "" {
			return nil, fmt.Errorf("invalid capability rule %q", part)
		}
		out[phrase] = provider
	}
	return out, nil
}
