package enforce

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/logging"
)

// RulePlaceholder marks where a rule's arguments go in FilterCommand. Without
// it the arguments are appended.
const RulePlaceholder = "%RULE%"

// ShellOptions names the external tools. Each command is split with shell
// quoting rules.
type ShellOptions struct {
	RestoreCommand   string // "iptables-restore"
	FilterCommand    string // "iptables -w"
	ShaperCommand    string // "fireqos start"
	ShaperConfigPath string
	TempDir          string
	Logger           *zap.Logger
}

// Shell is the Enforcer backed by iptables and the shaper control tool.
type Shell struct {
	runner     Runner
	restore    []string
	filter     []string
	shaper     []string
	shaperPath string
	tempDir    string
	logger     *zap.Logger
}

var _ Enforcer = (*Shell)(nil)

// NewShell returns a Shell that runs its commands through runner.
func NewShell(runner Runner, opts ShellOptions) (*Shell, error) {
	s := &Shell{
		runner:     runner,
		shaperPath: opts.ShaperConfigPath,
		tempDir:    opts.TempDir,
		logger:     logging.OrNop(opts.Logger).Named("enforce"),
	}
	var err error
	if s.restore, err = splitCommand("restore_command", opts.RestoreCommand); err != nil {
		return nil, err
	}
	if s.filter, err = splitCommand("filter_command", opts.FilterCommand); err != nil {
		return nil, err
	}
	if s.shaper, err = splitCommand("shaper_command", opts.ShaperCommand); err != nil {
		return nil, err
	}
	if s.shaperPath == "" {
		return nil, errors.New("shaper config path is empty")
	}
	return s, nil
}

func splitCommand(key, line string) ([]string, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", key, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s is empty", key)
	}
	return argv, nil
}

// ApplyAtomic loads the whole ruleset in one iptables-restore transaction. The
// payload is staged in a private temp file that is removed afterwards.
func (s *Shell) ApplyAtomic(ctx context.Context, rs Ruleset) error {
	f, err := os.CreateTemp(s.tempDir, "trafficgov-rules-*")
	if err != nil {
		return fmt.Errorf("creating restore file: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := f.Chmod(0o600); err != nil {
		return fmt.Errorf("chmod restore file: %w", err)
	}
	if _, err := f.WriteString(RestorePayload(rs)); err != nil {
		return fmt.Errorf("writing restore file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("rewinding restore file: %w", err)
	}

	cmd := Command{Name: s.restore[0], Args: s.restore[1:], Stdin: f}
	if _, err := s.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("atomic restore: %w", err)
	}
	return nil
}

// ApplySequential rebuilds the managed chains one rule at a time. Every
// chain is flushed before anything is added, so a half-applied earlier run
// does not leave duplicates behind. As with RestorePayload, the nat table is
// only touched when rs has NAT rules. Rule failures are collected and the
// remaining rules still go in.
func (s *Shell) ApplySequential(ctx context.Context, rs Ruleset) error {
	for _, chain := range filterChains {
		if err := s.iptables(ctx, []string{"-F", chain}); err != nil {
			return fmt.Errorf("flushing %s: %w", chain, err)
		}
	}
	if len(rs.NAT) > 0 {
		for _, chain := range natChains {
			if err := s.iptables(ctx, []string{"-t", "nat", "-F", chain}); err != nil {
				return fmt.Errorf("flushing nat %s: %w", chain, err)
			}
		}
	}

	var errs []error
	for _, rule := range rs.Filter {
		args, err := shellquote.Split(rule)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing rule %q: %w", rule, err))
			continue
		}
		if err := s.iptables(ctx, args); err != nil {
			errs = append(errs, err)
		}
	}
	for _, rule := range rs.NAT {
		args, err := shellquote.Split(rule)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing rule %q: %w", rule, err))
			continue
		}
		if !slices.Contains(args, "-t") {
			args = append([]string{"-t", "nat"}, args...)
		}
		if err := s.iptables(ctx, args); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.logger.Warn("sequential apply finished with errors",
			zap.Int("failed", len(errs)),
			zap.Int("rules", len(rs.Filter)+len(rs.NAT)),
		)
	}
	return errors.Join(errs...)
}

// LoadShaperConfig writes text to the shaper config path and starts the shaper on it.
func (s *Shell) LoadShaperConfig(ctx context.Context, text string) error {
	if err := s.runner.WriteFile(ctx, s.shaperPath, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing shaper config: %w", err)
	}
	cmd := Command{Name: s.shaper[0], Args: s.shaper[1:]}
	if out, err := s.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("loading shaper config: %w", err)
	} else if msg := strings.TrimSpace(string(out)); msg != "" {
		s.logger.Debug("shaper output", zap.String("output", msg))
	}
	return nil
}

func (s *Shell) iptables(ctx context.Context, args []string) error {
	argv := filterArgv(s.filter, args)
	_, err := s.runner.Run(ctx, Command{Name: argv[0], Args: argv[1:]})
	return err
}

// filterArgv places args into the filter command, at RulePlaceholder if present.
func filterArgv(base, args []string) []string {
	argv := make([]string, 0, len(base)+len(args))
	placed := false
	for _, a := range base {
		if a == RulePlaceholder {
			argv = append(argv, args...)
			placed = true
			continue
		}
		argv = append(argv, a)
	}
	if !placed {
		argv = append(argv, args...)
	}
	return argv
}
