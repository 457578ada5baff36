package render

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/logging"
	"github.com/vesaa/trafficgov/templates"
)

// DefaultLocalNetworks is written when the local-network list does not exist.
var DefaultLocalNetworks = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// LoadLocalNetworks reads one CIDR per line from path. A missing file is
// created with DefaultLocalNetworks; lines that do not parse are skipped.
func LoadLocalNetworks(path string, logger *zap.Logger) ([]netip.Prefix, error) {
	logger = logging.OrNop(logger)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("local network list missing, writing default", zap.String("path", path))
		data = []byte(strings.Join(DefaultLocalNetworks, "\n") + "\n")
		if err := writeDefault(path, data); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading local networks: %w", err)
	}

	var prefixes []netip.Prefix
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prefix, err := netip.ParsePrefix(line)
		if err != nil {
			logger.Warn("skipping bad local network", zap.String("line", line), zap.Error(err))
			continue
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, sc.Err()
}

// LoadTemplate reads the shaper template at path. A missing template is
// replaced with the built-in default, which is also written to path.
func LoadTemplate(path string, logger *zap.Logger) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading shaper template: %w", err)
	}
	logging.OrNop(logger).Info("shaper template missing, writing default", zap.String("path", path))
	if err := writeDefault(path, []byte(templates.Shaper)); err != nil {
		return "", err
	}
	return templates.Shaper, nil
}

func writeDefault(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Chmod(path, 0o644)
}
