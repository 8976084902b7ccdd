// Package config loads the engine's run parameters from either a
// line-oriented keyword config file (one directive per line,
// case-insensitive keyword, rest of line is the argument) or a YAML
// document.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the engine needs before it can start
// accepting a connection, per spec §1/§4.
type Config struct {
	NChips          int     `yaml:"n_chips"`
	InitialPeriod   int64   `yaml:"initial_period"`
	MaxPeriodQueues int     `yaml:"max_period_queues"`
	Threshold       float64 `yaml:"threshold"`
	SaveInterval    int64   `yaml:"save_interval"`

	TROIStart     int64 `yaml:"t_roi_start"`
	TROIStep      int64 `yaml:"t_roi_step"`
	TROIN         int   `yaml:"t_roi_n"`
	NEnergyPoints int   `yaml:"n_energy_points"`

	UpstreamAddr  string `yaml:"upstream_addr"`
	PixelMapPath  string `yaml:"pixel_map_path"`
	OutputURI     string `yaml:"output_uri"`
	ServerVersion string `yaml:"server_version"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with the conservative defaults spec §4
// assumes in the absence of an explicit setting.
func Default() Config {
	return Config{
		NChips:          1,
		InitialPeriod:   0,
		MaxPeriodQueues: 2,
		Threshold:       0.1,
		SaveInterval:    1,
		TROIStep:        1,
		TROIN:           1024,
		NEnergyPoints:   1,
		ServerVersion:   "3.20",
		LogLevel:        "info",
	}
}

// LoadFile reads either a keyword or a YAML config file, chosen by
// format ("keyword" or "yaml"); an empty format is inferred from the
// file extension.
func LoadFile(path, format string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config %q: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	if format == "" {
		format = inferFormat(path)
	}

	switch format {
	case "yaml":
		return LoadYAML(f)
	default:
		return LoadKeyword(f)
	}
}

func inferFormat(path string) string {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return "yaml"
	}

	return "keyword"
}

// LoadYAML decodes a YAML config document on top of Default.
func LoadYAML(r io.Reader) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decoding yaml config: %w", err)
	}

	return cfg, nil
}

// LoadKeyword decodes a line-oriented keyword config file on top of
// Default: one directive per line, leading "#" and blank lines are
// comments, keyword matching is case-insensitive, and the rest of the
// line (after the keyword and surrounding whitespace) is the value.
func LoadKeyword(r io.Reader) (Config, error) {
	cfg := Default()

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest := splitKeyword(line)

		if err := applyDirective(&cfg, keyword, rest); err != nil {
			return Config{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	return cfg, nil
}

func splitKeyword(line string) (keyword, rest string) {
	fields := strings.SplitN(line, " ", 2)
	keyword = fields[0]

	if len(fields) == 2 {
		rest = strings.TrimSpace(fields[1])
	}

	return keyword, rest
}

func applyDirective(cfg *Config, keyword, rest string) error {
	switch {
	case strings.EqualFold(keyword, "n_chips"):
		return setInt(&cfg.NChips, rest)
	case strings.EqualFold(keyword, "initial_period"):
		return setInt64(&cfg.InitialPeriod, rest)
	case strings.EqualFold(keyword, "max_period_queues"):
		return setInt(&cfg.MaxPeriodQueues, rest)
	case strings.EqualFold(keyword, "threshold"):
		return setFloat(&cfg.Threshold, rest)
	case strings.EqualFold(keyword, "save_interval"):
		return setInt64(&cfg.SaveInterval, rest)
	case strings.EqualFold(keyword, "t_roi_start"):
		return setInt64(&cfg.TROIStart, rest)
	case strings.EqualFold(keyword, "t_roi_step"):
		return setInt64(&cfg.TROIStep, rest)
	case strings.EqualFold(keyword, "t_roi_n"):
		return setInt(&cfg.TROIN, rest)
	case strings.EqualFold(keyword, "n_energy_points"):
		return setInt(&cfg.NEnergyPoints, rest)
	case strings.EqualFold(keyword, "upstream_addr"):
		cfg.UpstreamAddr = rest
	case strings.EqualFold(keyword, "pixel_map_path"):
		cfg.PixelMapPath = rest
	case strings.EqualFold(keyword, "output_uri"):
		cfg.OutputURI = rest
	case strings.EqualFold(keyword, "server_version"):
		cfg.ServerVersion = rest
	case strings.EqualFold(keyword, "log_level"):
		cfg.LogLevel = rest
	default:
		return fmt.Errorf("unrecognised keyword %q", keyword)
	}

	return nil
}

func setInt(dst *int, s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("expected integer, got %q: %w", s, err)
	}

	*dst = v

	return nil
}

func setInt64(dst *int64, s string) error {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("expected integer, got %q: %w", s, err)
	}

	*dst = v

	return nil
}

func setFloat(dst *float64, s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("expected number, got %q: %w", s, err)
	}

	*dst = v

	return nil
}
