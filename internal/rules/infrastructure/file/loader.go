package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	boards "meact/internal/boards/domain"
	rules "meact/internal/rules/domain"
)

const (
	SensorsFile = "sensors.yaml"
	BoardsFile  = "boards.yaml"
	GlobalFile  = "global.yaml"
)

// GlobalConfig holds settings shared by every rule.
type GlobalConfig struct {
	ActionConfig map[string]map[string]any `yaml:"action_config"`
	Actions      map[string]ActionSpec     `yaml:"actions"`
	Status       map[string]any            `yaml:"status"`
}

// ActionSpec declares or tunes a named action.
type ActionSpec struct {
	Type    string   `yaml:"type"`
	Timeout Duration `yaml:"timeout"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Duration accepts "10s" style strings or plain seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds float64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Loader reads configuration files from one directory.
type Loader struct {
	dir string
}

// NewLoader constructs a Loader for dir.
func NewLoader(dir string) (*Loader, error) {
	if dir == "" {
		return nil, errors.New("config loader: empty dir")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config loader: %s is not a directory", dir)
	}
	return &Loader{dir: dir}, nil
}

// Dir returns the configuration directory.
func (l *Loader) Dir() string {
	return l.dir
}

// LoadSensors reads the raw rule definitions.
func (l *Loader) LoadSensors() (rules.Definitions, error) {
	var defs rules.Definitions
	if err := l.decode(SensorsFile, &defs); err != nil {
		return nil, err
	}
	if defs == nil {
		defs = rules.Definitions{}
	}
	return defs, nil
}

// ListBoards reads the board map.
func (l *Loader) ListBoards(ctx context.Context) ([]boards.Board, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := l.decode(BoardsFile, &raw); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]boards.Board, 0, len(raw))
	for _, id := range ids {
		out = append(out, boards.Board{ID: id, Description: raw[id]})
	}
	return out, nil
}

// LoadGlobal reads global.yaml. A missing file yields an empty config.
func (l *Loader) LoadGlobal() (GlobalConfig, error) {
	var cfg GlobalConfig
	if err := l.decode(GlobalFile, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return GlobalConfig{}, nil
		}
		return GlobalConfig{}, err
	}
	return cfg, nil
}

func (l *Loader) decode(name string, out any) error {
	path := filepath.Join(l.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
