// Package config loads and validates a project's test configuration.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Project layout, relative to the directory holding the config file.
const (
	FileName        = "config.yaml"
	ScriptsDirName  = "test_scripts"
	GeneratorsDir   = "generators"
	ResultsDirName  = "results"
	DefaultInterval = 10
)

// Isolation modes for user groups.
const (
	IsolationProcess   = "process"
	IsolationGoroutine = "goroutine"
)

// Config is a project's test configuration.
//
// Example YAML:
//
//	global:
//	  run_time: 30
//	  rampup: 5
//	  generator_transport: http
//	user_group_global:
//	  base_url: http://localhost:8080
//	generators:
//	  ids: builtin:counter
//	user_groups:
//	  - name: browsers
//	    threads: 10
//	    script: exec:browse.sh
//	    generator: ids
type Config struct {
	Global          Global            `json:"global" yaml:"global"`
	UserGroupGlobal map[string]string `json:"user_group_global,omitempty" yaml:"user_group_global,omitempty"`
	Generators      map[string]string `json:"generators,omitempty" yaml:"generators,omitempty"`
	UserGroups      []UserGroup       `json:"user_groups" yaml:"user_groups"`

	// BaseDir is the project directory. Relative script and generator
	// references resolve against it.
	BaseDir string `json:"-" yaml:"-"`

	// Raw is the file the config was parsed from, copied into each
	// results directory.
	Raw []byte `json:"-" yaml:"-"`
}

// Global holds run-wide settings.
type Global struct {
	// RunTime in seconds.
	RunTime int `json:"run_time" yaml:"run_time"`

	// Rampup in seconds.
	Rampup int `json:"rampup" yaml:"rampup"`

	// ResultsTSInterval is the time-series bucket width in seconds.
	ResultsTSInterval int `json:"results_ts_interval,omitempty" yaml:"results_ts_interval,omitempty"`

	ConsoleLogging bool `json:"console_logging,omitempty" yaml:"console_logging,omitempty"`

	// ProgressBar and XMLReport are accepted for compatibility and
	// ignored.
	ProgressBar *bool `json:"progress_bar,omitempty" yaml:"progress_bar,omitempty"`
	XMLReport   bool  `json:"xml_report,omitempty" yaml:"xml_report,omitempty"`

	PreRunScript  string `json:"pre_run_script,omitempty" yaml:"pre_run_script,omitempty"`
	PostRunScript string `json:"post_run_script,omitempty" yaml:"post_run_script,omitempty"`

	// ResultsDatabase is accepted and unused.
	ResultsDatabase string `json:"results_database,omitempty" yaml:"results_database,omitempty"`

	Isolation          string   `json:"isolation,omitempty" yaml:"isolation,omitempty"`
	GeneratorTransport string   `json:"generator_transport,omitempty" yaml:"generator_transport,omitempty"`
	BindAddress        string   `json:"bind_address,omitempty" yaml:"bind_address,omitempty"`
	FlushDelay         Duration `json:"flush_delay,omitempty" yaml:"flush_delay,omitempty"`
}

// UserGroup configures one group of agents.
type UserGroup struct {
	Name      string `json:"name" yaml:"name"`
	Threads   int    `json:"threads" yaml:"threads"`
	Script    string `json:"script" yaml:"script"`
	Generator string `json:"generator,omitempty" yaml:"generator,omitempty"`

	// Config is merged over user_group_global for this group only.
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	g := &c.Global
	if g.ResultsTSInterval == 0 {
		g.ResultsTSInterval = DefaultInterval
	}
	if g.ProgressBar == nil {
		on := true
		g.ProgressBar = &on
	}
	if g.Isolation == "" {
		g.Isolation = IsolationProcess
	}
	if g.GeneratorTransport == "" {
		g.GeneratorTransport = "rpc"
	}
	if g.BindAddress == "" {
		g.BindAddress = "127.0.0.1"
	}
	if g.FlushDelay == 0 {
		g.FlushDelay = Duration(200 * time.Millisecond)
	}
}

// RunDuration returns run_time as a duration.
func (c *Config) RunDuration() time.Duration {
	return time.Duration(c.Global.RunTime) * time.Second
}

// RampupDuration returns rampup as a duration.
func (c *Config) RampupDuration() time.Duration {
	return time.Duration(c.Global.Rampup) * time.Second
}

// ScriptDir is where transaction scripts live.
func (c *Config) ScriptDir() string {
	return filepath.Join(c.BaseDir, ScriptsDirName)
}

// GeneratorDir is where generator data files live.
func (c *Config) GeneratorDir() string {
	return filepath.Join(c.BaseDir, GeneratorsDir)
}

// ResultsDir is the parent of every run's output directory.
func (c *Config) ResultsDir() string {
	return filepath.Join(c.BaseDir, ResultsDirName)
}

// GroupConfig returns a fresh copy of user_group_global with the group's
// overrides applied.
func (c *Config) GroupConfig(i int) map[string]string {
	return MergeMaps(c.UserGroupGlobal, c.UserGroups[i].Config)
}

// TotalThreads sums threads across groups.
func (c *Config) TotalThreads() int {
	n := 0
	for _, g := range c.UserGroups {
		n += g.Threads
	}
	return n
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.UserGroupGlobal = MergeMaps(c.UserGroupGlobal, nil)
	out.Generators = MergeMaps(c.Generators, nil)
	out.UserGroups = make([]UserGroup, len(c.UserGroups))
	for i, g := range c.UserGroups {
		g.Config = MergeMaps(g.Config, nil)
		out.UserGroups[i] = g
	}
	if c.Global.ProgressBar != nil {
		v := *c.Global.ProgressBar
		out.Global.ProgressBar = &v
	}
	out.Raw = append([]byte(nil), c.Raw...)
	return &out
}

// MergeMaps merges two maps, with the second taking precedence.
func MergeMaps(base, override map[string]string) map[string]string {
	result := make(map[string]string, len(base)+len(override))
	for key, value := range base {
		result[key] = value
	}
	for key, value := range override {
		result[key] = value
	}
	return result
}

// Duration is a time.Duration read from strings like "200ms" or "2s". A
// bare integer is taken as seconds.
type Duration time.Duration

// ParseDuration parses a duration string. Empty means zero.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	return time.ParseDuration(s + "s")
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	dur, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	dur, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}
