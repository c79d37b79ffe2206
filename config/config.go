package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/svlpsu/crete-cluster/executor"
	"github.com/svlpsu/crete-cluster/util"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is the configuration error kind, fatal at startup
var ErrInvalid = errors.New("invalid configuration")

func invalid(option, format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalid, "%s: %s", option, fmt.Sprintf(format, args...))
}

// NodeConfig configures one SVM node
type NodeConfig struct {
	ID       string `yaml:"id"`
	Master   string `yaml:"master"`    // address of the master, host:port
	Root     string `yaml:"root"`      // working directory of the node
	Capacity int    `yaml:"capacity"`  // svm.count: number of concurrent slots
	LogLevel string `yaml:"log_level"` // debug, info, warn, error

	PollInterval  time.Duration `yaml:"poll_interval"`
	PhaseTimeout  time.Duration `yaml:"phase_timeout"`   // wall clock budget of one subprocess, 0 disables it
	MaxSlotErrors int           `yaml:"max_slot_errors"` // consecutive failures of one slot before the node stops
	RetryBudget   int           `yaml:"retry_budget"`    // attempts of one master request
	RetryInterval time.Duration `yaml:"retry_interval"`
	LongPoll      time.Duration `yaml:"long_poll"`    // how long the master may hold a trace request
	MetricsAddr   string        `yaml:"metrics_addr"` // empty disables the metrics endpoint
	Status        bool          `yaml:"status"`       // print the live slot table

	Tools executor.Tools `yaml:"tools"`
}

func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Master:        "localhost:7070",
		Root:          "crete-node",
		Capacity:      1,
		LogLevel:      "info",
		PollInterval:  500 * time.Millisecond,
		PhaseTimeout:  30 * time.Minute,
		MaxSlotErrors: 3,
		RetryBudget:   5,
		RetryInterval: 2 * time.Second,
		LongPoll:      10 * time.Second,
	}
}

// SetDefaults fills the zero values
func (c *NodeConfig) SetDefaults() {
	d := DefaultNodeConfig()
	if c.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "node"
		}
		c.ID = host + "-" + uuid.NewString()[:8]
	}
	if c.Master == "" {
		c.Master = d.Master
	}
	if c.Root == "" {
		c.Root = d.Root
	}
	if c.Capacity == 0 {
		c.Capacity = d.Capacity
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxSlotErrors == 0 {
		c.MaxSlotErrors = d.MaxSlotErrors
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = d.RetryBudget
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.LongPoll == 0 {
		c.LongPoll = d.LongPoll
	}
	c.Tools.SetDefaults()
}

// Validate names the first offending option
func (c *NodeConfig) Validate() error {
	if c.Capacity < 1 {
		return invalid("capacity", "must be at least 1, got %d", c.Capacity)
	}
	if c.Master == "" {
		return invalid("master", "address required")
	}
	if c.PollInterval <= 0 {
		return invalid("poll_interval", "must be positive")
	}
	if c.PhaseTimeout < 0 {
		return invalid("phase_timeout", "must not be negative")
	}
	if c.MaxSlotErrors < 1 {
		return invalid("max_slot_errors", "must be at least 1")
	}
	if c.RetryBudget < 1 {
		return invalid("retry_budget", "must be at least 1")
	}
	if !util.ValidLevel(c.LogLevel) {
		return invalid("log_level", "unknown level %q", c.LogLevel)
	}
	if err := checkDir("root", c.Root); err != nil {
		return err
	}
	if err := checkExecutable("tools.concolic_path", c.Tools.ConcolicPath); err != nil {
		return err
	}
	return checkExecutable("tools.symbolic_path", c.Tools.SymbolicPath)
}

func (c *NodeConfig) Printable() string {
	result := "NodeConfig: \n"
	result = fmt.Sprintf("%s ID: %s\n", result, c.ID)
	result = fmt.Sprintf("%s Master: %s\n", result, c.Master)
	result = fmt.Sprintf("%s Root: %s\n", result, c.Root)
	result = fmt.Sprintf("%s Capacity: %d\n", result, c.Capacity)
	result = fmt.Sprintf("%s PollInterval: %s\n", result, c.PollInterval)
	result = fmt.Sprintf("%s PhaseTimeout: %s\n", result, c.PhaseTimeout)
	result = fmt.Sprintf("%s Concolic: %s %v\n", result, c.Tools.ConcolicPath, c.Tools.ConcolicArgs)
	result = fmt.Sprintf("%s Symbolic: %s %v\n", result, c.Tools.SymbolicPath, c.Tools.SymbolicArgs)
	return result
}

// RedisConfig points the master at a redis broker, an empty Addr disables it
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	TraceKey string `yaml:"trace_key"` // list the master pops traces from
	TestKey  string `yaml:"test_key"`  // list every new test case is pushed to
}

// MasterConfig configures the dispatching master
type MasterConfig struct {
	Listen   string        `yaml:"listen"`
	Root     string        `yaml:"root"`
	TraceDir string        `yaml:"trace_dir"` // traces loaded at startup, optional
	LongPoll time.Duration `yaml:"long_poll"` // upper bound of a trace request wait
	LogLevel string        `yaml:"log_level"`
	Report   bool          `yaml:"report"` // write the pool growth plot at shutdown
	Redis    RedisConfig   `yaml:"redis"`
}

func DefaultMasterConfig() *MasterConfig {
	return &MasterConfig{
		Listen:   "localhost:7070",
		Root:     "crete-master",
		LongPoll: 10 * time.Second,
		LogLevel: "info",
		Report:   true,
	}
}

func (c *MasterConfig) SetDefaults() {
	d := DefaultMasterConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Root == "" {
		c.Root = d.Root
	}
	if c.LongPoll == 0 {
		c.LongPoll = d.LongPoll
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Redis.Addr != "" {
		if c.Redis.TraceKey == "" {
			c.Redis.TraceKey = "crete:traces"
		}
		if c.Redis.TestKey == "" {
			c.Redis.TestKey = "crete:test-cases"
		}
	}
}

func (c *MasterConfig) Validate() error {
	if c.Listen == "" {
		return invalid("listen", "address required")
	}
	if c.LongPoll < 0 {
		return invalid("long_poll", "must not be negative")
	}
	if !util.ValidLevel(c.LogLevel) {
		return invalid("log_level", "unknown level %q", c.LogLevel)
	}
	if err := checkDir("root", c.Root); err != nil {
		return err
	}
	if c.TraceDir != "" {
		info, err := os.Stat(c.TraceDir)
		if err != nil {
			return invalid("trace_dir", "%s", err)
		}
		if !info.IsDir() {
			return invalid("trace_dir", "%s is not a directory", c.TraceDir)
		}
	}
	return nil
}

// checkDir accepts missing paths, they are created later, but not regular files
func checkDir(option, path string) error {
	if path == "" {
		return invalid(option, "path required")
	}
	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		return invalid(option, "%s is not a directory", path)
	}
	return nil
}

func checkExecutable(option, path string) error {
	if path == "" {
		return invalid(option, "path required")
	}
	if filepath.Base(path) == path {
		// bare command names are resolved through PATH at launch
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return invalid(option, "%s", err)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return invalid(option, "%s is not executable", path)
	}
	return nil
}

// LoadNode reads a yaml node config, an empty path yields the defaults
func LoadNode(path string) (*NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadMaster(path string) (*MasterConfig, error) {
	cfg := DefaultMasterConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return invalid("config", "%s", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return invalid("config", "parsing %s: %s", path, err)
	}
	return nil
}
