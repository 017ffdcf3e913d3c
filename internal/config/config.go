// Package config loads the bridge's YAML configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/debashish-mukherjee/go-snmpbridge/internal/callback"
	"github.com/debashish-mukherjee/go-snmpbridge/internal/slots"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Well-known SNMP ports.
const (
	DefaultAgentPort = 161
	DefaultTrapPort  = 162
)

// System is the MIB-II system group served from the static tree.
type System struct {
	Descr    string `yaml:"descr"`
	ObjectID string `yaml:"objectID"`
	Contact  string `yaml:"contact"`
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
}

// Object is a static OID. Type is one of integer, string, oid, counter32,
// gauge32, timeticks, counter64 or ipaddress.
type Object struct {
	OID   string `yaml:"oid"`
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

// Traps configures unsolicited notifications.
type Traps struct {
	Targets   []string `yaml:"targets"`
	Community string   `yaml:"community"`
	CronSpecs []string `yaml:"cron"`
	ColdStart bool     `yaml:"coldStart"`
	QueueSize int      `yaml:"queueSize"`
}

type Config struct {
	Listen        string        `yaml:"listen"`
	AgentPort     int           `yaml:"agentPort"`
	TrapPort      int           `yaml:"trapPort"`
	Interface     string        `yaml:"interface"`
	InterfaceWait time.Duration `yaml:"interfaceWait"`
	RecvBuffer    int           `yaml:"recvBuffer"`

	Slots        int           `yaml:"slots"`
	SlotSize     int           `yaml:"slotSize"`
	SlotPolicy   string        `yaml:"slotPolicy"`
	PollInterval time.Duration `yaml:"pollInterval"`

	Community    string          `yaml:"community"`
	System       System          `yaml:"system"`
	Objects      []Object        `yaml:"objects"`
	ObjectFile   string          `yaml:"objectFile"`
	Handlers     []callback.Rule `yaml:"handlers"`
	HandlerFile  string          `yaml:"handlerFile"`
	Traps        Traps           `yaml:"traps"`
	Housekeeping string          `yaml:"housekeeping"`
	MetricsAddr  string          `yaml:"metricsAddr"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	if err := c.Normalize(); err != nil {
		panic(err)
	}
	return c
}

// Load reads and normalizes a YAML file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := c.Normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Normalize fills defaults and validates.
func (c *Config) Normalize() error {
	if c.Listen == "" {
		c.Listen = "0.0.0.0"
	}
	if net.ParseIP(c.Listen) == nil {
		return fmt.Errorf("invalid listen address %q", c.Listen)
	}
	if c.AgentPort == 0 {
		c.AgentPort = DefaultAgentPort
	}
	if c.TrapPort == 0 {
		c.TrapPort = DefaultTrapPort
	}
	if err := checkPort("agentPort", c.AgentPort); err != nil {
		return err
	}
	if err := checkPort("trapPort", c.TrapPort); err != nil {
		return err
	}
	if c.AgentPort == c.TrapPort && c.AgentPort > 0 {
		return fmt.Errorf("agentPort and trapPort must differ (both %d)", c.AgentPort)
	}
	if c.InterfaceWait <= 0 {
		c.InterfaceWait = 30 * time.Second
	}
	if c.RecvBuffer < 0 {
		return fmt.Errorf("recvBuffer must not be negative")
	}

	if c.Slots == 0 {
		c.Slots = 2
	}
	if c.Slots < 0 {
		return fmt.Errorf("slots must be positive")
	}
	if c.SlotSize == 0 {
		c.SlotSize = 512
	}
	if c.SlotSize < 0 || c.SlotSize > 65507 {
		return fmt.Errorf("slotSize must be between 1 and 65507")
	}
	policy, err := slots.ParsePolicy(c.SlotPolicy)
	if err != nil {
		return err
	}
	c.SlotPolicy = policy.String()
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}

	if c.Community == "" {
		c.Community = "public"
	}
	if c.System.Descr == "" {
		c.System.Descr = "snmpbridge"
	}
	if c.System.ObjectID == "" {
		c.System.ObjectID = "1.3.6.1.4.1.8072.3.2.10"
	}
	if c.System.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.System.Name = host
		}
	}
	c.System.ObjectID = strings.TrimPrefix(c.System.ObjectID, ".")

	for i := range c.Objects {
		o := &c.Objects[i]
		o.OID = strings.TrimPrefix(strings.TrimSpace(o.OID), ".")
		if o.OID == "" {
			return fmt.Errorf("object %d: oid is required", i)
		}
		o.Type = strings.ToLower(strings.TrimSpace(o.Type))
		if o.Type == "" {
			o.Type = "string"
		}
	}

	c.Housekeeping = strings.TrimSpace(c.Housekeeping)
	if c.Housekeeping != "" {
		if _, err := cron.ParseStandard(c.Housekeeping); err != nil {
			return fmt.Errorf("invalid housekeeping spec %q: %w", c.Housekeeping, err)
		}
	}

	if err := c.Traps.normalize(); err != nil {
		return err
	}
	return nil
}

func (t *Traps) normalize() error {
	if t.Community == "" {
		t.Community = "public"
	}
	if t.QueueSize <= 0 {
		t.QueueSize = 1024
	}
	for _, spec := range t.CronSpecs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := cron.ParseStandard(strings.TrimSpace(spec)); err != nil {
			return fmt.Errorf("invalid trap cron spec %q: %w", spec, err)
		}
	}
	for i, target := range t.Targets {
		host, port, err := net.SplitHostPort(strings.TrimSpace(target))
		if err != nil || host == "" || port == "" {
			return fmt.Errorf("invalid trap target %q (want host:port)", target)
		}
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid trap target port in %q", target)
		}
		t.Targets[i] = net.JoinHostPort(host, port)
	}
	return nil
}

func checkPort(name string, port int) error {
	// -1 asks the kernel for an ephemeral port, which tests rely on.
	if port == -1 {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}

// BindPort maps the configured value to what net.Listen expects.
func BindPort(port int) int {
	if port < 0 {
		return 0
	}
	return port
}
