// Package config loads the node's runtime settings from a YAML file via
// viper, with environment-variable overrides layered on top.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/reputation-net/node/internal/milter/policy"
	"github.com/reputation-net/node/pkg/utils"
)

// Config is the unified configuration for one reputationd process.
type Config struct {
	Network struct {
		ListenAddr     string        `mapstructure:"listen_addr"`
		BootstrapPeers []string      `mapstructure:"bootstrap_peers"`
		DiscoveryTag   string        `mapstructure:"discovery_tag"`
		AnnounceEvery  time.Duration `mapstructure:"announce_every"`
	} `mapstructure:"network"`

	Storage struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"storage"`

	Milter struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"milter"`

	API struct {
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"api"`

	Opinion struct {
		DefaultValidDays int  `mapstructure:"default_valid_days"`
		DefaultCertainty int8 `mapstructure:"default_certainty"`
	} `mapstructure:"opinion"`

	Resolver struct {
		Server  string        `mapstructure:"server"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"resolver"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`

	Policy PolicyConfig `mapstructure:"policy"`
}

// PolicyConfig is the YAML-friendly mirror of a milter policy.RuleSet:
// Severities maps a statement name to the severity it contributes to
// the verdict (unlisted names contribute nothing), Rules is the
// field-path rule list evaluated at each SMTP stage, and NamedLists
// holds any list specs rules reference by name.
type PolicyConfig struct {
	Severities map[string]string           `mapstructure:"severities"`
	Rules      []RuleConfig                `mapstructure:"rules"`
	NamedLists map[string][]ListSpecConfig `mapstructure:"named_lists"`
}

// RuleConfig mirrors policy.Rule.
type RuleConfig struct {
	Stage     string         `mapstructure:"stage"`
	FieldPath string         `mapstructure:"field_path"`
	Name      string         `mapstructure:"name"`
	List      ListSpecConfig `mapstructure:"list"`
}

// ListSpecConfig mirrors policy.ListSpec.
type ListSpecConfig struct {
	Single     string           `mapstructure:"single"`
	Multi      []ListSpecConfig `mapstructure:"multi"`
	Named      string           `mapstructure:"named"`
	Reputation string           `mapstructure:"reputation"`
}

// Compile turns the YAML-friendly PolicyConfig into the domain
// RuleSet and severity table the milter accumulator consults. An empty
// Rules list falls back to policy.DefaultRuleSet(), so an operator
// overriding only Severities doesn't also have to restate the rules.
func (p PolicyConfig) Compile() (policy.RuleSet, map[string]policy.Severity) {
	rules := policy.DefaultRuleSet()
	if len(p.Rules) > 0 {
		rules = policy.RuleSet{
			Rules:      make([]policy.Rule, len(p.Rules)),
			NamedLists: compileNamedLists(p.NamedLists),
		}
		for i, r := range p.Rules {
			rules.Rules[i] = policy.Rule{
				Stage:     r.Stage,
				FieldPath: r.FieldPath,
				Name:      r.Name,
				List:      compileListSpec(r.List),
			}
		}
	}

	severities := policy.DefaultSeverities()
	for name, sev := range p.Severities {
		severities[name] = policy.ParseSeverity(sev)
	}
	return rules, severities
}

func compileNamedLists(in map[string][]ListSpecConfig) map[string][]policy.ListSpec {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]policy.ListSpec, len(in))
	for name, specs := range in {
		out[name] = compileListSpecs(specs)
	}
	return out
}

func compileListSpecs(in []ListSpecConfig) []policy.ListSpec {
	out := make([]policy.ListSpec, len(in))
	for i, s := range in {
		out[i] = compileListSpec(s)
	}
	return out
}

func compileListSpec(in ListSpecConfig) policy.ListSpec {
	return policy.ListSpec{
		Single:     in.Single,
		Multi:      compileListSpecs(in.Multi),
		Named:      in.Named,
		Reputation: in.Reputation,
	}
}

// Default returns a Config populated with the node's out-of-the-box
// settings, used when no config file is given.
func Default() Config {
	var c Config
	c.Network.ListenAddr = "/ip4/0.0.0.0/tcp/4001"
	c.Network.DiscoveryTag = "reputation-net"
	c.Network.AnnounceEvery = 10 * time.Minute
	c.Storage.DSN = "file:reputation.db?_pragma=busy_timeout(5000)"
	c.Milter.ListenAddr = "127.0.0.1:8893"
	c.API.ListenAddr = "127.0.0.1:8894"
	c.Opinion.DefaultValidDays = 30
	c.Opinion.DefaultCertainty = 3
	c.Resolver.Server = "1.1.1.1:53"
	c.Resolver.Timeout = 5 * time.Second
	c.Logging.Level = "info"
	c.Policy.Severities = map[string]string{
		"spammer":          "reject",
		"exploited":        "reject",
		"spammer_friendly": "tempfail",
		"dynamic":          "tempfail",
		"known":            "known",
	}
	return c
}

// Load reads path (YAML) over the defaults, then applies REPNET_*
// environment overrides for the handful of fields operators most often
// need to override without editing the file.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	cfg.Network.ListenAddr = utils.EnvOrDefault("REPNET_LISTEN_ADDR", cfg.Network.ListenAddr)
	cfg.Storage.DSN = utils.EnvOrDefault("REPNET_DB_DSN", cfg.Storage.DSN)
	cfg.Milter.ListenAddr = utils.EnvOrDefault("REPNET_MILTER_ADDR", cfg.Milter.ListenAddr)
	cfg.API.ListenAddr = utils.EnvOrDefault("REPNET_API_ADDR", cfg.API.ListenAddr)
	cfg.Logging.Level = utils.EnvOrDefault("REPNET_LOG_LEVEL", cfg.Logging.Level)
	cfg.Opinion.DefaultValidDays = utils.EnvOrDefaultInt("REPNET_OPINION_VALID_DAYS", cfg.Opinion.DefaultValidDays)

	return cfg, nil
}
