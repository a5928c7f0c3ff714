package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server Server `yaml:"server"`
}

type Server struct {
	ClusterName       string   `yaml:"clusterName"`
	Storage           Storage  `yaml:"storage"`
	LDAP              LDAP     `yaml:"ldap"`
	AccountingEnforce []string `yaml:"accountingEnforce"`
	PrivateData       []string `yaml:"privateData"`
	TrackWCKey        bool     `yaml:"trackWCKey"`
	DisableCoordDBD   bool     `yaml:"disableCoordDBD"`
	StateSaveLocation string   `yaml:"stateSaveLocation"`
	Rollup            Rollup   `yaml:"rollup"`
}

// Storage selects and parameterizes the accounting storage backend.
// Kind is the plugin suffix, e.g. "mysql" for accounting_storage/mysql.
type Storage struct {
	Kind            string `yaml:"kind"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Pass            string `yaml:"pass"`
	Loc             string `yaml:"loc"` // database name, or file path for filetxt
	Charset         string `yaml:"charset"`
	ParseTime       bool   `yaml:"parseTime"`
	TimeZone        string `yaml:"timeZone"`
	TLS             string `yaml:"tls"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
	Timeout         string `yaml:"timeout"` // per-operation deadline
}

type Rollup struct {
	Interval string `yaml:"interval"` // how often usage rollup runs, e.g. "1h"
	Archive  bool   `yaml:"archive"`
}

type LDAP struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	UseTLS             bool   `yaml:"useTLS"`
	StartTLS           bool   `yaml:"startTLS"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	ServerName         string `yaml:"serverName"`
	RootCAFile         string `yaml:"rootCAFile"`
	ClientCertFile     string `yaml:"clientCertFile"`
	ClientKeyFile      string `yaml:"clientKeyFile"`
	BindDN             string `yaml:"bindDN"`
	BindPassword       string `yaml:"bindPassword"`
	BaseDN             string `yaml:"baseDN"`
	ConnectTimeout     string `yaml:"connectTimeout"`
	ReadTimeout        string `yaml:"readTimeout"`
}

// Enforce is the parsed AccountingEnforce bitset.
type Enforce uint8

const (
	EnforceAssocs Enforce = 1 << iota
	EnforceLimits
	EnforceQOS
	EnforceWCKeys
	EnforceSafe
)

// Private is the parsed PrivateData bitset.
type Private uint8

const (
	PrivateUsers Private = 1 << iota
	PrivateAccounts
	PrivateUsage
	PrivateEvents
)

// Load reads a YAML config file from the given path and unmarshals into Config.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.ClusterName == "" {
		return nil, fmt.Errorf("config: clusterName is required")
	}
	return &cfg, nil
}

// ParseEnforce converts the accountingEnforce list into a bitset.
// LIMITS, QOS, WCKEYS and SAFE all imply ASSOCS: none of them can be
// checked without a bound association.
func ParseEnforce(opts []string) (Enforce, error) {
	var e Enforce
	for _, o := range opts {
		switch strings.ToLower(strings.TrimSpace(o)) {
		case "":
		case "assocs", "associations":
			e |= EnforceAssocs
		case "limits":
			e |= EnforceAssocs | EnforceLimits
		case "qos":
			e |= EnforceAssocs | EnforceQOS
		case "wckeys":
			e |= EnforceAssocs | EnforceWCKeys
		case "safe":
			e |= EnforceAssocs | EnforceLimits | EnforceSafe
		default:
			return 0, fmt.Errorf("config: unknown accountingEnforce option %q", o)
		}
	}
	return e, nil
}

// ParsePrivate converts the privateData list into a bitset.
func ParsePrivate(opts []string) (Private, error) {
	var p Private
	for _, o := range opts {
		switch strings.ToLower(strings.TrimSpace(o)) {
		case "":
		case "users":
			p |= PrivateUsers
		case "accounts":
			p |= PrivateAccounts
		case "usage":
			p |= PrivateUsage
		case "events":
			p |= PrivateEvents
		default:
			return 0, fmt.Errorf("config: unknown privateData option %q", o)
		}
	}
	return p, nil
}
