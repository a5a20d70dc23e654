// Package config loads and validates the daemon's YAML configuration
// (config.yaml) and its companion schema file (schema.yaml).
package config

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	hashstructure "github.com/mitchellh/hashstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// GlobalConfig holds daemon-wide settings.
type GlobalConfig struct {
	SchemaFile          string        `mapstructure:"schema_file"`
	DataDirectory       string        `mapstructure:"data_directory"`
	DefaultSyncInterval int           `mapstructure:"default_sync_interval"` // seconds
	LogLevel            string        `mapstructure:"log_level"`
	LogFile             string        `mapstructure:"log_file"`
	LogMaxSize          int           `mapstructure:"log_max_size"`
	LogBackupCount      int           `mapstructure:"log_backup_count"`
	ArchiveConfig       ArchiveConfig `mapstructure:"archive"`
	SlackWebhookURL     string        `mapstructure:"slack_webhook_url"`
	CleanupCron         string        `mapstructure:"cleanup_cron"`
	CleanupTime         string        `mapstructure:"cleanup_time"`
}

// ArchiveConfig governs the optional S3 archival of rows pruned from
// the processing log / metrics store.
type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	S3Bucket        string `mapstructure:"s3_bucket"`
	S3Region        string `mapstructure:"s3_region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// JiraConfig holds JIRA connection settings.
type JiraConfig struct {
	ServerURL  string `mapstructure:"server_url"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Timeout    int    `mapstructure:"timeout"` // seconds
	MaxResults int    `mapstructure:"max_results"`
}

// LarkBaseConfig holds target-system credentials.
type LarkBaseConfig struct {
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`
}

// UserMappingConfig holds cross-system identity resolution settings.
type UserMappingConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	CacheDB string   `mapstructure:"cache_db"`
	Domains []string `mapstructure:"domains"`
}

// TableConfig describes one table within a team.
type TableConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Name           string   `mapstructure:"name"`
	TableID        string   `mapstructure:"table_id"`
	JQLQuery       string   `mapstructure:"jql_query"`
	TicketField    string   `mapstructure:"ticket_field"`
	SyncInterval   int      `mapstructure:"sync_interval"` // seconds
	ExcludedFields []string `mapstructure:"excluded_fields"`
}

// TeamConfig describes one team and its tables.
type TeamConfig struct {
	Enabled      bool                   `mapstructure:"enabled"`
	DisplayName  string                 `mapstructure:"display_name"`
	WikiToken    string                 `mapstructure:"wiki_token"`
	SyncInterval int                    `mapstructure:"sync_interval"` // seconds
	SyncSettings map[string]interface{} `mapstructure:"sync_settings"`
	Tables       map[string]TableConfig `mapstructure:"tables"`
}

// IssueLinkRule governs extract_links_filtered.
type IssueLinkRule struct {
	Enabled             bool     `mapstructure:"enabled"`
	DisplayLinkPrefixes []string `mapstructure:"display_link_prefixes"`
}

// Config is the root of config.yaml.
type Config struct {
	Global         GlobalConfig             `mapstructure:"global"`
	Jira           JiraConfig               `mapstructure:"jira"`
	LarkBase       LarkBaseConfig           `mapstructure:"lark_base"`
	UserMapping    UserMappingConfig        `mapstructure:"user_mapping"`
	Teams          map[string]TeamConfig    `mapstructure:"teams"`
	IssueLinkRules map[string]IssueLinkRule `mapstructure:"issue_link_rules"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.default_sync_interval", 300)
	v.SetDefault("global.log_level", "info")
	v.SetDefault("global.log_max_size", 100)
	v.SetDefault("global.log_backup_count", 5)
	v.SetDefault("global.cleanup_time", "00:00")
	v.SetDefault("jira.timeout", 30)
	v.SetDefault("jira.max_results", 1000)
}

// Load reads config.yaml from path using viper, applies defaults, and
// validates the result. cmd, if non-nil, lets CLI flags (--config and
// friends) override file values via viper's pflag binding.
func Load(path string, cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields across the whole config and
// aggregates every problem found, rather than failing on the first.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Global.SchemaFile == "" {
		result = multierror.Append(result, fmt.Errorf("global.schema_file is required"))
	}
	if c.Global.DataDirectory == "" {
		result = multierror.Append(result, fmt.Errorf("global.data_directory is required"))
	}
	if c.Jira.ServerURL == "" {
		result = multierror.Append(result, fmt.Errorf("jira.server_url is required"))
	}
	if c.LarkBase.AppID == "" {
		result = multierror.Append(result, fmt.Errorf("lark_base.app_id is required"))
	}
	if c.LarkBase.AppSecret == "" {
		result = multierror.Append(result, fmt.Errorf("lark_base.app_secret is required"))
	}
	if c.UserMapping.Enabled && c.UserMapping.CacheDB == "" {
		result = multierror.Append(result, fmt.Errorf("user_mapping.cache_db is required when user_mapping.enabled"))
	}

	for teamName, team := range c.Teams {
		if !team.Enabled {
			continue
		}
		if team.WikiToken == "" {
			result = multierror.Append(result, fmt.Errorf("teams.%s.wiki_token is required for an enabled team", teamName))
		}
		for tableName, table := range team.Tables {
			if !table.Enabled {
				continue
			}
			if table.Name == "" {
				result = multierror.Append(result, fmt.Errorf("teams.%s.tables.%s.name is required", teamName, tableName))
			}
			if table.TableID == "" {
				result = multierror.Append(result, fmt.Errorf("teams.%s.tables.%s.table_id is required", teamName, tableName))
			}
			if table.JQLQuery == "" {
				result = multierror.Append(result, fmt.Errorf("teams.%s.tables.%s.jql_query is required", teamName, tableName))
			}
		}
	}

	if result != nil {
		result.ErrorFormat = func(errs []error) string {
			msg := fmt.Sprintf("%d configuration problem(s) found:\n", len(errs))
			for _, e := range errs {
				msg += fmt.Sprintf("  - %s\n", e)
			}
			return msg
		}
		return result
	}
	return nil
}

// Fingerprint returns a stable hash of the config contents, used by the
// daemon's mtime-poll reload to tell a touched-but-unchanged file
// apart from one whose content actually changed.
func (c *Config) Fingerprint() (uint64, error) {
	return hashstructure.Hash(c, hashstructure.FormatV2, nil)
}

// SyncIntervalFor resolves the effective sync interval for a table:
// table override, else team override, else the global default. The
// file stores seconds.
func (c *Config) SyncIntervalFor(team TeamConfig, table TableConfig) time.Duration {
	switch {
	case table.SyncInterval > 0:
		return time.Duration(table.SyncInterval) * time.Second
	case team.SyncInterval > 0:
		return time.Duration(team.SyncInterval) * time.Second
	case c.Global.DefaultSyncInterval > 0:
		return time.Duration(c.Global.DefaultSyncInterval) * time.Second
	default:
		return 300 * time.Second
	}
}

// JiraTimeout returns the configured per-request JIRA HTTP timeout.
func (c *Config) JiraTimeout() time.Duration {
	if c.Jira.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Jira.Timeout) * time.Second
}
