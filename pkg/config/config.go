// Package config loads the chaser configuration from a YAML file with
// environment overrides (CHASER_ prefix, dots replaced by underscores).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Database struct {
		Path string
	}

	HTTP struct {
		Addr string
	}

	ChaserJob struct {
		Enabled        bool
		CadenceMinutes int
		BatchSize      int
		SendHourLocal  int

		BusinessWindow struct {
			StartHourLocal int
			EndHourLocal   int
			CushionHours   int
		}

		ThreadFallback bool

		Safety struct {
			MaxConsecutiveFailures int
			CoolOffMinutes         int
		}

		WorkflowTemplatePath string
	}

	AckLink struct {
		BaseUrl string
		Policy  struct {
			ChaserTtlHours int
		}
	}

	DatabaseMaintenance struct {
		CheckpointEnabled       bool
		CheckpointIntervalHours int
		CheckpointMode          string
	}

	SharePoint struct {
		SiteUrl       string
		DefaultListId string
	}

	SharePointFieldMappings struct {
		Map map[string]string
	}

	Chat struct {
		BaseUrl string
	}

	Auth struct {
		TokenUrl     string
		ClientId     string
		ClientSecret string
		Scope        string
	}

	Identity struct {
		EmailHeader string
		NameHeader  string
		UpnHeader   string
	}
}

// Load reads the config file at path (optional; env-only setups pass "")
// and applies defaults for every recognized key.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHASER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Database.Path", "chaser.db")
	v.SetDefault("HTTP.Addr", ":8080")

	// AutomaticEnv only surfaces env values for keys viper already knows,
	// so every recognized key needs a registered default, empty included.
	v.SetDefault("AckLink.BaseUrl", "")
	v.SetDefault("SharePoint.SiteUrl", "")
	v.SetDefault("SharePoint.DefaultListId", "")
	v.SetDefault("Chat.BaseUrl", "")
	v.SetDefault("Auth.TokenUrl", "")
	v.SetDefault("Auth.ClientId", "")
	v.SetDefault("Auth.ClientSecret", "")
	v.SetDefault("Auth.Scope", "")
	v.SetDefault("ChaserJob.WorkflowTemplatePath", "")

	v.SetDefault("ChaserJob.Enabled", true)
	v.SetDefault("ChaserJob.CadenceMinutes", 5)
	v.SetDefault("ChaserJob.BatchSize", 50)
	v.SetDefault("ChaserJob.SendHourLocal", 9)
	v.SetDefault("ChaserJob.BusinessWindow.StartHourLocal", 8)
	v.SetDefault("ChaserJob.BusinessWindow.EndHourLocal", 18)
	v.SetDefault("ChaserJob.BusinessWindow.CushionHours", 0)
	v.SetDefault("ChaserJob.ThreadFallback", true)
	v.SetDefault("ChaserJob.Safety.MaxConsecutiveFailures", 5)
	v.SetDefault("ChaserJob.Safety.CoolOffMinutes", 15)

	v.SetDefault("AckLink.Policy.ChaserTtlHours", 24)

	v.SetDefault("DatabaseMaintenance.CheckpointEnabled", true)
	v.SetDefault("DatabaseMaintenance.CheckpointIntervalHours", 24)
	v.SetDefault("DatabaseMaintenance.CheckpointMode", "TRUNCATE")

	v.SetDefault("Identity.EmailHeader", "X-User-Email")
	v.SetDefault("Identity.NameHeader", "X-User-Name")
	v.SetDefault("Identity.UpnHeader", "X-User-UPN")
}

func (c *Config) validate() error {
	if c.AckLink.BaseUrl == "" {
		return fmt.Errorf("config: AckLink.BaseUrl is required")
	}
	if c.ChaserJob.CadenceMinutes < 1 {
		c.ChaserJob.CadenceMinutes = 1
	}
	if c.AckLink.Policy.ChaserTtlHours < 1 {
		c.AckLink.Policy.ChaserTtlHours = 1
	}
	switch strings.ToUpper(c.DatabaseMaintenance.CheckpointMode) {
	case "TRUNCATE", "FULL", "RESTART", "PASSIVE":
	default:
		return fmt.Errorf("config: DatabaseMaintenance.CheckpointMode %q is not one of TRUNCATE|FULL|RESTART|PASSIVE", c.DatabaseMaintenance.CheckpointMode)
	}
	return nil
}
