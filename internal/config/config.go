// File: internal/config/config.go
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig           `mapstructure:"logger" yaml:"logger"`
	Paths   PathsConfig            `mapstructure:"paths" yaml:"paths"`
	Browser BrowserConfig          `mapstructure:"browser" yaml:"browser"`
	Sites   map[string]SiteProfile `mapstructure:"sites" yaml:"sites"`
	Netlog  NetlogConfig           `mapstructure:"netlog" yaml:"netlog"`
	GTFS    GTFSConfig             `mapstructure:"gtfs" yaml:"gtfs"`
	Keyring KeyringConfig          `mapstructure:"keyring" yaml:"keyring"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// PathsConfig locates the credential files and the on-disk results.
type PathsConfig struct {
	ConfigDir  string `mapstructure:"config_dir" yaml:"config_dir"`
	ResultsDir string `mapstructure:"results_dir" yaml:"results_dir"`
	CacheDir   string `mapstructure:"cache_dir" yaml:"cache_dir"`
}

// BrowserConfig holds settings for the Chrome instance.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NoSandbox         bool          `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	IdleQuietPeriod   time.Duration `mapstructure:"idle_quiet_period" yaml:"idle_quiet_period"`
	Debug             bool          `mapstructure:"debug" yaml:"debug"`
}

// Dimensions is a width/height pair. A zero value means "leave the browser default".
type Dimensions struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// IsZero reports whether neither dimension is set.
func (d Dimensions) IsZero() bool { return d.Width <= 0 || d.Height <= 0 }

// SiteProfile describes one portal: where its credentials live, where its
// artifacts go and how its login form behaves.
type SiteProfile struct {
	CredentialsFile  string        `mapstructure:"credentials_file" yaml:"credentials_file"`
	ResultsSubdir    string        `mapstructure:"results_subdir" yaml:"results_subdir"`
	LoginURLPattern  string        `mapstructure:"login_url_pattern" yaml:"login_url_pattern"`
	UsernameSelector string        `mapstructure:"username_selector" yaml:"username_selector"`
	PasswordSelector string        `mapstructure:"password_selector" yaml:"password_selector"`
	TypeDelay        time.Duration `mapstructure:"type_delay" yaml:"type_delay"`
	StepPause        time.Duration `mapstructure:"step_pause" yaml:"step_pause"`
	PreLoginPause    time.Duration `mapstructure:"pre_login_pause" yaml:"pre_login_pause"`
	PostSubmitPause  time.Duration `mapstructure:"post_submit_pause" yaml:"post_submit_pause"`
	InitialIdle      string        `mapstructure:"initial_idle" yaml:"initial_idle"`
	LoginIdle        string        `mapstructure:"login_idle" yaml:"login_idle"`
	LogSession       bool          `mapstructure:"log_session" yaml:"log_session"`
	Window           Dimensions    `mapstructure:"window" yaml:"window"`
	Viewport         Dimensions    `mapstructure:"viewport" yaml:"viewport"`
}

// NetlogConfig tunes the network activity recorder.
type NetlogConfig struct {
	Site              string        `mapstructure:"site" yaml:"site"`
	StallTimeout      time.Duration `mapstructure:"stall_timeout" yaml:"stall_timeout"`
	CaptureJSONBodies bool          `mapstructure:"capture_json_bodies" yaml:"capture_json_bodies"`
}

// GTFSConfig configures the 511 transit admin feed scraper.
type GTFSConfig struct {
	Site                   string        `mapstructure:"site" yaml:"site"`
	AgencyTitlePattern     string        `mapstructure:"agency_title_pattern" yaml:"agency_title_pattern"`
	PublicFeedsSelector    string        `mapstructure:"public_feeds_selector" yaml:"public_feeds_selector"`
	AgencyListSelector     string        `mapstructure:"agency_list_selector" yaml:"agency_list_selector"`
	DownloadButtonSelector string        `mapstructure:"download_button_selector" yaml:"download_button_selector"`
	FilterPause            time.Duration `mapstructure:"filter_pause" yaml:"filter_pause"`
	AgencyInterval         time.Duration `mapstructure:"agency_interval" yaml:"agency_interval"`
	SettleDelay            time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	NewTabTimeout          time.Duration `mapstructure:"new_tab_timeout" yaml:"new_tab_timeout"`
	DownloadTimeout        time.Duration `mapstructure:"download_timeout" yaml:"download_timeout"`
	ArchivePattern         string        `mapstructure:"archive_pattern" yaml:"archive_pattern"`
	LinkName               string        `mapstructure:"link_name" yaml:"link_name"`
	MetadataFile           string        `mapstructure:"metadata_file" yaml:"metadata_file"`
	IndexFile              string        `mapstructure:"index_file" yaml:"index_file"`
	Agencies               []string      `mapstructure:"agencies" yaml:"agencies"`
}

// KeyringConfig names the OS keyring service used for stored passwords.
type KeyringConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Service string `mapstructure:"service" yaml:"service"`
}

// Site looks up a site profile by name.
func (c *Config) Site(name string) (SiteProfile, error) {
	p, ok := c.Sites[name]
	if !ok {
		return SiteProfile{}, fmt.Errorf("unknown site %q", name)
	}
	return p, nil
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "portalctl")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Paths --
	v.SetDefault("paths.config_dir", "config")
	v.SetDefault("paths.results_dir", "testResults")
	v.SetDefault("paths.cache_dir", ".disk-cache")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.ignore_tls_errors", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.idle_quiet_period", "500ms")
	v.SetDefault("browser.debug", false)

	setSiteDefaults(v)

	// -- Netlog --
	v.SetDefault("netlog.site", "avail-stories")
	v.SetDefault("netlog.stall_timeout", "30s")
	v.SetDefault("netlog.capture_json_bodies", true)

	// -- GTFS --
	v.SetDefault("gtfs.site", "transit-admin-511")
	v.SetDefault("gtfs.agency_title_pattern", "^NYSDOT / ")
	v.SetDefault("gtfs.public_feeds_selector", "a[value=PUBLIC]")
	v.SetDefault("gtfs.agency_list_selector", ".list-group-item")
	v.SetDefault("gtfs.download_button_selector", "button[data-test-id=download-feed-version-button]")
	v.SetDefault("gtfs.filter_pause", "1500ms")
	v.SetDefault("gtfs.agency_interval", "3s")
	v.SetDefault("gtfs.settle_delay", "3s")
	v.SetDefault("gtfs.new_tab_timeout", "15s")
	v.SetDefault("gtfs.download_timeout", "10m")
	v.SetDefault("gtfs.archive_pattern", `\.zip$`)
	v.SetDefault("gtfs.link_name", "gtfs.zip")
	v.SetDefault("gtfs.metadata_file", "download_metadata.json")
	v.SetDefault("gtfs.index_file", "downloads.db")

	// -- Keyring --
	v.SetDefault("keyring.enabled", true)
	v.SetDefault("keyring.service", "portalctl")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Paths.ConfigDir == "" || c.Paths.ResultsDir == "" || c.Paths.CacheDir == "" {
		return fmt.Errorf("paths.config_dir, paths.results_dir and paths.cache_dir are required")
	}
	if c.Browser.IdleQuietPeriod <= 0 {
		return fmt.Errorf("browser.idle_quiet_period must be a positive duration")
	}
	if len(c.Sites) == 0 {
		return fmt.Errorf("at least one site profile must be configured")
	}
	for name, site := range c.Sites {
		if err := site.Validate(); err != nil {
			return fmt.Errorf("sites.%s: %w", name, err)
		}
	}
	if err := c.GTFS.Validate(); err != nil {
		return fmt.Errorf("gtfs configuration invalid: %w", err)
	}
	if c.Keyring.Enabled && c.Keyring.Service == "" {
		return fmt.Errorf("keyring.service is required when the keyring is enabled")
	}
	return nil
}

// Validate checks a single site profile.
func (s *SiteProfile) Validate() error {
	if s.CredentialsFile == "" {
		return fmt.Errorf("credentials_file is required")
	}
	if s.ResultsSubdir == "" {
		return fmt.Errorf("results_subdir is required")
	}
	if s.UsernameSelector == "" || s.PasswordSelector == "" {
		return fmt.Errorf("username_selector and password_selector are required")
	}
	if _, err := regexp.Compile(s.LoginURLPattern); err != nil {
		return fmt.Errorf("login_url_pattern: %w", err)
	}
	return nil
}

// Validate checks the GTFS scraper configuration.
func (g *GTFSConfig) Validate() error {
	if _, err := regexp.Compile(g.AgencyTitlePattern); err != nil {
		return fmt.Errorf("agency_title_pattern: %w", err)
	}
	if _, err := regexp.Compile(g.ArchivePattern); err != nil {
		return fmt.Errorf("archive_pattern: %w", err)
	}
	if g.DownloadTimeout <= 0 {
		return fmt.Errorf("download_timeout must be a positive duration")
	}
	if g.LinkName == "" || g.MetadataFile == "" {
		return fmt.Errorf("link_name and metadata_file are required")
	}
	return nil
}
