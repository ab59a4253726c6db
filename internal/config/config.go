// Package config loads the controller's configuration from a YAML file
// plus environment overrides via viper, matching the teacher's
// internal/config/config.go Load/setDefaults/Validate trio exactly,
// re-sectioned for this controller's own domain (lab/file-server/image
// lifecycle instead of billing/NATS/ClickHouse).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	builderfs "github.com/lsst-sqre/nublado-controller/internal/builder/fileserver"
	builderlab "github.com/lsst-sqre/nublado-controller/internal/builder/lab"
	domainimage "github.com/lsst-sqre/nublado-controller/internal/domain/image"
	"github.com/lsst-sqre/nublado-controller/internal/domain/lab"
)

// Config holds all configuration for the controller.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	K8s        K8sConfig        `mapstructure:"k8s"`
	Lab        LabConfig        `mapstructure:"lab"`
	FileServer FileServerConfig `mapstructure:"fileserver"`
	Images     ImagesConfig     `mapstructure:"images"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Alert      AlertConfig      `mapstructure:"alert"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`

	// AdminToken authorizes the admin-only routes of §6 (prepull
	// status, admin file-server list/delete). Compared against the
	// X-Auth-Request-Token header by the admin-auth middleware.
	AdminToken string `mapstructure:"admin_token"`
}

// K8sConfig holds Kubernetes client bootstrap configuration.
type K8sConfig struct {
	ConfigPath string `mapstructure:"config_path"`
	InCluster  bool   `mapstructure:"in_cluster"`

	// NamespacePrefix names the per-user lab namespace prefix (§4.4);
	// FallbackNamespace is the owner-reference namespace used when the
	// downward API files documented in §9 are absent.
	NamespacePrefix    string `mapstructure:"namespace_prefix"`
	FallbackNamespace  string `mapstructure:"fallback_namespace"`
	RequireDownwardAPI bool   `mapstructure:"require_downward_api"`
}

// VolumeConfig mirrors builder.VolumeSpec as a mapstructure-decodable
// value (the builder types carry corev1 types that viper cannot decode
// directly).
type VolumeConfig struct {
	Name              string `mapstructure:"name"`
	ClaimNameTemplate string `mapstructure:"claim_name_template"`
	MountPath         string `mapstructure:"mount_path"`
	ReadOnly          bool   `mapstructure:"read_only"`
	SizeBytes         int64  `mapstructure:"size_bytes"`
}

// InitContainerConfig mirrors builderlab.InitContainerSpec.
type InitContainerConfig struct {
	Name       string   `mapstructure:"name"`
	Image      string   `mapstructure:"image"`
	Command    []string `mapstructure:"command"`
	Privileged bool     `mapstructure:"privileged"`
}

// SecretSourceConfig mirrors builderlab.SecretSourceSpec.
type SecretSourceConfig struct {
	SourceSecretName string `mapstructure:"source_secret_name"`
	SourceKey        string `mapstructure:"source_key"`
	TargetKey        string `mapstructure:"target_key"`
	MountPath        string `mapstructure:"mount_path"`
}

// SizeConfig mirrors builderlab.SizeDefinition.
type SizeConfig struct {
	CPURequest float64 `mapstructure:"cpu_request"`
	CPULimit   float64 `mapstructure:"cpu_limit"`
	MemRequest int64   `mapstructure:"mem_request"`
	MemLimit   int64   `mapstructure:"mem_limit"`
}

// LabConfig holds the lab manager's operator-configured policy (§4.4,
// §4.5).
type LabConfig struct {
	SpawnTimeout      time.Duration `mapstructure:"spawn_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	SecretNamespace   string        `mapstructure:"secret_namespace"`

	PullSecretName string `mapstructure:"pull_secret_name"`

	ReservedEnvVars    []string `mapstructure:"reserved_env_vars"`
	ReservedMountPaths []string `mapstructure:"reserved_mount_paths"`

	Volumes        []VolumeConfig                `mapstructure:"volumes"`
	InitContainers []InitContainerConfig          `mapstructure:"init_containers"`
	SecretSources  []SecretSourceConfig           `mapstructure:"secret_sources"`
	Sizes          map[string]SizeConfig          `mapstructure:"sizes"`

	JupyterHubNamespace string            `mapstructure:"jupyterhub_namespace"`
	JupyterHubSelector  map[string]string `mapstructure:"jupyterhub_selector"`

	ExternalInstanceURL string            `mapstructure:"external_instance_url"`
	OperatorEnv         map[string]string `mapstructure:"operator_env"`

	PasswdBase string `mapstructure:"passwd_base"`
	GroupBase  string `mapstructure:"group_base"`
}

// FileServerConfig holds the file-server manager's policy (§4.6).
type FileServerConfig struct {
	Namespace    string `mapstructure:"namespace"`
	IngressClass string `mapstructure:"ingress_class"`
	HostTemplate string `mapstructure:"host_template"`
	Image        string `mapstructure:"image"`

	Volumes []VolumeConfig `mapstructure:"volumes"`

	CreateTimeout     time.Duration `mapstructure:"create_timeout"`
	DeleteTimeout     time.Duration `mapstructure:"delete_timeout"`
	WatchTimeout      time.Duration `mapstructure:"watch_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// ImagesConfig holds the image catalog's policy (§4.1, §4.2).
type ImagesConfig struct {
	Registry        string   `mapstructure:"registry"`
	Repository      string   `mapstructure:"repository"`
	RecommendedTag  string   `mapstructure:"recommended_tag"`
	Pinned          []string `mapstructure:"pinned"`
	AliasTags       []string `mapstructure:"alias_tags"`
	Releases        int      `mapstructure:"releases"`
	Weeklies        int      `mapstructure:"weeklies"`
	Dailies         int      `mapstructure:"dailies"`
	Cycle           *int     `mapstructure:"cycle"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	RegistryUsername string `mapstructure:"registry_username"`
	RegistryPassword string `mapstructure:"registry_password"`
	RedisAddr        string `mapstructure:"redis_addr"`

	// NodeSelector restricts ListNodes to a labeled subset of the
	// cluster (§4.1 NodeData); Tolerations feeds domain/image.Eligible.
	NodeSelector string             `mapstructure:"node_selector"`
	Tolerations  []TolerationConfig `mapstructure:"tolerations"`
}

// TolerationConfig mirrors domain/image.Toleration.
type TolerationConfig struct {
	Key    string `mapstructure:"key"`
	Effect string `mapstructure:"effect"`
}

// IdentityConfig holds the external identity service's base URL
// (§1 scope boundary: auth/quota are delegated, not implemented here).
type IdentityConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// AlertConfig holds alert-sink configuration. Transport is out of
// scope per §1: WebhookURL is decoded but nothing reads it, and the
// LoggingSink default adapter does not use this section.
type AlertConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// Load reads configuration from configPath (or the default search
// path) plus environment overrides.
func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/nublado-controller")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	viper.SetDefault("k8s.in_cluster", true)
	viper.SetDefault("k8s.namespace_prefix", "userlab")
	viper.SetDefault("k8s.fallback_namespace", "userlabs")
	viper.SetDefault("k8s.require_downward_api", false)

	viper.SetDefault("lab.spawn_timeout", 10*time.Minute)
	viper.SetDefault("lab.reconcile_interval", time.Minute)
	viper.SetDefault("lab.secret_namespace", "nublado-secrets")

	viper.SetDefault("fileserver.namespace", "fileservers")
	viper.SetDefault("fileserver.create_timeout", 2*time.Minute)
	viper.SetDefault("fileserver.delete_timeout", 2*time.Minute)
	viper.SetDefault("fileserver.watch_timeout", 10*time.Minute)
	viper.SetDefault("fileserver.reconcile_interval", time.Minute)

	viper.SetDefault("images.releases", 1)
	viper.SetDefault("images.weeklies", 2)
	viper.SetDefault("images.dailies", 3)
	viper.SetDefault("images.refresh_interval", 5*time.Minute)
}

// Validate checks that the configuration is internally consistent
// enough to start the controller.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Identity.BaseURL == "" {
		return fmt.Errorf("identity base URL is required")
	}
	if c.Images.Registry == "" || c.Images.Repository == "" {
		return fmt.Errorf("images registry and repository are required")
	}
	if len(c.Lab.Sizes) == 0 {
		return fmt.Errorf("at least one lab size must be configured")
	}
	return nil
}

// LabSizes converts the decoded size configuration into the builder's
// SizeDefinition map, keyed by lab.LabSize.
func (c *Config) LabSizes() map[lab.LabSize]builderlab.SizeDefinition {
	out := make(map[lab.LabSize]builderlab.SizeDefinition, len(c.Lab.Sizes))
	for name, s := range c.Lab.Sizes {
		out[lab.LabSize(name)] = builderlab.SizeDefinition{
			CPURequest: s.CPURequest,
			CPULimit:   s.CPULimit,
			MemRequest: s.MemRequest,
			MemLimit:   s.MemLimit,
		}
	}
	return out
}

// LabVolumes converts the decoded lab volume configuration into the
// builder's VolumeSpec slice.
func (c *Config) LabVolumes() []builderlab.VolumeSpec {
	out := make([]builderlab.VolumeSpec, 0, len(c.Lab.Volumes))
	for _, v := range c.Lab.Volumes {
		out = append(out, builderlab.VolumeSpec{
			Name:              v.Name,
			ClaimNameTemplate: v.ClaimNameTemplate,
			MountPath:         v.MountPath,
			ReadOnly:          v.ReadOnly,
			SizeBytes:         v.SizeBytes,
		})
	}
	return out
}

// FileServerVolumes converts the decoded file-server volume
// configuration into the builder's VolumeSpec slice.
func (c *Config) FileServerVolumes() []builderfs.VolumeSpec {
	out := make([]builderfs.VolumeSpec, 0, len(c.FileServer.Volumes))
	for _, v := range c.FileServer.Volumes {
		out = append(out, builderfs.VolumeSpec{
			Name:              v.Name,
			ClaimNameTemplate: v.ClaimNameTemplate,
			MountPath:         v.MountPath,
			ReadOnly:          v.ReadOnly,
		})
	}
	return out
}

// InitContainers converts the decoded init-container configuration
// into the builder's InitContainerSpec slice.
func (c *Config) InitContainers() []builderlab.InitContainerSpec {
	out := make([]builderlab.InitContainerSpec, 0, len(c.Lab.InitContainers))
	for _, ic := range c.Lab.InitContainers {
		out = append(out, builderlab.InitContainerSpec{
			Name:       ic.Name,
			Image:      ic.Image,
			Command:    ic.Command,
			Privileged: ic.Privileged,
		})
	}
	return out
}

// SecretSources converts the decoded secret-source configuration into
// the builder's SecretSourceSpec slice.
func (c *Config) SecretSources() []builderlab.SecretSourceSpec {
	out := make([]builderlab.SecretSourceSpec, 0, len(c.Lab.SecretSources))
	for _, s := range c.Lab.SecretSources {
		out = append(out, builderlab.SecretSourceSpec{
			SourceSecretName: s.SourceSecretName,
			SourceKey:        s.SourceKey,
			TargetKey:        s.TargetKey,
			MountPath:        s.MountPath,
		})
	}
	return out
}

// ImageTolerations converts the decoded toleration configuration into
// domain/image's Toleration slice.
func (c *Config) ImageTolerations() []domainimage.Toleration {
	out := make([]domainimage.Toleration, 0, len(c.Images.Tolerations))
	for _, t := range c.Images.Tolerations {
		out = append(out, domainimage.Toleration{Key: t.Key, Effect: t.Effect})
	}
	return out
}

// AliasTagSet converts the configured alias-tag list into the set form
// the image taxonomy parser expects.
func (c *Config) AliasTagSet() map[string]bool {
	out := make(map[string]bool, len(c.Images.AliasTags))
	for _, t := range c.Images.AliasTags {
		out[t] = true
	}
	return out
}
