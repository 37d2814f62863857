// Package config loads and validates the synchronization configuration.
//
// Configuration sources, in order of precedence: environment variables
// (ADLS_*), the YAML configuration file, and struct defaults. The exception
// table and the country-control policy live in separate YAML files referenced
// from the main configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a synchronization run.
type Config struct {
	Logging Logging `mapstructure:"logging" yaml:"logging"`

	// Settings holds run-wide policy knobs shared by both runners.
	Settings Settings `mapstructure:"settings" yaml:"settings"`

	// Primary is the authoritative directory (Active Directory).
	Primary Directory `mapstructure:"primary" yaml:"primary" validate:"required"`

	// Dependent is the directory kept in sync with the primary (OpenLDAP).
	Dependent Directory `mapstructure:"dependent" yaml:"dependent" validate:"required"`
}

// Logging controls log output behavior.
type Logging struct {
	Level  string `default:"info" mapstructure:"level" validate:"oneof=debug info warn error" yaml:"level"`
	Format string `default:"text" mapstructure:"format" validate:"oneof=text json" yaml:"format"`
	Output string `default:"stdout" mapstructure:"output" yaml:"output"`
}

// Settings holds the policy knobs consumed by the reconciliation engine.
type Settings struct {
	// Credential policy.
	PasswordLength            int    `default:"14" mapstructure:"password_length" validate:"gte=8,lte=128" yaml:"password_length"`
	SpecialPasswordCharacters string `default:"!%&*+-_" mapstructure:"special_password_characters" validate:"required" yaml:"special_password_characters"`
	BannedPasswordChars       string `default:"lI01O" mapstructure:"banned_password_chars" yaml:"banned_password_chars"`

	// Change thresholds, expressed as percentages of the destination
	// member list, and the absolute batch size below which changes are
	// applied without gating.
	TotalChangeThreshold     int `default:"30" mapstructure:"total_change_threshold" validate:"gte=0,lte=100" yaml:"total_change_threshold"`
	AdditionsChangeThreshold int `default:"30" mapstructure:"additions_change_threshold" validate:"gte=0,lte=100" yaml:"additions_change_threshold"`
	DeletionsChangeThreshold int `default:"15" mapstructure:"deletions_change_threshold" validate:"gte=0,lte=100" yaml:"deletions_change_threshold"`
	SmallGroupBlindUpdate    int `default:"10" mapstructure:"small_group_blind_update" validate:"gte=0" yaml:"small_group_blind_update"`

	// MaxGroupDepth is the hard cap on nested group expansion.
	MaxGroupDepth int `default:"20" mapstructure:"max_group_depth" validate:"gte=1" yaml:"max_group_depth"`

	// ActiveAccountControls lists the userAccountControl values that mark
	// a primary-directory account as active.
	ActiveAccountControls []int `default:"[512,66048]" mapstructure:"active_account_controls" yaml:"active_account_controls"`

	// Side files.
	ExceptionFile      string `mapstructure:"exception_file" yaml:"exception_file"`
	CountryControlFile string `mapstructure:"country_control_file" yaml:"country_control_file"`

	// Audit and monitoring outputs.
	ManifestPath  string `default:"manifest.log" mapstructure:"manifest_path" yaml:"manifest_path"`
	MonitoringDir string `default:"." mapstructure:"monitoring_dir" yaml:"monitoring_dir"`
	MetricsFile   string `mapstructure:"metrics_file" yaml:"metrics_file"`
}

// Directory describes one LDAP server plus its schema mapping.
type Directory struct {
	URL          string        `mapstructure:"url" validate:"required" yaml:"url"`
	BindDN       string        `mapstructure:"bind_dn" yaml:"bind_dn"`
	BindPassword string        `mapstructure:"bind_password" yaml:"bind_password"`
	Timeout      time.Duration `default:"30s" mapstructure:"timeout" yaml:"timeout"`

	TLS      TLS      `mapstructure:"tls" yaml:"tls"`
	Kerberos Kerberos `mapstructure:"kerberos" yaml:"kerberos"`

	Schema Schema `mapstructure:"schema" yaml:"schema"`
}

// TLS holds the transport-security settings for one directory.
type TLS struct {
	Verify bool   `default:"true" mapstructure:"verify" yaml:"verify"`
	CAFile string `mapstructure:"ca_file" yaml:"ca_file"`
}

// Kerberos holds the GSSAPI settings for one directory. When Realm is set,
// Kerberos authentication is used instead of simple bind.
type Kerberos struct {
	Realm      string `mapstructure:"realm" yaml:"realm"`
	Keytab     string `mapstructure:"keytab" yaml:"keytab"`
	ConfigFile string `mapstructure:"config_file" yaml:"config_file"`
}

// Schema describes where objects live in a directory and how their
// attributes map onto the other directory.
type Schema struct {
	Base        string   `mapstructure:"base" validate:"required" yaml:"base"`
	UsersOU     string   `mapstructure:"users" yaml:"users"`
	GroupsOU    string   `mapstructure:"groups" yaml:"groups"`
	UserSyncOUs []string `mapstructure:"user_sync_ous" yaml:"user_sync_ous"`

	// SIDPrefix is the domain portion of Samba security identifiers,
	// e.g. "S-1-5-21-111-222-333-". Dependent directory only.
	SIDPrefix string `mapstructure:"sid_prefix" yaml:"sid_prefix"`

	Objects Objects `mapstructure:"objects" yaml:"objects"`

	// RemoteSyncedAttrs maps this directory's attribute names to the
	// other directory's attribute names. This directory is authoritative
	// for every key in the map.
	RemoteSyncedAttrs map[string]string `mapstructure:"remote_synced_attrs" yaml:"remote_synced_attrs"`

	// NotSyncedAttrs are fetched for decision making but never written.
	NotSyncedAttrs []string `mapstructure:"not_synced_attrs" yaml:"not_synced_attrs"`

	// LocalCopyAttrs mirrors one attribute into another within the same
	// directory (e.g. display name into a legacy field).
	LocalCopyAttrs map[string]string `mapstructure:"local_copy_attrs" yaml:"local_copy_attrs"`

	// ASCIIOnlyAttrs name destination attributes whose schema only
	// accepts IA5 strings; they receive the diacritic-folded value.
	ASCIIOnlyAttrs []string `mapstructure:"ascii_only_attrs" yaml:"ascii_only_attrs"`

	// Account state masks, applied wholesale on enable/disable flips.
	EnableUserMask  map[string]string `mapstructure:"enable_user_mask" yaml:"enable_user_mask"`
	DisableUserMask map[string]string `mapstructure:"disable_user_mask" yaml:"disable_user_mask"`

	NewUser  NewObjectMask `mapstructure:"new_user" yaml:"new_user"`
	NewGroup NewObjectMask `mapstructure:"new_group" yaml:"new_group"`
}

// Objects names the per-kind schema attributes.
type Objects struct {
	User  ObjectSchema `mapstructure:"user" yaml:"user"`
	Group ObjectSchema `mapstructure:"group" yaml:"group"`
}

// ObjectSchema describes one object kind in one directory.
type ObjectSchema struct {
	// Name is the naming attribute (sAMAccountName for AD users, uid for
	// OpenLDAP users, cn for groups).
	Name        string `mapstructure:"name" yaml:"name"`
	ObjectClass string `mapstructure:"obj_class" yaml:"obj_class"`
	// Members is the membership attribute (member / memberUid).
	Members string `mapstructure:"members" yaml:"members"`
	// Numeric identifier attributes.
	UIDNumber string `mapstructure:"uid_number" yaml:"uid_number"`
	GIDNumber string `mapstructure:"gid_number" yaml:"gid_number"`
	// SID is the security identifier attribute (sambaSID).
	SID string `mapstructure:"sid" yaml:"sid"`
	// Country is the country-code attribute consulted by the
	// country-control policy. Users only.
	Country string `mapstructure:"country" yaml:"country"`
}

// NewObjectMask is the template for newly created entries.
type NewObjectMask struct {
	ObjectClasses []string          `mapstructure:"object_classes" yaml:"object_classes"`
	Attributes    map[string]string `mapstructure:"attributes" yaml:"attributes"`
	// MinMemberNumber is the floor for numeric identifier allocation.
	MinMemberNumber int `mapstructure:"min_member_number" validate:"gte=0" yaml:"min_member_number"`
}

// Load reads the configuration file at path, applies environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ADLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks structural constraints plus the invariants the engine
// depends on (mask disjointness in particular).
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := validateStateMasks(c.Dependent.Schema.EnableUserMask, c.Dependent.Schema.DisableUserMask); err != nil {
		return err
	}

	return nil
}

// validateStateMasks enforces that the enable and disable masks cover the
// same attributes and never agree on a value; a shared value would make the
// account state toggle ambiguous.
func validateStateMasks(enable, disable map[string]string) error {
	if len(enable) == 0 && len(disable) == 0 {
		return nil
	}
	if len(enable) != len(disable) {
		return fmt.Errorf("enable_user_mask and disable_user_mask must cover the same attributes (%d vs %d)", len(enable), len(disable))
	}
	for attr, enableValue := range enable {
		disableValue, ok := disable[attr]
		if !ok {
			return fmt.Errorf("attribute %q present in enable_user_mask but missing from disable_user_mask", attr)
		}
		if enableValue == disableValue {
			return fmt.Errorf("attribute %q has identical values in enable_user_mask and disable_user_mask", attr)
		}
	}
	return nil
}

// LoadExceptions reads the exception table: primary account name mapped to
// the dependent account name it corresponds to, or "NONE" to mark the
// account as never-synchronized.
func LoadExceptions(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read exception file %s: %w", path, err)
	}
	exceptions := map[string]string{}
	if err := yaml.Unmarshal(data, &exceptions); err != nil {
		return nil, fmt.Errorf("failed to parse exception file %s: %w", path, err)
	}
	return exceptions, nil
}

// LoadCountryControl reads the country-control policy: group name mapped to
// the list of country codes allowed in that group.
func LoadCountryControl(path string) (map[string][]string, error) {
	if path == "" {
		return map[string][]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read country control file %s: %w", path, err)
	}
	policy := map[string][]string{}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse country control file %s: %w", path, err)
	}
	return policy, nil
}
