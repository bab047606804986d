// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config is the full daemon configuration. Every field maps to an
// environment variable via envconfig; secrets are required and their
// absence is a startup failure, never a default.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DB struct {
		Type     string `envconfig:"DB_TYPE" default:"postgres"`
		Host     string `envconfig:"DB_HOST" default:"localhost"`
		Port     int    `envconfig:"DB_PORT" default:"5432"`
		Name     string `envconfig:"DB_NAME" default:"pkd"`
		User     string `envconfig:"DB_USER" default:"pkd"`
		Password string `envconfig:"DB_PASSWORD"`
		SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

		MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"16"`
		MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"4"`
		ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	}

	LDAP LDAPConfig

	// TrustAnchorPath points at the UN CSCA PEM used for master list
	// signer verification. Loaded once at boot; rotation needs a restart.
	TrustAnchorPath string `envconfig:"TRUST_ANCHOR_PATH" default:""`

	TempDir       string `envconfig:"TEMP_DIR" default:"/var/lib/pkdd/tmp"`
	MaxBodySizeMB int    `envconfig:"MAX_BODY_SIZE_MB" default:"200"`

	AutoReconcileInterval time.Duration `envconfig:"AUTO_RECONCILE_INTERVAL" default:"1h"`
	ReconcileConcurrency  int           `envconfig:"RECONCILE_CONCURRENCY" default:"4"`
	RevalidateInterval    time.Duration `envconfig:"REVALIDATE_INTERVAL" default:"30m"`

	// LegacyLDAPDN switches new writes to the subject+serial entry layout.
	// The fingerprint layout is the default and what the reconciler emits.
	LegacyLDAPDN bool `envconfig:"LEGACY_LDAP_DN" default:"false"`
}

// LDAPConfig describes the directory connections. Reads are balanced
// round-robin across the comma-separated host list; writes are bound to the
// single write host.
type LDAPConfig struct {
	ReadHosts    string `envconfig:"LDAP_READ_HOSTS" default:"localhost:389"`
	WriteHost    string `envconfig:"LDAP_WRITE_HOST" default:"localhost"`
	WritePort    int    `envconfig:"LDAP_WRITE_PORT" default:"389"`
	BaseDN       string `envconfig:"LDAP_BASE_DN" default:"dc=pkd,dc=example,dc=com"`
	BindDN       string `envconfig:"LDAP_BIND_DN" default:"cn=admin,dc=pkd,dc=example,dc=com"`
	BindPassword string `envconfig:"LDAP_BIND_PASSWORD"`
	StartTLS     bool   `envconfig:"LDAP_STARTTLS" default:"false"`

	ReadConns      int           `envconfig:"LDAP_READ_CONNS" default:"4"`
	AcquireTimeout time.Duration `envconfig:"LDAP_ACQUIRE_TIMEOUT" default:"10s"`
	NetworkTimeout time.Duration `envconfig:"LDAP_NETWORK_TIMEOUT" default:"30s"`

	// Container RDN values below the base DN: conformant material under
	// dc={DataContainer}, non-conformant DSCs under dc={NCDataContainer}.
	DataContainer   string `envconfig:"LDAP_DATA_CONTAINER" default:"data"`
	NCDataContainer string `envconfig:"LDAP_NC_DATA_CONTAINER" default:"nc-data"`
}

// ReadURLs expands the comma-separated read host list into dial URLs. Hosts
// without a scheme default to ldap://.
func (c LDAPConfig) ReadURLs() []string {
	var out []string
	for _, h := range strings.Split(c.ReadHosts, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		out = append(out, ldapURL(h))
	}
	return out
}

// WriteURL is the dial URL of the exclusive write session.
func (c LDAPConfig) WriteURL() string {
	return ldapURL(fmt.Sprintf("%s:%d", c.WriteHost, c.WritePort))
}

func ldapURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "ldap://" + host
}

// Load reads the environment and validates required secrets.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, errors.Wrap(err, "process environment")
	}
	if c.DB.Password == "" {
		return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, "DB_PASSWORD is required")
	}
	if c.LDAP.BindPassword == "" {
		return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, "LDAP_BIND_PASSWORD is required")
	}
	if len(c.LDAP.ReadURLs()) == 0 {
		return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, "LDAP_READ_HOSTS must name at least one host")
	}
	if c.MaxBodySizeMB <= 0 {
		return nil, errors.Wrap(cerrdefs.ErrInvalidArgument, "MAX_BODY_SIZE_MB must be positive")
	}
	return &c, nil
}
