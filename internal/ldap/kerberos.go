package ldap

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

// performKerberosAuth performs GSSAPI authentication on an LDAP connection.
func performKerberosAuth(conn *ldap.Conn, cfg *ConnectionConfig) error {
	if err := prepareKerberosConfig(cfg); err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	gssapiClient, err := createGSSAPIClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// createGSSAPIClient creates a GSSAPI client based on the configuration.
// Priority order: keytab → password.
func createGSSAPIClient(cfg *ConnectionConfig) (ldap.GSSAPIClient, error) {
	krb5confPath := cfg.KerberosConfig
	if krb5confPath == "" {
		krb5confPath = "/etc/krb5.conf"
	}
	if !fileExists(krb5confPath) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", krb5confPath)
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		return gssapi.NewClientWithKeytab(cfg.BindDN, cfg.KerberosRealm, cfg.KerberosKeytab, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	if cfg.BindDN != "" && cfg.BindPassword != "" {
		return gssapi.NewClientWithPassword(cfg.BindDN, cfg.KerberosRealm, cfg.BindPassword, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal constructs the LDAP service principal name from the
// server URL. SPNs never include a port.
func buildServicePrincipal(cfg *ConnectionConfig) (string, error) {
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid LDAP URL: %w", err)
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return "", fmt.Errorf("no hostname found in URL: %s", cfg.URL)
	}

	return fmt.Sprintf("ldap/%s", hostname), nil
}

// prepareKerberosConfig validates and prepares Kerberos configuration.
func prepareKerberosConfig(cfg *ConnectionConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}

	if cfg.KerberosConfig == "" {
		cfg.KerberosConfig = "/etc/krb5.conf"
	}

	// Extract realm from a UPN-style principal if not set explicitly.
	if cfg.KerberosRealm == "" && strings.Contains(cfg.BindDN, "@") {
		parts := strings.Split(cfg.BindDN, "@")
		if len(parts) == 2 {
			cfg.KerberosRealm = parts[1]
			cfg.BindDN = parts[0]
		}
	}

	if cfg.KerberosRealm == "" {
		return fmt.Errorf("kerberos realm is required (set realm or include realm in the principal)")
	}

	if cfg.BindDN == "" {
		return fmt.Errorf("principal is required for Kerberos authentication")
	}

	hasKeytab := cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab)
	hasPassword := cfg.BindPassword != ""
	if !hasKeytab && !hasPassword {
		return fmt.Errorf("no suitable Kerberos credentials found: provide a keytab or a password")
	}

	return nil
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
