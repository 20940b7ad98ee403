// Package endpoint defines the cluster endpoint model.
// An endpoint is either a full Aurora DSQL hostname or a bare cluster ID that
// is expanded with the region.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ApplicationName is reported to the server on every connection.
const ApplicationName = "poc-token-pooling/1.0"

// Defaults applied by Resolve.
const (
	DefaultUser     = "admin"
	DefaultDatabase = "postgres"
	DefaultPort     = 5432
)

const dsqlDomain = ".on.aws"

// Endpoint is a database endpoint authenticated with short-lived tokens.
type Endpoint struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Region   string `yaml:"region"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	// Profile selects a named AWS shared-config profile for signing.
	Profile string `yaml:"profile"`
	// TokenTTL is the validity requested for each token; zero means the provider default.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// Resolve applies defaults, expands a cluster ID into a hostname and fills the
// region from the hostname when it is not set.
func (e Endpoint) Resolve() (Endpoint, error) {
	if e.Host == "" {
		return e, fmt.Errorf("host is required")
	}
	if e.User == "" {
		e.User = DefaultUser
	}
	if e.Database == "" {
		e.Database = DefaultDatabase
	}
	if e.Port == 0 {
		e.Port = DefaultPort
	}

	if IsClusterID(e.Host) {
		if e.Region == "" {
			return e, fmt.Errorf("region is required when host is a cluster ID")
		}
		e.Host = BuildHostname(e.Host, e.Region)
		return e, nil
	}

	if e.Region == "" {
		region, err := ParseRegion(e.Host)
		if err != nil {
			return e, fmt.Errorf("region is required: %w", err)
		}
		e.Region = region
	}
	return e, nil
}

// IsClusterID reports whether host is a bare cluster ID rather than a hostname.
func IsClusterID(host string) bool {
	return !strings.Contains(host, ".")
}

// BuildHostname expands a cluster ID into its DSQL hostname.
func BuildHostname(clusterID, region string) string {
	return clusterID + ".dsql." + region + dsqlDomain
}

// ParseRegion extracts the region from a hostname of the form
// <cluster>.dsql.<region>.on.aws.
func ParseRegion(host string) (string, error) {
	if !strings.HasSuffix(host, dsqlDomain) {
		return "", fmt.Errorf("%q is not a DSQL hostname", host)
	}
	parts := strings.Split(strings.TrimSuffix(host, dsqlDomain), ".")
	if len(parts) != 3 || parts[1] != "dsql" || parts[0] == "" || parts[2] == "" {
		return "", fmt.Errorf("%q is not a DSQL hostname", host)
	}
	return parts[2], nil
}

// Parse reads a connection string such as
// postgres://app@cluster.dsql.us-east-1.on.aws:5432/postgres?region=us-east-1&tokenDurationSecs=900.
func Parse(connString string) (Endpoint, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid connection string: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return Endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	e := Endpoint{Host: u.Hostname()}
	if u.User != nil {
		e.User = u.User.Username()
	}
	if u.Path != "" && u.Path != "/" {
		e.Database = strings.TrimPrefix(u.Path, "/")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid port: %w", err)
		}
		e.Port = port
	}

	q := u.Query()
	e.Region = q.Get("region")
	e.Profile = q.Get("profile")
	if v := q.Get("tokenDurationSecs"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid tokenDurationSecs: %w", err)
		}
		e.TokenTTL = time.Duration(secs) * time.Second
	}
	return e, nil
}

// DSN returns the PostgreSQL connection URL without a password; the token is
// injected per connection.
func (e Endpoint) DSN() string {
	return fmt.Sprintf("postgres://%s@%s/%s?sslmode=verify-full&application_name=%s",
		url.QueryEscape(e.User), e.Addr(), url.QueryEscape(e.Database), url.QueryEscape(ApplicationName))
}

// SQLServerDSN returns the SQL Server connection URL used with access-token auth.
func (e Endpoint) SQLServerDSN() string {
	q := url.Values{}
	q.Set("database", e.Database)
	q.Set("app name", ApplicationName)
	q.Set("encrypt", "true")
	u := url.URL{Scheme: "sqlserver", Host: e.Addr(), RawQuery: q.Encode()}
	return u.String()
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
