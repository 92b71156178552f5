package broker

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort    = 1883
	DefaultTLSPort = 8883
)

// ErrInvalidConnectionString is returned by ParseConnectionString.
var ErrInvalidConnectionString = errors.New("broker: invalid connection string")

// ConnectOptions describes how to reach a broker. A connection authenticates
// either with credentials or with TLS, never both; see UseTLS.
type ConnectOptions struct {
	Server       string
	Port         int
	ClientID     string
	CleanSession bool
	Username     string
	Password     string

	// TrustedConnection selects the authentication mode when set: true uses
	// TLS, false uses Username/Password. When nil, credentials are used if a
	// Username is present.
	TrustedConnection *bool
	// TLS is the client TLS configuration used when UseTLS reports true. A nil
	// value means the system defaults.
	TLS *tls.Config

	ConnectTimeout time.Duration
}

// UseTLS reports whether the connection authenticates with TLS.
func (o ConnectOptions) UseTLS() bool {
	return o.TrustedConnection != nil && *o.TrustedConnection
}

// UseCredentials reports whether Username/Password are sent on connect.
func (o ConnectOptions) UseCredentials() bool {
	if o.TrustedConnection != nil {
		return !*o.TrustedConnection
	}
	return strings.TrimSpace(o.Username) != ""
}

// Address returns host:port, applying the default port for the selected mode.
func (o ConnectOptions) Address() string {
	port := o.Port
	if port == 0 {
		port = DefaultPort
		if o.UseTLS() {
			port = DefaultTLSPort
		}
	}
	return fmt.Sprintf("%s:%d", o.Server, port)
}

// ParseConnectionString parses the semicolon-separated key=value format
//
//	Server=broker.local;Port=1883;CleanSession=true;User=gw;Password=secret;TrustedConnection=false;ClientId=gw-1
//
// Keys are case-insensitive. Server is required. CleanSession defaults to
// true.
func ParseConnectionString(s string) (ConnectOptions, error) {
	opts := ConnectOptions{CleanSession: true}

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectOptions{}, fmt.Errorf("%w: %q is not key=value", ErrInvalidConnectionString, part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "server", "host":
			opts.Server = value
		case "port":
			p, err := strconv.Atoi(value)
			if err != nil || p <= 0 || p > 65535 {
				return ConnectOptions{}, fmt.Errorf("%w: invalid port %q", ErrInvalidConnectionString, value)
			}
			opts.Port = p
		case "cleansession":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return ConnectOptions{}, fmt.Errorf("%w: invalid CleanSession %q", ErrInvalidConnectionString, value)
			}
			opts.CleanSession = b
		case "user", "username":
			opts.Username = value
		case "password":
			opts.Password = value
		case "trustedconnection":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return ConnectOptions{}, fmt.Errorf("%w: invalid TrustedConnection %q", ErrInvalidConnectionString, value)
			}
			opts.TrustedConnection = &b
		case "clientid":
			opts.ClientID = value
		default:
			return ConnectOptions{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConnectionString, key)
		}
	}

	if opts.Server == "" {
		return ConnectOptions{}, fmt.Errorf("%w: Server is required", ErrInvalidConnectionString)
	}
	return opts, nil
}
