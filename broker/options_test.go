package broker

import (
	"errors"
	"testing"
)

func TestParseConnectionString(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name      string
		in        string
		wantAddr  string
		wantTLS   bool
		wantCreds bool
		check     func(t *testing.T, o ConnectOptions)
	}{
		{
			name:     "server only",
			in:       "Server=localhost",
			wantAddr: "localhost:1883",
			check: func(t *testing.T, o ConnectOptions) {
				if !o.CleanSession {
					t.Fatal("CleanSession should default to true")
				}
				if o.TrustedConnection != nil {
					t.Fatal("TrustedConnection should be unset")
				}
			},
		},
		{
			name:      "credentials without trusted flag",
			in:        "Server=broker;Port=1884;User=gw;Password=secret",
			wantAddr:  "broker:1884",
			wantCreds: true,
			check: func(t *testing.T, o ConnectOptions) {
				if o.Username != "gw" || o.Password != "secret" {
					t.Fatalf("credentials = %q/%q", o.Username, o.Password)
				}
			},
		},
		{
			name:     "trusted connection uses tls and tls port",
			in:       "server=broker; TrustedConnection=true; User=ignored",
			wantAddr: "broker:8883",
			wantTLS:  true,
			check: func(t *testing.T, o ConnectOptions) {
				if o.TrustedConnection == nil || *o.TrustedConnection != yes {
					t.Fatal("TrustedConnection should be true")
				}
			},
		},
		{
			name:      "untrusted connection forces credentials",
			in:        "Server=broker;TrustedConnection=false",
			wantAddr:  "broker:1883",
			wantCreds: true,
			check: func(t *testing.T, o ConnectOptions) {
				if o.TrustedConnection == nil || *o.TrustedConnection != no {
					t.Fatal("TrustedConnection should be false")
				}
			},
		},
		{
			name:     "clean session and client id",
			in:       "Server=broker;CleanSession=false;ClientId=gw-1;",
			wantAddr: "broker:1883",
			check: func(t *testing.T, o ConnectOptions) {
				if o.CleanSession {
					t.Fatal("CleanSession should be false")
				}
				if o.ClientID != "gw-1" {
					t.Fatalf("ClientID = %q", o.ClientID)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := ParseConnectionString(tt.in)
			if err != nil {
				t.Fatalf("ParseConnectionString: %v", err)
			}
			if got := o.Address(); got != tt.wantAddr {
				t.Fatalf("Address() = %q, want %q", got, tt.wantAddr)
			}
			if o.UseTLS() != tt.wantTLS {
				t.Fatalf("UseTLS() = %v, want %v", o.UseTLS(), tt.wantTLS)
			}
			if o.UseCredentials() != tt.wantCreds {
				t.Fatalf("UseCredentials() = %v, want %v", o.UseCredentials(), tt.wantCreds)
			}
			if tt.check != nil {
				tt.check(t, o)
			}
		})
	}
}

func TestParseConnectionStringErrors(t *testing.T) {
	bad := []string{
		"",
		"Port=1883",
		"Server=x;Port=abc",
		"Server=x;Port=70000",
		"Server=x;CleanSession=maybe",
		"Server=x;TrustedConnection=sometimes",
		"Server=x;Bogus=1",
		"Server=x;novalue",
	}
	for _, in := range bad {
		if _, err := ParseConnectionString(in); !errors.Is(err, ErrInvalidConnectionString) {
			t.Errorf("ParseConnectionString(%q) err = %v, want ErrInvalidConnectionString", in, err)
		}
	}
}

func TestQoSString(t *testing.T) {
	if ExactlyOnce.String() != "exactly-once" || QoS(7).String() != "invalid" {
		t.Fatalf("unexpected QoS strings: %s %s", ExactlyOnce, QoS(7))
	}
}
