package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AuthType is the authentication mode derived from the credential material.
type AuthType int

const (
	// AuthSAS authenticates with tokens minted from a shared access key.
	AuthSAS AuthType = iota

	// AuthX509 authenticates with a client TLS certificate,
	// no tokens can be minted in this mode.
	AuthX509

	// AuthBearer authenticates with an externally issued token.
	AuthBearer
)

func (t AuthType) String() string {
	switch t {
	case AuthSAS:
		return "sas"
	case AuthX509:
		return "x509"
	case AuthBearer:
		return "bearer"
	default:
		return ""
	}
}

// ParseConnectionString parses the given string into a Credentials struct.
func ParseConnectionString(cs string) (*Credentials, error) {
	m := &Credentials{}
	for _, chunk := range strings.Split(cs, ";") {
		c := strings.SplitN(chunk, "=", 2)
		if len(c) != 2 {
			return nil, errors.New("malformed connection string")
		}

		switch c[0] {
		case "HostName":
			m.HostName = c[1]
		case "DeviceId":
			m.DeviceID = c[1]
		case "SharedAccessKey":
			m.SharedAccessKey = c[1]
		case "SharedAccessKeyName":
			m.SharedAccessKeyName = c[1]
		case "x509":
			m.UseX509 = c[1] == "true"
		}
	}
	if m.HostName == "" {
		return nil, errors.New("HostName is missing")
	}
	if m.DeviceID == "" {
		return nil, errors.New("DeviceId is missing")
	}
	return m, nil
}

// Credentials is an IoT Hub authorization entity from a device's perspective.
type Credentials struct {
	HostName            string
	DeviceID            string
	SharedAccessKey     string
	SharedAccessKeyName string
	UseX509             bool
	X509                *tls.Certificate
	Bearer              string

	// SAS overrides GenerateToken when a 3rd-party token service is used.
	SAS func(uri string, opts ...TokenOption) (string, error)
}

// AuthType reports the authentication mode the credentials carry.
func (c *Credentials) AuthType() AuthType {
	switch {
	case c.UseX509 || c.X509 != nil:
		return AuthX509
	case c.Bearer != "":
		return AuthBearer
	default:
		return AuthSAS
	}
}

// HubName is the short hub name, the first label of the hostname.
func (c *Credentials) HubName() string {
	if i := strings.IndexByte(c.HostName, '.'); i != -1 {
		return c.HostName[:i]
	}
	return c.HostName
}

type token struct {
	duration time.Duration
	time     time.Time
}

// TokenOption is token generation option.
type TokenOption func(opts *token)

// WithDuration sets token duration.
func WithDuration(d time.Duration) TokenOption {
	return func(opts *token) {
		opts.duration = d
	}
}

// WithCurrentTime overrides current time clock.
func WithCurrentTime(t time.Time) TokenOption {
	return func(opts *token) {
		opts.time = t
	}
}

// GenerateToken generates a SAS token for the given uri.
//
// Default token duration is one hour.
func (c *Credentials) GenerateToken(uri string, opts ...TokenOption) (string, error) {
	if uri == "" {
		return "", errors.New("uri is blank")
	}
	if c.AuthType() == AuthX509 {
		return "", errors.New("cannot generate SAS tokens with x509 credentials")
	}
	if c.SAS != nil {
		return c.SAS(uri, opts...)
	}

	if c.SharedAccessKey == "" {
		return "", errors.New("SharedAccessKey is blank")
	}

	topts := &token{
		duration: time.Hour,
		time:     time.Now(),
	}
	for _, opt := range opts {
		opt(topts)
	}

	sr := url.QueryEscape(uri)
	se := topts.time.Add(topts.duration).Unix()

	b, err := base64.StdEncoding.DecodeString(c.SharedAccessKey)
	if err != nil {
		return "", err
	}

	// generate signature from uri and expiration time.
	e := fmt.Sprintf("%s\n%d", sr, se)
	h := hmac.New(sha256.New, b)
	if _, err = h.Write([]byte(e)); err != nil {
		return "", err
	}

	return "SharedAccessSignature " +
		"sr=" + sr +
		"&sig=" + url.QueryEscape(base64.StdEncoding.EncodeToString(h.Sum(nil))) +
		"&se=" + url.QueryEscape(strconv.FormatInt(se, 10)) +
		"&skn=" + url.QueryEscape(c.SharedAccessKeyName), nil
}

// SharedAccessSignature is a parsed pre-minted token.
type SharedAccessSignature struct {
	Resource  string
	HostName  string
	DeviceID  string
	Signature string
	Expiry    time.Time
	KeyName   string
	Raw       string
}

const sasPrefix = "SharedAccessSignature "

// ParseSharedAccessSignature parses a raw token, percent-decoding its
// resource uri and extracting hostname and device id from the path segments.
func ParseSharedAccessSignature(sas string) (*SharedAccessSignature, error) {
	if !strings.HasPrefix(sas, sasPrefix) {
		return nil, errors.New("malformed shared access signature")
	}
	p := &SharedAccessSignature{Raw: sas}
	for _, chunk := range strings.Split(sas[len(sasPrefix):], "&") {
		c := strings.SplitN(chunk, "=", 2)
		if len(c) != 2 {
			return nil, errors.New("malformed shared access signature")
		}
		switch c[0] {
		case "sr":
			sr, err := url.QueryUnescape(c[1])
			if err != nil {
				return nil, err
			}
			p.Resource = sr
		case "sig":
			p.Signature = c[1]
		case "se":
			n, err := strconv.ParseInt(c[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed se attribute: %w", err)
			}
			p.Expiry = time.Unix(n, 0)
		case "skn":
			p.KeyName = c[1]
		}
	}
	if p.Resource == "" || p.Signature == "" {
		return nil, errors.New("sr or sig attribute is missing")
	}

	// sr format: {host}/devices/{device-id}[/...]
	ss := strings.Split(p.Resource, "/")
	p.HostName = ss[0]
	for i := 0; i < len(ss)-1; i++ {
		if ss[i] == "devices" {
			p.DeviceID = ss[i+1]
			break
		}
	}
	if p.HostName == "" || p.DeviceID == "" {
		return nil, errors.New("unable to extract hostname and device id")
	}
	return p, nil
}
