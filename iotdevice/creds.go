package iotdevice

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/pkg/errors"

	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/credentials"
	"github.com/hubgate/iothub/iotdevice/transport"
)

// NewSASCredentials parses the given connection string into
// shared-access-key transport credentials.
func NewSASCredentials(cs string) (transport.Credentials, error) {
	creds, err := credentials.ParseConnectionString(cs)
	if err != nil {
		return nil, err
	}
	return &sasCreds{creds: creds}, nil
}

type sasCreds struct {
	creds *credentials.Credentials
}

func (c *sasCreds) DeviceID() string {
	return c.creds.DeviceID
}

func (c *sasCreds) Hostname() string {
	return c.creds.HostName
}

func (c *sasCreds) AuthType() credentials.AuthType {
	return c.creds.AuthType()
}

func (c *sasCreds) TLSConfig() *tls.Config {
	return &tls.Config{
		ServerName: c.creds.HostName,
		RootCAs:    common.RootCAs(),
	}
}

func (c *sasCreds) Token(_ context.Context, uri string, d time.Duration) (string, error) {
	return c.creds.GenerateToken(uri, credentials.WithDuration(d))
}

// NewX509Credentials returns certificate-based transport credentials,
// no tokens can be minted in this mode.
func NewX509Credentials(deviceID, hostname string, crt *tls.Certificate) transport.Credentials {
	return &x509Creds{
		deviceID:    deviceID,
		hostname:    hostname,
		certificate: crt,
	}
}

type x509Creds struct {
	deviceID    string
	hostname    string
	certificate *tls.Certificate
}

func (c *x509Creds) DeviceID() string {
	return c.deviceID
}

func (c *x509Creds) Hostname() string {
	return c.hostname
}

func (c *x509Creds) AuthType() credentials.AuthType {
	return credentials.AuthX509
}

func (c *x509Creds) TLSConfig() *tls.Config {
	return &tls.Config{
		ServerName:   c.hostname,
		Certificates: []tls.Certificate{*c.certificate},
		RootCAs:      common.RootCAs(),
	}
}

func (c *x509Creds) Token(context.Context, string, time.Duration) (string, error) {
	return "", errors.New("cannot generate tokens with x509 credentials")
}

// NewSharedAccessSignatureCredentials wraps a pre-minted token,
// hostname and device id are extracted from its resource uri.
func NewSharedAccessSignatureCredentials(sas string) (transport.Credentials, error) {
	p, err := credentials.ParseSharedAccessSignature(sas)
	if err != nil {
		return nil, err
	}
	return &bearerCreds{sas: p}, nil
}

type bearerCreds struct {
	sas *credentials.SharedAccessSignature
}

func (c *bearerCreds) DeviceID() string {
	return c.sas.DeviceID
}

func (c *bearerCreds) Hostname() string {
	return c.sas.HostName
}

func (c *bearerCreds) AuthType() credentials.AuthType {
	return credentials.AuthBearer
}

func (c *bearerCreds) TLSConfig() *tls.Config {
	return &tls.Config{
		ServerName: c.sas.HostName,
		RootCAs:    common.RootCAs(),
	}
}

func (c *bearerCreds) Token(context.Context, string, time.Duration) (string, error) {
	return c.sas.Raw, nil
}
