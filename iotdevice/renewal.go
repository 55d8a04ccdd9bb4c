package iotdevice

import (
	"time"

	"github.com/pkg/errors"

	"github.com/hubgate/iothub/credentials"
)

// Renewal cadence for shared-access-key sessions. Tokens are minted with
// a one hour lifetime and replaced fifteen minutes before they expire.
var (
	sasRenewalInterval = 2700000 * time.Millisecond // 45 min
	sasTokenLifetime   = time.Hour
)

// armRenewal schedules the renewal timer, at most one is outstanding.
// Only called on the run loop when entering the connected state.
func (c *Client) armRenewal() {
	c.stopRenewal()
	c.renewal = time.AfterFunc(sasRenewalInterval, func() {
		_ = c.post(&command{op: opRenewSAS})
	})
}

func (c *Client) stopRenewal() {
	if c.renewal != nil {
		c.renewal.Stop()
		c.renewal = nil
	}
}

// onRenewalFired mints a fresh token from the cached connection string
// and feeds it through the regular rotation path. Fatal rotation errors
// surface as error events since no caller is waiting.
func (c *Client) onRenewalFired() {
	if c.state != stateConnected || !c.autoRenew {
		// the timer raced a state transition, the next connected
		// entry arms a fresh one
		return
	}
	sas, err := c.mintToken(sasTokenLifetime)
	if err != nil {
		c.emitError(errors.Wrap(err, "sas renewal failed"))
		return
	}
	c.logger.Debugf("renewing sas token")
	c.dispatch(&command{op: opUpdateSAS, sas: sas, done: func(_ interface{}, err error) {
		if err != nil {
			c.emitError(errors.Wrap(err, "sas renewal failed"))
		}
	}})
}

// mintToken parses the stored connection string and generates a token
// valid for the given duration from now.
func (c *Client) mintToken(d time.Duration) (string, error) {
	if c.cs == "" {
		return "", errors.New("no connection string is cached")
	}
	creds, err := credentials.ParseConnectionString(c.cs)
	if err != nil {
		return "", err
	}
	return creds.GenerateToken(
		creds.HostName+"/devices/"+creds.DeviceID,
		credentials.WithDuration(d),
	)
}
