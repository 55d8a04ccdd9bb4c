package iotdevice

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/iotdevice/transport"
)

// sessionState is the connection lifecycle state of the client.
// All mutations happen on the run loop goroutine.
type sessionState int

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateConnected
	stateDisconnecting
	stateUpdatingSAS
)

func (s sessionState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	case stateUpdatingSAS:
		return "updating-sas"
	default:
		return ""
	}
}

type opTag int

const (
	opOpen opTag = iota
	opClose
	opSend
	opSendBatch
	opComplete
	opReject
	opAbandon
	opUpdateSAS
	opSetOptions
	opGetTwin
	opEvalInterest
	opReleaseInterest

	// internal completions and triggers
	opConnectDone
	opDisconnectDone
	opSASDone
	opTransportDown
	opRenewSAS
)

type doneFunc func(res interface{}, err error)

// command is a single unit of work fed into the run loop: an operation
// tag, its arguments and a completion sink.
type command struct {
	op   opTag
	ctx  context.Context
	msg  *common.Message
	msgs []*common.Message
	sas  string
	opts map[string]interface{}
	twin *Twin

	// internal result carriers
	err       error
	reconnect bool
	origin    *command

	done doneFunc
}

func (cmd *command) complete(res interface{}, err error) {
	if cmd.done != nil {
		cmd.done(res, err)
	}
}

func (cmd *command) context() context.Context {
	if cmd.ctx != nil {
		return cmd.ctx
	}
	return context.Background()
}

// post submits a command to the run loop from outside of it.
func (c *Client) post(cmd *command) error {
	select {
	case c.cmdc <- cmd:
		return nil
	case <-c.quit:
		return ErrClosed
	}
}

func (c *Client) loop() {
	for {
		select {
		case cmd := <-c.cmdc:
			c.dispatch(cmd)
		case <-c.quit:
			return
		}
	}
}

// dispatch executes, defers or rejects the command based on the current
// state. Internal completions are routed to their handlers regardless of it.
func (c *Client) dispatch(cmd *command) {
	switch cmd.op {
	case opConnectDone:
		c.onConnectDone(cmd)
		return
	case opDisconnectDone:
		c.onDisconnectDone(cmd)
		return
	case opSASDone:
		c.onSASUpdateDone(cmd)
		return
	case opTransportDown:
		c.onTransportDown(cmd)
		return
	case opRenewSAS:
		c.onRenewalFired()
		return
	}

	if c.closed {
		cmd.complete(nil, ErrClosed)
		return
	}

	switch c.state {
	case stateDisconnected:
		c.dispatchDisconnected(cmd)
	case stateConnected:
		c.dispatchConnected(cmd)
	default: // connecting, disconnecting, updating-sas
		c.dispatchWaiting(cmd)
	}
}

func (c *Client) dispatchDisconnected(cmd *command) {
	switch cmd.op {
	case opOpen:
		c.execOpen(cmd)
	case opClose:
		// idempotent, the transport is not involved
		c.finalize(cmd, nil)
	case opUpdateSAS:
		// the transport may be a stateless client,
		// forward without a state change
		c.execUpdateSASOffline(cmd)
	case opReleaseInterest:
		// no receiver exists while disconnected
		cmd.complete(nil, nil)
	default:
		// anything else needs a session, trigger an open and chain the
		// command behind it; open errors complete the caller when it
		// has a sink and surface as an error event otherwise
		c.execOpen(&command{op: opOpen, done: func(_ interface{}, err error) {
			if err != nil {
				if cmd.done != nil {
					cmd.complete(nil, err)
				} else {
					c.emitError(err)
				}
				return
			}
			c.dispatch(cmd)
		}})
	}
}

func (c *Client) dispatchWaiting(cmd *command) {
	if cmd.op == opClose && c.state != stateDisconnecting {
		c.execClose(cmd)
		return
	}
	c.pending = append(c.pending, cmd)
}

func (c *Client) dispatchConnected(cmd *command) {
	caps := c.tr.Capabilities()
	switch cmd.op {
	case opOpen:
		cmd.complete(nil, nil)
	case opClose:
		c.execClose(cmd)
	case opSend:
		c.execTransportCall(cmd, caps.Send, func(ctx context.Context) error {
			return c.tr.Send(ctx, cmd.msg)
		})
	case opSendBatch:
		c.execTransportCall(cmd, caps.SendBatch, func(ctx context.Context) error {
			return c.tr.SendBatch(ctx, cmd.msgs)
		})
	case opComplete:
		c.execTransportCall(cmd, caps.Complete, func(ctx context.Context) error {
			return c.tr.Complete(ctx, cmd.msg)
		})
	case opReject:
		c.execTransportCall(cmd, caps.Reject, func(ctx context.Context) error {
			return c.tr.Reject(ctx, cmd.msg)
		})
	case opAbandon:
		c.execTransportCall(cmd, caps.Abandon, func(ctx context.Context) error {
			return c.tr.Abandon(ctx, cmd.msg)
		})
	case opSetOptions:
		c.execTransportCall(cmd, caps.Options, func(context.Context) error {
			return c.tr.SetOptions(cmd.opts)
		})
	case opUpdateSAS:
		c.execRotate(cmd)
	case opGetTwin:
		c.execGetTwin(cmd)
	case opEvalInterest, opReleaseInterest:
		c.evalInterest(cmd)
	}
}

// execTransportCall runs a data-path transport operation in place,
// suspending the machine for its duration so that transport calls
// happen in submission order.
func (c *Client) execTransportCall(cmd *command, implemented bool, fn func(ctx context.Context) error) {
	if !implemented {
		cmd.complete(nil, transport.ErrNotImplemented)
		return
	}
	if err := fn(cmd.context()); err != nil {
		cmd.complete(nil, errors.Wrap(err, "transport error"))
		return
	}
	cmd.complete(nil, nil)
}

// toState transitions the machine and replays deferred commands,
// each re-evaluates its disposition in the new state.
func (c *Client) toState(s sessionState) {
	if c.state == s {
		return
	}
	c.logger.Debugf("state %s -> %s", c.state, s)
	c.state = s
	c.notifyState(s)
	c.drain()
}

func (c *Client) drain() {
	q := c.pending
	c.pending = nil
	for _, cmd := range q {
		c.dispatch(cmd)
	}
}

// enterConnected performs the connected-entry edge: receiver attachment
// when interest exists, renewal timer arming, then the opener completion
// strictly before the deferred queue is replayed.
func (c *Client) enterConnected(complete func()) {
	c.logger.Debugf("state %s -> connected", c.state)
	c.state = stateConnected
	c.notifyState(stateConnected)
	if err := c.attachInterest(); err != nil {
		c.emitError(err)
	}
	if c.autoRenew {
		c.armRenewal()
	}
	if complete != nil {
		complete()
	}
	c.drain()
}

// leaveConnected performs the connected-exit edge.
func (c *Client) leaveConnected() {
	c.stopRenewal()
	if err := c.teardownReceiver(); err != nil {
		c.emitError(err)
	}
}

// execOpen starts a connect attempt, valid only while disconnected.
func (c *Client) execOpen(cmd *command) {
	c.toState(stateConnecting)
	if !c.tr.Capabilities().Connect {
		// stateless transports are connected by fiat
		c.tr.NotifyDisconnect(c.transportDown)
		c.enterConnected(func() { cmd.complete(nil, nil) })
		return
	}
	go c.runConnect(cmd)
}

// runConnect performs the transport connect attempt off the loop. When
// the session shuts down before the completion lands the opener is
// completed here, the loop is gone.
func (c *Client) runConnect(opener *command) {
	err := c.tr.Connect(context.Background(), c.creds)
	if c.post(&command{op: opConnectDone, origin: opener, err: err}) != nil {
		if err == nil {
			err = ErrClosed
		}
		opener.complete(nil, err)
	}
}

func (c *Client) onConnectDone(cmd *command) {
	opener := cmd.origin
	if c.state != stateConnecting {
		// the session left connecting while the attempt was in flight,
		// the attempt completed against a disposed session
		if cmd.err != nil {
			opener.complete(nil, errors.Wrap(cmd.err, "connect failed"))
		} else {
			opener.complete(nil, ErrClosed)
		}
		return
	}
	if cmd.err != nil {
		opener.complete(nil, errors.Wrap(cmd.err, "connect failed"))
		c.toState(stateDisconnected)
		return
	}
	// install the disconnect handler, replacing any prior one
	c.tr.NotifyDisconnect(c.transportDown)
	c.enterConnected(func() { opener.complete(nil, nil) })
}

func (c *Client) execClose(cmd *command) {
	if c.state == stateConnected {
		c.leaveConnected()
	}
	c.toState(stateDisconnecting)
	if !c.tr.Capabilities().Disconnect {
		c.onDisconnectDone(&command{op: opDisconnectDone, origin: cmd})
		return
	}
	go func() {
		err := c.tr.Disconnect(context.Background())
		if c.post(&command{op: opDisconnectDone, origin: cmd, err: err}) != nil {
			cmd.complete(nil, err)
		}
	}()
}

func (c *Client) onDisconnectDone(cmd *command) {
	// no drain here, finalize disposes of the queue
	c.logger.Debugf("state %s -> disconnected", c.state)
	c.state = stateDisconnected
	c.notifyState(stateDisconnected)
	c.finalize(cmd.origin, cmd.err)
}

// finalize completes the closer and permanently shuts the session down,
// pending commands complete with ErrClosed.
func (c *Client) finalize(closer *command, err error) {
	if c.closed {
		closer.complete(nil, nil)
		return
	}
	c.closed = true
	c.stopRenewal()
	for _, cmd := range c.pending {
		cmd.complete(nil, ErrClosed)
	}
	c.pending = nil
	closer.complete(nil, err)
	close(c.quit)
}

// execUpdateSASOffline forwards a new token to the transport while
// disconnected, no state change is involved.
func (c *Client) execUpdateSASOffline(cmd *command) {
	if !c.tr.Capabilities().SAS {
		cmd.complete(nil, transport.ErrNotImplemented)
		return
	}
	if _, err := c.tr.UpdateSharedAccessSignature(cmd.context(), cmd.sas); err != nil {
		cmd.complete(nil, errors.Wrap(err, "update shared access signature failed"))
		return
	}
	cmd.complete(&SASUpdateResult{}, nil)
}

// execRotate performs mid-session credential rotation.
func (c *Client) execRotate(cmd *command) {
	if !c.tr.Capabilities().SAS {
		cmd.complete(nil, transport.ErrNotImplemented)
		return
	}
	c.leaveConnected()
	c.toState(stateUpdatingSAS)

	// co-resident subsystems receive the fresh token up front
	if c.blob != nil {
		c.blob.UpdateSharedAccessSignature(cmd.sas)
	}
	if c.twin != nil {
		c.twin.updateSharedAccessSignature(cmd.sas)
	}

	go func() {
		reconnect, err := c.tr.UpdateSharedAccessSignature(context.Background(), cmd.sas)
		if c.post(&command{op: opSASDone, origin: cmd, err: err, reconnect: reconnect}) != nil {
			if err == nil {
				err = ErrClosed
			}
			cmd.complete(nil, err)
		}
	}()
}

func (c *Client) onSASUpdateDone(cmd *command) {
	user := cmd.origin
	if c.state != stateUpdatingSAS {
		// a close raced the rotation
		user.complete(nil, ErrClosed)
		return
	}
	if cmd.err != nil {
		user.complete(nil, errors.Wrap(cmd.err, "update shared access signature failed"))
		c.toState(stateDisconnected)
		return
	}
	if cmd.reconnect {
		opener := &command{op: opOpen, done: func(_ interface{}, err error) {
			if err != nil {
				user.complete(nil, err)
				return
			}
			c.notifyCredentialUpdated(user.sas)
			// the result reports Reconnected=false even on this path,
			// matching the behaviour rotation callers rely on
			user.complete(&SASUpdateResult{Reconnected: false}, nil)
		}}
		c.toState(stateConnecting)
		go c.runConnect(opener)
		return
	}
	c.enterConnected(func() {
		c.notifyCredentialUpdated(user.sas)
		user.complete(&SASUpdateResult{Reconnected: false}, nil)
	})
}

// transportDown is installed as the transport's spontaneous-disconnect
// handler, it runs on the transport's goroutine.
func (c *Client) transportDown(err error) {
	_ = c.post(&command{op: opTransportDown, err: err})
}

func (c *Client) onTransportDown(cmd *command) {
	if c.state != stateConnected {
		// raced a deliberate teardown
		return
	}
	c.logger.Warnf("connection lost: %v", cmd.err)
	c.leaveConnected()
	c.state = stateDisconnected
	c.notifyState(stateDisconnected)
	// deferred commands stay queued until a subsequent open
	c.emitDisconnect(cmd.err)
}

func (c *Client) execGetTwin(cmd *command) {
	if cmd.twin != nil {
		c.twin = cmd.twin
	} else if c.twin == nil {
		c.twin = newTwin(c)
	}
	cmd.complete(c.twin, nil)
}
