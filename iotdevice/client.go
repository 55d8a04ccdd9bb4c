// Package iotdevice implements the device-side session controller of an
// IoT hub client. A device process holds one Client that brokers all
// interaction with the hub over a pluggable transport whose connection
// lifecycle it owns.
package iotdevice

import (
	"context"
	"crypto/tls"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/credentials"
	"github.com/hubgate/iothub/iotdevice/transport"
	"github.com/hubgate/iothub/logger"
)

// ClientOption is a client configuration option.
type ClientOption func(c *Client) error

// WithLogger changes the default logger.
func WithLogger(l logger.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// WithTransport sets the client transport.
func WithTransport(tr transport.Transport) ClientOption {
	return func(c *Client) error {
		c.tr = tr
		return nil
	}
}

// WithConnectionString parses the given connection string and uses it for
// authentication. Shared-access-key strings enable automatic token renewal.
func WithConnectionString(cs string) ClientOption {
	return func(c *Client) error {
		if cs == "" {
			return errMissingArgument("connection string")
		}
		parsed, err := credentials.ParseConnectionString(cs)
		if err != nil {
			return err
		}
		creds, err := NewSASCredentials(cs)
		if err != nil {
			return err
		}
		c.cs = cs
		c.creds = creds
		c.autoRenew = parsed.AuthType() == credentials.AuthSAS
		return nil
	}
}

// WithCredentials uses the given transport credentials for authentication,
// automatic renewal stays off since there is no key to mint from.
func WithCredentials(creds transport.Credentials) ClientOption {
	return func(c *Client) error {
		c.creds = creds
		return nil
	}
}

// WithX509Credentials authenticates with a client TLS certificate.
func WithX509Credentials(deviceID, hostname string, crt *tls.Certificate) ClientOption {
	return func(c *Client) error {
		c.creds = NewX509Credentials(deviceID, hostname, crt)
		return nil
	}
}

// WithSharedAccessSignature authenticates with a pre-minted token.
func WithSharedAccessSignature(sas string) ClientOption {
	return func(c *Client) error {
		creds, err := NewSharedAccessSignatureCredentials(sas)
		if err != nil {
			return err
		}
		c.creds = creds
		return nil
	}
}

// New returns a new device client, a transport and one of the credential
// options are mandatory.
func New(opts ...ClientOption) (*Client, error) {
	c := &Client{
		cmdc:            make(chan *command, 16),
		quit:            make(chan struct{}),
		attachedMethods: map[string]bool{},
		logger:          logger.NewFromEnv("iotdev", "IOTHUB_LOG_LEVEL"),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.tr == nil {
		return nil, errors.New("transport is nil, consider using the WithTransport option")
	}
	if c.creds == nil {
		return nil, errors.New("credentials are nil, consider using the WithConnectionString option")
	}
	c.blob = newBlobUploader(c.creds, c.logger)
	go c.loop()
	return c, nil
}

// NewFromConnectionString is a convenience shell around New.
func NewFromConnectionString(tr transport.Transport, cs string, opts ...ClientOption) (*Client, error) {
	return New(append([]ClientOption{
		WithTransport(tr),
		WithConnectionString(cs),
	}, opts...)...)
}

// NewFromSharedAccessSignature is a convenience shell around New for
// externally minted tokens.
func NewFromSharedAccessSignature(tr transport.Transport, sas string, opts ...ClientOption) (*Client, error) {
	return New(append([]ClientOption{
		WithTransport(tr),
		WithSharedAccessSignature(sas),
	}, opts...)...)
}

// Client is the device-side session controller.
type Client struct {
	tr        transport.Transport
	creds     transport.Credentials
	cs        string // cached connection string, empty unless constructed from one
	autoRenew bool
	logger    logger.Logger

	cmdc chan *command
	quit chan struct{}

	// run-loop owned session state
	state           sessionState
	closed          bool
	pending         []*command
	receiver        transport.Receiver
	msgAttached     bool
	attachedMethods map[string]bool
	renewal         *time.Timer
	twin            *Twin

	msgMux    messageMux
	methodMux methodMux

	blob *BlobUploader

	emu            sync.RWMutex
	disconnectSubs []func(error)
	errorSubs      []func(error)
	notifySubs     []chan notification

	closeTr sync.Once
}

// SASUpdateResult is the completion value of a credential rotation.
//
// Reconnected is reported false even when the rotation forced a
// reconnect.
type SASUpdateResult struct {
	Reconnected bool
}

// DeviceID returns the device id the client authenticates as.
func (c *Client) DeviceID() string {
	return c.creds.DeviceID()
}

// do feeds a command into the run loop and waits for its completion.
func (c *Client) do(ctx context.Context, cmd *command) (interface{}, error) {
	type outcome struct {
		res interface{}
		err error
	}
	ch := make(chan outcome, 1)
	cmd.ctx = ctx
	cmd.done = func(res interface{}, err error) {
		ch <- outcome{res, err}
	}
	if err := c.post(cmd); err != nil {
		return nil, err
	}
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		// the completion may have landed right before shutdown
		select {
		case o := <-ch:
			return o.res, o.err
		default:
			return nil, ErrClosed
		}
	}
}

// Connect opens the session. It completes once the transport connection
// is established, immediately when the session is already connected.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.do(ctx, &command{op: opOpen})
	return err
}

// Close shuts the session down from any state and releases the
// transport, it never fails on an already closed client.
func (c *Client) Close() error {
	_, err := c.do(context.Background(), &command{op: opClose})
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	c.closeTr.Do(func() {
		if cerr := c.tr.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// SendEvent submits a device-to-cloud message.
func (c *Client) SendEvent(ctx context.Context, msg *common.Message) error {
	if msg == nil {
		return errMissingArgument("message")
	}
	_, err := c.do(ctx, &command{op: opSend, msg: msg})
	return err
}

// SendEventBatch submits several device-to-cloud messages at once.
func (c *Client) SendEventBatch(ctx context.Context, msgs []*common.Message) error {
	if len(msgs) == 0 {
		return errMissingArgument("messages")
	}
	_, err := c.do(ctx, &command{op: opSendBatch, msgs: msgs})
	return err
}

// CompleteEvent settles a received cloud-to-device message as processed.
func (c *Client) CompleteEvent(ctx context.Context, msg *common.Message) error {
	return c.settle(ctx, opComplete, msg)
}

// RejectEvent settles a received cloud-to-device message as
// unprocessable, the hub does not redeliver it.
func (c *Client) RejectEvent(ctx context.Context, msg *common.Message) error {
	return c.settle(ctx, opReject, msg)
}

// AbandonEvent releases a received cloud-to-device message back to the
// hub for redelivery.
func (c *Client) AbandonEvent(ctx context.Context, msg *common.Message) error {
	return c.settle(ctx, opAbandon, msg)
}

func (c *Client) settle(ctx context.Context, op opTag, msg *common.Message) error {
	if msg == nil {
		return errMissingArgument("message")
	}
	_, err := c.do(ctx, &command{op: op, msg: msg})
	return err
}

// RegisterMethod registers a direct method handler, registrations are
// append-only: a second registration under the same name fails with
// ErrMethodRegistered.
func (c *Client) RegisterMethod(name string, fn DirectMethodHandler) error {
	if name == "" {
		return errMissingArgument("method name")
	}
	if fn == nil {
		return errMissingArgument("method handler")
	}
	if !c.tr.Capabilities().Methods {
		return transport.ErrNotImplemented
	}
	if err := c.methodMux.handle(name, fn); err != nil {
		return err
	}
	c.logger.Infof("direct-method %q registered", name)
	// interest is evaluated on the next loop tick
	_ = c.post(&command{op: opEvalInterest})
	return nil
}

// SubscribeEvents subscribes the given handler to cloud-to-device
// messages, the first subscription attaches the transport receiver.
// Attachment failures surface through NotifyError handlers.
func (c *Client) SubscribeEvents(fn MessageHandler) error {
	if fn == nil {
		return errMissingArgument("message handler")
	}
	c.msgMux.add(fn)
	// evaluated on the next loop tick so the handler is in place
	// before interest is inspected
	_ = c.post(&command{op: opEvalInterest})
	return nil
}

// UnsubscribeEvents removes a previously subscribed handler, removing
// the last one tears the receiver down unless method handlers remain.
func (c *Client) UnsubscribeEvents(fn MessageHandler) {
	if fn == nil {
		return
	}
	c.msgMux.remove(fn)
	_ = c.post(&command{op: opReleaseInterest})
}

// UpdateSharedAccessSignature rotates the session credential. A
// connected session walks through the updating-sas state and reconnects
// when the transport requires it, queued requests are preserved.
func (c *Client) UpdateSharedAccessSignature(ctx context.Context, sas string) (*SASUpdateResult, error) {
	if sas == "" {
		return nil, errMissingArgument("shared access signature")
	}
	if c.creds.AuthType() == credentials.AuthX509 {
		return nil, ErrIncompatibleAuth
	}
	res, err := c.do(ctx, &command{op: opUpdateSAS, sas: sas})
	if err != nil {
		return nil, err
	}
	if r, ok := res.(*SASUpdateResult); ok {
		return r, nil
	}
	return &SASUpdateResult{}, nil
}

// UploadToBlob streams the given content into a hub-addressed block blob,
// delegated to the blob-upload peer.
func (c *Client) UploadToBlob(ctx context.Context, blobName string, r io.Reader, size int64) error {
	if blobName == "" {
		return errMissingArgument("blob name")
	}
	if r == nil {
		return errMissingArgument("stream")
	}
	if size <= 0 {
		return errMissingArgument("stream length")
	}
	return c.blob.Upload(ctx, blobName, r, size)
}

// GetTwin returns the device twin handle, constructing it on first use.
// The optional override replaces the built-in twin subsystem.
func (c *Client) GetTwin(ctx context.Context, override ...*Twin) (*Twin, error) {
	cmd := &command{op: opGetTwin}
	if len(override) > 0 {
		cmd.twin = override[0]
	}
	res, err := c.do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return res.(*Twin), nil
}

// SetTransportOptions forwards transport specific options.
func (c *Client) SetTransportOptions(ctx context.Context, opts map[string]interface{}) error {
	if len(opts) == 0 {
		return errMissingArgument("options")
	}
	_, err := c.do(ctx, &command{op: opSetOptions, opts: opts})
	return err
}

// BlobUploaderPeer exposes the blob-upload peer, mostly useful to
// observe credential propagation.
func (c *Client) BlobUploaderPeer() *BlobUploader {
	return c.blob
}
