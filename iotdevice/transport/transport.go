package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/credentials"
)

// ErrNotImplemented is returned by transports
// that do not implement the requested operation.
var ErrNotImplemented = errors.New("not implemented")

// Capabilities declares which optional operations a transport implements.
// Receiver retrieval is mandatory and has no flag.
//
// Calling an operation whose flag is false returns ErrNotImplemented.
type Capabilities struct {
	Connect    bool
	Disconnect bool
	Send       bool
	SendBatch  bool
	Complete   bool
	Reject     bool
	Abandon    bool
	SAS        bool // UpdateSharedAccessSignature
	Options    bool
	Methods    bool // RespondDirectMethod and method invocation delivery
}

// Credentials supplies identity and authentication material to transports.
type Credentials interface {
	DeviceID() string
	Hostname() string
	AuthType() credentials.AuthType
	TLSConfig() *tls.Config
	Token(ctx context.Context, uri string, d time.Duration) (string, error)
}

// Transport is a pluggable network client carrying the wire protocol.
// Its connection lifecycle is owned by the device client, a transport
// never reconnects on its own.
type Transport interface {
	// Capabilities reports the implemented subset of optional operations.
	Capabilities() Capabilities

	Connect(ctx context.Context, creds Credentials) error
	Disconnect(ctx context.Context) error

	Send(ctx context.Context, msg *common.Message) error
	SendBatch(ctx context.Context, msgs []*common.Message) error

	Complete(ctx context.Context, msg *common.Message) error
	Reject(ctx context.Context, msg *common.Message) error
	Abandon(ctx context.Context, msg *common.Message) error

	// UpdateSharedAccessSignature installs a freshly minted token and
	// reports whether the transport has to reconnect for it to take effect.
	UpdateSharedAccessSignature(ctx context.Context, sas string) (needsReconnect bool, err error)

	SetOptions(opts map[string]interface{}) error

	// Receiver returns the transport's subscription sink. Transports
	// return the same receiver instance until it's detached.
	Receiver(ctx context.Context) (Receiver, error)

	RespondDirectMethod(ctx context.Context, resp *MethodResponse) error

	// NotifyDisconnect installs fn as the spontaneous-disconnect handler
	// replacing any previously installed one, nil removes it.
	NotifyDisconnect(fn func(err error))

	Close() error
}

// MessageFunc handles inbound cloud-to-device messages.
type MessageFunc func(msg *common.Message)

// MethodFunc handles direct method invocations.
type MethodFunc func(call *MethodCall)

// ErrorFunc handles receiver errors.
type ErrorFunc func(err error)

// Receiver is a subscription sink obtained from a transport,
// it delivers inbound messages and direct method invocations.
type Receiver interface {
	// OnEvent attaches an inbound-message handler.
	OnEvent(fn MessageFunc) error

	// OnMethod attaches an invocation handler for the named method.
	OnMethod(name string, fn MethodFunc) error

	// OnError attaches an error handler.
	OnError(fn ErrorFunc)

	// Detach removes every handler attached to the receiver
	// and releases its subscriptions.
	Detach() error
}

// MethodCall is a direct method invocation.
type MethodCall struct {
	RID     string
	Method  string
	Payload []byte
}

// MethodResponse is a direct method invocation result.
type MethodResponse struct {
	RID     string
	Code    int
	Payload []byte
}

// TwinTransport is implemented by transports that expose the device twin surface.
type TwinTransport interface {
	RetrieveTwinProperties(ctx context.Context) (payload []byte, err error)
	UpdateTwinProperties(ctx context.Context, payload []byte) (version int, err error)
}
