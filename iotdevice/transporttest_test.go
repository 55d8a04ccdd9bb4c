package iotdevice

import (
	"context"
	"sync"
	"time"

	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/iotdevice/transport"
)

// allCaps is the full optional operation set.
func allCaps() transport.Capabilities {
	return transport.Capabilities{
		Connect:    true,
		Disconnect: true,
		Send:       true,
		SendBatch:  true,
		Complete:   true,
		Reject:     true,
		Abandon:    true,
		SAS:        true,
		Options:    true,
		Methods:    true,
	}
}

// fakeTransport is a scripted transport recording every call in order.
type fakeTransport struct {
	caps transport.Capabilities

	connectDelay   time.Duration
	connectErr     error
	sendErr        error
	updateErr      error
	needsReconnect bool

	mu            sync.Mutex
	calls         []string
	receiverCalls int
	recv          *fakeReceiver
	down          func(err error)
	inflight      int
	maxInflight   int
	opts          map[string]interface{}
	responses     []*transport.MethodResponse
	sas           string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{caps: allCaps()}
}

func (tr *fakeTransport) record(op string) {
	tr.mu.Lock()
	tr.calls = append(tr.calls, op)
	tr.mu.Unlock()
}

func (tr *fakeTransport) callLog() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.calls...)
}

func (tr *fakeTransport) Capabilities() transport.Capabilities {
	return tr.caps
}

func (tr *fakeTransport) Connect(ctx context.Context, creds transport.Credentials) error {
	tr.mu.Lock()
	tr.calls = append(tr.calls, "connect")
	tr.inflight++
	if tr.inflight > tr.maxInflight {
		tr.maxInflight = tr.inflight
	}
	tr.mu.Unlock()

	if tr.connectDelay > 0 {
		time.Sleep(tr.connectDelay)
	}

	tr.mu.Lock()
	tr.inflight--
	err := tr.connectErr
	tr.mu.Unlock()
	return err
}

func (tr *fakeTransport) Disconnect(ctx context.Context) error {
	tr.record("disconnect")
	return nil
}

func (tr *fakeTransport) Send(ctx context.Context, msg *common.Message) error {
	tr.record("send:" + msg.MessageID)
	return tr.sendErr
}

func (tr *fakeTransport) SendBatch(ctx context.Context, msgs []*common.Message) error {
	tr.record("send-batch")
	return tr.sendErr
}

func (tr *fakeTransport) Complete(ctx context.Context, msg *common.Message) error {
	tr.record("complete:" + msg.LockToken)
	return nil
}

func (tr *fakeTransport) Reject(ctx context.Context, msg *common.Message) error {
	tr.record("reject:" + msg.LockToken)
	return nil
}

func (tr *fakeTransport) Abandon(ctx context.Context, msg *common.Message) error {
	tr.record("abandon:" + msg.LockToken)
	return nil
}

func (tr *fakeTransport) UpdateSharedAccessSignature(ctx context.Context, sas string) (bool, error) {
	tr.mu.Lock()
	tr.calls = append(tr.calls, "update-sas")
	tr.sas = sas
	tr.mu.Unlock()
	if tr.updateErr != nil {
		return false, tr.updateErr
	}
	return tr.needsReconnect, nil
}

func (tr *fakeTransport) SetOptions(opts map[string]interface{}) error {
	tr.mu.Lock()
	tr.calls = append(tr.calls, "set-options")
	tr.opts = opts
	tr.mu.Unlock()
	return nil
}

func (tr *fakeTransport) Receiver(ctx context.Context) (transport.Receiver, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.receiverCalls++
	if tr.recv == nil || tr.recv.isDetached() {
		tr.recv = newFakeReceiver()
	}
	return tr.recv, nil
}

func (tr *fakeTransport) RespondDirectMethod(ctx context.Context, resp *transport.MethodResponse) error {
	tr.mu.Lock()
	tr.calls = append(tr.calls, "method-response")
	tr.responses = append(tr.responses, resp)
	tr.mu.Unlock()
	return nil
}

func (tr *fakeTransport) NotifyDisconnect(fn func(err error)) {
	tr.mu.Lock()
	tr.down = fn
	tr.mu.Unlock()
}

func (tr *fakeTransport) Close() error {
	tr.record("close")
	return nil
}

// fireDisconnect emits a spontaneous transport disconnect.
func (tr *fakeTransport) fireDisconnect(err error) {
	tr.mu.Lock()
	fn := tr.down
	tr.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (tr *fakeTransport) receiver() *fakeReceiver {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.recv
}

// fakeReceiver is a scripted subscription sink.
type fakeReceiver struct {
	mu       sync.Mutex
	events   []transport.MessageFunc
	methods  map[string]transport.MethodFunc
	errs     []transport.ErrorFunc
	detached bool
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{methods: map[string]transport.MethodFunc{}}
}

func (r *fakeReceiver) OnEvent(fn transport.MessageFunc) error {
	r.mu.Lock()
	r.events = append(r.events, fn)
	r.mu.Unlock()
	return nil
}

func (r *fakeReceiver) OnMethod(name string, fn transport.MethodFunc) error {
	r.mu.Lock()
	r.methods[name] = fn
	r.mu.Unlock()
	return nil
}

func (r *fakeReceiver) OnError(fn transport.ErrorFunc) {
	r.mu.Lock()
	r.errs = append(r.errs, fn)
	r.mu.Unlock()
}

func (r *fakeReceiver) Detach() error {
	r.mu.Lock()
	r.detached = true
	r.events = nil
	r.methods = map[string]transport.MethodFunc{}
	r.errs = nil
	r.mu.Unlock()
	return nil
}

func (r *fakeReceiver) deliver(msg *common.Message) {
	r.mu.Lock()
	events := append([]transport.MessageFunc(nil), r.events...)
	r.mu.Unlock()
	for _, fn := range events {
		fn(msg)
	}
}

func (r *fakeReceiver) invoke(call *transport.MethodCall) bool {
	r.mu.Lock()
	fn := r.methods[call.Method]
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(call)
	return true
}

func (r *fakeReceiver) fail(err error) {
	r.mu.Lock()
	errs := append([]transport.ErrorFunc(nil), r.errs...)
	r.mu.Unlock()
	for _, fn := range errs {
		fn(err)
	}
}

func (r *fakeReceiver) methodNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.methods))
	for k := range r.methods {
		names = append(names, k)
	}
	return names
}

func (r *fakeReceiver) isDetached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detached
}

var _ transport.Transport = (*fakeTransport)(nil)
var _ transport.Receiver = (*fakeReceiver)(nil)
