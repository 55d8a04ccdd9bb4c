package iotdevice

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"

	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/iotdevice/transport"
)

const testConnString = "HostName=test.azure-devices.net;DeviceId=devnull;SharedAccessKey=c2VjcmV0"

func newTestClient(t *testing.T, tr transport.Transport, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewFromConnectionString(tr, testConnString, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func waitState(t *testing.T, ch <-chan notification, want sessionState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.kind == notifyStateChange && n.state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// scenario: open from disconnected with a working connect.
func TestConnect(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)
	ch := c.subscribeNotifications()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitState(t, ch, stateConnecting)
	waitState(t, ch, stateConnected)

	if diff := cmp.Diff([]string{"connect"}, tr.callLog()); diff != "" {
		t.Errorf("transport calls mismatch (-want +got):\n%s", diff)
	}
	tr.mu.Lock()
	installed := tr.down != nil
	tr.mu.Unlock()
	if !installed {
		t.Error("disconnect handler is not installed on the transport")
	}
}

// scenario: send issued while connecting goes out after the connection
// completes and the open caller finishes first.
func TestSendWhileConnecting(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	tr.connectDelay = 10 * time.Millisecond
	c := newTestClient(t, tr)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)
	mark := func(name string) doneFunc {
		return func(_ interface{}, err error) {
			if err != nil {
				t.Errorf("%s failed: %v", name, err)
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			done <- struct{}{}
		}
	}

	if err := c.post(&command{op: opOpen, done: mark("open")}); err != nil {
		t.Fatal(err)
	}
	if err := c.post(&command{op: opSend, msg: &common.Message{MessageID: "A"}, done: mark("send-A")}); err != nil {
		t.Fatal(err)
	}
	if err := c.post(&command{op: opSend, msg: &common.Message{MessageID: "B"}, done: mark("send-B")}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for completions")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"open", "send-A", "send-B"}, order); diff != "" {
		t.Errorf("completion order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"connect", "send:A", "send:B"}, tr.callLog()); diff != "" {
		t.Errorf("transport call order mismatch (-want +got):\n%s", diff)
	}
}

// scenario: registering two method handlers acquires the receiver once.
func TestMethodSubscriptionSingleReceiver(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	echo := func(p map[string]interface{}) (map[string]interface{}, error) {
		return p, nil
	}
	if err := c.RegisterMethod("m1", echo); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterMethod("m2", echo); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		r := tr.receiver()
		return r != nil && len(r.methodNames()) == 2
	}, "method listeners were not attached")

	tr.mu.Lock()
	calls := tr.receiverCalls
	tr.mu.Unlock()
	if calls != 1 {
		t.Errorf("receiver calls = %d, want 1", calls)
	}
}

// scenario: rotation with reconnect walks updating-sas, connecting,
// connected and re-arms the renewal timer.
func TestRotationWithReconnect(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	tr.needsReconnect = true
	c := newTestClient(t, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch := c.subscribeNotifications()

	sas, err := c.mintToken(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.UpdateSharedAccessSignature(context.Background(), sas)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reconnected {
		t.Error("Reconnected = true, want false")
	}

	waitState(t, ch, stateUpdatingSAS)
	waitState(t, ch, stateConnecting)
	waitState(t, ch, stateConnected)

	if diff := cmp.Diff([]string{"connect", "update-sas", "connect"}, tr.callLog()); diff != "" {
		t.Errorf("transport calls mismatch (-want +got):\n%s", diff)
	}
	if c.renewal == nil {
		t.Error("renewal timer is not rescheduled after rotation")
	}
}

// scenario: spontaneous transport disconnect collapses to disconnected,
// emits the public disconnect event and tears the receiver down.
func TestSpontaneousDisconnect(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)
	ch := c.subscribeNotifications()

	errc := make(chan error, 1)
	c.NotifyDisconnect(func(err error) {
		errc <- err
	})

	handler := func(*common.Message) {}
	if err := c.SubscribeEvents(handler); err != nil {
		t.Fatal(err)
	}
	waitState(t, ch, stateConnected)
	eventually(t, func() bool { return tr.receiver() != nil }, "receiver was not attached")
	recv := tr.receiver()

	errX := errors.New("err-X")
	tr.fireDisconnect(errX)

	waitState(t, ch, stateDisconnected)
	select {
	case err := <-errc:
		if !errors.Is(err, errX) {
			t.Errorf("disconnect event error = %v, want %v", err, errX)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no disconnect event")
	}
	eventually(t, recv.isDetached, "receiver was not torn down")
}

// scenario: settlement against a transport without the operation.
func TestUnsupportedSettlement(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	tr.caps.Complete = false
	c := newTestClient(t, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := c.CompleteEvent(context.Background(), &common.Message{LockToken: "x"})
	if !errors.Is(err, transport.ErrNotImplemented) {
		t.Errorf("CompleteEvent() = %v, want %v", err, transport.ErrNotImplemented)
	}
}

// close in disconnected completes without touching the transport
// connection and stays idempotent.
func TestIdempotentClose(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	for _, call := range tr.callLog() {
		if call == "connect" || call == "disconnect" {
			t.Errorf("close touched the transport connection: %v", tr.callLog())
		}
	}
}

func TestCloseWhileConnecting(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	tr.connectDelay = 50 * time.Millisecond
	c := newTestClient(t, tr)
	ch := c.subscribeNotifications()

	openErr := make(chan error, 1)
	go func() {
		openErr <- c.Connect(context.Background())
	}()
	waitState(t, ch, stateConnecting)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-openErr:
		if err == nil {
			t.Error("open completed without an error after close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("open never completed")
	}
}

// no two transport connect attempts are ever in flight simultaneously.
func TestSingleConnectInFlight(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	tr.connectDelay = 20 * time.Millisecond
	c := newTestClient(t, tr)

	var wg sync.WaitGroup
	wg.Add(6)
	go func() {
		defer wg.Done()
		_ = c.Connect(context.Background())
	}()
	for i := 0; i < 5; i++ {
		go func() {
			defer wg.Done()
			_ = c.SendEvent(context.Background(), &common.Message{MessageID: "x"})
		}()
	}
	wg.Wait()

	tr.mu.Lock()
	max := tr.maxInflight
	tr.mu.Unlock()
	if max != 1 {
		t.Errorf("max connect attempts in flight = %d, want 1", max)
	}
}

// the receiver exists iff connected and interest is registered.
func TestReceiverExistence(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)
	ch := c.subscribeNotifications()

	if tr.receiver() != nil {
		t.Fatal("receiver exists before any interest")
	}

	handler := func(*common.Message) {}
	if err := c.SubscribeEvents(handler); err != nil {
		t.Fatal(err)
	}
	// the first subscription triggers an open
	waitState(t, ch, stateConnected)
	eventually(t, func() bool { return tr.receiver() != nil }, "receiver was not attached")
	recv := tr.receiver()

	c.UnsubscribeEvents(handler)
	eventually(t, recv.isDetached, "receiver survives zero interest")
}

func TestMessageDelivery(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)
	ch := c.subscribeNotifications()

	msgc := make(chan *common.Message, 1)
	if err := c.SubscribeEvents(func(msg *common.Message) {
		msgc <- msg
	}); err != nil {
		t.Fatal(err)
	}
	waitState(t, ch, stateConnected)
	eventually(t, func() bool {
		r := tr.receiver()
		if r == nil {
			return false
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.events) > 0
	}, "message listener was not attached")

	tr.receiver().deliver(&common.Message{MessageID: "m-1", Payload: []byte("hi")})
	select {
	case msg := <-msgc:
		if msg.MessageID != "m-1" {
			t.Errorf("message id = %q, want %q", msg.MessageID, "m-1")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestDirectMethodInvocation(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.RegisterMethod("add", func(p map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"sum": p["a"].(float64) + p["b"].(float64)}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterMethod("fail", func(map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	}); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		r := tr.receiver()
		return r != nil && len(r.methodNames()) == 2
	}, "method listeners were not attached")

	if !tr.receiver().invoke(&transport.MethodCall{
		RID: "1", Method: "add", Payload: []byte(`{"a":1,"b":2}`),
	}) {
		t.Fatal("no handler for method add")
	}
	if !tr.receiver().invoke(&transport.MethodCall{
		RID: "2", Method: "fail", Payload: []byte(`{}`),
	}) {
		t.Fatal("no handler for method fail")
	}

	eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.responses) == 2
	}, "method responses were not sent")

	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, resp := range tr.responses {
		switch resp.RID {
		case "1":
			if resp.Code != 200 {
				t.Errorf("add response code = %d, want 200", resp.Code)
			}
			if string(resp.Payload) != `{"sum":3}` {
				t.Errorf("add response payload = %s", resp.Payload)
			}
		case "2":
			if resp.Code != 500 {
				t.Errorf("fail response code = %d, want 500", resp.Code)
			}
		default:
			t.Errorf("unexpected response rid %q", resp.RID)
		}
	}
}

func TestDuplicateMethodRegistration(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)

	fn := func(p map[string]interface{}) (map[string]interface{}, error) { return nil, nil }
	if err := c.RegisterMethod("m", fn); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterMethod("m", fn); !errors.Is(err, ErrMethodRegistered) {
		t.Errorf("second registration = %v, want %v", err, ErrMethodRegistered)
	}
}

func TestRegisterMethodWithoutMethodSupport(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	tr.caps.Methods = false
	c := newTestClient(t, tr)

	err := c.RegisterMethod("m", func(map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})
	if !errors.Is(err, transport.ErrNotImplemented) {
		t.Errorf("RegisterMethod() = %v, want %v", err, transport.ErrNotImplemented)
	}
}

// update-credential while disconnected goes straight to the transport
// without a state change.
func TestUpdateSharedAccessSignatureOffline(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)

	if _, err := c.UpdateSharedAccessSignature(
		context.Background(), "SharedAccessSignature sr=x&sig=y&se=1",
	); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"update-sas"}, tr.callLog()); diff != "" {
		t.Errorf("transport calls mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateSharedAccessSignatureX509(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c, err := New(
		WithTransport(tr),
		WithCredentials(NewX509Credentials("devnull", "test.azure-devices.net", &tls.Certificate{})),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if _, err := c.UpdateSharedAccessSignature(
		context.Background(), "SharedAccessSignature sr=x&sig=y&se=1",
	); !errors.Is(err, ErrIncompatibleAuth) {
		t.Errorf("UpdateSharedAccessSignature() = %v, want %v", err, ErrIncompatibleAuth)
	}
	if len(tr.callLog()) != 0 {
		t.Errorf("x509 rotation touched the transport: %v", tr.callLog())
	}
}

func TestGetTwinCachesHandle(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	t1, err := c.GetTwin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t2, err := c.GetTwin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if t1 != t2 {
		t.Error("GetTwin returned distinct handles")
	}

	override := &Twin{c: c}
	t3, err := c.GetTwin(context.Background(), override)
	if err != nil {
		t.Fatal(err)
	}
	if t3 != override {
		t.Error("GetTwin ignored the override")
	}
}

func TestBlobPeerCredentialPropagation(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	sas := "SharedAccessSignature sr=x&sig=y&se=1"
	if _, err := c.UpdateSharedAccessSignature(context.Background(), sas); err != nil {
		t.Fatal(err)
	}

	b := c.BlobUploaderPeer()
	b.mu.Lock()
	got := b.sas
	b.mu.Unlock()
	if got != sas {
		t.Errorf("blob peer sas = %q, want %q", got, sas)
	}
}

func TestValidation(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	tr := newFakeTransport()
	c := newTestClient(t, tr)
	ctx := context.Background()

	for name, err := range map[string]error{
		"send nil message":     c.SendEvent(ctx, nil),
		"send empty batch":     c.SendEventBatch(ctx, nil),
		"settle nil message":   c.CompleteEvent(ctx, nil),
		"register empty name":  c.RegisterMethod("", func(map[string]interface{}) (map[string]interface{}, error) { return nil, nil }),
		"register nil handler": c.RegisterMethod("m", nil),
		"blank sas": func() error {
			_, err := c.UpdateSharedAccessSignature(ctx, "")
			return err
		}(),
		"blob empty name":   c.UploadToBlob(ctx, "", nil, 0),
		"subscribe nil":     c.SubscribeEvents(nil),
		"set empty options": c.SetTransportOptions(ctx, nil),
	} {
		if !errors.Is(err, ErrMissingArgument) {
			t.Errorf("%s: error = %v, want %v", name, err, ErrMissingArgument)
		}
	}
}
