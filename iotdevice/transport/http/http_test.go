package http

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/credentials"
	"github.com/hubgate/iothub/iotdevice/transport"
)

type testCreds struct{}

func (testCreds) DeviceID() string               { return "devnull" }
func (testCreds) Hostname() string               { return "test.azure-devices.net" }
func (testCreds) AuthType() credentials.AuthType { return credentials.AuthSAS }
func (testCreds) TLSConfig() *tls.Config         { return &tls.Config{} }
func (testCreds) Token(context.Context, string, time.Duration) (string, error) {
	return "SharedAccessSignature sr=test&sig=sig&se=1", nil
}

func newTestTransport(t *testing.T, h http.HandlerFunc) *Transport {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(testCreds{}, WithBaseURL(srv.URL), WithClient(srv.Client()))
}

func TestSend(t *testing.T) {
	var gotPath, gotAuth, gotApp string
	var gotBody []byte
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotApp = r.Header.Get("iothub-app-k")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	})

	if err := tr.Send(context.Background(), &common.Message{
		Payload:    []byte("hello"),
		Properties: map[string]string{"k": "v"},
	}); err != nil {
		t.Fatal(err)
	}

	if gotPath != "/devices/devnull/messages/events" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth == "" {
		t.Error("authorization header is empty")
	}
	if gotApp != "v" {
		t.Errorf("iothub-app-k = %q, want %q", gotApp, "v")
	}
	if string(gotBody) != "hello" {
		t.Errorf("body = %q, want %q", gotBody, "hello")
	}
}

func TestSendBatch(t *testing.T) {
	var gotType string
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	})

	if err := tr.SendBatch(context.Background(), []*common.Message{
		{Payload: []byte("a")},
		{Payload: []byte("b")},
	}); err != nil {
		t.Fatal(err)
	}
	if gotType != "application/vnd.microsoft.iothub.json" {
		t.Errorf("content-type = %q", gotType)
	}
}

func TestSettlement(t *testing.T) {
	var gotMethod, gotURI string
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotURI = r.URL.RequestURI()
		w.WriteHeader(http.StatusNoContent)
	})
	msg := &common.Message{LockToken: "lock-1"}

	if err := tr.Complete(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodDelete || gotURI != "/devices/devnull/messages/devicebound/lock-1?api-version="+common.APIVersion {
		t.Errorf("complete = %s %s", gotMethod, gotURI)
	}

	if err := tr.Reject(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodDelete || gotURI != "/devices/devnull/messages/devicebound/lock-1?reject=&api-version="+common.APIVersion {
		t.Errorf("reject = %s %s", gotMethod, gotURI)
	}

	if err := tr.Abandon(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPost || gotURI != "/devices/devnull/messages/devicebound/lock-1/abandon?api-version="+common.APIVersion {
		t.Errorf("abandon = %s %s", gotMethod, gotURI)
	}
}

func TestSettlementWithoutLockToken(t *testing.T) {
	tr := New(testCreds{})
	if err := tr.Complete(context.Background(), &common.Message{}); err == nil {
		t.Error("Complete without lock token = nil error")
	}
}

func TestReceiverPoll(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"lock-9"`)
		w.Header().Set("iothub-messageid", "m-1")
		w.Header().Set("iothub-app-color", "red")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("payload"))
	})
	tr.poll = 10 * time.Millisecond

	r, err := tr.Receiver(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	msgc := make(chan *common.Message, 1)
	if err := r.OnEvent(func(msg *common.Message) {
		select {
		case msgc <- msg:
		default:
		}
	}); err != nil {
		t.Fatal(err)
	}
	defer r.Detach()

	select {
	case msg := <-msgc:
		if string(msg.Payload) != "payload" {
			t.Errorf("payload = %q", msg.Payload)
		}
		if msg.LockToken != "lock-9" {
			t.Errorf("lock token = %q, want %q", msg.LockToken, "lock-9")
		}
		if msg.MessageID != "m-1" {
			t.Errorf("message id = %q, want %q", msg.MessageID, "m-1")
		}
		if msg.Properties["color"] != "red" {
			t.Errorf("properties = %v", msg.Properties)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
}

func TestUpdateSharedAccessSignatureNoReconnect(t *testing.T) {
	tr := New(testCreds{})
	reconnect, err := tr.UpdateSharedAccessSignature(context.Background(), "SharedAccessSignature sr=x&sig=y&se=1")
	if err != nil {
		t.Fatal(err)
	}
	if reconnect {
		t.Error("UpdateSharedAccessSignature() reconnect = true, want false")
	}
}

func TestCapabilities(t *testing.T) {
	caps := New(testCreds{}).Capabilities()
	if caps.Connect || caps.Disconnect || caps.Methods {
		t.Errorf("stateless transport reports session capabilities: %+v", caps)
	}
	if !caps.Send || !caps.SendBatch || !caps.Complete || !caps.Reject || !caps.Abandon {
		t.Errorf("missing REST capabilities: %+v", caps)
	}
}

var _ transport.Transport = (*Transport)(nil)
