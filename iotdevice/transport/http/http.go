// Package http implements a stateless hub transport over the device REST
// surface. It has no connection to establish, the session controller
// treats it as connected by fiat, and it lacks the direct method surface.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/iotdevice/transport"
	"github.com/hubgate/iothub/logger"
)

// DefaultPollInterval is how often the receiver polls the devicebound
// endpoint, the hub throttles more eager consumers.
const DefaultPollInterval = 5 * time.Second

// TransportOption is a transport configuration option.
type TransportOption func(tr *Transport)

// WithLogger sets the transport logger.
func WithLogger(l logger.Logger) TransportOption {
	return func(tr *Transport) {
		tr.logger = l
	}
}

// WithClient sets the client to use for HTTP requests.
func WithClient(c *http.Client) TransportOption {
	return func(tr *Transport) {
		tr.client = c
	}
}

// WithBaseURL overrides the hub endpoint, mostly useful for testing.
func WithBaseURL(u string) TransportOption {
	return func(tr *Transport) {
		tr.base = strings.TrimSuffix(u, "/")
	}
}

// WithPollInterval overrides the devicebound polling cadence.
func WithPollInterval(d time.Duration) TransportOption {
	return func(tr *Transport) {
		tr.poll = d
	}
}

// New returns a new HTTP transport. The transport has no connect phase
// so it takes its credentials up front.
func New(creds transport.Credentials, opts ...TransportOption) *Transport {
	tr := &Transport{
		creds:  creds,
		client: http.DefaultClient,
		poll:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(tr)
	}
	if tr.base == "" {
		tr.base = "https://" + creds.Hostname()
	}
	return tr
}

// Transport is a stateless REST hub transport.
type Transport struct {
	creds  transport.Credentials
	client *http.Client
	base   string
	poll   time.Duration
	logger logger.Logger

	mu   sync.Mutex
	sas  string // rotated token, overrides minting
	recv *pollReceiver
	down func(err error)
}

// Capabilities reports the implemented operation set: the REST surface
// has sending, batching and full settlement but no session to connect
// and no direct method grammar.
func (tr *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		Send:      true,
		SendBatch: true,
		Complete:  true,
		Reject:    true,
		Abandon:   true,
		SAS:       true,
		Options:   true,
	}
}

// Connect is not available in the HTTP transport.
func (tr *Transport) Connect(ctx context.Context, creds transport.Credentials) error {
	return transport.ErrNotImplemented
}

// Disconnect is not available in the HTTP transport.
func (tr *Transport) Disconnect(ctx context.Context) error {
	return transport.ErrNotImplemented
}

func (tr *Transport) Send(ctx context.Context, msg *common.Message) error {
	target := fmt.Sprintf("%s/devices/%s/messages/events?api-version=%s",
		tr.base, url.PathEscape(tr.creds.DeviceID()), common.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target,
		strings.NewReader(string(msg.Payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if msg.MessageID != "" {
		req.Header.Set("IoTHub-MessageId", msg.MessageID)
	}
	if msg.CorrelationID != "" {
		req.Header.Set("IoTHub-CorrelationId", msg.CorrelationID)
	}
	for k, v := range msg.Properties {
		req.Header.Set("iothub-app-"+k, v)
	}
	return tr.execute(ctx, req, http.StatusNoContent)
}

func (tr *Transport) SendBatch(ctx context.Context, msgs []*common.Message) error {
	b, err := encodeBatch(msgs)
	if err != nil {
		return err
	}
	target := fmt.Sprintf("%s/devices/%s/messages/events?api-version=%s",
		tr.base, url.PathEscape(tr.creds.DeviceID()), common.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(string(b)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/vnd.microsoft.iothub.json")
	return tr.execute(ctx, req, http.StatusNoContent)
}

// Complete settles the message as processed, the hub removes it from
// the device queue.
func (tr *Transport) Complete(ctx context.Context, msg *common.Message) error {
	return tr.settle(ctx, http.MethodDelete, msg, "")
}

// Reject settles the message as unprocessable, no redelivery happens.
func (tr *Transport) Reject(ctx context.Context, msg *common.Message) error {
	return tr.settle(ctx, http.MethodDelete, msg, "?reject=")
}

// Abandon releases the message lock, the hub redelivers it.
func (tr *Transport) Abandon(ctx context.Context, msg *common.Message) error {
	return tr.settle(ctx, http.MethodPost, msg, "/abandon")
}

func (tr *Transport) settle(ctx context.Context, method string, msg *common.Message, suffix string) error {
	if msg.LockToken == "" {
		return fmt.Errorf("message carries no lock token")
	}
	sep := "?"
	if strings.Contains(suffix, "?") {
		sep = "&"
	}
	target := fmt.Sprintf("%s/devices/%s/messages/devicebound/%s%s%sapi-version=%s",
		tr.base, url.PathEscape(tr.creds.DeviceID()), url.PathEscape(msg.LockToken), suffix, sep, common.APIVersion)
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	return tr.execute(ctx, req, http.StatusNoContent)
}

// UpdateSharedAccessSignature installs a fresh token, requests are
// authorized per call so no reconnect is required.
func (tr *Transport) UpdateSharedAccessSignature(ctx context.Context, sas string) (bool, error) {
	if sas == "" {
		return false, fmt.Errorf("sas is blank")
	}
	tr.mu.Lock()
	tr.sas = sas
	tr.mu.Unlock()
	return false, nil
}

func (tr *Transport) SetOptions(opts map[string]interface{}) error {
	if d, ok := opts["poll-interval"].(time.Duration); ok {
		tr.mu.Lock()
		tr.poll = d
		tr.mu.Unlock()
	}
	return nil
}

func (tr *Transport) Receiver(ctx context.Context) (transport.Receiver, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.recv == nil {
		tr.recv = &pollReceiver{tr: tr, stop: make(chan struct{})}
	}
	return tr.recv, nil
}

// RespondDirectMethod is not available in the HTTP transport.
func (tr *Transport) RespondDirectMethod(ctx context.Context, resp *transport.MethodResponse) error {
	return transport.ErrNotImplemented
}

// NotifyDisconnect stores the handler, a stateless transport never
// disconnects spontaneously so it never fires.
func (tr *Transport) NotifyDisconnect(fn func(err error)) {
	tr.mu.Lock()
	tr.down = fn
	tr.mu.Unlock()
}

func (tr *Transport) Close() error {
	tr.mu.Lock()
	recv := tr.recv
	tr.mu.Unlock()
	if recv != nil {
		return recv.Detach()
	}
	return nil
}

func (tr *Transport) token(ctx context.Context) (string, error) {
	tr.mu.Lock()
	sas := tr.sas
	tr.mu.Unlock()
	if sas != "" {
		return sas, nil
	}
	return tr.creds.Token(ctx,
		tr.creds.Hostname()+"/devices/"+tr.creds.DeviceID(), time.Hour)
}

func (tr *Transport) execute(ctx context.Context, req *http.Request, want int) error {
	token, err := tr.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)
	resp, err := tr.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// pollReceiver polls the devicebound REST endpoint for inbound messages.
type pollReceiver struct {
	tr   *Transport
	stop chan struct{}

	mu      sync.RWMutex
	events  []transport.MessageFunc
	errs    []transport.ErrorFunc
	polling bool
}

func (r *pollReceiver) OnEvent(fn transport.MessageFunc) error {
	r.mu.Lock()
	r.events = append(r.events, fn)
	start := !r.polling
	r.polling = true
	r.mu.Unlock()
	if start {
		go r.loop()
	}
	return nil
}

// OnMethod is not available, the REST surface has no method grammar.
func (r *pollReceiver) OnMethod(name string, fn transport.MethodFunc) error {
	return transport.ErrNotImplemented
}

func (r *pollReceiver) OnError(fn transport.ErrorFunc) {
	r.mu.Lock()
	r.errs = append(r.errs, fn)
	r.mu.Unlock()
}

func (r *pollReceiver) Detach() error {
	r.mu.Lock()
	if r.polling {
		close(r.stop)
	}
	r.polling = false
	r.events = nil
	r.errs = nil
	r.mu.Unlock()

	r.tr.mu.Lock()
	r.tr.recv = nil
	r.tr.mu.Unlock()
	return nil
}

func (r *pollReceiver) loop() {
	t := time.NewTicker(r.tr.poll)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			msg, err := r.receive(context.Background())
			if err != nil {
				r.dispatchError(err)
				continue
			}
			if msg == nil {
				continue
			}
			r.mu.RLock()
			for _, fn := range r.events {
				fn(msg)
			}
			r.mu.RUnlock()
		case <-r.stop:
			return
		}
	}
}

// receive performs one devicebound poll, a nil message means the queue
// is empty.
func (r *pollReceiver) receive(ctx context.Context) (*common.Message, error) {
	target := fmt.Sprintf("%s/devices/%s/messages/devicebound?api-version=%s",
		r.tr.base, url.PathEscape(r.tr.creds.DeviceID()), common.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	token, err := r.tr.token(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token)

	resp, err := r.tr.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return parseDeviceboundResponse(resp, b), nil
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

func (r *pollReceiver) dispatchError(err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.errs {
		fn(err)
	}
}
