// Package mqtt implements the full-capability hub transport,
// see https://docs.microsoft.com/en-us/azure/iot-hub/iot-hub-mqtt-support
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	uuid "github.com/satori/go.uuid"

	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/credentials"
	"github.com/hubgate/iothub/iotdevice/transport"
	"github.com/hubgate/iothub/iotutil"
	"github.com/hubgate/iothub/logger"
)

// existing SDKs use QoS 1
const defaultQoS = 1

// TransportOption is a transport configuration option.
type TransportOption func(tr *Transport)

// WithLogger sets the transport logger.
func WithLogger(l logger.Logger) TransportOption {
	return func(tr *Transport) {
		tr.logger = l
	}
}

// New returns a new MQTT transport.
func New(opts ...TransportOption) *Transport {
	tr := &Transport{
		rids: iotutil.NewRIDGenerator(),
		done: make(chan struct{}),
		opts: map[string]interface{}{},
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// Transport is an MQTT hub transport.
type Transport struct {
	mu    sync.RWMutex
	conn  mqtt.Client
	creds transport.Credentials
	sas   string // rotated token, used as the password on the next connect

	did     string
	rids    *iotutil.RIDGenerator
	resp    map[string]chan *twinResp
	twinSub bool

	recv *receiver
	down func(err error)
	opts map[string]interface{}

	done   chan struct{}
	logger logger.Logger
}

// Capabilities reports the implemented operation set. Batch submission
// and negative settlement have no MQTT grammar, QoS 1 acknowledges
// received messages at the protocol level.
func (tr *Transport) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		Connect:    true,
		Disconnect: true,
		Send:       true,
		Complete:   true,
		SAS:        true,
		Options:    true,
		Methods:    true,
	}
}

func (tr *Transport) logf(format string, v ...interface{}) {
	if tr.logger != nil {
		tr.logger.Debugf(format, v...)
	}
}

func (tr *Transport) Connect(ctx context.Context, creds transport.Credentials) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.conn != nil {
		return errors.New("already connected")
	}

	host := creds.Hostname()
	did := creds.DeviceID()

	pass := ""
	if creds.AuthType() != credentials.AuthX509 {
		if tr.sas != "" {
			pass = tr.sas
		} else {
			var err error
			pass, err = creds.Token(ctx, host+"/devices/"+did, time.Hour)
			if err != nil {
				return err
			}
		}
	}

	o := mqtt.NewClientOptions()
	o.AddBroker("tls://" + host + ":8883")
	o.SetClientID(did)
	o.SetUsername(host + "/" + did + "/?api-version=" + common.APIVersion)
	o.SetPassword(pass)
	o.SetTLSConfig(creds.TLSConfig())
	// the session controller owns the connection lifecycle
	o.SetAutoReconnect(false)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		tr.logf("connection lost: %v", err)
		tr.mu.RLock()
		fn := tr.down
		tr.mu.RUnlock()
		if fn != nil {
			fn(err)
		}
	})

	c := mqtt.NewClient(o)
	if t := c.Connect(); t.Wait() && t.Error() != nil {
		return t.Error()
	}
	tr.did = did
	tr.creds = creds
	tr.conn = c
	tr.logf("connected to %s", host)
	return nil
}

func (tr *Transport) Disconnect(ctx context.Context) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.conn == nil {
		return nil
	}
	tr.conn.Disconnect(250)
	tr.conn = nil
	tr.resp = nil
	tr.logf("disconnected")
	return nil
}

func (tr *Transport) NotifyDisconnect(fn func(err error)) {
	tr.mu.Lock()
	tr.down = fn
	tr.mu.Unlock()
}

func (tr *Transport) Send(ctx context.Context, msg *common.Message) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewV4().String()
	}

	u := make(url.Values, len(msg.Properties)+5)
	if msg.MessageID != "" {
		u["$.mid"] = []string{msg.MessageID}
	}
	if msg.CorrelationID != "" {
		u["$.cid"] = []string{msg.CorrelationID}
	}
	if msg.UserID != "" {
		u["$.uid"] = []string{msg.UserID}
	}
	if msg.To != "" {
		u["$.to"] = []string{msg.To}
	}
	if msg.ExpiryTime != nil && !msg.ExpiryTime.IsZero() {
		u["$.exp"] = []string{msg.ExpiryTime.UTC().Format(time.RFC3339)}
	}
	for k, v := range msg.Properties {
		u[k] = []string{v}
	}

	qos := tr.qos()
	if q, ok := msg.TransportOptions["qos"].(int); ok {
		qos = byte(q)
	}
	dst := "devices/" + tr.did + "/messages/events/" + encodeProperties(u)
	return tr.send(dst, qos, msg.Payload)
}

func (tr *Transport) qos() byte {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if q, ok := tr.opts["qos"].(int); ok {
		return byte(q)
	}
	return defaultQoS
}

// SendBatch is not available in the MQTT transport.
func (tr *Transport) SendBatch(ctx context.Context, msgs []*common.Message) error {
	return transport.ErrNotImplemented
}

// Complete is a no-op, messages are acknowledged by the QoS 1 flow.
func (tr *Transport) Complete(ctx context.Context, msg *common.Message) error {
	return nil
}

// Reject is not available in the MQTT transport.
func (tr *Transport) Reject(ctx context.Context, msg *common.Message) error {
	return transport.ErrNotImplemented
}

// Abandon is not available in the MQTT transport.
func (tr *Transport) Abandon(ctx context.Context, msg *common.Message) error {
	return transport.ErrNotImplemented
}

// UpdateSharedAccessSignature stores the fresh token, it becomes the
// CONNECT password so a reconnect is required for it to take effect.
func (tr *Transport) UpdateSharedAccessSignature(ctx context.Context, sas string) (bool, error) {
	if sas == "" {
		return false, errors.New("sas is blank")
	}
	tr.mu.Lock()
	tr.sas = sas
	tr.mu.Unlock()
	return true, nil
}

func (tr *Transport) SetOptions(opts map[string]interface{}) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for k, v := range opts {
		tr.opts[k] = v
	}
	return nil
}

func (tr *Transport) Receiver(ctx context.Context) (transport.Receiver, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.recv == nil {
		tr.recv = &receiver{
			tr:      tr,
			methods: map[string]transport.MethodFunc{},
		}
	}
	return tr.recv, nil
}

func (tr *Transport) RespondDirectMethod(ctx context.Context, resp *transport.MethodResponse) error {
	dst := fmt.Sprintf("$iothub/methods/res/%d/?$rid=%s", resp.Code, resp.RID)
	return tr.send(dst, defaultQoS, resp.Payload)
}

func (tr *Transport) send(topic string, qos byte, b []byte) error {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.conn == nil {
		return errors.New("not connected")
	}
	t := tr.conn.Publish(topic, qos, false, b)
	t.Wait()
	return t.Error()
}

func (tr *Transport) subscribe(topic string, fn mqtt.MessageHandler) error {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.conn == nil {
		return errors.New("not connected")
	}
	t := tr.conn.Subscribe(topic, defaultQoS, fn)
	t.Wait()
	return t.Error()
}

func (tr *Transport) unsubscribe(topics ...string) error {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.conn == nil {
		return nil
	}
	t := tr.conn.Unsubscribe(topics...)
	t.Wait()
	return t.Error()
}

func (tr *Transport) Close() error {
	select {
	case <-tr.done:
		return nil
	default:
		close(tr.done)
	}
	return tr.Disconnect(context.Background())
}

// receiver is the transport subscription sink, at most one exists and
// it's replaced after a detach.
type receiver struct {
	tr *Transport

	mu        sync.RWMutex
	events    []transport.MessageFunc
	methods   map[string]transport.MethodFunc
	errs      []transport.ErrorFunc
	msgSub    bool
	methodSub bool
}

func (r *receiver) OnEvent(fn transport.MessageFunc) error {
	r.mu.Lock()
	r.events = append(r.events, fn)
	sub := !r.msgSub
	r.msgSub = true
	r.mu.Unlock()
	if !sub {
		return nil
	}
	return r.tr.subscribe(
		"devices/"+r.tr.did+"/messages/devicebound/#",
		func(_ mqtt.Client, m mqtt.Message) {
			msg, err := parseEventMessage(m)
			if err != nil {
				r.dispatchError(fmt.Errorf("message parsing: %w", err))
				return
			}
			r.mu.RLock()
			defer r.mu.RUnlock()
			for _, fn := range r.events {
				fn(msg)
			}
		},
	)
}

func (r *receiver) OnMethod(name string, fn transport.MethodFunc) error {
	r.mu.Lock()
	r.methods[name] = fn
	sub := !r.methodSub
	r.methodSub = true
	r.mu.Unlock()
	if !sub {
		return nil
	}
	return r.tr.subscribe(
		"$iothub/methods/POST/#",
		func(_ mqtt.Client, m mqtt.Message) {
			method, rid, err := parseDirectMethodTopic(m.Topic())
			if err != nil {
				r.dispatchError(fmt.Errorf("method topic parsing: %w", err))
				return
			}
			r.mu.RLock()
			fn := r.methods[method]
			r.mu.RUnlock()
			if fn == nil {
				r.tr.logf("direct-method %q is missing", method)
				return
			}
			fn(&transport.MethodCall{
				RID:     rid,
				Method:  method,
				Payload: m.Payload(),
			})
		},
	)
}

func (r *receiver) OnError(fn transport.ErrorFunc) {
	r.mu.Lock()
	r.errs = append(r.errs, fn)
	r.mu.Unlock()
}

func (r *receiver) dispatchError(err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.errs {
		fn(err)
	}
}

// Detach removes every attached handler and releases the topic
// subscriptions, the next Receiver call returns a fresh sink.
func (r *receiver) Detach() error {
	r.mu.Lock()
	var topics []string
	if r.msgSub {
		topics = append(topics, "devices/"+r.tr.did+"/messages/devicebound/#")
	}
	if r.methodSub {
		topics = append(topics, "$iothub/methods/POST/#")
	}
	r.events = nil
	r.methods = map[string]transport.MethodFunc{}
	r.errs = nil
	r.msgSub = false
	r.methodSub = false
	r.mu.Unlock()

	r.tr.mu.Lock()
	r.tr.recv = nil
	r.tr.mu.Unlock()

	if len(topics) == 0 {
		return nil
	}
	return r.tr.unsubscribe(topics...)
}

func parseEventMessage(m mqtt.Message) (*common.Message, error) {
	p, err := parseCloudToDeviceTopic(m.Topic())
	if err != nil {
		return nil, err
	}
	e := &common.Message{
		Payload:    m.Payload(),
		Properties: make(map[string]string, len(p)),
	}
	for k, v := range p {
		switch k {
		case "$.mid":
			e.MessageID = v
		case "$.cid":
			e.CorrelationID = v
		case "$.uid":
			e.UserID = v
		case "$.to":
			e.To = v
		case "$.exp":
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, err
			}
			e.ExpiryTime = &t
		default:
			e.Properties[k] = v
		}
	}
	return e, nil
}

// devices/{device}/messages/devicebound/%24.to=%2Fdevices%2F{device}%2Fmessages%2FdeviceBound&a=b&b=c
func parseCloudToDeviceTopic(s string) (map[string]string, error) {
	q, err := url.QueryUnescape(s)
	if err != nil {
		return nil, err
	}

	// attributes are prefixed with $.,
	// e.g. `messageId` becomes `$.mid`, `to` becomes `$.to`, etc.
	i := strings.Index(q, "$.")
	if i == -1 {
		return nil, errors.New("malformed cloud-to-device topic name")
	}
	v, err := url.ParseQuery(q[i:])
	if err != nil {
		return nil, err
	}

	p := make(map[string]string, len(v))
	for k, x := range v {
		if len(x) != 1 {
			return nil, fmt.Errorf("unexpected number of property values: %d", len(x))
		}
		p[k] = x[0]
	}
	return p, nil
}

// returns method name and rid
// format: $iothub/methods/POST/{method}/?$rid={rid}
func parseDirectMethodTopic(s string) (string, string, error) {
	ss := strings.Split(s, "/")
	if len(ss) != 5 {
		return "", "", errors.New("malformed direct-method topic name")
	}
	if !strings.HasPrefix(ss[4], "?$rid=") {
		return "", "", errors.New("malformed direct-method topic name")
	}
	return ss[3], ss[4][6:], nil
}

// encodeProperties encodes the property bag for the events topic,
// spaces become %20 instead of url.Values' +.
func encodeProperties(u url.Values) string {
	keys := make([]string, 0, len(u))
	for k := range u {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := &strings.Builder{}
	n := 0
	for _, k := range keys {
		for _, v := range u[k] {
			if n != 0 {
				b.WriteByte('&')
			}
			n++
			b.WriteString(escape(k))
			b.WriteByte('=')
			b.WriteString(escape(v))
		}
	}
	return b.String()
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

type twinResp struct {
	code int
	ver  int // twin response only
	body []byte
}

func (tr *Transport) RetrieveTwinProperties(ctx context.Context) ([]byte, error) {
	r, err := tr.request(ctx, "$iothub/twin/GET/?$rid=%s", nil)
	if err != nil {
		return nil, err
	}
	return r.body, nil
}

func (tr *Transport) UpdateTwinProperties(ctx context.Context, b []byte) (int, error) {
	r, err := tr.request(ctx, "$iothub/twin/PATCH/properties/reported/?$rid=%s", b)
	if err != nil {
		return 0, err
	}
	return r.ver, nil
}

func (tr *Transport) request(ctx context.Context, topic string, b []byte) (*twinResp, error) {
	if err := tr.enableTwinResponses(); err != nil {
		return nil, err
	}
	rid := tr.rids.Next()
	dst := fmt.Sprintf(topic, rid)
	rch := make(chan *twinResp, 1)
	tr.mu.Lock()
	tr.resp[rid] = rch
	tr.mu.Unlock()
	defer func() {
		tr.mu.Lock()
		delete(tr.resp, rid)
		tr.mu.Unlock()
	}()

	if err := tr.send(dst, defaultQoS, b); err != nil {
		return nil, err
	}

	select {
	case r := <-rch:
		if r.code < 200 || r.code > 299 {
			return nil, fmt.Errorf("request failed with %d response code", r.code)
		}
		return r, nil
	case <-time.After(30 * time.Second):
		return nil, errors.New("request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (tr *Transport) enableTwinResponses() error {
	tr.mu.Lock()
	if tr.resp == nil {
		tr.resp = make(map[string]chan *twinResp)
		tr.twinSub = false
	}
	subscribed := tr.twinSub
	tr.twinSub = true
	tr.mu.Unlock()
	if subscribed {
		return nil
	}

	if err := tr.subscribe(
		"$iothub/twin/res/#", func(_ mqtt.Client, m mqtt.Message) {
			rc, rid, ver, err := parseTwinPropsTopic(m.Topic())
			if err != nil {
				tr.logf("twin response topic parsing: %s", err)
				return
			}

			tr.mu.RLock()
			defer tr.mu.RUnlock()
			rch, ok := tr.resp[rid]
			if !ok {
				tr.logf("unknown rid: %q", rid)
				return
			}
			select {
			case rch <- &twinResp{code: rc, ver: ver, body: m.Payload()}:
			default:
			}
		},
	); err != nil {
		tr.mu.Lock()
		tr.twinSub = false
		tr.mu.Unlock()
		return err
	}
	return nil
}

var twinResponseRegexp = regexp.MustCompile(
	`\$iothub/twin/res/(\d+)/\?\$rid=(\w+)(?:&\$version=(\d+))?`,
)

// parseTwinPropsTopic parses the given topic name into rc, rid and ver.
// $iothub/twin/res/{rc}/?$rid={rid}(&$version={ver})?
func parseTwinPropsTopic(s string) (int, string, int, error) {
	ss := twinResponseRegexp.FindStringSubmatch(s)
	if ss == nil {
		return 0, "", 0, errors.New("malformed topic name")
	}

	// the regexp only matches digit runs
	rc, _ := strconv.Atoi(ss[1])
	ver, _ := strconv.Atoi(ss[3])

	return rc, ss[2], ver, nil
}
