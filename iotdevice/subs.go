package iotdevice

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/iotdevice/transport"
)

// MessageHandler handles inbound cloud-to-device messages.
type MessageHandler func(msg *common.Message)

// DirectMethodHandler handles direct method invocations. If it returns an
// error and a nil body, the error string is used as the value of the error
// attribute of the result payload and the response code is 500.
type DirectMethodHandler func(p map[string]interface{}) (map[string]interface{}, error)

// interested reports whether anything currently wants inbound traffic.
func (c *Client) interested() bool {
	return c.msgMux.len() > 0 || c.methodMux.len() > 0
}

// evalInterest re-evaluates subscription interest while connected,
// attaching or tearing down the receiver as needed.
func (c *Client) evalInterest(cmd *command) {
	var err error
	if c.interested() {
		err = c.attachInterest()
	} else {
		err = c.teardownReceiver()
	}
	if cmd.done != nil {
		cmd.complete(nil, err)
	} else if err != nil {
		c.emitError(err)
	}
}

// attachInterest acquires the receiver once per interest edge and attaches
// any handlers not yet attached to it.
func (c *Client) attachInterest() error {
	if !c.interested() {
		return nil
	}
	if err := c.ensureReceiver(); err != nil {
		return err
	}
	if c.msgMux.len() > 0 && !c.msgAttached {
		if err := c.receiver.OnEvent(c.msgMux.Dispatch); err != nil {
			return errors.Wrap(err, "message subscription failed")
		}
		c.msgAttached = true
	}
	if c.tr.Capabilities().Methods {
		for name, fn := range c.methodMux.snapshot() {
			if c.attachedMethods[name] {
				continue
			}
			if err := c.receiver.OnMethod(name, c.methodCallback(name, fn)); err != nil {
				return errors.Wrapf(err, "method %q subscription failed", name)
			}
			c.attachedMethods[name] = true
		}
	}
	return nil
}

// ensureReceiver acquires the transport receiver once per interest edge,
// not per handler. A receiver identical to the cached one is silently
// ignored, a fresh one gets the error forwarder installed.
func (c *Client) ensureReceiver() error {
	if c.receiver != nil {
		return nil
	}
	r, err := c.tr.Receiver(context.Background())
	if err != nil {
		return errors.Wrap(err, "get receiver failed")
	}
	if r == nil {
		return errors.New("transport returned a nil receiver")
	}
	if r == c.receiver {
		return nil
	}
	c.receiver = r
	r.OnError(func(err error) {
		c.emitError(errors.Wrap(err, "receiver error"))
	})
	return nil
}

// teardownReceiver detaches every handler the client attached and
// releases the cached receiver.
func (c *Client) teardownReceiver() error {
	if c.receiver == nil {
		return nil
	}
	err := c.receiver.Detach()
	c.receiver = nil
	c.msgAttached = false
	c.attachedMethods = map[string]bool{}
	if err != nil {
		return errors.Wrap(err, "receiver teardown failed")
	}
	return nil
}

// methodCallback wraps a raw invocation into a request/response pair,
// the response is sent back through the transport.
func (c *Client) methodCallback(name string, fn DirectMethodHandler) transport.MethodFunc {
	return func(call *transport.MethodCall) {
		go c.handleDirectMethod(name, fn, call)
	}
}

func (c *Client) handleDirectMethod(name string, fn DirectMethodHandler, call *transport.MethodCall) {
	c.logger.Debugf("direct-method %q rid=%s", name, call.RID)

	var v map[string]interface{}
	if len(call.Payload) > 0 {
		if err := json.Unmarshal(call.Payload, &v); err != nil {
			c.emitError(errors.Wrapf(err, "direct-method %q payload", name))
			return
		}
	}

	code := 200
	body, err := fn(v)
	if err != nil {
		code = 500
		if body == nil {
			body = map[string]interface{}{
				"error": err.Error(),
			}
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		c.emitError(errors.Wrapf(err, "direct-method %q result", name))
		return
	}

	if err := c.tr.RespondDirectMethod(context.Background(), &transport.MethodResponse{
		RID:     call.RID,
		Code:    code,
		Payload: b,
	}); err != nil {
		c.emitError(errors.Wrapf(err, "direct-method %q response", name))
	}
}

// messageMux fans inbound messages out to subscribed handlers.
type messageMux struct {
	mu sync.RWMutex
	s  []MessageHandler
}

func (m *messageMux) add(fn MessageHandler) {
	if fn == nil {
		panic("fn is nil")
	}
	m.mu.Lock()
	m.s = append(m.s, fn)
	m.mu.Unlock()
}

// remove removes all matched handlers from the handlers list.
func (m *messageMux) remove(fn MessageHandler) {
	m.mu.Lock()
	for i := len(m.s) - 1; i >= 0; i-- {
		if ptreq(m.s[i], fn) {
			m.s = append(m.s[:i], m.s[i+1:]...)
		}
	}
	m.mu.Unlock()
}

func (m *messageMux) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.s)
}

// Dispatch runs every handler with the given message.
func (m *messageMux) Dispatch(msg *common.Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, fn := range m.s {
		fn(msg)
	}
}

// ptreq reports whether two functions point at the same code,
// functions cannot be compared natively.
func ptreq(v1, v2 interface{}) bool {
	return reflect.ValueOf(v1).Pointer() == reflect.ValueOf(v2).Pointer()
}

// methodMux holds registered direct method handlers,
// registrations are append-only.
type methodMux struct {
	mu sync.RWMutex
	m  map[string]DirectMethodHandler
}

// handle registers the given direct-method handler.
func (r *methodMux) handle(name string, fn DirectMethodHandler) error {
	if fn == nil {
		panic("fn is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = map[string]DirectMethodHandler{}
	}
	if _, ok := r.m[name]; ok {
		return errors.Wrap(ErrMethodRegistered, name)
	}
	r.m[name] = fn
	return nil
}

func (r *methodMux) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

func (r *methodMux) snapshot() map[string]DirectMethodHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := make(map[string]DirectMethodHandler, len(r.m))
	for k, v := range r.m {
		m[k] = v
	}
	return m
}
