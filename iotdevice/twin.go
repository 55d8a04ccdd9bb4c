package iotdevice

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hubgate/iothub/iotdevice/transport"
)

// State is both the desired and the reported twin device state.
type State map[string]interface{}

// Version is the state document version.
func (s State) Version() int {
	v, ok := s["$version"].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

// Twin is the handle to the remote-mirrored device state document.
//
// It keeps a reference to the client it was built from and reaches the
// transport through it; credential updates arrive over the internal
// notification channel.
type Twin struct {
	c *Client

	mu  sync.Mutex
	sas string
}

func newTwin(c *Client) *Twin {
	t := &Twin{c: c}
	ch := c.subscribeNotifications()
	go func() {
		for {
			select {
			case n := <-ch:
				if n.kind == notifyCredential {
					t.updateSharedAccessSignature(n.sas)
				}
			case <-c.quit:
				return
			}
		}
	}()
	return t
}

func (t *Twin) updateSharedAccessSignature(sas string) {
	t.mu.Lock()
	t.sas = sas
	t.mu.Unlock()
}

// Retrieve fetches the desired and reported twin states from the hub.
func (t *Twin) Retrieve(ctx context.Context) (desired State, reported State, err error) {
	tt, ok := t.c.tr.(transport.TwinTransport)
	if !ok {
		return nil, nil, transport.ErrNotImplemented
	}
	b, err := tt.RetrieveTwinProperties(ctx)
	if err != nil {
		return nil, nil, err
	}
	var v struct {
		Desired  State `json:"desired"`
		Reported State `json:"reported"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, nil, err
	}
	return v.Desired, v.Reported, nil
}

// Update patches the reported twin state and returns the new version.
// To remove an attribute set its value to nil.
func (t *Twin) Update(ctx context.Context, s State) (int, error) {
	tt, ok := t.c.tr.(transport.TwinTransport)
	if !ok {
		return 0, transport.ErrNotImplemented
	}
	b, err := json.Marshal(s)
	if err != nil {
		return 0, err
	}
	return tt.UpdateTwinProperties(ctx, b)
}
