package iotdevice

// notificationKind discriminates internal lifecycle notifications.
type notificationKind int

const (
	notifyStateChange notificationKind = iota
	notifyCredential
)

// notification is an internal lifecycle notification consumed by
// co-resident subsystems such as the twin.
type notification struct {
	kind  notificationKind
	state sessionState
	sas   string
}

// subscribeNotifications registers an internal notification channel,
// sends never block, a slow consumer loses notifications.
func (c *Client) subscribeNotifications() <-chan notification {
	ch := make(chan notification, 16)
	c.emu.Lock()
	c.notifySubs = append(c.notifySubs, ch)
	c.emu.Unlock()
	return ch
}

func (c *Client) notifyState(s sessionState) {
	c.broadcast(notification{kind: notifyStateChange, state: s})
}

func (c *Client) notifyCredentialUpdated(sas string) {
	c.broadcast(notification{kind: notifyCredential, sas: sas})
}

func (c *Client) broadcast(n notification) {
	c.emu.RLock()
	defer c.emu.RUnlock()
	for _, ch := range c.notifySubs {
		select {
		case ch <- n:
		default:
		}
	}
}

// NotifyDisconnect registers a handler for spontaneous transport
// disconnects, the argument carries the disconnect cause.
func (c *Client) NotifyDisconnect(fn func(err error)) {
	if fn == nil {
		panic("fn is nil")
	}
	c.emu.Lock()
	c.disconnectSubs = append(c.disconnectSubs, fn)
	c.emu.Unlock()
}

// NotifyError registers a handler for errors raised by internal
// asynchronous activity that has no waiting caller.
func (c *Client) NotifyError(fn func(err error)) {
	if fn == nil {
		panic("fn is nil")
	}
	c.emu.Lock()
	c.errorSubs = append(c.errorSubs, fn)
	c.emu.Unlock()
}

func (c *Client) emitDisconnect(err error) {
	c.emu.RLock()
	defer c.emu.RUnlock()
	for _, fn := range c.disconnectSubs {
		go fn(err)
	}
}

func (c *Client) emitError(err error) {
	c.logger.Errorf("%v", err)
	c.emu.RLock()
	defer c.emu.RUnlock()
	for _, fn := range c.errorSubs {
		go fn(err)
	}
}
