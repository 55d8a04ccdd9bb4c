package http

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hubgate/iothub/common"
)

// batchItem is one entry of a vnd.microsoft.iothub.json batch request.
type batchItem struct {
	Body           string            `json:"body"`
	Base64Encoded  bool              `json:"base64Encoded"`
	Properties     map[string]string `json:"properties,omitempty"`
	SystemProperty map[string]string `json:"systemProperties,omitempty"`
}

func encodeBatch(msgs []*common.Message) ([]byte, error) {
	items := make([]batchItem, 0, len(msgs))
	for _, msg := range msgs {
		sys := map[string]string{}
		if msg.MessageID != "" {
			sys["messageId"] = msg.MessageID
		}
		if msg.CorrelationID != "" {
			sys["correlationId"] = msg.CorrelationID
		}
		if len(sys) == 0 {
			sys = nil
		}
		items = append(items, batchItem{
			Body:           base64.StdEncoding.EncodeToString(msg.Payload),
			Base64Encoded:  true,
			Properties:     msg.Properties,
			SystemProperty: sys,
		})
	}
	return json.Marshal(items)
}

// parseDeviceboundResponse builds a message from a devicebound poll
// response, the ETag carries the settlement lock token.
func parseDeviceboundResponse(resp *http.Response, body []byte) *common.Message {
	msg := &common.Message{
		Payload:       body,
		LockToken:     strings.Trim(resp.Header.Get("ETag"), `"`),
		MessageID:     resp.Header.Get("iothub-messageid"),
		CorrelationID: resp.Header.Get("iothub-correlationid"),
		To:            resp.Header.Get("iothub-to"),
		UserID:        resp.Header.Get("iothub-userid"),
		Properties:    map[string]string{},
	}
	if s := resp.Header.Get("iothub-enqueuedtime"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			msg.EnqueuedTime = &t
		}
	}
	if s := resp.Header.Get("iothub-expiry"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			msg.ExpiryTime = &t
		}
	}
	for k, v := range resp.Header {
		if name, ok := strings.CutPrefix(strings.ToLower(k), "iothub-app-"); ok && len(v) > 0 {
			msg.Properties[name] = v[0]
		}
	}
	return msg
}
