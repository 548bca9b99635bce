// Package remote is a driver talking to a Server over a websocket.
//
// The Server exposes any driver.Driver. Requests and responses are JSON text
// frames correlated by a request ID; change events of subscribed collections
// are pushed as notifications. Every client connected to the same Server
// observes the writes of the others, which makes the remote driver
// cross-instance live regardless of the backend behind the Server.
package remote

import (
	"encoding/json"

	"github.com/maruel/odb/internal/driver"
	"github.com/maruel/odb/internal/errors"
)

// Method names.
const (
	methodGet         = "get"
	methodFind        = "find"
	methodFindAll     = "findAll"
	methodInsert      = "insert"
	methodUpdate      = "update"
	methodRemove      = "remove"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
)

// request is sent by the client.
type request struct {
	ID         string        `json:"id"`
	Method     string        `json:"method"`
	Collection string        `json:"collection,omitempty"`
	Key        string        `json:"key,omitempty"`
	Query      driver.Query  `json:"query,omitempty"`
	Record     driver.Record `json:"record,omitempty"`
}

// message is sent by the server: a response when ID is set, a notification
// when Event is set.
type message struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errors.Body    `json:"error,omitempty"`
	Event  *driver.Event   `json:"event,omitempty"`
}

// toError rebuilds a taxonomy error from its wire form.
func toError(b *errors.Body) error {
	if b == nil {
		return nil
	}
	e := errors.New(b.Code, b.Error)
	for k, v := range b.Details {
		e = e.WithDetail(k, v)
	}
	return e
}
