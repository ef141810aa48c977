package net

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mill6-plat6aux/metamere/src/ledger"
)

// Message is the wire envelope. Exactly one of Command and DataName is set:
// a command is a request that may produce a reply, a data push is one-way.
type Message struct {
	Command  string      `json:"command,omitempty"`
	DataName string      `json:"dataName,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

// NewCommand ...
func NewCommand(command string, data interface{}) Message {
	return Message{Command: command, Data: data}
}

// NewData ...
func NewData(dataName string, data interface{}) Message {
	return Message{DataName: dataName, Data: data}
}

// IsCommand reports whether the message expects to be dispatched as a
// request.
func (m Message) IsCommand() bool {
	return m.Command != ""
}

// Encode renders the message as a single UTF-8 JSON object.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses one envelope. Numbers are decoded as json.Number and
// normalized so that 64-bit block indexes survive the round trip.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return m, err
	}
	if m.Command == "" && m.DataName == "" {
		return m, fmt.Errorf("message has neither command nor dataName")
	}
	m.Data = ledger.Normalize(m.Data)
	return m, nil
}

// normalizeDecoded applies the shared number normalization to a payload
// decoded with UseNumber.
func normalizeDecoded(v interface{}) interface{} {
	return ledger.Normalize(v)
}

// DecodeData re-shapes a message payload into a typed struct. Payloads
// arrive as generic maps; consensus handlers decode them into their wire
// types with this helper.
func DecodeData(data interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}
