// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

// Frame types sent by clients.
const (
	frameConnect     = "connect"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	framePubAck      = "puback"
	framePubRec      = "pubrec"
	framePubRel      = "pubrel"
	framePubComp     = "pubcomp"
	frameDisconnect  = "disconnect"
)

// Frame types sent by the server. publish, puback, pubrec, pubrel and
// pubcomp are shared with the client side.
const (
	frameConnAck  = "connack"
	frameSubAck   = "suback"
	frameUnsubAck = "unsuback"
	frameError    = "error"
)

// Frame is one JSON text message on the socket. Payload is base64 on the wire.
type Frame struct {
	Type         string     `json:"type"`
	ClientID     string     `json:"client_id,omitempty"`
	CleanSession bool       `json:"clean_session,omitempty"`
	Resumed      bool       `json:"resumed,omitempty"`
	Will         *WillFrame `json:"will,omitempty"`
	Filter       string     `json:"filter,omitempty"`
	Topic        string     `json:"topic,omitempty"`
	Payload      []byte     `json:"payload,omitempty"`
	Offset       int64      `json:"offset,omitempty"`
	PacketID     uint16     `json:"packet_id,omitempty"`
	QoS          byte       `json:"qos"`
	Retain       bool       `json:"retain,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// WillFrame is the last-will message carried by a connect frame.
type WillFrame struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload,omitempty"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain,omitempty"`
}
