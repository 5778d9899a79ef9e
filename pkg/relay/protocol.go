package relay

import (
	"mime"
	"strconv"
)

// MessageType names a relay protocol message.
type MessageType string

// Sent by the client.
const (
	MsgAnnounce = MessageType("announce")
	MsgChunk    = MessageType("chunk")
	MsgEnd      = MessageType("end")
)

// Sent by the endpoint.
const (
	MsgReady    = MessageType("ready")
	MsgDownload = MessageType("download")
	MsgDone     = MessageType("done")
)

// MsgAbort may be sent by either side.
const MsgAbort = MessageType("abort")

// Message is the relay wire message. Data is base64 encoded in JSON.
type Message struct {
	Type    MessageType       `json:"type"`
	Session string            `json:"session"`
	Name    string            `json:"name,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    []byte            `json:"data,omitempty"`
	URL     string            `json:"url,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

func announceHeaders(name string, size int64) map[string]string {
	h := map[string]string{
		"Content-Type":        "application/octet-stream",
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": name}),
	}
	if size >= 0 {
		h["Content-Length"] = strconv.FormatInt(size, 10)
	}
	return h
}

// parseAnnounce extracts the file name and expected size (-1 if unknown).
func parseAnnounce(msg Message) (string, int64) {
	name := msg.Name
	if name == "" {
		if _, params, err := mime.ParseMediaType(msg.Headers["Content-Disposition"]); err == nil {
			name = params["filename"]
		}
	}
	size := int64(-1)
	if v, ok := msg.Headers["Content-Length"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			size = n
		}
	}
	return name, size
}
