package protocol

import (
	"encoding/binary"
	"math"
)

// CommandKind names an operator command that can be pushed to a gateway.
type CommandKind string

const (
	CmdSetOTAURL         CommandKind = "set_ota_url"
	CmdSetWSURL          CommandKind = "set_ws_url"
	CmdSetReportInterval CommandKind = "set_report_interval"
	CmdSetRSSIFilter     CommandKind = "set_rssi_filter"
	CmdTriggerOTA        CommandKind = "trigger_ota"
	CmdReboot            CommandKind = "reboot"
)

type commandSpec struct {
	frameType byte
	encode    func(payload map[string]any) ([]byte, bool)
}

var commandSpecs = map[CommandKind]commandSpec{
	CmdSetOTAURL:         {frameType: TypeSetOTAURL, encode: requiredString("url")},
	CmdSetWSURL:          {frameType: TypeSetWSURL, encode: requiredString("url")},
	CmdSetReportInterval: {frameType: TypeSetReportInterval, encode: encodeInterval},
	CmdSetRSSIFilter:     {frameType: TypeSetRSSIFilter, encode: encodeFilter},
	CmdTriggerOTA:        {frameType: TypeTriggerOTA, encode: optionalString("url")},
	CmdReboot:            {frameType: TypeReboot, encode: func(map[string]any) ([]byte, bool) { return nil, true }},
}

// KnownCommand reports whether kind is a supported command.
func KnownCommand(kind CommandKind) bool {
	_, ok := commandSpecs[kind]
	return ok
}

// CommandKinds lists the supported commands.
func CommandKinds() []CommandKind {
	return []CommandKind{CmdSetOTAURL, CmdSetWSURL, CmdSetReportInterval, CmdSetRSSIFilter, CmdTriggerOTA, CmdReboot}
}

// BuildCommand encodes a command frame. It returns nil when kind is unknown or
// the payload lacks a required field or carries it with the wrong type.
func BuildCommand(kind CommandKind, payload map[string]any) []byte {
	spec, ok := commandSpecs[kind]
	if !ok {
		return nil
	}
	body, ok := spec.encode(payload)
	if !ok {
		return nil
	}
	return buildFrame(spec.frameType, DirRequest, body)
}

// IdentityRequest asks a freshly connected gateway to identify itself.
func IdentityRequest() []byte {
	return buildFrame(TypeIdentity, DirRequest, nil)
}

// IdentityAck confirms an identity frame was accepted.
func IdentityAck() []byte {
	return buildFrame(TypeIdentity, DirResponse, nil)
}

// TagDataAck confirms a tag data frame was received.
func TagDataAck() []byte {
	return buildFrame(TypeTagData, DirResponse, nil)
}

func buildFrame(frameType, direction byte, body []byte) []byte {
	frame := make([]byte, HeaderSize, HeaderSize+len(body))
	frame[0] = frameType
	frame[1] = direction
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(body)))
	return append(frame, body...)
}

func lengthPrefixed(s string) ([]byte, bool) {
	if len(s) > math.MaxUint8 {
		return nil, false
	}
	out := make([]byte, 0, 1+len(s))
	out = append(out, byte(len(s)))
	return append(out, s...), true
}

func requiredString(field string) func(map[string]any) ([]byte, bool) {
	return func(payload map[string]any) ([]byte, bool) {
		s, ok := payload[field].(string)
		if !ok || s == "" {
			return nil, false
		}
		return lengthPrefixed(s)
	}
}

func optionalString(field string) func(map[string]any) ([]byte, bool) {
	return func(payload map[string]any) ([]byte, bool) {
		v, present := payload[field]
		if !present || v == nil {
			return lengthPrefixed("")
		}
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		return lengthPrefixed(s)
	}
}

func encodeInterval(payload map[string]any) ([]byte, bool) {
	n, ok := wholeNumber(payload["interval"])
	if !ok || n < 1 || n > math.MaxUint32 {
		return nil, false
	}
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, uint32(n))
	return body, true
}

func encodeFilter(payload map[string]any) ([]byte, bool) {
	n, ok := wholeNumber(payload["rssi"])
	if !ok || n < math.MinInt8 || n > math.MaxInt8 {
		return nil, false
	}
	return []byte{byte(int8(n))}, true
}

// wholeNumber accepts the numeric shapes a decoded JSON payload may hold.
func wholeNumber(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if math.Abs(n) > 1<<53 || n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}
