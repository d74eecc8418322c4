package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"taglocator/gateway-server/internal/model"
)

// ParseID converts a colon separated hex id back into its six bytes.
func ParseID(id string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.ReplaceAll(id, ":", ""))
	if err != nil {
		return nil, fmt.Errorf("parse id %q: %w", id, err)
	}
	if len(raw) != idLen {
		return nil, fmt.Errorf("parse id %q: want %d bytes, got %d", id, idLen, len(raw))
	}
	return raw, nil
}

// EncodeGatewayIdentity builds the identity frame a gateway sends, as used by
// the simulator and by tests.
func EncodeGatewayIdentity(ident model.GatewayIdentity, direction byte) ([]byte, error) {
	gw, err := ParseID(ident.GatewayID)
	if err != nil {
		return nil, err
	}
	if len(ident.HardwareVersion) > versionLen || len(ident.FirmwareVersion) > versionLen {
		return nil, fmt.Errorf("encode identity: version longer than %d bytes", versionLen)
	}

	body := make([]byte, identityURLOff-HeaderSize)
	copy(body[idOffset-HeaderSize:], gw)
	copy(body[hwVersionOff-HeaderSize:], ident.HardwareVersion)
	copy(body[fwVersionOff-HeaderSize:], ident.FirmwareVersion)

	for _, u := range []string{ident.OTAURL, ident.WSURL} {
		s, ok := lengthPrefixed(u)
		if !ok {
			return nil, fmt.Errorf("encode identity: url longer than 255 bytes")
		}
		body = append(body, s...)
	}
	body = binary.LittleEndian.AppendUint32(body, ident.ReportInterval)
	body = append(body, byte(ident.RSSIFilter))

	return buildFrame(TypeIdentity, direction, body), nil
}

// TagReading carries the raw sensor values of a simulated advertisement.
type TagReading struct {
	GatewayID string
	TagID     string
	ScanTick  uint32
	RSSI      int
	Battery   byte
	OTP       byte
	TempRaw   byte
}

// EncodeTagData builds a tag data frame from raw sensor values.
func EncodeTagData(r TagReading) ([]byte, error) {
	gw, err := ParseID(r.GatewayID)
	if err != nil {
		return nil, err
	}
	tag, err := ParseID(r.TagID)
	if err != nil {
		return nil, err
	}
	if r.RSSI > 0 || r.RSSI < -255 {
		return nil, fmt.Errorf("encode tag data: rssi %d out of range", r.RSSI)
	}

	body := make([]byte, TagDataLen-HeaderSize)
	copy(body[idOffset-HeaderSize:], gw)
	binary.LittleEndian.PutUint32(body[scanTickOff-HeaderSize:], r.ScanTick)
	body[rssiOff-HeaderSize] = byte(-r.RSSI)

	adv := body[advOff-HeaderSize:]
	adv[0], adv[1], adv[2], adv[3] = 0x02, 0x01, 0x06, 0x1A
	for i := 0; i < idLen; i++ {
		adv[advTagIDOff+i] = tag[idLen-1-i]
	}
	adv[advBatteryOff] = r.Battery
	adv[advOTPOff] = r.OTP
	adv[advTempOff] = r.TempRaw

	return buildFrame(TypeTagData, DirReport, body), nil
}
