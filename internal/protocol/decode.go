package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"

	"taglocator/gateway-server/internal/model"
)

// Fixed offsets of the identity and tag data frames.
const (
	idOffset       = 4
	idLen          = 6
	versionLen     = 7
	hwVersionOff   = 10
	fwVersionOff   = 17
	identityURLOff = 24

	scanTickOff = 10
	rssiOff     = 14
	advOff      = 15
	// AdvertisingLen is the size of the raw BLE advertisement block.
	AdvertisingLen = 31
	// TagDataLen is the minimum length of a tag data frame.
	TagDataLen = advOff + AdvertisingLen

	advTagIDOff   = 4
	advBatteryOff = 10
	advOTPOff     = 26
	advTempOff    = 27
)

// DecodeGatewayIdentity reads an identity frame.
func DecodeGatewayIdentity(frame []byte) (model.GatewayIdentity, error) {
	if len(frame) < identityURLOff {
		return model.GatewayIdentity{}, fmt.Errorf("decode identity: %w", ErrShortFrame)
	}

	ident := model.GatewayIdentity{
		GatewayID:       FormatID(frame[idOffset : idOffset+idLen]),
		HardwareVersion: trimVersion(frame[hwVersionOff : hwVersionOff+versionLen]),
		FirmwareVersion: trimVersion(frame[fwVersionOff : fwVersionOff+versionLen]),
	}

	rd := newFrameReader(frame, identityURLOff)

	var err error
	if ident.OTAURL, err = rd.readString(); err != nil {
		return model.GatewayIdentity{}, fmt.Errorf("decode identity ota url: %w", err)
	}
	if ident.WSURL, err = rd.readString(); err != nil {
		return model.GatewayIdentity{}, fmt.Errorf("decode identity ws url: %w", err)
	}
	if ident.ReportInterval, err = rd.readUint32LE(); err != nil {
		return model.GatewayIdentity{}, fmt.Errorf("decode identity report interval: %w", err)
	}
	filter, err := rd.readByte()
	if err != nil {
		return model.GatewayIdentity{}, fmt.Errorf("decode identity rssi filter: %w", err)
	}
	ident.RSSIFilter = int8(filter)

	return ident, nil
}

// DecodeTagSample reads a tag data frame and applies sensor calibration.
// SensedAt is left for the caller to stamp.
func DecodeTagSample(frame []byte) (model.TagSample, error) {
	if len(frame) < TagDataLen {
		return model.TagSample{}, fmt.Errorf("decode tag sample: %w", ErrShortFrame)
	}

	adv := make([]byte, AdvertisingLen)
	copy(adv, frame[advOff:advOff+AdvertisingLen])

	// tag id is little-endian inside the advertisement
	tagID := make([]byte, idLen)
	for i := 0; i < idLen; i++ {
		tagID[i] = adv[advTagIDOff+idLen-1-i]
	}

	temp := CalTemp(adv[advOTPOff], adv[advTempOff])
	tempF, _ := temp.Float64()

	return model.TagSample{
		GatewayID:      FormatID(frame[idOffset : idOffset+idLen]),
		TagID:          FormatID(tagID),
		ScanTick:       binary.LittleEndian.Uint32(frame[scanTickOff : scanTickOff+4]),
		RSSI:           -int(frame[rssiOff]),
		TemperatureC:   temp,
		VoltageV:       CalVol(adv[advBatteryOff], tempF),
		RawAdvertising: adv,
	}, nil
}

func trimVersion(b []byte) string {
	return strings.Trim(string(b), "\x00 ")
}
