package protocol

import (
	"math"

	"github.com/shopspring/decimal"
)

// Calibration constants of the tag temperature sensor.
const (
	tempRefC     = 23.5
	tempMaxC     = 85.0
	tempMinC     = -40.0
	otpLowBase   = 104
	otpSpanBase  = 35
	defaultLowSp = 57.11

	voltMin       = 1.7
	voltMax       = 3.3
	voltPivotC    = 30.0
	voltHotCoeff  = 0.25
	voltColdCoeff = 0.15
)

// lowSpanTable holds the raw count span covering tempMinC..tempRefC, indexed by
// the upper three OTP bits.
var lowSpanTable = [8]float64{57.11, 56.80, 57.42, 56.49, 57.73, 56.18, 58.04, 55.87}

// lowSpan returns the table entry for idx, or the factory default when idx is
// outside the table.
func lowSpan(idx int) float64 {
	if idx < 0 || idx >= len(lowSpanTable) {
		return defaultLowSp
	}
	return lowSpanTable[idx]
}

// OTPReference splits an OTP calibration byte into the reference count and the
// count span of the upper temperature range.
func OTPReference(otp byte) (refLow, refSpan int) {
	return int(otp&0x1F) + otpLowBase, int(otp>>5) + otpSpanBase
}

// CalTemp converts a raw temperature byte to degrees Celsius using the tag's OTP
// calibration byte. The result carries two decimal places.
func CalTemp(otp, val byte) decimal.Decimal {
	refLow, refSpan := OTPReference(otp)
	hi := (tempMaxC - tempRefC) / float64(refSpan)

	var c float64
	if int(val) >= refLow {
		c = tempRefC + float64(int(val)-refLow)*hi
	} else {
		lo := (tempRefC - tempMinC) / lowSpan(int(otp>>5))
		c = tempRefC - float64(refLow-int(val))*(hi+lo)/2
	}
	return round2(c)
}

// CalVol converts a raw battery byte to volts, compensated for temperature.
func CalVol(batt byte, tempC float64) decimal.Decimal {
	var adjusted float64
	if tempC >= voltPivotC {
		adjusted = float64(batt) - (tempC-voltPivotC)*voltHotCoeff
	} else {
		adjusted = float64(batt) + (voltPivotC-tempC)*voltColdCoeff
	}

	v := voltMin + adjusted*(voltMax-voltMin)/255
	v = math.Max(voltMin, math.Min(voltMax, v))
	return round2(v)
}

func round2(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}
