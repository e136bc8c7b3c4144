// Package gpsutils implements the GNSS position handling used by the proxy:
// NMEA GGA sentence parsing, great-circle distances, and nearest-station
// selection.
package gpsutils

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// ggaFieldCount is the number of comma-separated fields in a full GGA
// sentence, talker id included.
const ggaFieldCount = 15

// Position is the fix extracted from a single GGA sentence.
type Position struct {
	UTCTime          string  `json:"utcTime"`
	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
	FixQuality       int     `json:"fixQuality"`
	Satellites       int     `json:"satellites"`
	HDOP             float64 `json:"hdop,omitempty"`
	Altitude         float64 `json:"altitude,omitempty"`
	AltitudeUnits    string  `json:"altitudeUnits,omitempty"`
	GeoidHeight      float64 `json:"geoidHeight,omitempty"`
	GeoidHeightUnits string  `json:"geoidHeightUnits,omitempty"`
	DGPSAge          string  `json:"dgpsAge,omitempty"`
	DGPSStationID    string  `json:"dgpsStationId,omitempty"`
}

// ParseLatLon converts an NMEA DDMM.MMMM coordinate into decimal degrees.
func ParseLatLon(field string) (float64, error) {
	raw, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "cannot parse coordinate %q", field)
	}
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, errors.Errorf("coordinate %q is not finite", field)
	}
	degrees := math.Floor(raw / 100)
	minutes := raw - degrees*100
	return degrees + minutes/60, nil
}

// Checksum computes the NMEA checksum of data: the XOR of every byte after
// the leading "$", rendered as two upper-case hex digits.
func Checksum(data string) string {
	var sum byte
	for i := 0; i < len(data); i++ {
		if i == 0 && data[i] == '$' {
			continue
		}
		sum ^= data[i]
	}
	return fmt.Sprintf("%02X", sum)
}

// ParseGGA parses a single GPGGA or GNGGA sentence. A checksum mismatch is
// logged but does not reject the sentence; rovers in the field routinely
// emit bad checksums and the coordinates are still usable.
func ParseGGA(sentence string, logger golog.Logger) (*Position, error) {
	sentence = strings.TrimSpace(sentence)
	starIdx := strings.LastIndex(sentence, "*")
	if starIdx < 0 {
		return nil, errors.Errorf("sentence has no checksum separator: %q", sentence)
	}
	data, provided := sentence[:starIdx], strings.TrimSpace(sentence[starIdx+1:])
	if want := Checksum(data); !strings.EqualFold(provided, want) {
		logger.Warnf("GGA checksum mismatch (got %q, want %q), using sentence anyway: %s", provided, want, sentence)
	}

	fields := strings.Split(data, ",")
	if len(fields) < ggaFieldCount {
		return nil, errors.Errorf("GGA sentence has %d fields, need %d", len(fields), ggaFieldCount)
	}
	switch fields[0] {
	case "$GPGGA", "$GNGGA":
	default:
		return nil, errors.Errorf("not a GGA sentence: %q", fields[0])
	}
	if fields[2] == "" || fields[4] == "" {
		return nil, errors.New("GGA sentence has empty coordinates")
	}

	lat, err := ParseLatLon(fields[2])
	if err != nil {
		return nil, err
	}
	if fields[3] == "S" {
		lat = -lat
	}
	lon, err := ParseLatLon(fields[4])
	if err != nil {
		return nil, err
	}
	if fields[5] == "W" {
		lon = -lon
	}

	pos := &Position{
		UTCTime:          fields[1],
		Lat:              lat,
		Lon:              lon,
		FixQuality:       intField(fields[6]),
		Satellites:       intField(fields[7]),
		HDOP:             floatField(fields[8]),
		Altitude:         floatField(fields[9]),
		AltitudeUnits:    fields[10],
		GeoidHeight:      floatField(fields[11]),
		GeoidHeightUnits: fields[12],
		DGPSAge:          fields[13],
		DGPSStationID:    fields[14],
	}
	if pos.FixQuality < 0 || pos.FixQuality > 8 {
		pos.FixQuality = 0
	}
	return pos, nil
}

// FormatGGA renders a position back into a GPGGA sentence with a valid
// checksum.
func FormatGGA(pos *Position) string {
	data := fmt.Sprintf("$GPGGA,%s,%s,%s,%s,%s,%d,%02d,%s,%s,%s,%s,%s,%s,%s",
		pos.UTCTime,
		formatLatLon(pos.Lat, 2), hemisphere(pos.Lat, "N", "S"),
		formatLatLon(pos.Lon, 3), hemisphere(pos.Lon, "E", "W"),
		pos.FixQuality,
		pos.Satellites,
		trimFloat(pos.HDOP),
		trimFloat(pos.Altitude),
		pos.AltitudeUnits,
		trimFloat(pos.GeoidHeight),
		pos.GeoidHeightUnits,
		pos.DGPSAge,
		pos.DGPSStationID,
	)
	return data + "*" + Checksum(data)
}

func intField(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

func floatField(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func hemisphere(v float64, pos, neg string) string {
	if v < 0 {
		return neg
	}
	return pos
}

// formatLatLon converts decimal degrees back into DDMM.MMMM with the given
// number of degree digits (2 for latitude, 3 for longitude).
func formatLatLon(v float64, degDigits int) string {
	v = math.Abs(v)
	degrees := math.Floor(v)
	minutes := (v - degrees) * 60
	return fmt.Sprintf("%0*.0f%07.4f", degDigits, degrees, minutes)
}

func trimFloat(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
