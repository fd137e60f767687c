package postgres

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	telemetry "stationsync/internal/telemetry/domain"
)

type measurementJSON struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// quarantinedJSON keeps non-finite values as text since JSON has no NaN.
type quarantinedJSON struct {
	Value *float64 `json:"value,omitempty"`
	Raw   string   `json:"raw,omitempty"`
	Unit  string   `json:"unit,omitempty"`
}

type readingJSON struct {
	At      time.Time                  `json:"at"`
	Metrics map[string]quarantinedJSON `json:"metrics"`
}

func encodeMetrics(metrics map[string]telemetry.Measurement) ([]byte, error) {
	out := make(map[string]measurementJSON, len(metrics))
	for name, m := range metrics {
		out[name] = measurementJSON{Value: m.Value, Unit: m.Unit}
	}
	return json.Marshal(out)
}

func decodeMetrics(raw []byte) (map[string]telemetry.Measurement, error) {
	var in map[string]measurementJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make(map[string]telemetry.Measurement, len(in))
	for name, m := range in {
		out[name] = telemetry.Measurement{Value: m.Value, Unit: m.Unit}
	}
	return out, nil
}

func encodeReadings(readings []telemetry.Reading) ([]byte, error) {
	out := make([]readingJSON, 0, len(readings))
	for _, r := range readings {
		metrics := make(map[string]quarantinedJSON, len(r.Metrics))
		for name, m := range r.Metrics {
			q := quarantinedJSON{Unit: m.Unit}
			if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
				q.Raw = strconv.FormatFloat(m.Value, 'g', -1, 64)
			} else {
				v := m.Value
				q.Value = &v
			}
			metrics[name] = q
		}
		out = append(out, readingJSON{At: r.At, Metrics: metrics})
	}
	return json.Marshal(out)
}

func decodeReadings(stationID string, raw []byte) ([]telemetry.Reading, error) {
	var in []readingJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make([]telemetry.Reading, 0, len(in))
	for _, r := range in {
		metrics := make(map[string]telemetry.Measurement, len(r.Metrics))
		for name, m := range r.Metrics {
			var v float64
			if m.Value != nil {
				v = *m.Value
			} else if parsed, err := strconv.ParseFloat(m.Raw, 64); err == nil {
				v = parsed
			}
			metrics[name] = telemetry.Measurement{Value: v, Unit: m.Unit}
		}
		out = append(out, telemetry.Reading{StationID: stationID, At: r.At, Metrics: metrics})
	}
	return out, nil
}
