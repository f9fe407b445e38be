package monitoreditem

import "github.com/gopcua/opcua/ua"

// Deadband filter types, per OPC UA Part 8 DeadbandType enumeration.
const (
	deadbandNone     uint32 = 0
	deadbandAbsolute uint32 = 1
	deadbandPercent  uint32 = 2
)

// dataChangeFilterState holds the parsed DataChangeFilter plus whatever
// state is needed to evaluate it across successive samples.
type dataChangeFilterState struct {
	trigger       uint32
	deadbandType  uint32
	deadbandValue float64
	euRange       *EURange
	lastReported  *ua.DataValue
}

// parseDataChangeFilter parses a DataChangeFilter extension object. A
// percent deadband with no EURange supplied by the Namespace is invalid
// per spec §4.2.
func parseDataChangeFilter(ext *ua.ExtensionObject, euRange *EURange) (*dataChangeFilterState, ua.StatusCode) {
	if ext == nil {
		return nil, ua.StatusOK
	}

	f, ok := ext.Value.(*ua.DataChangeFilter)
	if !ok || f == nil {
		return nil, ua.StatusOK
	}

	if f.DeadbandType == deadbandPercent && euRange == nil {
		return nil, ua.StatusBadDeadbandFilterInvalid
	}

	return &dataChangeFilterState{
		trigger:       uint32(f.Trigger),
		deadbandType:  f.DeadbandType,
		deadbandValue: f.DeadbandValue,
		euRange:       euRange,
	}, ua.StatusOK
}

// shouldReport applies the DataChangeTrigger + deadband policy described in
// spec §4.2: report iff the change satisfies the trigger and exceeds the
// deadband (when one is configured).
func (f *dataChangeFilterState) shouldReport(next *ua.DataValue) bool {
	if f == nil {
		return true
	}

	prev := f.lastReported
	if prev == nil {
		return true
	}

	switch ua.DataChangeTrigger(f.trigger) {
	case ua.DataChangeTriggerStatus:
		return prev.Status != next.Status
	case ua.DataChangeTriggerStatusValueTimestamp:
		if prev.Status != next.Status {
			return true
		}
		if !prev.SourceTimestamp.Equal(next.SourceTimestamp) {
			return true
		}
		return f.valueChanged(prev, next)
	default: // StatusValue, and the conservative default
		if prev.Status != next.Status {
			return true
		}
		return f.valueChanged(prev, next)
	}
}

func (f *dataChangeFilterState) valueChanged(prev, next *ua.DataValue) bool {
	pv, pok := toFloat(prev.Value)
	nv, nok := toFloat(next.Value)

	if !pok || !nok {
		// Non-numeric values: any reported change at all is significant,
		// deadband does not apply.
		return prev.Value.Value() != next.Value.Value()
	}

	delta := nv - pv
	if delta < 0 {
		delta = -delta
	}

	switch f.deadbandType {
	case deadbandAbsolute:
		return delta > f.deadbandValue
	case deadbandPercent:
		span := f.euRange.High - f.euRange.Low
		if span <= 0 {
			return true
		}
		return (delta/span)*100.0 > f.deadbandValue
	default:
		return pv != nv
	}
}

func toFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}
	switch x := v.Value().(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
