package sysmon

import "fmt"

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a resource above one of its thresholds.
type Alert struct {
	Resource  string   `json:"resource"`
	Severity  Severity `json:"severity"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
	Message   string   `json:"message"`
}

type threshold struct {
	resource string
	warning  float64 // 0 = no warning level
	critical float64
}

var thresholds = []threshold{
	{resource: "cpu", warning: 80, critical: 90},
	{resource: "memory", warning: 85, critical: 95},
	{resource: "disk", critical: 90},
}

// alerts evaluates the current values, never stored between calls.
func alerts(s Snapshot) []Alert {
	if s.Samples == 0 {
		return []Alert{}
	}

	values := map[string]float64{
		"cpu":    s.CPU.Current,
		"memory": s.Memory.Current,
		"disk":   s.Disk.Current,
	}

	out := make([]Alert, 0, len(thresholds))
	for _, t := range thresholds {
		v := values[t.resource]
		switch {
		case v > t.critical:
			out = append(out, newAlert(t.resource, SeverityCritical, v, t.critical))
		case t.warning > 0 && v > t.warning:
			out = append(out, newAlert(t.resource, SeverityWarning, v, t.warning))
		}
	}
	return out
}

func newAlert(resource string, sev Severity, value, limit float64) Alert {
	return Alert{
		Resource:  resource,
		Severity:  sev,
		Value:     value,
		Threshold: limit,
		Message:   fmt.Sprintf("%s usage %.1f%% above %.0f%%", resource, value, limit),
	}
}
