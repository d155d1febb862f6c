// Package agent is the host-side guard: it watches a machine for behavioral
// anomalies, reports them to the control plane, and executes block orders
// coming back from the dead-man's-switch.
package agent

// Anomaly kinds reported to the control plane.
const (
	KindGeo      = "geo"
	KindProcess  = "process"
	KindResource = "resource"
)

// Anomaly is one detection produced by a sensor sweep.
type Anomaly struct {
	Kind        string         `json:"anomaly_type"`
	Severity    string         `json:"severity"`
	TargetIP    string         `json:"target_ip,omitempty"`
	Country     string         `json:"target_country,omitempty"`
	ProcessName string         `json:"process_name,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}
