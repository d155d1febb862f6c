package notify

import "fmt"

// ScanSummary builds the completion digest sent after a scan finishes with
// at least one finding. Clean scans stay quiet.
func ScanSummary(domain, scanKind string, total, critical int) Alert {
	severity := "medium"
	if critical > 0 {
		severity = "high"
	}
	return Alert{
		Title:    fmt.Sprintf("📊 Scan Complete: %s", domain),
		Severity: severity,
		Details: map[string]string{
			"domain":            domain,
			"scan_type":         scanKind,
			"total_findings":    fmt.Sprint(total),
			"critical_findings": fmt.Sprint(critical),
		},
	}
}
