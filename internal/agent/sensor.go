package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// webServerNames are the parents whose shell children indicate a reverse
// shell.
var webServerNames = map[string]bool{
	"node": true, "python": true, "python3": true,
	"nginx": true, "apache2": true, "httpd": true,
}

var shellNames = map[string]bool{
	"bash": true, "sh": true, "zsh": true, "dash": true, "ksh": true,
}

const (
	cpuSpikeThreshold  = 90.0
	cpuBaselineMargin  = 40.0
	resourceSampleTime = 2 * time.Second
	baselineSamples    = 5
)

// Connection is an established TCP connection snapshot.
type Connection struct {
	RemoteIP   string
	RemotePort uint32
	LocalPort  uint32
	PID        int32
}

// Process is a process snapshot with its descendants flattened in.
type Process struct {
	PID        int32
	Name       string
	Cmdline    string
	CPUPercent float64
	Children   []Process
}

// SystemProbe abstracts the host introspection calls so the detection rules
// can be tested without a live machine.
type SystemProbe interface {
	Connections(ctx context.Context) ([]Connection, error)
	Processes(ctx context.Context) ([]Process, error)
	CPUPercent(ctx context.Context, interval time.Duration) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
}

// GeoLookup resolves a remote address to a country label.
type GeoLookup interface {
	Country(ctx context.Context, ip string) (string, error)
}

// Sensor runs the three behavioral detections against a SystemProbe.
type Sensor struct {
	probe   SystemProbe
	geo     GeoLookup
	logger  *slog.Logger
	trusted map[string]bool
	risky   map[string]bool

	baselineCPU float64
}

// NewSensor measures the CPU baseline, the mean of five one-second samples,
// before the first sweep.
func NewSensor(ctx context.Context, probe SystemProbe, geo GeoLookup,
	highRiskCountries, trustedIPs []string, logger *slog.Logger) (*Sensor, error) {
	s := &Sensor{
		probe:   probe,
		geo:     geo,
		logger:  logger,
		trusted: make(map[string]bool, len(trustedIPs)),
		risky:   make(map[string]bool, len(highRiskCountries)),
	}
	for _, ip := range trustedIPs {
		s.trusted[ip] = true
	}
	for _, c := range highRiskCountries {
		s.risky[c] = true
	}

	var sum float64
	for i := 0; i < baselineSamples; i++ {
		pct, err := probe.CPUPercent(ctx, time.Second)
		if err != nil {
			return nil, fmt.Errorf("sample baseline cpu: %w", err)
		}
		sum += pct
	}
	s.baselineCPU = sum / baselineSamples
	logger.Info("cpu baseline established", "percent", s.baselineCPU)
	return s, nil
}

// Sweep runs all detections once. Each detection failing is logged and
// skipped; a sweep never aborts the agent.
func (s *Sensor) Sweep(ctx context.Context) []Anomaly {
	var out []Anomaly
	for _, detect := range []func(context.Context) (*Anomaly, error){
		s.detectGeo, s.detectProcess, s.detectResource,
	} {
		a, err := detect(ctx)
		if err != nil {
			s.logger.Error("detection failed", "error", err)
			continue
		}
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}

func (s *Sensor) detectGeo(ctx context.Context) (*Anomaly, error) {
	conns, err := s.probe.Connections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	for _, conn := range conns {
		if conn.RemoteIP == "" || s.trusted[conn.RemoteIP] || strings.HasPrefix(conn.RemoteIP, "127.") {
			continue
		}
		country, err := s.geo.Country(ctx, conn.RemoteIP)
		if err != nil {
			s.logger.Warn("geo lookup failed", "ip", conn.RemoteIP, "error", err)
			continue
		}
		if !s.risky[country] {
			continue
		}
		s.logger.Warn("geo anomaly", "ip", conn.RemoteIP, "country", country)
		return &Anomaly{
			Kind:     KindGeo,
			Severity: "critical",
			TargetIP: conn.RemoteIP,
			Country:  country,
			Details: map[string]any{
				"local_port":  conn.LocalPort,
				"remote_port": conn.RemotePort,
				"pid":         conn.PID,
			},
		}, nil
	}
	return nil, nil
}

func (s *Sensor) detectProcess(ctx context.Context) (*Anomaly, error) {
	procs, err := s.probe.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	for _, proc := range procs {
		if !webServerNames[proc.Name] {
			continue
		}
		if child := findShell(proc.Children); child != nil {
			s.logger.Warn("process anomaly", "parent", proc.Name, "child", child.Name)
			return &Anomaly{
				Kind:        KindProcess,
				Severity:    "critical",
				ProcessName: proc.Name + " -> " + child.Name,
				Details: map[string]any{
					"parent_pid":     proc.PID,
					"parent_cmdline": proc.Cmdline,
					"child_pid":      child.PID,
					"child_name":     child.Name,
				},
			}, nil
		}
	}
	return nil, nil
}

func findShell(children []Process) *Process {
	for i := range children {
		if shellNames[children[i].Name] {
			return &children[i]
		}
		if hit := findShell(children[i].Children); hit != nil {
			return hit
		}
	}
	return nil
}

func (s *Sensor) detectResource(ctx context.Context) (*Anomaly, error) {
	current, err := s.probe.CPUPercent(ctx, resourceSampleTime)
	if err != nil {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}
	if current <= cpuSpikeThreshold || current <= s.baselineCPU+cpuBaselineMargin {
		return nil, nil
	}

	mem, err := s.probe.MemoryPercent(ctx)
	if err != nil {
		mem = 0
	}
	top := s.topCPUProcess(ctx)
	s.logger.Warn("resource anomaly", "cpu", current, "baseline", s.baselineCPU, "top", top.Name)
	return &Anomaly{
		Kind:        KindResource,
		Severity:    "high",
		ProcessName: top.Name,
		Details: map[string]any{
			"cpu_percent":     current,
			"mem_percent":     mem,
			"baseline_cpu":    s.baselineCPU,
			"top_process_pid": top.PID,
			"top_process_cpu": top.CPUPercent,
		},
	}, nil
}

func (s *Sensor) topCPUProcess(ctx context.Context) Process {
	procs, err := s.probe.Processes(ctx)
	if err != nil || len(procs) == 0 {
		return Process{Name: "unknown"}
	}
	top := procs[0]
	for _, p := range procs[1:] {
		if p.CPUPercent > top.CPUPercent {
			top = p
		}
	}
	return top
}
