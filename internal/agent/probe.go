package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// GopsutilProbe is the production SystemProbe.
type GopsutilProbe struct{}

var _ SystemProbe = GopsutilProbe{}

func (GopsutilProbe) Connections(ctx context.Context) ([]Connection, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	var out []Connection
	for _, c := range conns {
		if c.Status != "ESTABLISHED" || c.Raddr.IP == "" {
			continue
		}
		out = append(out, Connection{
			RemoteIP:   c.Raddr.IP,
			RemotePort: c.Raddr.Port,
			LocalPort:  c.Laddr.Port,
			PID:        c.Pid,
		})
	}
	return out, nil
}

func (GopsutilProbe) Processes(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []Process
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		snap := Process{PID: p.Pid, Name: name}
		if cmd, err := p.CmdlineWithContext(ctx); err == nil {
			snap.Cmdline = cmd
		}
		if pct, err := p.CPUPercentWithContext(ctx); err == nil {
			snap.CPUPercent = pct
		}
		// Descendants are only interesting under web servers; skipping the
		// rest keeps the sweep cheap on busy hosts.
		if webServerNames[name] {
			if children, err := p.ChildrenWithContext(ctx); err == nil {
				for _, c := range children {
					cname, err := c.NameWithContext(ctx)
					if err != nil {
						continue
					}
					snap.Children = append(snap.Children, Process{PID: c.Pid, Name: cname})
				}
			}
		}
		out = append(out, snap)
	}
	return out, nil
}

func (GopsutilProbe) CPUPercent(ctx context.Context, interval time.Duration) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("no cpu sample returned")
	}
	return pcts[0], nil
}

func (GopsutilProbe) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// IPInfoLookup resolves countries through ipinfo.io.
type IPInfoLookup struct {
	client  *http.Client
	baseURL string
}

// NewIPInfoLookup builds the production geo resolver with its 5s timeout.
func NewIPInfoLookup() *IPInfoLookup {
	return &IPInfoLookup{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: "https://ipinfo.io",
	}
}

func (l *IPInfoLookup) Country(ctx context.Context, ip string) (string, error) {
	url := fmt.Sprintf("%s/%s/json", strings.TrimRight(l.baseURL, "/"), ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipinfo lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "Unknown", nil
	}

	var body struct {
		Country string `json:"country"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode ipinfo response: %w", err)
	}
	if body.Country == "" {
		return "Unknown", nil
	}
	return body.Country, nil
}
