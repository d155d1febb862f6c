package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProbe struct {
	conns []Connection
	procs []Process
	cpu   []float64
	mem   float64

	cpuCalls int
}

func (f *fakeProbe) Connections(context.Context) ([]Connection, error) { return f.conns, nil }
func (f *fakeProbe) Processes(context.Context) ([]Process, error)     { return f.procs, nil }
func (f *fakeProbe) MemoryPercent(context.Context) (float64, error)   { return f.mem, nil }

func (f *fakeProbe) CPUPercent(context.Context, time.Duration) (float64, error) {
	if f.cpuCalls >= len(f.cpu) {
		return f.cpu[len(f.cpu)-1], nil
	}
	pct := f.cpu[f.cpuCalls]
	f.cpuCalls++
	return pct, nil
}

type fakeGeo struct {
	countries map[string]string
	lookups   []string
}

func (g *fakeGeo) Country(_ context.Context, ip string) (string, error) {
	g.lookups = append(g.lookups, ip)
	if c, ok := g.countries[ip]; ok {
		return c, nil
	}
	return "Unknown", nil
}

func newSensor(t *testing.T, probe *fakeProbe, geo *fakeGeo) *Sensor {
	t.Helper()
	s, err := NewSensor(context.Background(), probe, geo,
		[]string{"Russia", "North Korea"}, []string{"8.8.8.8", "1.1.1.1"}, discardLogger())
	require.NoError(t, err)
	return s
}

func TestBaselineIsMeanOfFiveSamples(t *testing.T) {
	probe := &fakeProbe{cpu: []float64{10, 20, 30, 40, 50, 5}}
	s := newSensor(t, probe, &fakeGeo{})
	assert.InDelta(t, 30.0, s.baselineCPU, 0.001)
	assert.Equal(t, 5, probe.cpuCalls)
}

func TestGeoAnomalySkipsTrustedAndLoopback(t *testing.T) {
	probe := &fakeProbe{
		cpu: []float64{5},
		conns: []Connection{
			{RemoteIP: "8.8.8.8", RemotePort: 53},
			{RemoteIP: "127.0.0.1", RemotePort: 6379},
			{RemoteIP: "185.220.101.1", RemotePort: 4444, LocalPort: 51234, PID: 777},
		},
	}
	geo := &fakeGeo{countries: map[string]string{"185.220.101.1": "Russia"}}
	s := newSensor(t, probe, geo)

	a, err := s.detectGeo(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, KindGeo, a.Kind)
	assert.Equal(t, "critical", a.Severity)
	assert.Equal(t, "185.220.101.1", a.TargetIP)
	assert.Equal(t, "Russia", a.Country)
	assert.Equal(t, int32(777), a.Details["pid"])

	// Only the suspicious address was ever resolved.
	assert.Equal(t, []string{"185.220.101.1"}, geo.lookups)
}

func TestGeoAnomalyIgnoresBenignCountries(t *testing.T) {
	probe := &fakeProbe{
		cpu:   []float64{5},
		conns: []Connection{{RemoteIP: "93.184.216.34", RemotePort: 443}},
	}
	geo := &fakeGeo{countries: map[string]string{"93.184.216.34": "United States"}}
	s := newSensor(t, probe, geo)

	a, err := s.detectGeo(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestProcessAnomalyFindsShellUnderWebServer(t *testing.T) {
	probe := &fakeProbe{
		cpu: []float64{5},
		procs: []Process{
			{PID: 100, Name: "systemd"},
			{PID: 200, Name: "node", Cmdline: "node server.js", Children: []Process{
				{PID: 201, Name: "node"},
				{PID: 202, Name: "bash"},
			}},
		},
	}
	s := newSensor(t, probe, &fakeGeo{})

	a, err := s.detectProcess(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, KindProcess, a.Kind)
	assert.Equal(t, "node -> bash", a.ProcessName)
	assert.Equal(t, int32(202), a.Details["child_pid"])
}

func TestProcessAnomalyWalksNestedDescendants(t *testing.T) {
	probe := &fakeProbe{
		cpu: []float64{5},
		procs: []Process{
			{PID: 300, Name: "python3", Children: []Process{
				{PID: 301, Name: "python3", Children: []Process{
					{PID: 302, Name: "sh"},
				}},
			}},
		},
	}
	s := newSensor(t, probe, &fakeGeo{})

	a, err := s.detectProcess(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "python3 -> sh", a.ProcessName)
}

func TestResourceAnomalyNeedsBothThresholds(t *testing.T) {
	// Baseline 10%: 92% clears both 90% and baseline+40.
	probe := &fakeProbe{
		cpu: []float64{10, 10, 10, 10, 10, 92},
		mem: 60,
		procs: []Process{
			{PID: 1, Name: "init", CPUPercent: 0.1},
			{PID: 666, Name: "xmrig", CPUPercent: 91.5},
		},
	}
	s := newSensor(t, probe, &fakeGeo{})

	a, err := s.detectResource(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, KindResource, a.Kind)
	assert.Equal(t, "high", a.Severity)
	assert.Equal(t, "xmrig", a.ProcessName)
}

func TestResourceAnomalySpikeOverHighBaselineIgnored(t *testing.T) {
	// Baseline 60%: 92% exceeds 90% but not baseline+40.
	probe := &fakeProbe{cpu: []float64{60, 60, 60, 60, 60, 92}}
	s := newSensor(t, probe, &fakeGeo{})

	a, err := s.detectResource(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a)
}

type controlPlane struct {
	alerts   []map[string]any
	events   []statusEvent
	eventSeq int
}

func newControlPlane() *controlPlane {
	return &controlPlane{}
}

func (cp *controlPlane) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /guard/alert", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		cp.alerts = append(cp.alerts, payload)
		cp.eventSeq++
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"event_id": fmt.Sprintf("ev-%d", cp.eventSeq),
		})
	})
	mux.HandleFunc("GET /guard/status/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"events": cp.events})
	})
	return mux
}

type recordingBlocker struct {
	blocked []string
}

func (b *recordingBlocker) Block(_ context.Context, ip string) error {
	b.blocked = append(b.blocked, ip)
	return nil
}

func newSwitch(t *testing.T, cp *controlPlane, blocker Blocker) *DeadManSwitch {
	t.Helper()
	srv := httptest.NewServer(cp.handler())
	t.Cleanup(srv.Close)
	return NewDeadManSwitch(srv.URL, "sk_live_test", uuid.New(),
		"web-01", "linux", blocker, discardLogger())
}

func TestSendAlertTracksEvent(t *testing.T) {
	cp := newControlPlane()
	d := newSwitch(t, cp, &recordingBlocker{})

	id, err := d.SendAlert(context.Background(), Anomaly{
		Kind: KindGeo, Severity: "critical", TargetIP: "185.220.101.1", Country: "Russia",
	})
	require.NoError(t, err)
	assert.Equal(t, "ev-1", id)
	assert.Equal(t, 1, d.ActiveEvents())

	require.Len(t, cp.alerts, 1)
	assert.Equal(t, "geo", cp.alerts[0]["anomaly_type"])
	assert.Equal(t, "web-01", cp.alerts[0]["hostname"])
}

func TestCheckOverridesExecutesBlock(t *testing.T) {
	cp := newControlPlane()
	blocker := &recordingBlocker{}
	d := newSwitch(t, cp, blocker)

	id, err := d.SendAlert(context.Background(), Anomaly{
		Kind: KindGeo, Severity: "critical", TargetIP: "185.220.101.1",
	})
	require.NoError(t, err)

	cp.events = []statusEvent{{
		EventID: id, State: "auto_blocked", ShouldBlock: true, OperatorResponse: "none",
	}}
	require.NoError(t, d.CheckOverrides(context.Background()))

	assert.Equal(t, []string{"185.220.101.1"}, blocker.blocked)
	assert.Equal(t, 0, d.ActiveEvents())
}

func TestCheckOverridesSafeDiscardsWithoutBlocking(t *testing.T) {
	cp := newControlPlane()
	blocker := &recordingBlocker{}
	d := newSwitch(t, cp, blocker)

	id, err := d.SendAlert(context.Background(), Anomaly{
		Kind: KindGeo, Severity: "critical", TargetIP: "185.220.101.1",
	})
	require.NoError(t, err)

	cp.events = []statusEvent{{EventID: id, State: "safe", OperatorResponse: "safe"}}
	require.NoError(t, d.CheckOverrides(context.Background()))

	assert.Empty(t, blocker.blocked)
	assert.Equal(t, 0, d.ActiveEvents())
}

func TestCheckOverridesIgnoresUnknownEvents(t *testing.T) {
	cp := newControlPlane()
	blocker := &recordingBlocker{}
	d := newSwitch(t, cp, blocker)

	cp.events = []statusEvent{{EventID: "ev-999", ShouldBlock: true}}
	require.NoError(t, d.CheckOverrides(context.Background()))
	assert.Empty(t, blocker.blocked)
}

func TestExpiredEventsGarbageCollected(t *testing.T) {
	cp := newControlPlane()
	d := newSwitch(t, cp, &recordingBlocker{})

	now := time.Now()
	d.now = func() time.Time { return now }

	_, err := d.SendAlert(context.Background(), Anomaly{Kind: KindProcess, Severity: "critical"})
	require.NoError(t, err)
	require.Equal(t, 1, d.ActiveEvents())

	now = now.Add(301 * time.Second)
	require.NoError(t, d.CheckOverrides(context.Background()))
	assert.Equal(t, 0, d.ActiveEvents())
}

func TestIPTablesBlockerRuleShape(t *testing.T) {
	b := NewIPTablesBlocker()
	var calls [][]string
	b.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return nil, nil
	}

	require.NoError(t, b.Block(context.Background(), "185.220.101.1"))
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"iptables", "-A", "INPUT", "-s", "185.220.101.1", "-j", "DROP"}, calls[0])
	assert.Equal(t, []string{"iptables", "-A", "OUTPUT", "-d", "185.220.101.1", "-j", "DROP"}, calls[1])
}
