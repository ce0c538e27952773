package metrics

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hitchhikinghq/collector/pkg/types"
)

// Store maintains in-memory gauges and counters for one collector process.
type Store struct {
	discoveryRecords   atomic.Int64
	discoveryStatus    atomic.Value
	tracedDestinations atomic.Int64
	excludedTraces     atomic.Int64
	groups             atomic.Int64
	roundsLaunched     atomic.Uint64
	launchFailures     atomic.Uint64
	roundOutcomes      sync.Map // types.Status -> *atomic.Uint64
	rowsByClass        sync.Map // types.HopClass -> *atomic.Uint64
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	store := &Store{}
	store.discoveryStatus.Store(types.Status(""))
	return store
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	DiscoveryRecords   int64
	DiscoveryStatus    types.Status
	TracedDestinations int64
	ExcludedTraces     int64
	Groups             int64
	RoundsLaunched     uint64
	LaunchFailures     uint64
	RoundOutcomes      map[types.Status]uint64
	Rows               map[types.HopClass]uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	status, _ := s.discoveryStatus.Load().(types.Status)
	snap := Snapshot{
		DiscoveryRecords:   s.discoveryRecords.Load(),
		DiscoveryStatus:    status,
		TracedDestinations: s.tracedDestinations.Load(),
		ExcludedTraces:     s.excludedTraces.Load(),
		Groups:             s.groups.Load(),
		RoundsLaunched:     s.roundsLaunched.Load(),
		LaunchFailures:     s.launchFailures.Load(),
		RoundOutcomes:      make(map[types.Status]uint64),
		Rows:               make(map[types.HopClass]uint64),
	}
	s.roundOutcomes.Range(func(key, value any) bool {
		if st, ok := key.(types.Status); ok {
			snap.RoundOutcomes[st] = value.(*atomic.Uint64).Load()
		}
		return true
	})
	s.rowsByClass.Range(func(key, value any) bool {
		if class, ok := key.(types.HopClass); ok {
			snap.Rows[class] = value.(*atomic.Uint64).Load()
		}
		return true
	})
	return snap
}

// ProbeRecorder returns an implementation of ProbeRecorder backed by the store.
func (s *Store) ProbeRecorder() ProbeRecorder {
	return probeRecorder{store: s}
}

// PipelineRecorder returns an implementation of PipelineRecorder backed by the store.
func (s *Store) PipelineRecorder() PipelineRecorder {
	return pipelineRecorder{store: s}
}

type probeRecorder struct {
	store *Store
}

func (r probeRecorder) IncRoundsLaunched() {
	r.store.roundsLaunched.Add(1)
}

func (r probeRecorder) IncLaunchFailures() {
	r.store.launchFailures.Add(1)
}

func (r probeRecorder) ObserveRound(status types.Status) {
	counter(&r.store.roundOutcomes, status).Add(1)
}

func (r probeRecorder) AddRows(class types.HopClass, rows int) {
	if rows <= 0 {
		return
	}
	counter(&r.store.rowsByClass, class).Add(uint64(rows))
}

type pipelineRecorder struct {
	store *Store
}

func (r pipelineRecorder) ObserveDiscovery(records int, status types.Status) {
	r.store.discoveryRecords.Store(int64(records))
	r.store.discoveryStatus.Store(status)
}

func (r pipelineRecorder) ObserveTrace(traced, excluded int) {
	r.store.tracedDestinations.Store(int64(traced))
	r.store.excludedTraces.Store(int64(excluded))
}

func (r pipelineRecorder) ObserveGroups(groups int) {
	r.store.groups.Store(int64(groups))
}

func counter(m *sync.Map, key any) *atomic.Uint64 {
	if value, ok := m.Load(key); ok {
		return value.(*atomic.Uint64)
	}
	actual, _ := m.LoadOrStore(key, &atomic.Uint64{})
	return actual.(*atomic.Uint64)
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	status := string(snap.DiscoveryStatus)
	if status == "" {
		status = "unknown"
	}
	lines := []string{
		"# HELP hitchhiking_discovery_records_number Endpoint records returned by the last discovery.",
		"# TYPE hitchhiking_discovery_records_number gauge",
		fmt.Sprintf("hitchhiking_discovery_records_number %d", snap.DiscoveryRecords),
		"# HELP hitchhiking_discovery_status_info Outcome of the last discovery.",
		"# TYPE hitchhiking_discovery_status_info gauge",
		fmt.Sprintf("hitchhiking_discovery_status_info{status=%q} 1", status),
		"# HELP hitchhiking_traced_destinations_number Destinations with a resolved second-to-last hop.",
		"# TYPE hitchhiking_traced_destinations_number gauge",
		fmt.Sprintf("hitchhiking_traced_destinations_number %d", snap.TracedDestinations),
		"# HELP hitchhiking_excluded_traces_number Traces dropped for having fewer than two hops.",
		"# TYPE hitchhiking_excluded_traces_number gauge",
		fmt.Sprintf("hitchhiking_excluded_traces_number %d", snap.ExcludedTraces),
		"# HELP hitchhiking_hop_groups_number Hop groups scheduled in the last batch.",
		"# TYPE hitchhiking_hop_groups_number gauge",
		fmt.Sprintf("hitchhiking_hop_groups_number %d", snap.Groups),
		"# HELP hitchhiking_rounds_launched_total Probe rounds whose process started.",
		"# TYPE hitchhiking_rounds_launched_total counter",
		fmt.Sprintf("hitchhiking_rounds_launched_total %d", snap.RoundsLaunched),
		"# HELP hitchhiking_round_launch_failures_total Probe rounds whose process could not start.",
		"# TYPE hitchhiking_round_launch_failures_total counter",
		fmt.Sprintf("hitchhiking_round_launch_failures_total %d", snap.LaunchFailures),
		"# HELP hitchhiking_round_outcomes_total Probe rounds by aggregated outcome.",
		"# TYPE hitchhiking_round_outcomes_total counter",
	}
	for _, st := range []types.Status{types.StatusOK, types.StatusEmpty, types.StatusFatal} {
		lines = append(lines, fmt.Sprintf("hitchhiking_round_outcomes_total{status=%q} %d", st, snap.RoundOutcomes[st]))
	}
	lines = append(lines,
		"# HELP hitchhiking_ping_rows_total Ping rows exported by hop class.",
		"# TYPE hitchhiking_ping_rows_total counter",
	)
	classes := []string{string(types.LastHop), string(types.SecondLastHop)}
	for class := range snap.Rows {
		if class != types.LastHop && class != types.SecondLastHop {
			classes = append(classes, string(class))
		}
	}
	sort.Strings(classes)
	for _, class := range classes {
		lines = append(lines, fmt.Sprintf("hitchhiking_ping_rows_total{class=%q} %d", class, snap.Rows[types.HopClass(class)]))
	}
	lines = append(lines, "")
	_, err := io.WriteString(w, strings.Join(lines, "\n"))
	return err
}

// WriteTextfile atomically replaces path with the Prometheus rendering, for
// pickup by a node exporter textfile collector.
func (s *Store) WriteTextfile(path string) error {
	var sb strings.Builder
	if err := s.WritePrometheus(&sb); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ensure metrics dir %q: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o640); err != nil {
		return fmt.Errorf("write temp metrics %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit metrics %q: %w", path, err)
	}
	return nil
}
