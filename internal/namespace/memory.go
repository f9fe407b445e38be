package namespace

import (
	"context"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-subscriptions/internal/manager"
	"github.com/nexus-edge/opcua-subscriptions/internal/monitoreditem"
)

// node is a single demo address-space entry: a numeric value that
// MemoryNamespace samples on a fixed tick and feeds to every MonitoredItem
// registered against it.
type node struct {
	mu      sync.Mutex
	value   float64
	euRange *monitoreditem.EURange
}

type samplingHandle struct {
	nodeKey  string
	stop     chan struct{}
}

// MemoryNamespace is a minimal in-process address space used by the cmd/
// demo entrypoint and by tests: a fixed set of numeric nodes whose values
// increment on a timer, with no real EventFilter evaluation (EventItems are
// accepted but never fire).
type MemoryNamespace struct {
	mu    sync.Mutex
	nodes map[string]*node

	logger zerolog.Logger
}

// NewMemoryNamespace seeds count demo nodes under namespace index 1.
func NewMemoryNamespace(count int, logger zerolog.Logger) *MemoryNamespace {
	ns := &MemoryNamespace{
		nodes:  make(map[string]*node),
		logger: logger.With().Str("component", "memory_namespace").Logger(),
	}
	for i := 0; i < count; i++ {
		key := nodeKey(ua.NewNumericNodeID(1, uint32(1000+i)))
		ns.nodes[key] = &node{euRange: &monitoreditem.EURange{Low: 0, High: 1000}}
	}
	return ns
}

func nodeKey(id *ua.NodeID) string { return id.String() }

func (m *MemoryNamespace) ValidateNode(ctx context.Context, nodeID *ua.NodeID, attributeID uint32) (*monitoreditem.EURange, ua.StatusCode) {
	if attributeID != ua.AttributeIDValue {
		return nil, ua.StatusBadAttributeIDInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeKey(nodeID)]
	if !ok {
		return nil, ua.StatusBadNodeIDUnknown
	}
	return n.euRange, ua.StatusOK
}

func (m *MemoryNamespace) ReviseSamplingInterval(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, requested float64) (float64, ua.StatusCode) {
	if requested < 100 {
		requested = 100
	}
	return requested, ua.StatusOK
}

func (m *MemoryNamespace) StartSampling(ctx context.Context, nodeID *ua.NodeID, attributeID uint32, samplingInterval float64, item monitoreditem.MonitoredItem) (manager.SamplingHandle, ua.StatusCode) {
	m.mu.Lock()
	n, ok := m.nodes[nodeKey(nodeID)]
	m.mu.Unlock()
	if !ok {
		return nil, ua.StatusBadNodeIDUnknown
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(samplingInterval) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n.mu.Lock()
				n.value++
				v := n.value
				n.mu.Unlock()
				item.EnqueueData(&ua.DataValue{
					Value:           ua.MustVariant(v),
					Status:          ua.StatusOK,
					SourceTimestamp: time.Now(),
				})
			}
		}
	}()

	return &samplingHandle{nodeKey: nodeKey(nodeID), stop: stop}, ua.StatusOK
}

func (m *MemoryNamespace) StopSampling(ctx context.Context, handle manager.SamplingHandle) {
	h, ok := handle.(*samplingHandle)
	if !ok {
		return
	}
	close(h.stop)
}

func (m *MemoryNamespace) OnMonitoringModeChanged(ctx context.Context, itemIDs []uint32, mode ua.MonitoringMode) {
	m.logger.Debug().Int("items", len(itemIDs)).Str("mode", mode.String()).Msg("monitoring mode changed")
}

// NodeIDs returns the demo node ids, for the cmd/ entrypoint to build
// CreateMonitoredItems requests against.
func (m *MemoryNamespace) NodeIDs() []*ua.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ua.NodeID, 0, len(m.nodes))
	for i := 0; i < len(m.nodes); i++ {
		out = append(out, ua.NewNumericNodeID(1, uint32(1000+i)))
	}
	return out
}
