package protocol

import "time"

// Payload is a tagged union with exactly one variant set, selected by the
// envelope's Type. Handlers switch on the type and read the matching variant,
// so an envelope whose payload disagrees with its type fails Validate.
type Payload struct {
	Discovery      *DiscoveryPayload      `json:"discovery,omitempty"`
	Heartbeat      *HeartbeatPayload      `json:"heartbeat,omitempty"`
	SyncRequest    *SyncRequestPayload    `json:"sync_request,omitempty"`
	SyncResponse   *SyncResponsePayload   `json:"sync_response,omitempty"`
	RouteUpdate    *RouteUpdatePayload    `json:"route_update,omitempty"`
	TopologyUpdate *TopologyUpdatePayload `json:"topology_update,omitempty"`
	DataForward    *DataForwardPayload    `json:"data_forward,omitempty"`
	Error          *ErrorPayload          `json:"error,omitempty"`
}

func (p Payload) matches(t MessageType) bool {
	switch t {
	case TypeDiscovery:
		return p.Discovery != nil
	case TypeHeartbeat:
		return p.Heartbeat != nil
	case TypeSyncRequest:
		return p.SyncRequest != nil
	case TypeSyncResponse:
		return p.SyncResponse != nil
	case TypeRouteUpdate:
		return p.RouteUpdate != nil
	case TypeTopologyUpdate:
		return p.TopologyUpdate != nil
	case TypeDataForward:
		return p.DataForward != nil
	case TypeError:
		return p.Error != nil
	default:
		return false
	}
}

// DiscoveryPayload announces a node and doubles as the discovery reply.
type DiscoveryPayload struct {
	NodeID         string   `json:"node_id"`
	Address        string   `json:"address"`
	Capabilities   []string `json:"capabilities,omitempty"`
	BatteryLevel   *float64 `json:"battery_level,omitempty"`
	SignalStrength *int     `json:"signal_strength,omitempty"`
	IsGateway      bool     `json:"is_gateway,omitempty"`
}

// HeartbeatPayload refreshes a peer's liveness and telemetry.
type HeartbeatPayload struct {
	NodeID         string   `json:"node_id"`
	BatteryLevel   *float64 `json:"battery_level,omitempty"`
	SignalStrength *int     `json:"signal_strength,omitempty"`
	HopCount       int      `json:"hop_count"`
	ChildCount     int      `json:"child_count"`
}

// Sync request actions.
const ActionConnect = "connect"

// SyncRequestPayload asks a prospective parent to adopt the sender.
type SyncRequestPayload struct {
	Action       string   `json:"action"`
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Sync response statuses and reject reasons.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"

	ReasonCapacity = "capacity"
)

// SyncResponsePayload answers a SyncRequest. RequestID carries the id of the
// request envelope so the sender can resolve its pending call.
type SyncResponsePayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	HopCount  int    `json:"hop_count"`
}

// RouteEntry is the wire form of one route table row.
type RouteEntry struct {
	Destination string    `json:"destination"`
	NextHop     string    `json:"next_hop"`
	HopCount    int       `json:"hop_count"`
	Cost        float64   `json:"cost"`
	LastUpdated time.Time `json:"last_updated"`
	Active      bool      `json:"active"`
}

// RouteUpdatePayload shares computed routes with neighbors.
type RouteUpdatePayload struct {
	Routes []RouteEntry `json:"routes"`
}

// TopologyUpdatePayload advertises the sender's position in the tree.
type TopologyUpdatePayload struct {
	NodeID    string   `json:"node_id"`
	ParentID  string   `json:"parent_id,omitempty"`
	HopCount  int      `json:"hop_count"`
	Children  []string `json:"children,omitempty"`
	IsGateway bool     `json:"is_gateway"`
}

// Data payload kinds carried by DataForward.
const (
	DataKindSensor  = "sensor"
	DataKindCommand = "command"
	DataKindStatus  = "status"
)

// DataPayload is the application datum relayed hop by hop.
type DataPayload struct {
	Kind      string            `json:"kind"`
	SensorID  string            `json:"sensor_id,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Command   string            `json:"command,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Status    string            `json:"status,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
}

// DataForwardPayload routes a datum toward Destination. The envelope DestID
// is the next hop; Destination stays fixed end to end.
type DataForwardPayload struct {
	Destination    string      `json:"destination"`
	OriginalSource string      `json:"original_source"`
	Data           DataPayload `json:"data"`
}

// ErrorPayload reports a remote failure; informational only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
