package bulk

import "context"

// ResourceType and TransportOperationType mirror the wire-level request
// classification the transport collaborator expects, per spec.md §6.
type ResourceType int

const (
	ResourceTypeDocument ResourceType = iota
)

type TransportOperationType int

const (
	TransportOperationBatch TransportOperationType = iota
)

// RequestEnricher mutates an outgoing request's headers before it is
// sent. The dispatcher uses this to set the partition-key-range-id
// header and the two batch headers from spec.md §6.
type RequestEnricher func(headers map[string]string)

// BatchResponse is the server's reply to a batch request, returned
// already parsed by the Transport collaborator; the dispatcher only
// checks its result count and distributes its results.
type BatchResponse struct {
	StatusCode    int
	RequestCharge float64
	Results       []OperationResult
}

// Transport is the external collaborator that actually performs the
// RPC. This engine only ever issues batch requests through it; request
// signing, connection pooling, and the wire protocol itself are outside
// THE CORE (spec.md §1).
type Transport interface {
	ProcessBatchOperation(ctx context.Context, req BatchRequest) (*BatchResponse, error)
}

// BatchRequest is everything the dispatcher hands to the transport for
// one sealed batch.
type BatchRequest struct {
	TargetLink   string
	ResourceType ResourceType
	OpType       TransportOperationType
	RangeID      string
	Body         []byte
	Enrich       RequestEnricher
}

// PartitionKeyDefinition and RoutingMap are opaque to this engine; it
// only ever passes them to RoutingResolver.RangeID.
type PartitionKeyDefinition interface{}
type RoutingMap interface{}

// RoutingResolver is the external collaborator that maps a partition
// key to a partition range id, and that refreshes its routing map when
// told a range is stale. It bundles getPartitionKeyDefinition,
// getRoutingMap, getNonePartitionKeyValue, and the pure rangeIdOf
// helper from spec.md §6 into one interface this engine depends on.
type RoutingResolver interface {
	PartitionKeyDefinition(ctx context.Context) (PartitionKeyDefinition, error)
	RoutingMap(ctx context.Context, forceRefresh bool) (RoutingMap, error)
	NonePartitionKeyValue(ctx context.Context) (string, error)
	RangeID(pk PartitionKey, def PartitionKeyDefinition, rm RoutingMap) (string, error)
	TargetLink() string
}
