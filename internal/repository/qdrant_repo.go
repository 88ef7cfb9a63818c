package repository

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/timmy/photoloom/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ErrCollectionNotFound is returned when a collection does not exist.
var ErrCollectionNotFound = errors.New("collection not found")

const (
	defaultVectorDimension = 512
	defaultMaxMessageBytes = 32 * 1024 * 1024
)

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host            string
	Port            int
	APIKey          string // Qdrant Cloud API Key (enables TLS automatically)
	UseTLS          bool   // Explicitly enable TLS without API Key
	VectorDimension int
	MaxMessageBytes int // gRPC send/receive limit
}

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository handles vector operations with Qdrant. The underlying gRPC
// connection is safe for concurrent use by every DB worker.
type QdrantRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	vectorDimension int
}

// NewQdrantRepository creates a new QdrantRepository.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key).
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	vectorDimension := cfg.VectorDimension
	if vectorDimension <= 0 {
		vectorDimension = defaultVectorDimension
	}
	maxMsg := cfg.MaxMessageBytes
	if maxMsg <= 0 {
		maxMsg = defaultMaxMessageBytes
	}

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(maxMsg),
			grpc.MaxCallRecvMsgSize(maxMsg),
		),
	}

	// TLS is enabled if: APIKey is set OR UseTLS is explicitly true
	if cfg.UseTLS || cfg.APIKey != "" {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantRepository{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		vectorDimension: vectorDimension,
	}, nil
}

// Ping checks that the Qdrant server answers.
func (r *QdrantRepository) Ping(ctx context.Context) error {
	if _, err := pb.NewQdrantClient(r.conn).HealthCheck(ctx, &pb.HealthCheckRequest{}); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Close closes the gRPC connection
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist and verifies the
// vector size if it does.
func (r *QdrantRepository) EnsureCollection(ctx context.Context, collection string) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: collection,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok && size != uint64(r.vectorDimension) {
			return fmt.Errorf("collection %s has vector size %d, expected %d", collection, size, r.vectorDimension)
		}
		return nil
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, err)
	}
	return nil
}

// DeleteCollection drops a collection and all of its points.
func (r *QdrantRepository) DeleteCollection(ctx context.Context, collection string) error {
	if _, err := r.collectClient.Delete(ctx, &pb.DeleteCollection{CollectionName: collection}); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", collection, err)
	}
	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	vectors := info.GetConfig().GetParams().GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil && single.GetSize() > 0 {
		return single.GetSize(), true
	}
	for _, params := range vectors.GetParamsMap().GetMap() {
		if size := params.GetSize(); size > 0 {
			return size, true
		}
	}
	return 0, false
}

// UpsertBatch writes a batch of records in a single request and waits for it to be applied.
func (r *QdrantRepository) UpsertBatch(ctx context.Context, collection string, records []domain.StorageRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, 0, len(records))
	for _, rec := range records {
		id, err := pointID(rec.PointID)
		if err != nil {
			return err
		}
		payload, err := payloadToValues(rec.Payload)
		if err != nil {
			return fmt.Errorf("point %s: %w", rec.PointID, err)
		}
		points = append(points, &pb.PointStruct{
			Id: id,
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: rec.Vector},
				},
			},
			Payload: payload,
		})
	}

	wait := true
	_, err := r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert %d points: %w", len(points), err)
	}
	return nil
}

// ExistingIDs returns the subset of ids already stored in the collection.
func (r *QdrantRepository) ExistingIDs(ctx context.Context, collection string, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}

	pointIDs := make([]*pb.PointId, 0, len(ids))
	for _, id := range ids {
		pid, err := pointID(id)
		if err != nil {
			return nil, err
		}
		pointIDs = append(pointIDs, pid)
	}

	resp, err := r.pointsClient.Get(ctx, &pb.GetPoints{
		CollectionName: collection,
		Ids:            pointIDs,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: false}},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: false}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve points: %w", err)
	}

	for _, p := range resp.GetResult() {
		existing[p.GetId().GetUuid()] = true
	}
	return existing, nil
}

// Count returns the exact number of points in a collection.
func (r *QdrantRepository) Count(ctx context.Context, collection string) (uint64, error) {
	exact := true
	resp, err := r.pointsClient.Count(ctx, &pb.CountPoints{
		CollectionName: collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, notFound(collection, fmt.Errorf("failed to count points: %w", err))
	}
	return resp.GetResult().GetCount(), nil
}

// ScrolledPoint is one point returned by Scroll.
type ScrolledPoint struct {
	ID      string              `json:"id"`
	Payload domain.PhotoPayload `json:"payload"`
}

// Scroll pages through a collection's points without vectors. An empty offset
// starts from the beginning; the returned offset is empty on the last page.
func (r *QdrantRepository) Scroll(ctx context.Context, collection, offset string, limit uint32) ([]ScrolledPoint, string, error) {
	req := &pb.ScrollPoints{
		CollectionName: collection,
		Limit:          &limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: false}},
	}
	if offset != "" {
		pid, err := pointID(offset)
		if err != nil {
			return nil, "", err
		}
		req.Offset = pid
	}

	resp, err := r.pointsClient.Scroll(ctx, req)
	if err != nil {
		return nil, "", notFound(collection, fmt.Errorf("failed to scroll %s: %w", collection, err))
	}

	points := make([]ScrolledPoint, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		payload, err := valuesToPayload(p.GetPayload())
		if err != nil {
			return nil, "", err
		}
		points = append(points, ScrolledPoint{ID: p.GetId().GetUuid(), Payload: payload})
	}

	return points, resp.GetNextPageOffset().GetUuid(), nil
}

// notFound maps a gRPC NotFound status to ErrCollectionNotFound.
func notFound(collection string, err error) error {
	if status.Code(errors.Unwrap(err)) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return err
}

func pointID(id string) (*pb.PointId, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid point ID %q: %w", id, err)
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()}}, nil
}

// payloadToValues converts a payload to Qdrant values through its JSON form so
// the stored keys always match the json tags.
func payloadToValues(p domain.PhotoPayload) (map[string]*pb.Value, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	out := make(map[string]*pb.Value, len(fields))
	for k, v := range fields {
		out[k] = toValue(v)
	}
	return out, nil
}

func toValue(v interface{}) *pb.Value {
	switch t := v.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{NullValue: pb.NullValue_NULL_VALUE}}
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: t}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: t}}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: i}}
		}
		f, _ := t.Float64()
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: f}}
	case []interface{}:
		values := make([]*pb.Value, len(t))
		for i, item := range t {
			values[i] = toValue(item)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: values}}}
	case map[string]interface{}:
		fields := make(map[string]*pb.Value, len(t))
		for k, item := range t {
			fields[k] = toValue(item)
		}
		return &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: fields}}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(t)}}
	}
}

func fromValue(v *pb.Value) interface{} {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_ListValue:
		items := make([]interface{}, len(k.ListValue.GetValues()))
		for i, item := range k.ListValue.GetValues() {
			items[i] = fromValue(item)
		}
		return items
	case *pb.Value_StructValue:
		fields := make(map[string]interface{}, len(k.StructValue.GetFields()))
		for key, item := range k.StructValue.GetFields() {
			fields[key] = fromValue(item)
		}
		return fields
	default:
		return nil
	}
}

func valuesToPayload(values map[string]*pb.Value) (domain.PhotoPayload, error) {
	var p domain.PhotoPayload
	if len(values) == 0 {
		return p, nil
	}
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = fromValue(v)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return p, fmt.Errorf("failed to encode stored payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("failed to decode stored payload: %w", err)
	}
	return p, nil
}
