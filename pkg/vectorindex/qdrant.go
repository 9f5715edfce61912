package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/milkymap/pulsar-mcp/pkg/pkgerrors"
)

// QdrantStore implements Store against a Qdrant server, following the
// collection/upsert/query_points/scroll/delete shape of the Python
// prototype's AsyncQdrantClient usage, ported to the Go gRPC client.
type QdrantStore struct {
	client         *qdrant.Client
	collectionName string
}

// NewQdrantStore dials a Qdrant instance at addr (host:port gRPC) and
// returns a Store for collectionName.
func NewQdrantStore(addr, collectionName string) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: addr})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant at %q: %w: %w", addr, err, pkgerrors.ErrStorage)
	}
	return &QdrantStore{client: client, collectionName: collectionName}, nil
}

// EnsureCollection creates the collection with the given dimensionality and
// cosine distance if it does not already exist.
func (q *QdrantStore) EnsureCollection(ctx context.Context, dimensions int) error {
	exists, err := q.client.CollectionExists(ctx, q.collectionName)
	if err != nil {
		return fmt.Errorf("checking collection %q: %w: %w", q.collectionName, err, pkgerrors.ErrStorage)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimensions), //nolint:gosec // dimensions is a small positive config value
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %q: %w: %w", q.collectionName, err, pkgerrors.ErrStorage)
	}
	return nil
}

// Upsert writes or replaces the point with the given id.
func (q *QdrantStore) Upsert(ctx context.Context, id string, vector []float32, payload Payload) error {
	p, err := payloadToQdrant(payload)
	if err != nil {
		return err
	}

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(id),
				Vectors: qdrant.NewVectors(vector...),
				Payload: p,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upserting point %q in %q: %w: %w", id, q.collectionName, err, pkgerrors.ErrStorage)
	}
	return nil
}

// Get returns the single point with the given id.
func (q *QdrantStore) Get(ctx context.Context, id string) (*Record, error) {
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collectionName,
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
		WithVectors:    qdrant.NewWithVectors(true),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting point %q in %q: %w: %w", id, q.collectionName, err, pkgerrors.ErrStorage)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("point %q: %w", id, pkgerrors.ErrNotFound)
	}
	return retrievedToRecord(points[0])
}

// Search returns up to topK records ordered by descending similarity to
// vector, restricted by filter.
func (q *QdrantStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Record, error) {
	limit := uint64(topK) //nolint:gosec // topK is bounded to <= 50 by the router before reaching here

	resp, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Filter:         buildFilter(filter),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w: %w", q.collectionName, err, pkgerrors.ErrStorage)
	}

	records := make([]Record, 0, len(resp))
	for _, point := range resp {
		rec, err := scoredToRecord(point)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Scroll returns every record matching filter, paging through the
// collection until Qdrant reports no further offset.
func (q *QdrantStore) Scroll(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		records []Record
		offset  *qdrant.PointId
	)

	for {
		resp, err := q.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collectionName,
			Filter:         buildFilter(filter),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scrolling %q: %w: %w", q.collectionName, err, pkgerrors.ErrStorage)
		}

		for _, point := range resp.GetResult() {
			rec, err := retrievedToRecord(point)
			if err != nil {
				return nil, err
			}
			records = append(records, *rec)
		}

		next := resp.GetNextPageOffset()
		if next == nil {
			break
		}
		offset = next
	}
	return records, nil
}

// DeleteByServer removes every tool and server record for serverName.
func (q *QdrantStore) DeleteByServer(ctx context.Context, serverName string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{matchServerName(serverName)},
		}),
	})
	if err != nil {
		return fmt.Errorf("deleting server %q from %q: %w: %w", serverName, q.collectionName, err, pkgerrors.ErrStorage)
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (q *QdrantStore) Close() error {
	return q.client.Close()
}

func matchServerName(serverName string) *qdrant.Condition {
	return qdrant.NewMatch("server_name", serverName)
}

func buildFilter(filter Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if filter.ServerName != nil {
		must = append(must, matchServerName(*filter.ServerName))
	}
	if filter.RecordType != nil {
		must = append(must, qdrant.NewMatch("record_type", string(*filter.RecordType)))
	}
	if filter.Blocked != nil {
		must = append(must, qdrant.NewMatchBool("blocked", *filter.Blocked))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func payloadToQdrant(p Payload) (map[string]*qdrant.Value, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w: %w", err, pkgerrors.ErrInternal)
	}

	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("decoding payload: %w: %w", err, pkgerrors.ErrInternal)
	}
	return qdrant.NewValueMap(asMap), nil
}

func valueAsInterface(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_NullValue:
		return nil
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_StructValue:
		fields := kind.StructValue.GetFields()
		asMap := make(map[string]any, len(fields))
		for k, fv := range fields {
			asMap[k] = valueAsInterface(fv)
		}
		return asMap
	case *qdrant.Value_ListValue:
		values := kind.ListValue.GetValues()
		asList := make([]any, len(values))
		for i, lv := range values {
			asList[i] = valueAsInterface(lv)
		}
		return asList
	default:
		return nil
	}
}

func payloadFromQdrant(raw map[string]*qdrant.Value) (Payload, error) {
	plain := make(map[string]any, len(raw))
	for k, v := range raw {
		plain[k] = valueAsInterface(v)
	}

	encoded, err := json.Marshal(plain)
	if err != nil {
		return Payload{}, fmt.Errorf("re-encoding payload: %w: %w", err, pkgerrors.ErrInternal)
	}

	var payload Payload
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return Payload{}, fmt.Errorf("decoding payload: %w: %w", err, pkgerrors.ErrInternal)
	}
	return payload, nil
}

func retrievedToRecord(p *qdrant.RetrievedPoint) (*Record, error) {
	payload, err := payloadFromQdrant(p.GetPayload())
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:      pointIDString(p.GetId()),
		Vector:  p.GetVectors().GetVector().GetData(),
		Payload: payload,
	}, nil
}

func scoredToRecord(p *qdrant.ScoredPoint) (*Record, error) {
	payload, err := payloadFromQdrant(p.GetPayload())
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:      pointIDString(p.GetId()),
		Vector:  p.GetVectors().GetVector().GetData(),
		Payload: payload,
		Score:   float64(p.GetScore()),
	}, nil
}

func pointIDString(id *qdrant.PointId) string {
	if uid := id.GetUuid(); uid != "" {
		return uid
	}
	return fmt.Sprintf("%d", id.GetNum())
}
