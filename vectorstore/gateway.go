// Package vectorstore implements the Vector Store Gateway (C3): schema
// management, tenant-filtered upsert/scroll/search, retry with backoff, and
// schema-drift recovery on top of an external vector database. The
// concrete backend is Qdrant, reached through its official gRPC client.
package vectorstore

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"kairos.run/kerrors"
)

const (
	maxRetries  = 4
	baseBackoff = 200 * time.Millisecond
)

// Point is one vector record as stored/retrieved, independent of the
// backend's wire representation.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// Filter carries the caller's allowed space ids alongside the other
// criteria (design note §9). mustFilter adds the space_id condition only
// when SpaceIDs is non-empty; a Filter without SpaceIDs is not scoped.
type Filter struct {
	SpaceIDs      []string
	Domain        string
	Type          string
	Task          string
	ChainID       string
	ExtraPayload  map[string]string
}

// Gateway wraps the qdrant client with the schema, retry, and tenant-
// filtering responsibilities of C3.
type Gateway struct {
	client          *qdrant.Client
	collectionName  string
	vectorDimension uint64
	defaultSpace    string
}

// Config configures a Gateway.
type Config struct {
	URL             string
	APIKey          string
	CollectionName  string
	VectorDimension int
	DefaultSpaceID  string
}

// NewGateway connects to the vector database and returns an uninitialized
// Gateway; call InitCollection before serving traffic.
func NewGateway(cfg Config) (*Gateway, error) {
	host, port := splitHostPort(cfg.URL)
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, kerrors.Wrap(kerrors.CodeStoreUnavailable, "connect to vector store", err)
	}

	return &Gateway{
		client:          client,
		collectionName:  cfg.CollectionName,
		vectorDimension: uint64(cfg.VectorDimension),
		defaultSpace:    cfg.DefaultSpaceID,
	}, nil
}

func splitHostPort(url string) (string, int) {
	// The operator-facing STORE_URL is typically "host:port"; qdrant's
	// client takes them separately.
	host := url
	port := 6334
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == ':' {
			host = url[:i]
			fmt.Sscanf(url[i+1:], "%d", &port)
			break
		}
	}
	return host, port
}

// InitCollection creates the collection if absent, recreates it if the
// vector size no longer matches the configured embedding dimension
// (operator-visible warning per §4.3.1), and ensures the payload indexes
// required for tenant-filtered queries exist.
func (g *Gateway) InitCollection(ctx context.Context) error {
	exists, err := g.client.CollectionExists(ctx, g.collectionName)
	if err != nil {
		return kerrors.Wrap(kerrors.CodeStoreUnavailable, "check collection existence", err)
	}

	if exists {
		info, err := g.client.GetCollectionInfo(ctx, g.collectionName)
		if err != nil {
			return kerrors.Wrap(kerrors.CodeStoreUnavailable, "get collection info", err)
		}
		if size := currentVectorSize(info); size != g.vectorDimension {
			// Schema drift: embedder dimension no longer matches the
			// collection. Recreate rather than silently truncate vectors.
			log.Printf("WARNING: vectorstore: collection %q has vector size %d but the embedding dimension is %d; dropping and recreating it", g.collectionName, size, g.vectorDimension)
			if err := g.client.DeleteCollection(ctx, g.collectionName); err != nil {
				return kerrors.Wrap(kerrors.CodeStoreUnavailable, "drop mismatched collection", err)
			}
			exists = false
		}
	}

	if !exists {
		if err := g.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: g.collectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     g.vectorDimension,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return kerrors.Wrap(kerrors.CodeStoreUnavailable, "create collection", err)
		}
	}

	for _, field := range []string{"space_id", "domain", "type", "task", "chain.id", "chain.step_index"} {
		_ = g.withRetry(ctx, "create field index", func() error {
			_, err := g.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: g.collectionName,
				FieldName:      field,
			})
			return err
		})
	}

	return g.backfillSpaceID(ctx)
}

func currentVectorSize(info *qdrant.CollectionInfo) uint64 {
	if info == nil || info.GetConfig() == nil {
		return 0
	}
	params := info.GetConfig().GetParams()
	if params == nil || params.GetVectorsConfig() == nil {
		return 0
	}
	if p := params.GetVectorsConfig().GetParams(); p != nil {
		return p.GetSize()
	}
	return 0
}

// backfillSpaceID scrolls the collection in pages and writes space_id onto
// any legacy record missing it, idempotently (§4.3.5).
func (g *Gateway) backfillSpaceID(ctx context.Context) error {
	var cursor *qdrant.PointId
	for {
		points, next, err := g.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: g.collectionName,
			Limit:          qdrant.PtrOf(uint32(200)),
			Offset:         cursor,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return kerrors.Wrap(kerrors.CodeStoreUnavailable, "backfill scroll", err)
		}

		for _, p := range points {
			if _, ok := p.GetPayload()["space_id"]; ok {
				continue
			}
			_, err := g.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
				CollectionName: g.collectionName,
				Payload:        map[string]*qdrant.Value{"space_id": qdrant.NewValueString(g.defaultSpace)},
				PointsSelector: qdrant.NewPointsSelectorIDs([]*qdrant.PointId{p.GetId()}),
			})
			if err != nil {
				return kerrors.Wrap(kerrors.CodeStoreUnavailable, "backfill set payload", err)
			}
		}

		if next == nil {
			break
		}
		cursor = next
	}
	return nil
}

// withRetry retries transient failures with exponential backoff up to
// maxRetries, then fails with STORE_UNAVAILABLE (§4.3.3).
func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return kerrors.Wrap(kerrors.CodeRequestTimeout, op, ctx.Err())
			case <-time.After(baseBackoff * time.Duration(1<<uint(attempt))):
			}
			continue
		}
		return nil
	}
	return kerrors.Wrap(kerrors.CodeStoreUnavailable, op, lastErr)
}

// mustFilter merges the space scope into a qdrant filter. Scroll and Search
// build their filters here; Retrieve scopes by space after the fetch
// (filterOwnedPoints), and Delete and UpdatePayload apply no space filter.
func mustFilter(f Filter) *qdrant.Filter {
	must := make([]*qdrant.Condition, 0, 6)
	if len(f.SpaceIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords("space_id", f.SpaceIDs...))
	}
	if f.Domain != "" {
		must = append(must, qdrant.NewMatch("domain", f.Domain))
	}
	if f.Type != "" {
		must = append(must, qdrant.NewMatch("type", f.Type))
	}
	if f.Task != "" {
		must = append(must, qdrant.NewMatch("task", f.Task))
	}
	if f.ChainID != "" {
		must = append(must, qdrant.NewMatch("chain.id", f.ChainID))
	}
	for k, v := range f.ExtraPayload {
		must = append(must, qdrant.NewMatch(k, v))
	}
	return &qdrant.Filter{Must: must}
}

// Upsert writes points with a single unnamed (bare) vector each. Points
// with an empty vector are skipped without error.
func (g *Gateway) Upsert(ctx context.Context, points []Point) error {
	qp := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if len(p.Vector) == 0 {
			continue
		}
		qp = append(qp, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(p.Payload),
		})
	}
	return g.withRetry(ctx, "upsert", func() error {
		_, err := g.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: g.collectionName,
			Points:         qp,
		})
		return err
	})
}

// Retrieve fetches points by id, space-scoped.
func (g *Gateway) Retrieve(ctx context.Context, ids []string, spaceIDs []string) ([]Point, error) {
	qids := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		qids = append(qids, qdrant.NewID(id))
	}

	var out []*qdrant.RetrievedPoint
	err := g.withRetry(ctx, "retrieve", func() error {
		var rerr error
		out, rerr = g.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: g.collectionName,
			Ids:            qids,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		return rerr
	})
	if err != nil {
		return nil, err
	}

	return filterOwnedPoints(out, spaceIDs), nil
}

func filterOwnedPoints(points []*qdrant.RetrievedPoint, spaceIDs []string) []Point {
	allowed := make(map[string]bool, len(spaceIDs))
	for _, s := range spaceIDs {
		allowed[s] = true
	}
	var out []Point
	for _, p := range points {
		payload := payloadToMap(p.GetPayload())
		if sid, _ := payload["space_id"].(string); !allowed[sid] {
			continue
		}
		out = append(out, Point{ID: pointIDString(p.GetId()), Payload: payload})
	}
	return out
}

// Scroll pages through points matching a filter.
func (g *Gateway) Scroll(ctx context.Context, f Filter, limit int, cursor *string) ([]Point, *string, error) {
	var offset *qdrant.PointId
	if cursor != nil {
		offset = qdrant.NewID(*cursor)
	}

	var points []*qdrant.RetrievedPoint
	var next *qdrant.PointId
	err := g.withRetry(ctx, "scroll", func() error {
		var rerr error
		points, next, rerr = g.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: g.collectionName,
			Filter:         mustFilter(f),
			Limit:          qdrant.PtrOf(uint32(limit)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return rerr
	})
	if err != nil {
		return nil, nil, err
	}

	out := make([]Point, 0, len(points))
	for _, p := range points {
		out = append(out, Point{ID: pointIDString(p.GetId()), Payload: payloadToMap(p.GetPayload())})
	}
	var nextCursor *string
	if next != nil {
		s := pointIDString(next)
		nextCursor = &s
	}
	return out, nextCursor, nil
}

// SearchHit is one ranked result from Search, before C10's textual
// score-adjustment pass.
type SearchHit struct {
	Point
	Score float32
}

// Search performs vector similarity search, space-filtered.
func (g *Gateway) Search(ctx context.Context, vector []float32, f Filter, limit int) ([]SearchHit, error) {
	var results []*qdrant.ScoredPoint
	err := g.withRetry(ctx, "search", func() error {
		var rerr error
		results, rerr = g.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: g.collectionName,
			Query:          qdrant.NewQuery(vector...),
			Filter:         mustFilter(f),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return rerr
	})
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			Point: Point{ID: pointIDString(r.GetId()), Payload: payloadToMap(r.GetPayload())},
			Score: r.GetScore(),
		})
	}
	return hits, nil
}

// Delete removes points by id.
func (g *Gateway) Delete(ctx context.Context, ids []string) error {
	qids := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		qids = append(qids, qdrant.NewID(id))
	}
	return g.withRetry(ctx, "delete", func() error {
		_, err := g.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: g.collectionName,
			Points:         qdrant.NewPointsSelectorIDs(qids),
		})
		return err
	})
}

// UpdatePayload patches a point's payload without touching its vector.
func (g *Gateway) UpdatePayload(ctx context.Context, id string, patch map[string]interface{}) error {
	return g.withRetry(ctx, "update_payload", func() error {
		_, err := g.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: g.collectionName,
			Payload:        qdrant.NewValueMap(patch).GetStructValue().GetFields(),
			PointsSelector: qdrant.NewPointsSelectorIDs([]*qdrant.PointId{qdrant.NewID(id)}),
		})
		return err
	})
}

// Health checks connectivity.
func (g *Gateway) Health(ctx context.Context) error {
	_, err := g.client.HealthCheck(ctx)
	if err != nil {
		return kerrors.Wrap(kerrors.CodeStoreUnavailable, "health check", err)
	}
	return nil
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = qdrant.NewGoValue(v)
	}
	return out
}

// NewPointID generates a fresh RFC 4122 identifier for a minted memory.
func NewPointID() string {
	return uuid.NewString()
}
