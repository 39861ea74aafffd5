package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/weiawesome/market-chat/internal/idgen"
	"github.com/weiawesome/market-chat/pkg/log"
)

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

const (
	mongoPathField  = "_path"
	mongoDocIDField = "_docId"
)

// MongoStore maps each collection path onto a MongoDB collection named
// after its collection segments ("chats/c1/messages" lives in
// "chats.messages") and tags every document with its full path.
// Subscriptions use change streams, which require a replica set.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	ids    idgen.Generator
	ts     *tsSource
	clock  clockwork.Clock

	mu      sync.Mutex
	streams map[*watcher]context.CancelFunc
}

// NewMongoStore connects, pings and ensures the path index on the known collections.
func NewMongoStore(ctx context.Context, cfg MongoConfig, ids idgen.Generator, collections ...string) (*MongoStore, error) {
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	clock := clockwork.NewRealClock()
	s := &MongoStore{
		client:  client,
		db:      client.Database(cfg.Database),
		ids:     ids,
		ts:      newTSSource(clock, time.Millisecond),
		clock:   clock,
		streams: make(map[*watcher]context.CancelFunc),
	}

	for _, path := range collections {
		if err := s.ensureIndexes(ctx, path); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context, path string) error {
	_, err := s.collection(path).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: mongoPathField, Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes for %s: %w", path, err)
	}
	return nil
}

// collectionName keeps the collection segments of a path.
func collectionName(path string) string {
	segs := strings.Split(path, "/")
	names := make([]string, 0, (len(segs)+1)/2)
	for i := 0; i < len(segs); i += 2 {
		names = append(names, segs[i])
	}
	return strings.Join(names, ".")
}

func (s *MongoStore) collection(path string) *mongo.Collection {
	return s.db.Collection(collectionName(path))
}

func mongoKey(path, id string) string { return path + "/" + id }

func (s *MongoStore) Create(ctx context.Context, path string, data Fields) (string, error) {
	id, err := s.ids.Generate()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	if err := s.CreateWithID(ctx, path, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *MongoStore) CreateWithID(ctx context.Context, path, id string, data Fields) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}

	doc := bson.M{}
	for k, v := range resolveCreate(data, s.ts.Now()) {
		doc[k] = v
	}
	doc["_id"] = mongoKey(path, id)
	doc[mongoPathField] = path
	doc[mongoDocIDField] = id

	if _, err := s.collection(path).InsertOne(ctx, doc); err != nil {
		return translateMongo(fmt.Sprintf("create %s/%s", path, id), err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, path, id string) (*Doc, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	var raw bson.M
	err := s.collection(path).FindOne(ctx, bson.M{"_id": mongoKey(path, id)}).Decode(&raw)
	if err != nil {
		return nil, translateMongo(fmt.Sprintf("get %s/%s", path, id), err)
	}
	d := fromBSON(raw)
	return &d, nil
}

// updateDoc splits a patch into $set and $inc parts.
func (s *MongoStore) updateDoc(fields Fields) bson.M {
	now := s.ts.Now()
	set, inc := bson.M{}, bson.M{}
	for k, v := range fields {
		switch t := v.(type) {
		case serverTimestamp:
			set[k] = now
		case increment:
			inc[k] = t.delta
		default:
			set[k] = normalize(v)
		}
	}
	upd := bson.M{}
	if len(set) > 0 {
		upd["$set"] = set
	}
	if len(inc) > 0 {
		upd["$inc"] = inc
	}
	return upd
}

func (s *MongoStore) Update(ctx context.Context, path, id string, fields Fields) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if len(fields) == 0 {
		_, err := s.Get(ctx, path, id)
		return err
	}

	res, err := s.collection(path).UpdateOne(ctx, bson.M{"_id": mongoKey(path, id)}, s.updateDoc(fields))
	if err != nil {
		return translateMongo(fmt.Sprintf("update %s/%s", path, id), err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", path, id, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) BatchUpdate(ctx context.Context, path string, ids []string, fields Fields) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if len(ids) == 0 || len(fields) == 0 {
		return nil
	}

	keys := make(bson.A, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, mongoKey(path, id))
	}
	_, err := s.collection(path).UpdateMany(ctx, bson.M{"_id": bson.M{"$in": keys}}, s.updateDoc(fields))
	if err != nil {
		return translateMongo("batch update "+path, err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, path, id string) error {
	if err := validatePath(path); err != nil {
		return err
	}

	res, err := s.collection(path).DeleteOne(ctx, bson.M{"_id": mongoKey(path, id)})
	if err != nil {
		return translateMongo(fmt.Sprintf("delete %s/%s", path, id), err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s/%s: %w", path, id, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) Query(ctx context.Context, path string, q Query) ([]Doc, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	opts := options.Find()
	if len(q.OrderBy) > 0 {
		sortSpec := bson.D{}
		for _, o := range q.OrderBy {
			dir := 1
			if o.Desc {
				dir = -1
			}
			sortSpec = append(sortSpec, bson.E{Key: o.Field, Value: dir})
		}
		opts.SetSort(sortSpec)
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.collection(path).Find(ctx, mongoFilter(path, q.Filters), opts)
	if err != nil {
		return nil, translateMongo("query "+path, err)
	}
	defer cur.Close(ctx)

	var docs []Doc
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		docs = append(docs, fromBSON(raw))
	}
	if err := cur.Err(); err != nil {
		return nil, translateMongo("query "+path, err)
	}
	// Server order is not trusted for mixed types; re-apply ours.
	sortDocs(docs, q.OrderBy)
	return docs, nil
}

func mongoFilter(path string, filters []Filter) bson.M {
	f := bson.M{mongoPathField: path}
	var and bson.A
	for _, flt := range filters {
		var cond bson.M
		switch flt.Op {
		case OpEqual, OpArrayContains:
			cond = bson.M{flt.Field: normalize(flt.Value)}
		case OpNotEqual:
			cond = bson.M{flt.Field: bson.M{"$ne": normalize(flt.Value)}}
		default:
			continue
		}
		and = append(and, cond)
	}
	if len(and) > 0 {
		f["$and"] = and
	}
	return f
}

// Subscribe reloads the result set whenever the change stream reports a
// write to the path. The stream is reopened after errors.
func (s *MongoStore) Subscribe(ctx context.Context, path string, filters ...Filter) (Subscription, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	streamCtx, stopStream := context.WithCancel(context.WithoutCancel(ctx))
	load := func(ctx context.Context) ([]Doc, error) {
		return s.Query(ctx, path, Query{Filters: filters})
	}

	var w *watcher
	w = newWatcher(ctx, path, s.clock, load, func() {
		stopStream()
		s.mu.Lock()
		delete(s.streams, w)
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.streams[w] = stopStream
	s.mu.Unlock()

	go s.follow(streamCtx, path, w)
	return w, nil
}

func (s *MongoStore) follow(ctx context.Context, path string, w *watcher) {
	l := log.Ctx(ctx).With().Str(log.FieldCollection, path).Logger()
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"fullDocument." + mongoPathField: path},
			bson.M{"documentKey._id": bson.M{"$regex": "^" + regexp.QuoteMeta(path+"/")}},
		}}}},
	}

	delay := retryBaseDelay
	var resume bson.Raw
	for ctx.Err() == nil {
		opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		if resume != nil {
			opts.SetResumeAfter(resume)
		}

		cs, err := s.collection(path).Watch(ctx, pipeline, opts)
		if err != nil {
			l.Warn().Err(err).Msg("open change stream failed")
			if !sleepCtx(ctx, s.clock, delay) {
				return
			}
			delay = min(delay*2, retryMaxDelay)
			continue
		}
		delay = retryBaseDelay
		// Writes may have been missed while the stream was down.
		w.Notify()

		for cs.Next(ctx) {
			resume = cs.ResumeToken()
			w.Notify()
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			l.Warn().Err(err).Msg("change stream interrupted")
		}
		_ = cs.Close(context.Background())
	}
}

func sleepCtx(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}

// Close stops all subscriptions and disconnects.
func (s *MongoStore) Close() error {
	s.mu.Lock()
	all := make([]*watcher, 0, len(s.streams))
	for w := range s.streams {
		all = append(all, w)
	}
	s.mu.Unlock()

	for _, w := range all {
		w.Cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func fromBSON(raw bson.M) Doc {
	id, _ := raw[mongoDocIDField].(string)
	f := make(Fields, len(raw))
	for k, v := range raw {
		switch k {
		case "_id", mongoPathField, mongoDocIDField:
			continue
		}
		f[k] = normalizeBSON(v)
	}
	return Doc{ID: id, Fields: f}
}

func normalizeBSON(v any) any {
	switch x := v.(type) {
	case bson.DateTime:
		return x.Time().UTC()
	case int32:
		return int64(x)
	case bson.A:
		strs := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				out := make([]any, len(x))
				for i, e := range x {
					out[i] = normalizeBSON(e)
				}
				return out
			}
			strs = append(strs, s)
		}
		return strs
	case bson.M:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeBSON(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	default:
		return v
	}
}

func translateMongo(op string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	default:
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && (cmdErr.Code == 13 || cmdErr.Code == 18) {
			return fmt.Errorf("%s: %w: %v", op, ErrPermissionDenied, err)
		}
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
}
