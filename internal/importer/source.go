// Package importer moves broker documents saved since the last watermark
// from the document store into the relational store, reconciling observed
// objects against root objects by angular proximity.
package importer

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fastdb-project/fastdb/internal/alertschema"
)

// Iterator streams decoded documents one at a time.
type Iterator[T any] interface {
	Next(ctx context.Context) (T, bool, error)
	Close(ctx context.Context) error
}

// DocumentSource yields the deduplicated records embedded in broker message
// documents whose savetime falls in (t0, t1].
type DocumentSource interface {
	Objects(ctx context.Context, t0, t1 time.Time) (Iterator[alertschema.DiaObject], error)
	Sources(ctx context.Context, t0, t1 time.Time) (Iterator[alertschema.DiaSource], error)
	PrvSources(ctx context.Context, t0, t1 time.Time) (Iterator[alertschema.DiaSource], error)
	PrvForcedSources(ctx context.Context, t0, t1 time.Time) (Iterator[alertschema.DiaForcedSource], error)
}

// MongoSource serves DocumentSource from one broker message collection.
type MongoSource struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoSource(ctx context.Context, uri, database, collection string) (*MongoSource, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping document store: %w", err)
	}
	return &MongoSource{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}, nil
}

func (s *MongoSource) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func matchStage(t0, t1 time.Time) bson.D {
	return bson.D{{Key: "$match", Value: bson.D{
		{Key: "savetime", Value: bson.D{
			{Key: "$gt", Value: t0},
			{Key: "$lte", Value: t1},
		}},
	}}}
}

// groupFirstPipeline dedupes on idPath, keeping the first document seen for
// each id under the "doc" key.
func groupFirstPipeline(t0, t1 time.Time, idPath, docPath string) mongo.Pipeline {
	return mongo.Pipeline{
		matchStage(t0, t1),
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$" + idPath},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$" + docPath}}},
		}}},
	}
}

// unwindGroupPipeline unwinds an embedded array field before deduping, used
// for the prior-source and prior-forced-source histories.
func unwindGroupPipeline(t0, t1 time.Time, arrayPath, idField string) mongo.Pipeline {
	return mongo.Pipeline{
		matchStage(t0, t1),
		{{Key: "$unwind", Value: "$" + arrayPath}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$" + arrayPath + "." + idField},
			{Key: "doc", Value: bson.D{{Key: "$first", Value: "$" + arrayPath}}},
		}}},
	}
}

type mongoIter[T any] struct {
	cursor *mongo.Cursor
}

func (it *mongoIter[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if !it.cursor.Next(ctx) {
		if err := it.cursor.Err(); err != nil {
			return zero, false, fmt.Errorf("cursor: %w", err)
		}
		return zero, false, nil
	}
	var wrapper struct {
		Doc T `bson:"doc"`
	}
	if err := it.cursor.Decode(&wrapper); err != nil {
		return zero, false, fmt.Errorf("decode document: %w", err)
	}
	return wrapper.Doc, true, nil
}

func (it *mongoIter[T]) Close(ctx context.Context) error {
	return it.cursor.Close(ctx)
}

func aggregate[T any](ctx context.Context, coll *mongo.Collection, pipeline mongo.Pipeline) (Iterator[T], error) {
	cursor, err := coll.Aggregate(ctx, pipeline, options.Aggregate().SetAllowDiskUse(true))
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	return &mongoIter[T]{cursor: cursor}, nil
}

func (s *MongoSource) Objects(ctx context.Context, t0, t1 time.Time) (Iterator[alertschema.DiaObject], error) {
	return aggregate[alertschema.DiaObject](ctx, s.coll,
		groupFirstPipeline(t0, t1, "msg.diaObject.diaObjectId", "msg.diaObject"))
}

func (s *MongoSource) Sources(ctx context.Context, t0, t1 time.Time) (Iterator[alertschema.DiaSource], error) {
	return aggregate[alertschema.DiaSource](ctx, s.coll,
		groupFirstPipeline(t0, t1, "msg.diaSource.diaSourceId", "msg.diaSource"))
}

func (s *MongoSource) PrvSources(ctx context.Context, t0, t1 time.Time) (Iterator[alertschema.DiaSource], error) {
	return aggregate[alertschema.DiaSource](ctx, s.coll,
		unwindGroupPipeline(t0, t1, "msg.prvDiaSources", "diaSourceId"))
}

func (s *MongoSource) PrvForcedSources(ctx context.Context, t0, t1 time.Time) (Iterator[alertschema.DiaForcedSource], error) {
	return aggregate[alertschema.DiaForcedSource](ctx, s.coll,
		unwindGroupPipeline(t0, t1, "msg.prvDiaForcedSources", "diaForcedSourceId"))
}
