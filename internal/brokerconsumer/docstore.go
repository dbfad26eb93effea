// Package brokerconsumer ingests broker classification messages from the
// bus into a document store collection.
package brokerconsumer

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fastdb-project/fastdb/internal/alertschema"
)

// DocumentStore is where consumed broker messages land.
type DocumentStore interface {
	InsertBrokerMessages(ctx context.Context, docs []alertschema.BrokerMessageDoc) (int, error)
	Close(ctx context.Context) error
}

// MongoStore writes broker message documents to one mongo collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping document store: %w", err)
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}, nil
}

func (s *MongoStore) InsertBrokerMessages(ctx context.Context, docs []alertschema.BrokerMessageDoc) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	payload := make([]any, len(docs))
	for i := range docs {
		payload[i] = docs[i]
	}
	res, err := s.coll.InsertMany(ctx, payload)
	if err != nil {
		return 0, fmt.Errorf("insert broker messages: %w", err)
	}
	return len(res.InsertedIDs), nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
