package persistence

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/appforge/procflow/internal/testutil"
)

func newTestMongoStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	if err := client.Ping(ctx, nil); err != nil {
		t.Fatalf("mongo ping failed: %v", err)
	}

	// Shared container: start each test from an empty database.
	if err := client.Database("procflow_test").Drop(ctx); err != nil {
		t.Fatalf("drop database failed: %v", err)
	}

	store, err := NewMongoStore(ctx, client, "procflow_test")
	if err != nil {
		t.Fatalf("NewMongoStore failed: %v", err)
	}
	return store
}

func TestMongoStore_Conformance(t *testing.T) {
	testStoreConformance(t, newTestMongoStore(t))
}
