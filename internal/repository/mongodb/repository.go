package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/pratikpakhale/poultry/internal/domain/models"
)

const reportsCollection = "reconciliation_reports"

// MongoDBRepository stores aggregates, transaction records and reports in MongoDB.
type MongoDBRepository struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// NewMongoDBRepository connects to MongoDB and verifies the connection.
func NewMongoDBRepository(ctx context.Context, uri string, dbName string, logger *zap.Logger) (*MongoDBRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	clientOptions := options.Client().ApplyURI(uri).SetRegistry(newRegistry())
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoDBRepository{
		client: client,
		db:     client.Database(dbName),
		logger: logger,
	}, nil
}

func (r *MongoDBRepository) collection(name string) *mongo.Collection {
	return r.db.Collection(name)
}

// EnsureIndexes creates the retry-key and query indexes of every record collection.
func (r *MongoDBRepository) EnsureIndexes(ctx context.Context) error {
	for _, kind := range models.AllKinds {
		_, err := r.collection(string(kind)).Indexes().CreateMany(ctx, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "idempotencyKey", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true).SetName("idempotency_key"),
			},
			{
				Keys:    bson.D{{Key: "status", Value: 1}, {Key: "deleted", Value: 1}, {Key: "date", Value: -1}},
				Options: options.Index().SetName("status_deleted_date"),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", kind, err)
		}
	}

	_, err := r.collection(reportsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes on %s: %w", reportsCollection, err)
	}
	r.logger.Info("mongodb indexes ensured", zap.Int("record_collections", len(models.AllKinds)))
	return nil
}

// WithTransaction runs fn inside a multi-document transaction. Requires a
// replica set or sharded cluster.
func (r *MongoDBRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// SaveReconciliationReport stores the outcome of a reconciliation pass.
func (r *MongoDBRepository) SaveReconciliationReport(ctx context.Context, report models.ReconciliationReport) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	_, err := r.collection(reportsCollection).InsertOne(ctx, report)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation report: %w", err)
	}
	return nil
}

// ListReconciliationReports returns the newest reports first.
func (r *MongoDBRepository) ListReconciliationReports(ctx context.Context, limit int64) ([]models.ReconciliationReport, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := r.collection(reportsCollection).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation reports: %w", err)
	}
	var reports []models.ReconciliationReport
	if err := cur.All(ctx, &reports); err != nil {
		return nil, fmt.Errorf("failed to decode reconciliation reports: %w", err)
	}
	return reports, nil
}

// Ping checks that the primary is reachable.
func (r *MongoDBRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

// Close closes the MongoDB connection.
func (r *MongoDBRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.ErrNotFound
	}
	return err
}
