package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoStepRecord представление шага в документе MongoDB
type mongoStepRecord struct {
	Sequence       int        `bson:"sequence"`
	Name           string     `bson:"name"`
	Status         string     `bson:"status"`
	ResultPayload  []byte     `bson:"result_payload,omitempty"`
	Error          string     `bson:"error,omitempty"`
	IdempotencyKey string     `bson:"idempotency_key,omitempty"`
	Deadline       *time.Time `bson:"deadline,omitempty"`
	SentAt         *time.Time `bson:"sent_at,omitempty"`
	CompletedAt    *time.Time `bson:"completed_at,omitempty"`
}

// mongoInstance представление экземпляра саги в документе MongoDB.
// Шаги встроены в документ, запись атомарна на уровне документа.
type mongoInstance struct {
	ID                   string            `bson:"_id"`
	Type                 string            `bson:"type"`
	DefinitionVersion    int               `bson:"definition_version"`
	State                string            `bson:"state"`
	CurrentStep          int               `bson:"current_step"`
	Payload              []byte            `bson:"payload,omitempty"`
	Steps                []mongoStepRecord `bson:"steps"`
	CompensationAttempts int               `bson:"compensation_attempts"`
	FailureReason        string            `bson:"failure_reason,omitempty"`
	CorrelationID        string            `bson:"correlation_id,omitempty"`
	Version              int64             `bson:"version"`
	CreatedAt            time.Time         `bson:"created_at"`
	UpdatedAt            time.Time         `bson:"updated_at"`
}

// MongoStoreConfig конфигурация MongoDB хранилища
type MongoStoreConfig struct {
	URI        string
	Database   string
	Collection string
}

// Validate проверяет корректность конфигурации
func (c MongoStoreConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("URI cannot be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("database cannot be empty")
	}
	return nil
}

// DefaultMongoStoreConfig возвращает конфигурацию MongoDB по умолчанию
func DefaultMongoStoreConfig() MongoStoreConfig {
	return MongoStoreConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "sagaflow",
		Collection: "saga_instances",
	}
}

// MongoStore хранилище экземпляров саг в MongoDB
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore создает новое MongoDB хранилище
func NewMongoStore(ctx context.Context, config MongoStoreConfig) (*MongoStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mongo store config: %w", err)
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(config.Database).Collection(config.Collection),
	}, nil
}

func (s *MongoStore) Create(ctx context.Context, instance *Instance) error {
	doc := toMongoInstance(instance)
	doc.Version = 1

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to insert saga %s: %w", instance.ID, err)
	}
	instance.Version = 1
	return nil
}

func (s *MongoStore) Update(ctx context.Context, instance *Instance) error {
	doc := toMongoInstance(instance)
	doc.Version = instance.Version + 1
	doc.UpdatedAt = time.Now()

	filter := bson.M{"_id": instance.ID, "version": instance.Version}
	result, err := s.collection.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return fmt.Errorf("failed to update saga %s: %w", instance.ID, err)
	}
	if result.MatchedCount == 0 {
		count, err := s.collection.CountDocuments(ctx, bson.M{"_id": instance.ID})
		if err != nil {
			return fmt.Errorf("failed to check saga %s: %w", instance.ID, err)
		}
		if count == 0 {
			return ErrSagaNotFound
		}
		return ErrVersionConflict
	}

	instance.Version = doc.Version
	return nil
}

func (s *MongoStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	var doc mongoInstance
	err := s.collection.FindOne(ctx, bson.M{"_id": sagaID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find saga %s: %w", sagaID, err)
	}
	return fromMongoInstance(&doc), nil
}

func (s *MongoStore) ListNonTerminal(ctx context.Context) ([]*Instance, error) {
	filter := bson.M{"state": bson.M{"$nin": []string{
		string(StateCompleted), string(StateCompensated), string(StateFailed),
	}}}
	cursor, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal sagas: %w", err)
	}
	defer cursor.Close(ctx)

	var instances []*Instance
	for cursor.Next(ctx) {
		var doc mongoInstance
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode saga: %w", err)
		}
		instances = append(instances, fromMongoInstance(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sagas: %w", err)
	}
	return instances, nil
}

func (s *MongoStore) CountInFlight(ctx context.Context) (int, error) {
	filter := bson.M{"state": bson.M{"$nin": []string{
		string(StateCompleted), string(StateCompensated), string(StateFailed),
	}}}
	count, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight sagas: %w", err)
	}
	return int(count), nil
}

// Close закрывает соединение с MongoDB
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toMongoInstance(instance *Instance) *mongoInstance {
	steps := make([]mongoStepRecord, len(instance.Steps))
	for i, step := range instance.Steps {
		steps[i] = mongoStepRecord{
			Sequence:       step.Sequence,
			Name:           step.Name,
			Status:         string(step.Status),
			ResultPayload:  step.ResultPayload,
			Error:          step.Error,
			IdempotencyKey: step.IdempotencyKey,
			Deadline:       step.Deadline,
			SentAt:         step.SentAt,
			CompletedAt:    step.CompletedAt,
		}
	}
	return &mongoInstance{
		ID:                   instance.ID,
		Type:                 instance.Type,
		DefinitionVersion:    instance.DefinitionVersion,
		State:                string(instance.State),
		CurrentStep:          instance.CurrentStep,
		Payload:              instance.Payload,
		Steps:                steps,
		CompensationAttempts: instance.CompensationAttempts,
		FailureReason:        instance.FailureReason,
		CorrelationID:        instance.CorrelationID,
		Version:              instance.Version,
		CreatedAt:            instance.CreatedAt,
		UpdatedAt:            instance.UpdatedAt,
	}
}

func fromMongoInstance(doc *mongoInstance) *Instance {
	steps := make([]StepRecord, len(doc.Steps))
	for i, step := range doc.Steps {
		steps[i] = StepRecord{
			Sequence:       step.Sequence,
			Name:           step.Name,
			Status:         StepStatus(step.Status),
			ResultPayload:  step.ResultPayload,
			Error:          step.Error,
			IdempotencyKey: step.IdempotencyKey,
			Deadline:       step.Deadline,
			SentAt:         step.SentAt,
			CompletedAt:    step.CompletedAt,
		}
	}
	return &Instance{
		ID:                   doc.ID,
		Type:                 doc.Type,
		DefinitionVersion:    doc.DefinitionVersion,
		State:                State(doc.State),
		CurrentStep:          doc.CurrentStep,
		Payload:              doc.Payload,
		Steps:                steps,
		CompensationAttempts: doc.CompensationAttempts,
		FailureReason:        doc.FailureReason,
		CorrelationID:        doc.CorrelationID,
		Version:              doc.Version,
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
	}
}
