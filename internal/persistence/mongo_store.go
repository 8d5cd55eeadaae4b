package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/appforge/procflow/pkg/api"
)

// MongoStore is a Store backed by MongoDB.
type MongoStore struct {
	runs      *mongo.Collection
	tasks     *mongo.Collection
	specs     *mongo.Collection
	schedules *mongo.Collection
	entities  *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store and ensures its indexes.
// dbName defaults to "procflow" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "procflow"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		runs:      db.Collection("runs"),
		tasks:     db.Collection("tasks"),
		specs:     db.Collection("specs"),
		schedules: db.Collection("schedules"),
		entities:  db.Collection("entities"),
	}

	// Runs without a key omit the field entirely, so the partial filter
	// leaves them out of the uniqueness check.
	_, err := s.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "process_name", Value: 1}, {Key: "idempotency_key", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$exists": true}}),
	})
	if err != nil {
		return nil, fmt.Errorf("create idempotency index: %w", err)
	}
	return s, nil
}

type mongoRunDoc struct {
	ID             string         `bson:"_id"`
	ProcessName    string         `bson:"process_name"`
	ProcessVersion string         `bson:"process_version,omitempty"`
	DSLVersion     string         `bson:"dsl_version,omitempty"`
	Status         string         `bson:"status"`
	Inputs         map[string]any `bson:"inputs,omitempty"`
	Context        map[string]any `bson:"context,omitempty"`
	Outputs        map[string]any `bson:"outputs,omitempty"`
	CurrentStep    int            `bson:"current_step"`
	IdempotencyKey string         `bson:"idempotency_key,omitempty"`
	Error          string         `bson:"error,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
	StartedAt      time.Time      `bson:"started_at,omitempty"`
	FinishedAt     time.Time      `bson:"finished_at,omitempty"`
	UpdatedAt      time.Time      `bson:"updated_at"`
}

func runToDoc(run *api.ProcessRun) mongoRunDoc {
	return mongoRunDoc{
		ID:             run.RunID,
		ProcessName:    run.ProcessName,
		ProcessVersion: run.ProcessVersion,
		DSLVersion:     run.DSLVersion,
		Status:         string(run.Status),
		Inputs:         run.Inputs,
		Context:        run.Context,
		Outputs:        run.Outputs,
		CurrentStep:    run.CurrentStep,
		IdempotencyKey: run.IdempotencyKey,
		Error:          run.Error,
		CreatedAt:      run.CreatedAt,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		UpdatedAt:      run.UpdatedAt,
	}
}

func docToRun(doc mongoRunDoc) *api.ProcessRun {
	return &api.ProcessRun{
		RunID:          doc.ID,
		ProcessName:    doc.ProcessName,
		ProcessVersion: doc.ProcessVersion,
		DSLVersion:     doc.DSLVersion,
		Status:         api.RunStatus(doc.Status),
		Inputs:         doc.Inputs,
		Context:        doc.Context,
		Outputs:        doc.Outputs,
		CurrentStep:    doc.CurrentStep,
		IdempotencyKey: doc.IdempotencyKey,
		Error:          doc.Error,
		CreatedAt:      doc.CreatedAt,
		StartedAt:      doc.StartedAt,
		FinishedAt:     doc.FinishedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}

func (s *MongoStore) SaveRun(ctx context.Context, run *api.ProcessRun) error {
	_, err := s.runs.InsertOne(ctx, runToDoc(run))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateRun
	}
	return err
}

func (s *MongoStore) UpdateRun(ctx context.Context, run *api.ProcessRun) error {
	res, err := s.runs.ReplaceOne(ctx, bson.M{"_id": run.RunID}, runToDoc(run))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *MongoStore) GetRun(ctx context.Context, runID string) (*api.ProcessRun, error) {
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return docToRun(doc), nil
}

func (s *MongoStore) FindRunByIdempotencyKey(ctx context.Context, processName, key string) (*api.ProcessRun, error) {
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx, bson.M{
		"process_name":    processName,
		"idempotency_key": key,
	}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return docToRun(doc), nil
}

func mongoRunFilter(opts api.RunListOptions) bson.M {
	filter := bson.M{}
	if opts.ProcessName != "" {
		filter["process_name"] = opts.ProcessName
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	return filter
}

func (s *MongoStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.ProcessRun, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.runs.Find(ctx, mongoRunFilter(opts), findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.ProcessRun
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, docToRun(doc))
	}
	return result, cur.Err()
}

func (s *MongoStore) CountRuns(ctx context.Context, opts api.RunListOptions) (int64, error) {
	return s.runs.CountDocuments(ctx, mongoRunFilter(opts))
}

func (s *MongoStore) RunVersionCounts(ctx context.Context, processName string) (map[string]int64, error) {
	cur, err := s.runs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"process_name": processName}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$process_version",
			"count": bson.M{"$sum": 1},
		}}},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	counts := make(map[string]int64)
	for cur.Next(ctx) {
		var row struct {
			Version string `bson:"_id"`
			Count   int64  `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		counts[row.Version] = row.Count
	}
	return counts, cur.Err()
}

func (s *MongoStore) TransitionRun(ctx context.Context, runID string, from []api.RunStatus, to api.RunStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition needs at least one expected status")
	}

	statuses := make([]string, 0, len(from))
	for _, status := range from {
		statuses = append(statuses, string(status))
	}

	res, err := s.runs.UpdateOne(ctx,
		bson.M{"_id": runID, "status": bson.M{"$in": statuses}},
		bson.M{"$set": bson.M{"status": string(to), "updated_at": time.Now()}},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount > 0 {
		return true, nil
	}

	n, err := s.runs.CountDocuments(ctx, bson.M{"_id": runID})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrRunNotFound
	}
	return false, nil
}

func (s *MongoStore) StaleRuns(ctx context.Context, statuses []api.RunStatus, updatedBefore time.Time) ([]*api.ProcessRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	raw := make([]string, 0, len(statuses))
	for _, status := range statuses {
		raw = append(raw, string(status))
	}

	cur, err := s.runs.Find(ctx, bson.M{
		"status":     bson.M{"$in": raw},
		"updated_at": bson.M{"$lt": updatedBefore},
	}, options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.ProcessRun
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, docToRun(doc))
	}
	return result, cur.Err()
}

type mongoTaskDoc struct {
	ID           string         `bson:"_id"`
	RunID        string         `bson:"run_id"`
	StepName     string         `bson:"step_name"`
	AssigneeRole string         `bson:"assignee_role,omitempty"`
	AssigneeID   string         `bson:"assignee_id,omitempty"`
	Status       string         `bson:"status"`
	DueAt        time.Time      `bson:"due_at,omitempty"`
	EscalatedAt  time.Time      `bson:"escalated_at,omitempty"`
	Outcome      string         `bson:"outcome,omitempty"`
	OutcomeData  map[string]any `bson:"outcome_data,omitempty"`
	CompletedBy  string         `bson:"completed_by,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

func taskToDoc(task *api.ProcessTask) mongoTaskDoc {
	return mongoTaskDoc{
		ID:           task.TaskID,
		RunID:        task.RunID,
		StepName:     task.StepName,
		AssigneeRole: task.AssigneeRole,
		AssigneeID:   task.AssigneeID,
		Status:       string(task.Status),
		DueAt:        task.DueAt,
		EscalatedAt:  task.EscalatedAt,
		Outcome:      task.Outcome,
		OutcomeData:  task.OutcomeData,
		CompletedBy:  task.CompletedBy,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
	}
}

func docToTask(doc mongoTaskDoc) *api.ProcessTask {
	return &api.ProcessTask{
		TaskID:       doc.ID,
		RunID:        doc.RunID,
		StepName:     doc.StepName,
		AssigneeRole: doc.AssigneeRole,
		AssigneeID:   doc.AssigneeID,
		Status:       api.TaskStatus(doc.Status),
		DueAt:        doc.DueAt,
		EscalatedAt:  doc.EscalatedAt,
		Outcome:      doc.Outcome,
		OutcomeData:  doc.OutcomeData,
		CompletedBy:  doc.CompletedBy,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func (s *MongoStore) SaveTask(ctx context.Context, task *api.ProcessTask) error {
	_, err := s.tasks.InsertOne(ctx, taskToDoc(task))
	return err
}

func (s *MongoStore) UpdateTask(ctx context.Context, task *api.ProcessTask) error {
	res, err := s.tasks.ReplaceOne(ctx, bson.M{"_id": task.TaskID}, taskToDoc(task))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *MongoStore) GetTask(ctx context.Context, taskID string) (*api.ProcessTask, error) {
	var doc mongoTaskDoc
	err := s.tasks.FindOne(ctx, bson.M{"_id": taskID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return docToTask(doc), nil
}

func (s *MongoStore) ListTasks(ctx context.Context, opts api.TaskListOptions) ([]*api.ProcessTask, error) {
	filter := bson.M{}
	if opts.RunID != "" {
		filter["run_id"] = opts.RunID
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.AssigneeRole != "" {
		filter["assignee_role"] = opts.AssigneeRole
	}
	if opts.AssigneeID != "" {
		filter["assignee_id"] = opts.AssigneeID
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.tasks.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.ProcessTask
	for cur.Next(ctx) {
		var doc mongoTaskDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, docToTask(doc))
	}
	return result, cur.Err()
}

func (s *MongoStore) DueTasks(ctx context.Context, before time.Time) ([]*api.ProcessTask, error) {
	cur, err := s.tasks.Find(ctx, bson.M{
		"status": bson.M{"$nin": []string{
			string(api.TaskExpired), string(api.TaskCompleted), string(api.TaskCancelled),
		}},
		"due_at": bson.M{"$gt": time.Time{}, "$lt": before},
	}, options.Find().SetSort(bson.D{{Key: "due_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.ProcessTask
	for cur.Next(ctx) {
		var doc mongoTaskDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, docToTask(doc))
	}
	return result, cur.Err()
}

type mongoSpecDoc struct {
	Name       string         `bson:"name"`
	Version    string         `bson:"version"`
	DSLVersion string         `bson:"dsl_version,omitempty"`
	Steps      []api.StepSpec `bson:"steps"`
}

func (s *MongoStore) SaveSpec(ctx context.Context, spec api.ProcessSpec) error {
	doc := mongoSpecDoc{
		Name:       spec.Name,
		Version:    spec.Version,
		DSLVersion: spec.DSLVersion,
		Steps:      spec.Steps,
	}
	_, err := s.specs.ReplaceOne(ctx,
		bson.M{"name": spec.Name, "version": spec.Version},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetSpec(ctx context.Context, name, version string) (api.ProcessSpec, error) {
	var doc mongoSpecDoc
	err := s.specs.FindOne(ctx, bson.M{"name": name, "version": version}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.ProcessSpec{}, ErrSpecNotFound
	}
	if err != nil {
		return api.ProcessSpec{}, err
	}
	return api.ProcessSpec{
		Name:       doc.Name,
		Version:    doc.Version,
		DSLVersion: doc.DSLVersion,
		Steps:      doc.Steps,
	}, nil
}

func (s *MongoStore) LatestSpec(ctx context.Context, name string) (api.ProcessSpec, error) {
	versions, err := s.ListSpecVersions(ctx, name)
	if err != nil {
		return api.ProcessSpec{}, err
	}
	if len(versions) == 0 {
		return api.ProcessSpec{}, ErrSpecNotFound
	}
	return s.GetSpec(ctx, name, versions[len(versions)-1])
}

func (s *MongoStore) ListSpecVersions(ctx context.Context, name string) ([]string, error) {
	raw, err := s.specs.Distinct(ctx, "version", bson.M{"name": name})
	if err != nil {
		return nil, err
	}

	versions := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			versions = append(versions, str)
		}
	}
	sort.Strings(versions)
	return versions, nil
}

type mongoScheduleDoc struct {
	Name            string         `bson:"_id"`
	ProcessName     string         `bson:"process_name"`
	Cron            string         `bson:"cron,omitempty"`
	IntervalSeconds int64          `bson:"interval_seconds,omitempty"`
	Inputs          map[string]any `bson:"inputs,omitempty"`
	LastRunAt       time.Time      `bson:"last_run_at,omitempty"`
}

func (s *MongoStore) SaveSchedule(ctx context.Context, sched api.Schedule) error {
	_, err := s.schedules.UpdateOne(ctx,
		bson.M{"_id": sched.Name},
		bson.M{"$set": bson.M{
			"process_name":     sched.ProcessName,
			"cron":             sched.Cron,
			"interval_seconds": sched.IntervalSeconds,
			"inputs":           sched.Inputs,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetSchedule(ctx context.Context, name string) (api.Schedule, error) {
	var doc mongoScheduleDoc
	err := s.schedules.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.Schedule{}, ErrScheduleNotFound
	}
	if err != nil {
		return api.Schedule{}, err
	}
	return api.Schedule{
		Name:            doc.Name,
		ProcessName:     doc.ProcessName,
		Cron:            doc.Cron,
		IntervalSeconds: doc.IntervalSeconds,
		Inputs:          doc.Inputs,
		LastRunAt:       doc.LastRunAt,
	}, nil
}

func (s *MongoStore) ListSchedules(ctx context.Context) ([]api.Schedule, error) {
	cur, err := s.schedules.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []api.Schedule
	for cur.Next(ctx) {
		var doc mongoScheduleDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, api.Schedule{
			Name:            doc.Name,
			ProcessName:     doc.ProcessName,
			Cron:            doc.Cron,
			IntervalSeconds: doc.IntervalSeconds,
			Inputs:          doc.Inputs,
			LastRunAt:       doc.LastRunAt,
		})
	}
	return result, cur.Err()
}

func (s *MongoStore) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.schedules.DeleteOne(ctx, bson.M{"_id": name})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *MongoStore) MarkScheduleRun(ctx context.Context, name string, at time.Time) error {
	res, err := s.schedules.UpdateOne(ctx,
		bson.M{"_id": name},
		bson.M{"$set": bson.M{"last_run_at": at}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

type mongoEntityDoc struct {
	Entity      string              `bson:"_id"`
	Fields      []string            `bson:"fields,omitempty"`
	Transitions map[string][]string `bson:"transitions,omitempty"`
}

func (s *MongoStore) SaveEntityMeta(ctx context.Context, meta api.EntityMeta) error {
	doc := mongoEntityDoc{
		Entity:      meta.Entity,
		Fields:      meta.Fields,
		Transitions: meta.Transitions,
	}
	_, err := s.entities.ReplaceOne(ctx,
		bson.M{"_id": meta.Entity},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetEntityMeta(ctx context.Context, entity string) (api.EntityMeta, error) {
	var doc mongoEntityDoc
	err := s.entities.FindOne(ctx, bson.M{"_id": entity}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.EntityMeta{}, ErrEntityMetaNotFound
	}
	if err != nil {
		return api.EntityMeta{}, err
	}
	return api.EntityMeta{
		Entity:      doc.Entity,
		Fields:      doc.Fields,
		Transitions: doc.Transitions,
	}, nil
}

func (s *MongoStore) ListEntityMeta(ctx context.Context) ([]api.EntityMeta, error) {
	cur, err := s.entities.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []api.EntityMeta
	for cur.Next(ctx) {
		var doc mongoEntityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, api.EntityMeta{
			Entity:      doc.Entity,
			Fields:      doc.Fields,
			Transitions: doc.Transitions,
		})
	}
	return result, cur.Err()
}
