// Package mongo stores jobs in a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/magnetdrive/internal/storage"
	"github.com/italolelis/magnetdrive/internal/transfer"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "jobs"

type jobDocument struct {
	ID            string     `bson:"_id"`
	UserID        string     `bson:"user_id"`
	Source        string     `bson:"source"`
	Handle        string     `bson:"handle"`
	Name          string     `bson:"name"`
	Size          int64      `bson:"size"`
	Progress      float64    `bson:"progress"`
	Seeders       int        `bson:"seeders"`
	DownloadSpeed int64      `bson:"download_speed"`
	Status        string     `bson:"status"`
	Error         string     `bson:"error"`
	ShareableLink string     `bson:"shareable_link"`
	RemoteID      string     `bson:"remote_id"`
	PayloadPath   string     `bson:"payload_path"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
	CompletedAt   *time.Time `bson:"completed_at,omitempty"`
}

func toDocument(j *transfer.Job) *jobDocument {
	return &jobDocument{
		ID:            j.ID,
		UserID:        j.UserID,
		Source:        j.Source,
		Handle:        j.Handle,
		Name:          j.Name,
		Size:          j.Size,
		Progress:      j.Progress,
		Seeders:       j.Seeders,
		DownloadSpeed: j.DownloadSpeed,
		Status:        string(j.Status),
		Error:         j.Error,
		ShareableLink: j.ShareableLink,
		RemoteID:      j.RemoteID,
		PayloadPath:   j.PayloadPath,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		CompletedAt:   j.CompletedAt,
	}
}

func (d *jobDocument) job() *transfer.Job {
	return &transfer.Job{
		ID:            d.ID,
		UserID:        d.UserID,
		Source:        d.Source,
		Handle:        d.Handle,
		Name:          d.Name,
		Size:          d.Size,
		Progress:      d.Progress,
		Seeders:       d.Seeders,
		DownloadSpeed: d.DownloadSpeed,
		Status:        transfer.Status(d.Status),
		Error:         d.Error,
		ShareableLink: d.ShareableLink,
		RemoteID:      d.RemoteID,
		PayloadPath:   d.PayloadPath,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		CompletedAt:   d.CompletedAt,
	}
}

// JobRepository implements storage.JobStore on top of MongoDB.
type JobRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Connect dials MongoDB, verifies the connection and ensures the collection indexes exist.
func Connect(ctx context.Context, uri, database string) (*JobRepository, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())

		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	repo := &JobRepository{
		client:     client,
		collection: client.Database(database).Collection(collectionName),
	}

	_, err = repo.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())

		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return repo, nil
}

// Insert stores a new job.
func (r *JobRepository) Insert(ctx context.Context, job *transfer.Job) error {
	if _, err := r.collection.InsertOne(ctx, toDocument(job)); err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	return nil
}

// UpdateStatus applies the change only when the stored status is a valid predecessor.
func (r *JobRepository) UpdateStatus(ctx context.Context, id string, change transfer.StatusChange) error {
	if err := change.Validate(); err != nil {
		return err
	}

	if change.At.IsZero() {
		change.At = time.Now()
	}

	from := make([]string, 0, 3)
	for _, s := range transfer.PredecessorsOf(change.Status) {
		from = append(from, string(s))
	}

	filter := bson.M{"_id": id, "status": bson.M{"$in": from}}
	set := bson.M{"status": string(change.Status), "updated_at": change.At}

	var update any = bson.M{"$set": set}

	switch change.Status {
	case transfer.StatusDownloading:
		// A pipeline update lets the handle be assigned only once.
		set["handle"] = bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$handle", ""}},
			bson.M{"$literal": change.Handle},
			"$handle",
		}}
		update = mongo.Pipeline{{{Key: "$set", Value: set}}}
	case transfer.StatusCompleted:
		set["shareable_link"] = change.ShareableLink
		set["remote_id"] = change.RemoteID
		set["error"] = ""
		set["completed_at"] = change.At
	case transfer.StatusFailed:
		set["error"] = change.Error
		set["shareable_link"] = ""
		set["completed_at"] = change.At
	}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update status of job %s: %w", id, err)
	}

	if res.MatchedCount > 0 {
		return nil
	}

	current, err := r.status(ctx, id)
	if err != nil {
		return err
	}

	return &transfer.TransitionError{From: current, To: change.Status, Reason: "transition not allowed"}
}

// UpdateProgress stores the snapshot unless it would move the progress backwards.
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, update transfer.ProgressUpdate) error {
	if update.At.IsZero() {
		update.At = time.Now()
	}

	set := bson.M{
		"progress":       update.Percent,
		"seeders":        update.Seeders,
		"download_speed": update.DownloadSpeed,
		"updated_at":     update.At,
	}

	if update.Size > 0 {
		set["size"] = update.Size
	}

	if update.Name != "" {
		set["name"] = update.Name
	}

	if update.PayloadPath != "" {
		set["payload_path"] = update.PayloadPath
	}

	filter := bson.M{
		"_id":      id,
		"status":   string(transfer.StatusDownloading),
		"progress": bson.M{"$lte": update.Percent},
	}

	res, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update progress of job %s: %w", id, err)
	}

	if res.MatchedCount == 0 {
		if _, err := r.status(ctx, id); err != nil {
			return err
		}
	}

	return nil
}

// Get returns a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*transfer.Job, error) {
	var doc jobDocument

	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	return doc.job(), nil
}

// ListByUser returns the jobs of a user, most recent first.
func (r *JobRepository) ListByUser(ctx context.Context, userID string) ([]*transfer.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	return r.find(ctx, bson.M{"user_id": userID}, opts)
}

// ListActive returns the non-terminal jobs in creation order.
func (r *JobRepository) ListActive(ctx context.Context) ([]*transfer.Job, error) {
	active := make([]string, 0, 3)
	for _, s := range transfer.ActiveStatuses() {
		active = append(active, string(s))
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	return r.find(ctx, bson.M{"status": bson.M{"$in": active}}, opts)
}

// Close disconnects the client.
func (r *JobRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return r.client.Disconnect(ctx)
}

func (r *JobRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*transfer.Job, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []*jobDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}

	jobs := make([]*transfer.Job, 0, len(docs))
	for _, d := range docs {
		jobs = append(jobs, d.job())
	}

	return jobs, nil
}

func (r *JobRepository) status(ctx context.Context, id string) (transfer.Status, error) {
	var doc struct {
		Status string `bson:"status"`
	}

	err := r.collection.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"status": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", storage.ErrNotFound
	}

	if err != nil {
		return "", err
	}

	return transfer.Status(doc.Status), nil
}
