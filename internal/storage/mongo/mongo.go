// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mongo implements storage.Store on MongoDB with one collection per
// entity. Conditional writes (claiming a thread, writing a live message) are
// single-document updates filtered on status, so they are atomic.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/storage"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Store is a MongoDB-backed storage.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ storage.Store = (*Store)(nil)

var liveStatuses = bson.A{string(model.StatusPending), string(model.StatusStreaming)}

// Open connects to uri, selects database and ensures indexes exist.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: failed to connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping failed: %w", err)
	}

	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	collections := map[string][]mongo.IndexModel{
		"users": {
			{
				Keys: bson.D{{Key: "email", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("unique_email").
					SetPartialFilterExpression(bson.M{"email": bson.M{"$gt": ""}}),
			},
		},
		"tokens": {
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		"threads": {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "pinned", Value: -1}, {Key: "updated_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		"messages": {
			{Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		},
		"attachments": {
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		"usage": {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
	for name, indexes := range collections {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo: failed to create indexes for %s: %w", name, err)
		}
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) users() *mongo.Collection       { return s.db.Collection("users") }
func (s *Store) tokens() *mongo.Collection      { return s.db.Collection("tokens") }
func (s *Store) threads() *mongo.Collection     { return s.db.Collection("threads") }
func (s *Store) messages() *mongo.Collection    { return s.db.Collection("messages") }
func (s *Store) attachments() *mongo.Collection { return s.db.Collection("attachments") }
func (s *Store) usage() *mongo.Collection       { return s.db.Collection("usage") }

// =============================================================================
// DOCUMENTS
// =============================================================================

type userDoc struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Email     string    `bson:"email"`
	CreatedAt time.Time `bson:"created_at"`
}

type tokenDoc struct {
	Hash      string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	CreatedAt time.Time `bson:"created_at"`
}

type threadDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Title     string    `bson:"title"`
	Model     string    `bson:"model"`
	Pinned    bool      `bson:"pinned"`
	Status    string    `bson:"status"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type usageFields struct {
	PromptTokens     int   `bson:"prompt_tokens"`
	CompletionTokens int   `bson:"completion_tokens"`
	ReasoningTokens  int   `bson:"reasoning_tokens"`
	TotalTokens      int   `bson:"total_tokens"`
	CostMicros       int64 `bson:"cost_micros"`
}

type attachmentRefDoc struct {
	ID        string `bson:"id"`
	Name      string `bson:"name"`
	MediaType string `bson:"media_type"`
}

type messageDoc struct {
	ID           string             `bson:"_id"`
	ThreadID     string             `bson:"thread_id"`
	UserID       string             `bson:"user_id"`
	Role         string             `bson:"role"`
	Content      string             `bson:"content"`
	Reasoning    string             `bson:"reasoning"`
	Attachments  []attachmentRefDoc `bson:"attachments,omitempty"`
	Model        string             `bson:"model"`
	Status       string             `bson:"status"`
	Error        string             `bson:"error"`
	FinishReason string             `bson:"finish_reason"`
	Usage        usageFields        `bson:"usage"`
	Seq          int64              `bson:"seq"`
	CreatedAt    time.Time          `bson:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at"`
	FinishedAt   *time.Time         `bson:"finished_at,omitempty"`
}

type attachmentDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Name      string    `bson:"name"`
	MediaType string    `bson:"media_type"`
	Size      int64     `bson:"size"`
	Digest    string    `bson:"digest"`
	CreatedAt time.Time `bson:"created_at"`
}

type usageDoc struct {
	UserID    string      `bson:"user_id"`
	ThreadID  string      `bson:"thread_id"`
	MessageID string      `bson:"message_id"`
	Model     string      `bson:"model"`
	Usage     usageFields `bson:"usage"`
	CreatedAt time.Time   `bson:"created_at"`
}

func toUsageFields(u model.Usage) usageFields {
	return usageFields{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		ReasoningTokens:  u.ReasoningTokens,
		TotalTokens:      u.TotalTokens,
		CostMicros:       u.CostMicros,
	}
}

func (u usageFields) toModel() model.Usage {
	return model.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		ReasoningTokens:  u.ReasoningTokens,
		TotalTokens:      u.TotalTokens,
		CostMicros:       u.CostMicros,
	}
}

func (d *threadDoc) toModel() *model.Thread {
	return &model.Thread{
		ID:        d.ID,
		UserID:    d.UserID,
		Title:     d.Title,
		Model:     d.Model,
		Pinned:    d.Pinned,
		Status:    model.ThreadStatus(d.Status),
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func (d *messageDoc) toModel() *model.Message {
	m := &model.Message{
		ID:           d.ID,
		ThreadID:     d.ThreadID,
		UserID:       d.UserID,
		Role:         model.Role(d.Role),
		Content:      d.Content,
		Reasoning:    d.Reasoning,
		Model:        d.Model,
		Status:       model.MessageStatus(d.Status),
		Error:        d.Error,
		FinishReason: d.FinishReason,
		Usage:        d.Usage.toModel(),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	if d.FinishedAt != nil {
		t := d.FinishedAt.UTC()
		m.FinishedAt = &t
	}
	for _, a := range d.Attachments {
		m.Attachments = append(m.Attachments, model.AttachmentRef{ID: a.ID, Name: a.Name, MediaType: a.MediaType})
	}
	return m
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ErrNotFound
	}
	return err
}

// =============================================================================
// USERS
// =============================================================================

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.users().InsertOne(ctx, userDoc{ID: u.ID, Name: u.Name, Email: u.Email, CreatedAt: u.CreatedAt})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("user %s: %w", u.Email, storage.ErrConflict)
	}
	return err
}

// GetUser returns the user with id.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var d userDoc
	if err := s.users().FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, notFound(err)
	}
	return &model.User{ID: d.ID, Name: d.Name, Email: d.Email, CreatedAt: d.CreatedAt.UTC()}, nil
}

// CreateToken stores a token hash for userID.
func (s *Store) CreateToken(ctx context.Context, userID, tokenHash string) error {
	_, err := s.tokens().InsertOne(ctx, tokenDoc{Hash: tokenHash, UserID: userID, CreatedAt: time.Now().UTC()})
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrConflict
	}
	return err
}

// UserByToken returns the owner of a token hash.
func (s *Store) UserByToken(ctx context.Context, tokenHash string) (*model.User, error) {
	var tok tokenDoc
	if err := s.tokens().FindOne(ctx, bson.M{"_id": tokenHash}).Decode(&tok); err != nil {
		return nil, notFound(err)
	}
	return s.GetUser(ctx, tok.UserID)
}

// DeleteToken revokes a token hash.
func (s *Store) DeleteToken(ctx context.Context, tokenHash string) error {
	res, err := s.tokens().DeleteOne(ctx, bson.M{"_id": tokenHash})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// =============================================================================
// THREADS
// =============================================================================

// CreateThread inserts a thread.
func (s *Store) CreateThread(ctx context.Context, t *model.Thread) error {
	status := t.Status
	if status == "" {
		status = model.ThreadIdle
	}
	_, err := s.threads().InsertOne(ctx, threadDoc{
		ID: t.ID, UserID: t.UserID, Title: t.Title, Model: t.Model, Pinned: t.Pinned,
		Status: string(status), CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	})
	return err
}

// GetThread returns a thread owned by userID.
func (s *Store) GetThread(ctx context.Context, userID, id string) (*model.Thread, error) {
	var d threadDoc
	if err := s.threads().FindOne(ctx, bson.M{"_id": id, "user_id": userID}).Decode(&d); err != nil {
		return nil, notFound(err)
	}
	return d.toModel(), nil
}

// ListThreads returns a user's threads, pinned first, then most recently updated.
func (s *Store) ListThreads(ctx context.Context, userID string, opts storage.ListOptions) ([]*model.Thread, error) {
	filter := bson.M{"user_id": userID}
	if !opts.Before.IsZero() {
		filter["updated_at"] = bson.M{"$lt": opts.Before}
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		filter["title"] = bson.M{"$regex": regexp.QuoteMeta(q), "$options": "i"}
	}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "pinned", Value: -1}, {Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(opts.EffectiveLimit()))

	cursor, err := s.threads().Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	var docs []threadDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	threads := make([]*model.Thread, 0, len(docs))
	for i := range docs {
		threads = append(threads, docs[i].toModel())
	}
	return threads, nil
}

// UpdateThread applies patch to a thread owned by userID.
func (s *Store) UpdateThread(ctx context.Context, userID, id string, patch storage.ThreadPatch) (*model.Thread, error) {
	sets := bson.M{"updated_at": time.Now().UTC()}
	if patch.Title != nil {
		sets["title"] = *patch.Title
	}
	if patch.Pinned != nil {
		sets["pinned"] = *patch.Pinned
	}
	if patch.Model != nil {
		sets["model"] = *patch.Model
	}

	var d threadDoc
	err := s.threads().FindOneAndUpdate(ctx,
		bson.M{"_id": id, "user_id": userID},
		bson.M{"$set": sets},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err != nil {
		return nil, notFound(err)
	}
	return d.toModel(), nil
}

// ClaimThread marks an idle thread as generating.
func (s *Store) ClaimThread(ctx context.Context, userID, id string) error {
	res, err := s.threads().UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID, "status": string(model.ThreadIdle)},
		bson.M{"$set": bson.M{"status": string(model.ThreadGenerating), "updated_at": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if _, err := s.GetThread(ctx, userID, id); err != nil {
		return err
	}
	return storage.ErrConflict
}

// SetThreadStatus sets a thread's status.
func (s *Store) SetThreadStatus(ctx context.Context, id string, status model.ThreadStatus) error {
	res, err := s.threads().UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": string(status), "updated_at": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteThread deletes an idle thread and its messages.
func (s *Store) DeleteThread(ctx context.Context, userID, id string) error {
	res, err := s.threads().DeleteOne(ctx,
		bson.M{"_id": id, "user_id": userID, "status": string(model.ThreadIdle)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		if _, err := s.GetThread(ctx, userID, id); err != nil {
			return err
		}
		return storage.ErrConflict
	}
	if _, err := s.messages().DeleteMany(ctx, bson.M{"thread_id": id}); err != nil {
		return fmt.Errorf("delete messages of thread %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// CreateMessage inserts a message and bumps the thread's updated_at.
func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	res, err := s.threads().UpdateOne(ctx, bson.M{"_id": m.ThreadID},
		bson.M{"$set": bson.M{"updated_at": m.CreatedAt}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("thread %s: %w", m.ThreadID, storage.ErrNotFound)
	}

	d := messageDoc{
		ID: m.ID, ThreadID: m.ThreadID, UserID: m.UserID, Role: string(m.Role),
		Content: m.Content, Reasoning: m.Reasoning, Model: m.Model, Status: string(m.Status),
		Error: m.Error, FinishReason: m.FinishReason, Usage: toUsageFields(m.Usage),
		Seq: time.Now().UnixNano(), CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt, FinishedAt: m.FinishedAt,
	}
	for _, a := range m.Attachments {
		d.Attachments = append(d.Attachments, attachmentRefDoc{ID: a.ID, Name: a.Name, MediaType: a.MediaType})
	}
	_, err = s.messages().InsertOne(ctx, d)
	return err
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var d messageDoc
	if err := s.messages().FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, notFound(err)
	}
	return d.toModel(), nil
}

// ListMessages returns a thread's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]*model.Message, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}})
	cursor, err := s.messages().Find(ctx, bson.M{"thread_id": threadID}, findOpts)
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	messages := make([]*model.Message, 0, len(docs))
	for i := range docs {
		messages = append(messages, docs[i].toModel())
	}
	return messages, nil
}

// UpdateMessageStream writes partial output of a live message.
func (s *Store) UpdateMessageStream(ctx context.Context, id string, patch storage.StreamPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	sets := bson.M{
		"status":     string(patch.Status),
		"content":    patch.Content,
		"reasoning":  patch.Reasoning,
		"updated_at": time.Now().UTC(),
	}
	if patch.Usage != nil {
		sets["usage"] = toUsageFields(*patch.Usage)
	}
	return s.updateLive(ctx, id, sets)
}

// FinalizeMessage writes the terminal state of a live message.
func (s *Store) FinalizeMessage(ctx context.Context, id string, final storage.Final) error {
	if err := final.Validate(); err != nil {
		return err
	}
	finishedAt := final.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	return s.updateLive(ctx, id, bson.M{
		"status":        string(final.Status),
		"content":       final.Content,
		"reasoning":     final.Reasoning,
		"error":         final.Error,
		"finish_reason": final.FinishReason,
		"usage":         toUsageFields(final.Usage),
		"updated_at":    finishedAt.UTC(),
		"finished_at":   finishedAt.UTC(),
	})
}

func (s *Store) updateLive(ctx context.Context, id string, sets bson.M) error {
	res, err := s.messages().UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": liveStatuses}},
		bson.M{"$set": sets})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := s.GetMessage(ctx, id); err != nil {
		return err
	}
	return storage.ErrAlreadyFinal
}

// MarkStaleStreams finalizes orphaned live messages as error.
func (s *Store) MarkStaleStreams(ctx context.Context, olderThan time.Time, reason string) (int, error) {
	now := time.Now().UTC()
	res, err := s.messages().UpdateMany(ctx,
		bson.M{"status": bson.M{"$in": liveStatuses}, "updated_at": bson.M{"$lte": olderThan}},
		bson.M{"$set": bson.M{
			"status":      string(model.StatusError),
			"error":       reason,
			"updated_at":  now,
			"finished_at": now,
		}})
	if err != nil {
		return 0, err
	}

	// Threads still holding a live message belong to another process.
	var busyIDs []string
	err = s.messages().Distinct(ctx, "thread_id", bson.M{"status": bson.M{"$in": liveStatuses}}).Decode(&busyIDs)
	if err != nil {
		return 0, err
	}

	filter := bson.M{
		"status":     string(model.ThreadGenerating),
		"updated_at": bson.M{"$lte": olderThan},
	}
	if len(busyIDs) > 0 {
		filter["_id"] = bson.M{"$nin": busyIDs}
	}
	if _, err := s.threads().UpdateMany(ctx, filter,
		bson.M{"$set": bson.M{"status": string(model.ThreadIdle)}}); err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

// CreateAttachment inserts attachment metadata.
func (s *Store) CreateAttachment(ctx context.Context, a *model.Attachment) error {
	_, err := s.attachments().InsertOne(ctx, attachmentDoc{
		ID: a.ID, UserID: a.UserID, Name: a.Name, MediaType: a.MediaType,
		Size: a.Size, Digest: a.Digest, CreatedAt: a.CreatedAt,
	})
	return err
}

// GetAttachment returns attachment metadata owned by userID.
func (s *Store) GetAttachment(ctx context.Context, userID, id string) (*model.Attachment, error) {
	var d attachmentDoc
	if err := s.attachments().FindOne(ctx, bson.M{"_id": id, "user_id": userID}).Decode(&d); err != nil {
		return nil, notFound(err)
	}
	return &model.Attachment{
		ID: d.ID, UserID: d.UserID, Name: d.Name, MediaType: d.MediaType,
		Size: d.Size, Digest: d.Digest, CreatedAt: d.CreatedAt.UTC(),
	}, nil
}

// =============================================================================
// USAGE
// =============================================================================

// RecordUsage appends a usage record.
func (s *Store) RecordUsage(ctx context.Context, rec storage.UsageRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.usage().InsertOne(ctx, usageDoc{
		UserID: rec.UserID, ThreadID: rec.ThreadID, MessageID: rec.MessageID, Model: rec.Model,
		Usage: toUsageFields(rec.Usage), CreatedAt: created.UTC(),
	})
	return err
}

// UsageSummary aggregates a user's usage per model since a time.
func (s *Store) UsageSummary(ctx context.Context, userID string, since time.Time) (*storage.UsageSummary, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID, "created_at": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{
			"_id":               "$model",
			"generations":       bson.M{"$sum": 1},
			"prompt_tokens":     bson.M{"$sum": "$usage.prompt_tokens"},
			"completion_tokens": bson.M{"$sum": "$usage.completion_tokens"},
			"reasoning_tokens":  bson.M{"$sum": "$usage.reasoning_tokens"},
			"total_tokens":      bson.M{"$sum": "$usage.total_tokens"},
			"cost_micros":       bson.M{"$sum": "$usage.cost_micros"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}
	cursor, err := s.usage().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Model            string `bson:"_id"`
		Generations      int    `bson:"generations"`
		PromptTokens     int    `bson:"prompt_tokens"`
		CompletionTokens int    `bson:"completion_tokens"`
		ReasoningTokens  int    `bson:"reasoning_tokens"`
		TotalTokens      int    `bson:"total_tokens"`
		CostMicros       int64  `bson:"cost_micros"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	summary := &storage.UsageSummary{Since: since, ByModel: []storage.ModelUsage{}}
	for _, r := range rows {
		mu := storage.ModelUsage{Model: r.Model, Generations: r.Generations, Usage: model.Usage{
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			ReasoningTokens:  r.ReasoningTokens,
			TotalTokens:      r.TotalTokens,
			CostMicros:       r.CostMicros,
		}}
		summary.ByModel = append(summary.ByModel, mu)
		summary.Generations += mu.Generations
		summary.Total = summary.Total.Add(mu.Usage)
	}
	return summary, nil
}
