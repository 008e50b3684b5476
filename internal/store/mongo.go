// ABOUTME: MongoDB implementation of the Store interface using the official driver
// ABOUTME: Ownership transitions use FindOneAndUpdate with the precondition in the filter

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"

	// appendAttempts bounds optimistic retries when concurrent senders race for the next sequence number.
	appendAttempts = 8
)

// conversationDoc is the stored shape of a conversation.
// OpenKey is set to the user ID while the conversation is open; a partial
// unique index on it enforces one open conversation per user.
type conversationDoc struct {
	Conversation `bson:",inline"`
	OpenKey      string `bson:"open_key,omitempty"`
	MessageSeq   int64  `bson:"message_seq"`
}

// MongoStore implements the Store interface on MongoDB.
type MongoStore struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	logger        *slog.Logger
}

// NewMongoStore connects to uri, verifies the connection and creates indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	logger := slog.Default().With("component", "store")

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
		logger:        logger,
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	logger.Info("MongoDB store initialized", "database", database)
	return s, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "open_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"open_key": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "assigned_admin_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "last_message_at", Value: -1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "sender_type", Value: 1}, {Key: "is_read", Value: 1}}},
	})
	return err
}

// Close disconnects from MongoDB
func (s *MongoStore) Close() error {
	s.logger.Info("closing MongoDB store")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var notClosed = bson.M{"$ne": string(StatusClosed)}

// literal keeps caller-supplied strings from being read as field paths inside update pipelines.
func literal(v string) bson.M {
	return bson.M{"$literal": v}
}

func (s *MongoStore) findConversation(ctx context.Context, filter bson.M) (*conversationDoc, error) {
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return &doc, nil
}

// findAndUpdate applies update to the document matching filter and returns it after the update.
// ok is false when no document matched.
func (s *MongoStore) findAndUpdate(ctx context.Context, filter bson.M, update any) (*Conversation, bool, error) {
	var doc conversationDoc
	err := s.conversations.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &doc.Conversation, true, nil
}

func (s *MongoStore) explainMiss(ctx context.Context, id string, otherwise error) (*Conversation, error) {
	doc, err := s.findConversation(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, err
	}
	if doc.IsClosed() {
		return &doc.Conversation, ErrConversationClosed
	}
	return &doc.Conversation, otherwise
}

// CreateConversation inserts a new conversation.
func (s *MongoStore) CreateConversation(ctx context.Context, c *Conversation) error {
	doc := conversationDoc{Conversation: *c}
	if !c.IsClosed() {
		doc.OpenKey = c.UserID
	}

	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "user_id", c.UserID)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *MongoStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	doc, err := s.findConversation(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, err
	}
	return &doc.Conversation, nil
}

// GetOpenConversationByUser returns the user's conversation that is not closed.
func (s *MongoStore) GetOpenConversationByUser(ctx context.Context, userID string) (*Conversation, error) {
	doc, err := s.findConversation(ctx, bson.M{"open_key": userID})
	if err != nil {
		return nil, err
	}
	return &doc.Conversation, nil
}

// ListConversations returns conversations matching the filter, newest activity first.
func (s *MongoStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	q := bson.M{}
	if filter.UserID != "" {
		q["user_id"] = filter.UserID
	}
	if filter.AssignedAdminID != "" {
		q["assigned_admin_id"] = filter.AssignedAdminID
	}
	if filter.UnassignedOnly {
		q["assigned_admin_id"] = ""
	}
	switch {
	case filter.Status != "":
		q["status"] = string(filter.Status)
	case filter.ExcludeClosed:
		q["status"] = notClosed
	}

	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.conversations.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer cur.Close(ctx)

	var out []*Conversation
	for cur.Next(ctx) {
		var doc conversationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding conversation: %w", err)
		}
		// Status and ExcludeClosed may both be set; post-filter covers the combination.
		if filter.Matches(&doc.Conversation) {
			c := doc.Conversation
			out = append(out, &c)
		}
	}
	return out, cur.Err()
}

// AssignConversation gives ownership to owner if unowned or already owned by owner.
func (s *MongoStore) AssignConversation(ctx context.Context, id string, owner Owner, lock bool) (*Conversation, error) {
	set := bson.M{
		"assigned_admin_id":   literal(owner.ID),
		"assigned_admin_name": literal(owner.Name),
		"status":              string(StatusActive),
		"updated_at":          time.Now().UTC(),
	}
	if lock {
		set["is_locked"] = true
		set["locked_by_admin_id"] = literal(owner.ID)
		set["locked_by_admin_name"] = literal(owner.Name)
	} else {
		set["locked_by_admin_name"] = bson.M{"$cond": bson.A{"$is_locked", literal(owner.Name), "$locked_by_admin_name"}}
	}

	filter := bson.M{
		"_id":               id,
		"status":            notClosed,
		"assigned_admin_id": bson.M{"$in": bson.A{"", owner.ID}},
	}

	c, ok, err := s.findAndUpdate(ctx, filter, mongo.Pipeline{{{Key: "$set", Value: set}}})
	if err != nil {
		return nil, fmt.Errorf("assigning conversation: %w", err)
	}
	if !ok {
		return s.explainMiss(ctx, id, ErrAssignmentConflict)
	}

	s.logger.Debug("conversation assigned", "id", id, "admin_id", owner.ID, "locked", c.IsLocked)
	return c, nil
}

// ReleaseConversation clears assignment and lock together and returns the conversation to the pool.
func (s *MongoStore) ReleaseConversation(ctx context.Context, id, requesterID string, force bool) (*Conversation, error) {
	filter := bson.M{"_id": id, "status": notClosed}
	if !force {
		if requesterID == "" {
			return s.explainMiss(ctx, id, ErrNotOwner)
		}
		filter["assigned_admin_id"] = requesterID
	}

	c, ok, err := s.findAndUpdate(ctx, filter, bson.M{"$set": bson.M{
		"assigned_admin_id":    "",
		"assigned_admin_name":  "",
		"is_locked":            false,
		"locked_by_admin_id":   "",
		"locked_by_admin_name": "",
		"status":               string(StatusWaiting),
		"updated_at":           time.Now().UTC(),
	}})
	if err != nil {
		return nil, fmt.Errorf("releasing conversation: %w", err)
	}
	if !ok {
		return s.explainMiss(ctx, id, ErrNotOwner)
	}
	return c, nil
}

// TransferConversation moves ownership to another operator; a held lock follows it.
func (s *MongoStore) TransferConversation(ctx context.Context, id string, to Owner) (*Conversation, Owner, error) {
	now := time.Now().UTC()
	update := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"assigned_admin_id":    literal(to.ID),
		"assigned_admin_name":  literal(to.Name),
		"locked_by_admin_id":   bson.M{"$cond": bson.A{"$is_locked", literal(to.ID), ""}},
		"locked_by_admin_name": bson.M{"$cond": bson.A{"$is_locked", literal(to.Name), ""}},
		"updated_at":           now,
	}}}}

	var before conversationDoc
	err := s.conversations.FindOneAndUpdate(ctx, bson.M{"_id": id, "status": notClosed}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		c, err := s.explainMiss(ctx, id, ErrConversationClosed)
		return c, Owner{}, err
	}
	if err != nil {
		return nil, Owner{}, fmt.Errorf("transferring conversation: %w", err)
	}

	previous := Owner{ID: before.AssignedAdminID, Name: before.AssignedAdminName}
	updated := before.Conversation
	updated.AssignedAdminID = to.ID
	updated.AssignedAdminName = to.Name
	if updated.IsLocked {
		updated.LockedByAdminID = to.ID
		updated.LockedByAdminName = to.Name
	} else {
		updated.LockedByAdminID = ""
		updated.LockedByAdminName = ""
	}
	updated.UpdatedAt = now
	return &updated, previous, nil
}

// CloseConversation moves the conversation to its terminal state.
func (s *MongoStore) CloseConversation(ctx context.Context, id string) (*Conversation, bool, error) {
	c, ok, err := s.findAndUpdate(ctx, bson.M{"_id": id, "status": notClosed}, bson.M{
		"$set":   bson.M{"status": string(StatusClosed), "updated_at": time.Now().UTC()},
		"$unset": bson.M{"open_key": ""},
	})
	if err != nil {
		return nil, false, fmt.Errorf("closing conversation: %w", err)
	}
	if !ok {
		current, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	return c, true, nil
}

// SetUserOnline mirrors presence onto the user's open conversation.
func (s *MongoStore) SetUserOnline(ctx context.Context, userID string, online bool) (*Conversation, error) {
	c, ok, err := s.findAndUpdate(ctx, bson.M{"open_key": userID}, bson.M{
		"$set": bson.M{"user_online": online, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return nil, fmt.Errorf("updating user status: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// AppendMessage inserts msg under the next per-conversation sequence number and
// then advances the conversation's counters conditioned on that sequence. A
// concurrent sender or close makes the condition fail; the message is removed
// and the attempt retried.
func (s *MongoStore) AppendMessage(ctx context.Context, msg *Message, preview string) (*Conversation, error) {
	unreadDelta := 0
	if msg.SenderType == SenderUser {
		unreadDelta = 1
	}

	for attempt := 0; attempt < appendAttempts; attempt++ {
		current, err := s.findConversation(ctx, bson.M{"_id": msg.ChatID})
		if err != nil {
			return nil, err
		}
		if current.IsClosed() {
			return &current.Conversation, ErrConversationClosed
		}

		// BSON datetimes carry millisecond precision.
		createdAt := time.Now().UTC().Truncate(time.Millisecond)
		if !createdAt.After(current.LastMessageAt) {
			createdAt = current.LastMessageAt.Add(time.Millisecond)
		}
		msg.Seq = current.MessageSeq + 1
		msg.CreatedAt = createdAt

		if _, err := s.messages.InsertOne(ctx, msg); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return nil, fmt.Errorf("inserting message: %w", err)
		}

		updated, ok, err := s.findAndUpdate(ctx,
			bson.M{"_id": msg.ChatID, "status": notClosed, "message_seq": current.MessageSeq},
			bson.M{
				"$set": bson.M{
					"last_message":    preview,
					"last_message_at": createdAt,
					"message_seq":     msg.Seq,
					"updated_at":      createdAt,
				},
				"$inc": bson.M{"unread_count": unreadDelta},
			})
		if err == nil && ok {
			s.logger.Debug("message appended", "chat_id", msg.ChatID, "message_id", msg.ID, "seq", msg.Seq)
			return updated, nil
		}

		if _, delErr := s.messages.DeleteOne(context.WithoutCancel(ctx), bson.M{"_id": msg.ID}); delErr != nil {
			s.logger.Error("failed to remove orphaned message", "message_id", msg.ID, "error", delErr)
		}
		if err != nil {
			return nil, fmt.Errorf("updating conversation preview: %w", err)
		}
	}
	return nil, fmt.Errorf("appending message to %s: too much contention", msg.ChatID)
}

// ListMessages returns one page of the log in insertion order plus the total count.
func (s *MongoStore) ListMessages(ctx context.Context, chatID string, offset, limit int) ([]*Message, int, error) {
	total, err := s.messages.CountDocuments(ctx, bson.M{"chat_id": chatID})
	if err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	cur, err := s.messages.Find(ctx, bson.M{"chat_id": chatID}, options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages: %w", err)
	}
	defer cur.Close(ctx)

	messages := make([]*Message, 0, limit)
	if err := cur.All(ctx, &messages); err != nil {
		return nil, 0, fmt.Errorf("decoding messages: %w", err)
	}
	return messages, int(total), nil
}

// MarkMessagesRead flips unread messages written by sender to read.
func (s *MongoStore) MarkMessagesRead(ctx context.Context, chatID string, sender SenderType, readAt time.Time, resetUnread bool) (int64, error) {
	if _, err := s.findConversation(ctx, bson.M{"_id": chatID}); err != nil {
		return 0, err
	}

	res, err := s.messages.UpdateMany(ctx,
		bson.M{"chat_id": chatID, "sender_type": string(sender), "is_read": false},
		bson.M{"$set": bson.M{"is_read": true, "read_at": readAt.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}

	if resetUnread {
		if _, err := s.conversations.UpdateOne(ctx,
			bson.M{"_id": chatID, "status": notClosed},
			bson.M{"$set": bson.M{"unread_count": 0, "updated_at": time.Now().UTC()}}); err != nil {
			return 0, fmt.Errorf("resetting unread count: %w", err)
		}
	}
	return res.ModifiedCount, nil
}

// Compile-time interface check
var _ Store = (*MongoStore)(nil)
