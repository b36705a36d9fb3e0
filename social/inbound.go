package social

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReceiveNote handles a Note created by a remote author. A reply to a post
// of this server becomes a comment; anything else is stored as a post and
// put on the timelines of the author's local followers.
func (s *Service) ReceiveNote(ctx context.Context, author *domain.Actor, note *activitypub.Note, raw []byte) error {
	if note.InReplyTo != "" {
		parent, err := s.db.ReadPostByURI(ctx, note.InReplyTo)
		switch {
		case err == nil && s.isLocalPost(ctx, parent):
			return s.db.CreateComment(ctx, &domain.Comment{
				Id:        uuid.New(),
				PostId:    parent.Id,
				Author:    author.Handle,
				ObjectURI: note.ID,
				Content:   note.Content,
				CreatedAt: publishedAt(note),
			})
		case err != nil && !errors.Is(err, domain.ErrPostNotFound):
			return err
		}
	}

	post, err := s.StoreRemotePost(ctx, author, note, raw)
	redelivered := errors.Is(err, domain.ErrAlreadyExists)
	if redelivered {
		// an earlier delivery may have stored the post and failed to fan out
		post, err = s.db.ReadPostByURI(ctx, note.ID)
	}
	if err != nil {
		return err
	}
	if _, err := s.fanout.FanOutRemotePost(ctx, post); err != nil {
		return fmt.Errorf("fan out %s: %w", post.ObjectURI, err)
	}
	if redelivered {
		return fmt.Errorf("note %s: %w", note.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// StoreRemotePost stores a remote Note once, keyed by its object URI. A
// Note already stored yields domain.ErrAlreadyExists.
func (s *Service) StoreRemotePost(ctx context.Context, author *domain.Actor, note *activitypub.Note, raw []byte) (*domain.Post, error) {
	post := &domain.Post{
		Id:           uuid.New(),
		Author:       author.Handle,
		ObjectURI:    note.ID,
		Content:      note.Content,
		Attachments:  note.Attachment.URLs(),
		InReplyTo:    note.InReplyTo,
		ActivityJSON: string(raw),
		CreatedAt:    publishedAt(note),
	}
	if err := s.db.CreatePost(ctx, post); err != nil {
		return nil, err
	}
	s.log.Info("Inbox: Stored remote post", zap.String("object", post.ObjectURI), zap.String("author", author.Handle))
	return post, nil
}

// RecordLike stores a like of a local post sent by a remote actor.
func (s *Service) RecordLike(ctx context.Context, actor *domain.Actor, objectURI, likeURI string) error {
	post, err := s.db.ReadPostByURI(ctx, objectURI)
	if err != nil {
		return err
	}
	return s.db.CreateLike(ctx, &domain.Like{PostId: post.Id, Actor: actor.Handle, URI: likeURI})
}

// RemoveRemoteLike handles Undo(Like). The like is found by its activity id
// when one was given, otherwise by the liked object.
func (s *Service) RemoveRemoteLike(ctx context.Context, actor *domain.Actor, likeURI, objectURI string) error {
	var postID uuid.UUID
	if likeURI != "" {
		like, err := s.db.ReadLikeByURI(ctx, likeURI)
		switch {
		case err == nil:
			if like.Actor != actor.Handle {
				return fmt.Errorf("like %s belongs to %s: %w", likeURI, like.Actor, domain.ErrNotFound)
			}
			postID = like.PostId
		case !errors.Is(err, domain.ErrNotFound) || objectURI == "":
			return err
		}
	}
	if postID == uuid.Nil {
		post, err := s.db.ReadPostByURI(ctx, objectURI)
		if err != nil {
			return err
		}
		postID = post.Id
	}
	_, err := s.db.DeleteLike(ctx, postID, actor.Handle)
	return err
}

// RecordBoost stores an Announce by a remote actor and puts the post on the
// timelines of the booster's local followers. A boosted post this server
// has not seen is stored from the embedded Note when its author resolves.
func (s *Service) RecordBoost(ctx context.Context, booster *domain.Actor, objectURI, announceURI string, embedded *activitypub.Note) error {
	post, err := s.db.ReadPostByURI(ctx, objectURI)
	if errors.Is(err, domain.ErrPostNotFound) && embedded != nil && embedded.ID == objectURI {
		post, err = s.storeBoostedNote(ctx, embedded)
	}
	if err != nil {
		return err
	}

	err = s.db.CreateBoost(ctx, &domain.Boost{PostId: post.Id, Actor: booster.Handle, URI: announceURI})
	redelivered := errors.Is(err, domain.ErrAlreadyExists)
	if err != nil && !redelivered {
		return err
	}
	// timeline inserts ignore duplicates, so propagating again is safe
	if _, err := s.fanout.PropagateBoost(ctx, booster, post); err != nil {
		return fmt.Errorf("propagate boost of %s: %w", post.ObjectURI, err)
	}
	if redelivered {
		return fmt.Errorf("boost of %s by %s: %w", post.ObjectURI, booster.Handle, domain.ErrAlreadyExists)
	}
	return nil
}

func (s *Service) storeBoostedNote(ctx context.Context, note *activitypub.Note) (*domain.Post, error) {
	if note.AttributedTo == "" {
		return nil, fmt.Errorf("boosted note %s has no author: %w", note.ID, domain.ErrPostNotFound)
	}
	author, err := s.resolver.ResolveActorURI(ctx, note.AttributedTo)
	if err != nil {
		return nil, err
	}
	if author.IsLocal() {
		// local posts are never created from a remote copy
		return nil, fmt.Errorf("%s: %w", note.ID, domain.ErrPostNotFound)
	}
	post, err := s.StoreRemotePost(ctx, author, note, nil)
	if errors.Is(err, domain.ErrAlreadyExists) {
		return s.db.ReadPostByURI(ctx, note.ID)
	}
	return post, err
}

func (s *Service) isLocalPost(ctx context.Context, post *domain.Post) bool {
	author, err := s.db.ReadActorByHandle(ctx, post.Author)
	return err == nil && author.IsLocal()
}

func publishedAt(note *activitypub.Note) time.Time {
	if t, err := time.Parse(time.RFC3339, note.Published); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
