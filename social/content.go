package social

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreatePost stores a post by a local author together with its Create
// activity, then fans it out. The returned post is committed even when the
// fan-out reports an error.
func (s *Service) CreatePost(ctx context.Context, author, content string, attachments []string) (*domain.Post, error) {
	return s.createPost(ctx, author, content, attachments, "")
}

// Reply is CreatePost for a post answering the object at inReplyTo.
func (s *Service) Reply(ctx context.Context, author, content string, attachments []string, inReplyTo string) (*domain.Post, error) {
	return s.createPost(ctx, author, content, attachments, inReplyTo)
}

func (s *Service) createPost(ctx context.Context, author, content string, attachments []string, inReplyTo string) (*domain.Post, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	actor, err := s.GetLocalActor(ctx, author)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	post := &domain.Post{
		Id:          id,
		Author:      actor.Handle,
		ObjectURI:   s.urls.NoteURI(id),
		Content:     content,
		Attachments: attachments,
		InReplyTo:   inReplyTo,
		CreatedAt:   time.Now().UTC(),
	}
	note := activitypub.NoteFromPost(s.urls, post, actor.ActorURI, s.urls.Followers(actor.Username))
	activity, err := activitypub.NewCreate(s.urls, actor, note).JSON()
	if err != nil {
		return nil, err
	}
	post.ActivityJSON = string(activity)

	if err := s.db.CreatePost(ctx, post); err != nil {
		return nil, err
	}
	s.log.Info("Post created", zap.String("post", post.Id.String()), zap.String("author", post.Author))

	if _, err := s.fanout.PublishPost(ctx, post); err != nil {
		return post, fmt.Errorf("publish %s: %w", post.Id, err)
	}
	return post, nil
}

// AddComment stores a comment by a local actor. A comment on a remote post
// is also sent to the post's author as a reply Note.
func (s *Service) AddComment(ctx context.Context, postID uuid.UUID, author, content string) (*domain.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	actor, err := s.GetLocalActor(ctx, author)
	if err != nil {
		return nil, err
	}
	post, err := s.db.ReadPost(ctx, postID)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	c := &domain.Comment{
		Id:        id,
		PostId:    post.Id,
		Author:    actor.Handle,
		ObjectURI: s.urls.NoteURI(id),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.CreateComment(ctx, c); err != nil {
		return nil, err
	}

	parentAuthor, err := s.db.ReadActorByHandle(ctx, post.Author)
	if err != nil {
		s.log.Warn("Comment: parent author unknown", zap.String("author", post.Author), zap.Error(err))
		return c, nil
	}
	if parentAuthor.IsRemote {
		reply := &domain.Post{ObjectURI: c.ObjectURI, Content: c.Content, InReplyTo: post.ObjectURI, CreatedAt: c.CreatedAt}
		note := activitypub.NoteFromPost(s.urls, reply, actor.ActorURI, s.urls.Followers(actor.Username))
		note.Cc = append(note.Cc, parentAuthor.ActorURI)
		s.deliverTo(actor, parentAuthor, activitypub.NewCreate(s.urls, actor, note))
	}
	return c, nil
}

func (s *Service) GetComments(ctx context.Context, postID uuid.UUID) ([]domain.Comment, error) {
	return s.db.ReadComments(ctx, postID)
}

// Like records a like by a local actor. The author of a remote post is sent
// a Like activity.
func (s *Service) Like(ctx context.Context, actor string, postID uuid.UUID) (*domain.Like, error) {
	liker, err := s.GetLocalActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	post, err := s.db.ReadPost(ctx, postID)
	if err != nil {
		return nil, err
	}

	activity := activitypub.NewLike(s.urls, liker, post.ObjectURI)
	like := &domain.Like{PostId: post.Id, Actor: liker.Handle, URI: activity.ID}
	if err := s.db.CreateLike(ctx, like); err != nil {
		return nil, err
	}
	if author := s.remoteAuthor(ctx, post); author != nil {
		s.deliverTo(liker, author, activity)
	}
	return like, nil
}

// Unlike removes a like by a local actor and sends Undo(Like) to the author
// of a remote post.
func (s *Service) Unlike(ctx context.Context, actor string, postID uuid.UUID) error {
	liker, err := s.GetLocalActor(ctx, actor)
	if err != nil {
		return err
	}
	post, err := s.db.ReadPost(ctx, postID)
	if err != nil {
		return err
	}
	like, err := s.db.DeleteLike(ctx, post.Id, liker.Handle)
	if err != nil {
		return err
	}
	if author := s.remoteAuthor(ctx, post); author != nil {
		original := &activitypub.OutboundActivity{ID: like.URI, Type: "Like", Actor: liker.ActorURI, Object: post.ObjectURI}
		s.deliverTo(liker, author, activitypub.NewUndo(s.urls, liker, original))
	}
	return nil
}

// Boost records an Announce by a local actor and propagates the post to the
// booster's followers.
func (s *Service) Boost(ctx context.Context, actor string, postID uuid.UUID) (*domain.Boost, error) {
	booster, err := s.GetLocalActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	post, err := s.db.ReadPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	boost := &domain.Boost{PostId: post.Id, Actor: booster.Handle, URI: s.urls.NewActivityURI()}
	if err := s.db.CreateBoost(ctx, boost); err != nil {
		return nil, err
	}
	if _, err := s.fanout.PropagateBoost(ctx, booster, post); err != nil {
		return boost, fmt.Errorf("propagate boost of %s: %w", post.Id, err)
	}
	return boost, nil
}

func (s *Service) GetPost(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	return s.db.ReadPost(ctx, id)
}

func (s *Service) GetPostByURI(ctx context.Context, uri string) (*domain.Post, error) {
	return s.db.ReadPostByURI(ctx, uri)
}

// GetPostsByAuthor pages through an author's posts, newest first.
func (s *Service) GetPostsByAuthor(ctx context.Context, author string, limit int, cursor string) (*domain.Page[domain.Post], error) {
	return s.db.ReadPostsByAuthor(ctx, domain.NormalizeHandle(author), limit, cursor)
}

// GetTimeline pages through a recipient's timeline, newest first. The
// public feed is domain.PublicTimeline.
func (s *Service) GetTimeline(ctx context.Context, recipient string, limit int, cursor string) (*domain.Page[domain.Post], error) {
	return s.db.ReadTimeline(ctx, recipient, limit, cursor)
}

func (s *Service) remoteAuthor(ctx context.Context, post *domain.Post) *domain.Actor {
	author, err := s.db.ReadActorByHandle(ctx, post.Author)
	if err != nil {
		s.log.Warn("Post author unknown", zap.String("author", post.Author), zap.Error(err))
		return nil
	}
	if !author.IsRemote {
		return nil
	}
	return author
}
