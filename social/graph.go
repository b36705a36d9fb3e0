package social

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/domain"
	"go.uber.org/zap"
)

// Follow makes the local actor follower follow followee, which may be a
// remote user@domain handle. A remote followee is sent a Follow activity
// once the edge is committed.
func (s *Service) Follow(ctx context.Context, follower, followee string) (*domain.Follow, error) {
	follower = domain.NormalizeHandle(follower)
	followee = domain.NormalizeHandle(followee)
	if follower == followee {
		return nil, domain.ErrSelfFollow
	}

	from, err := s.GetLocalActor(ctx, follower)
	if err != nil {
		return nil, err
	}
	to, err := s.resolver.DiscoverAndCache(ctx, followee)
	if err != nil {
		return nil, err
	}

	activity := activitypub.NewFollow(s.urls, from, to.ActorURI)
	f := &domain.Follow{Follower: from.Handle, Followee: to.Handle, URI: activity.ID}
	if err := s.db.CreateFollow(ctx, f); err != nil {
		return nil, err
	}
	s.log.Info("Follow created", zap.String("follower", f.Follower), zap.String("followee", f.Followee))

	if to.IsRemote {
		s.deliverTo(from, to, activity)
	}
	return f, nil
}

// Unfollow removes the edge. A remote followee is sent Undo(Follow)
// referencing the original Follow.
func (s *Service) Unfollow(ctx context.Context, follower, followee string) error {
	follower = domain.NormalizeHandle(follower)
	followee = domain.NormalizeHandle(followee)

	from, err := s.GetLocalActor(ctx, follower)
	if err != nil {
		return err
	}
	to, err := s.db.ReadActorByHandle(ctx, followee)
	if errors.Is(err, domain.ErrActorNotFound) {
		return domain.ErrNotFollowing
	}
	if err != nil {
		return err
	}

	removed, err := s.db.DeleteFollow(ctx, from.Handle, to.Handle)
	if err != nil {
		return err
	}
	s.log.Info("Follow removed", zap.String("follower", from.Handle), zap.String("followee", to.Handle))

	if to.IsRemote {
		original := &activitypub.OutboundActivity{
			ID:     removed.URI,
			Type:   "Follow",
			Actor:  from.ActorURI,
			Object: to.ActorURI,
		}
		s.deliverTo(from, to, activitypub.NewUndo(s.urls, from, original))
	}
	return nil
}

// AcceptFollow records a Follow sent by a remote actor to a local one and
// answers it with an Accept. A replayed Follow is answered again and
// reported as domain.ErrAlreadyFollowing.
func (s *Service) AcceptFollow(ctx context.Context, remote, local *domain.Actor, followID string) error {
	err := s.db.CreateFollow(ctx, &domain.Follow{Follower: remote.Handle, Followee: local.Handle, URI: followID})
	if err != nil && !errors.Is(err, domain.ErrAlreadyFollowing) {
		return err
	}
	if err == nil {
		s.log.Info("Inbox: Accepted follow", zap.String("follower", remote.Handle), zap.String("followee", local.Handle))
	}
	s.deliverTo(local, remote, activitypub.NewAccept(s.urls, local, followID, remote.ActorURI))
	return err
}

// RemoveFollow drops the edge from a remote follower after Undo(Follow).
func (s *Service) RemoveFollow(ctx context.Context, remote, local *domain.Actor) error {
	if _, err := s.db.DeleteFollow(ctx, remote.Handle, local.Handle); err != nil {
		return err
	}
	s.log.Info("Inbox: Removed follow", zap.String("follower", remote.Handle), zap.String("followee", local.Handle))
	return nil
}

func (s *Service) IsFollowing(ctx context.Context, follower, followee string) (bool, error) {
	_, err := s.db.ReadFollow(ctx, domain.NormalizeHandle(follower), domain.NormalizeHandle(followee))
	if errors.Is(err, domain.ErrNotFollowing) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListFollowers pages through the handles following handle. pageSize 0
// means the default of 15.
func (s *Service) ListFollowers(ctx context.Context, handle string, pageSize int, cursor string) (*domain.Page[string], error) {
	page, err := s.db.ListFollowers(ctx, domain.NormalizeHandle(handle), pageSize, cursor)
	if err != nil {
		return nil, fmt.Errorf("list followers of %s: %w", handle, err)
	}
	return page, nil
}

func (s *Service) ListFollowing(ctx context.Context, handle string, pageSize int, cursor string) (*domain.Page[string], error) {
	page, err := s.db.ListFollowing(ctx, domain.NormalizeHandle(handle), pageSize, cursor)
	if err != nil {
		return nil, fmt.Errorf("list following of %s: %w", handle, err)
	}
	return page, nil
}
