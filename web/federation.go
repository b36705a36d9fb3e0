package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const jrdContentType = "application/jrd+json; charset=utf-8"

// OrderedCollection is both a collection and one of its pages, told apart
// by Type.
type OrderedCollection struct {
	Context      any    `json:"@context,omitempty"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   *int   `json:"totalItems,omitempty"`
	First        string `json:"first,omitempty"`
	PartOf       string `json:"partOf,omitempty"`
	Next         string `json:"next,omitempty"`
	OrderedItems []any  `json:"orderedItems,omitempty"`
}

type noteDocument struct {
	Context string `json:"@context"`
	*activitypub.Note
}

func writeJSON(c *gin.Context, contentType string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, contentType, body)
}

func writeActivity(c *gin.Context, v any) {
	writeJSON(c, activitypub.ContentType+"; charset=utf-8", v)
}

// localActor loads the user named in the path or answers 404.
func (s *Server) localActor(c *gin.Context) (*domain.Actor, bool) {
	actor, err := s.service.GetLocalActor(c.Request.Context(), c.Param("name"))
	if errors.Is(err, domain.ErrActorNotFound) {
		notFound(c)
		return nil, false
	}
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return actor, true
}

func (s *Server) handleWebfinger(c *gin.Context) {
	username, host, err := activitypub.ParseResource(c.Query("resource"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if !strings.EqualFold(host, s.urls.Domain) {
		notFound(c)
		return
	}
	actor, err := s.service.GetLocalActor(c.Request.Context(), username)
	if err != nil {
		notFound(c)
		return
	}
	writeJSON(c, jrdContentType, activitypub.NewWebfingerResponse(s.urls, actor.Username))
}

func (s *Server) handleActor(c *gin.Context) {
	actor, ok := s.localActor(c)
	if !ok {
		return
	}
	writeActivity(c, activitypub.NewActorDocument(s.urls, actor))
}

func (s *Server) handleNote(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFound(c)
		return
	}
	ctx := c.Request.Context()
	post, err := s.service.GetPost(ctx, id)
	if err != nil {
		notFound(c)
		return
	}
	// remote posts are served by their own server
	if _, err := s.service.GetLocalActor(ctx, post.Author); err != nil {
		notFound(c)
		return
	}
	note := activitypub.NoteFromPost(s.urls, post, s.urls.ActorURI(post.Author), s.urls.Followers(post.Author))
	writeActivity(c, noteDocument{Context: activitypub.ActivityStreamsContext, Note: note})
}

func (s *Server) handleFollowers(c *gin.Context) {
	actor, ok := s.localActor(c)
	if !ok {
		return
	}
	s.serveEdges(c, s.urls.Followers(actor.Username), actor.FollowersCount, func(ctx context.Context, cursor string) (*domain.Page[string], error) {
		return s.service.ListFollowers(ctx, actor.Handle, collectionPage, cursor)
	})
}

func (s *Server) handleFollowing(c *gin.Context) {
	actor, ok := s.localActor(c)
	if !ok {
		return
	}
	s.serveEdges(c, s.urls.Following(actor.Username), actor.FollowingCount, func(ctx context.Context, cursor string) (*domain.Page[string], error) {
		return s.service.ListFollowing(ctx, actor.Handle, collectionPage, cursor)
	})
}

// serveEdges answers with the collection summary, or with one page of actor
// URIs when ?page or ?cursor is present.
func (s *Server) serveEdges(c *gin.Context, id string, total int, list func(ctx context.Context, cursor string) (*domain.Page[string], error)) {
	ctx := c.Request.Context()
	cursor, paged := pageRequest(c)
	if !paged {
		writeActivity(c, collectionSummary(id, total))
		return
	}

	page, err := list(ctx, cursor)
	if errors.Is(err, domain.ErrInvalidCursor) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "invalid cursor"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	items := make([]any, 0, len(page.Items))
	for _, handle := range page.Items {
		if uri := s.actorURI(ctx, handle); uri != "" {
			items = append(items, uri)
		}
	}
	writeActivity(c, collectionPageOf(id, cursor, page.Next, items))
}

func (s *Server) handleOutbox(c *gin.Context) {
	actor, ok := s.localActor(c)
	if !ok {
		return
	}
	id := s.urls.Outbox(actor.Username)
	cursor, paged := pageRequest(c)
	if !paged {
		writeActivity(c, collectionSummary(id, actor.PostCount))
		return
	}

	page, err := s.service.GetPostsByAuthor(c.Request.Context(), actor.Handle, collectionPage, cursor)
	if errors.Is(err, domain.ErrInvalidCursor) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "invalid cursor"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	items := make([]any, 0, len(page.Items))
	for i := range page.Items {
		post := &page.Items[i]
		if post.ActivityJSON != "" {
			items = append(items, json.RawMessage(post.ActivityJSON))
			continue
		}
		note := activitypub.NoteFromPost(s.urls, post, actor.ActorURI, s.urls.Followers(actor.Username))
		items = append(items, activitypub.NewCreate(s.urls, actor, note))
	}
	writeActivity(c, collectionPageOf(id, cursor, page.Next, items))
}

// handleInbox verifies the signature of a delivery and queues it. The
// handling itself happens in the dispatcher.
func (s *Server) handleInbox(c *gin.Context) {
	if c.Param("name") != "" {
		if _, ok := s.localActor(c); !ok {
			return
		}
	}

	keyID, err := activitypub.Verify(c.Request, s.keys)
	if err != nil {
		if errors.Is(err, activitypub.ErrMalformedSignature) {
			s.log.Info("Rejected unsigned delivery", zap.String("path", c.Request.URL.Path), zap.Error(err))
			s.metrics.SignatureChecked("malformed")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "missing signature"})
			return
		}
		s.log.Warn("Rejected delivery with invalid signature",
			zap.String("path", c.Request.URL.Path), zap.String("key", keyID), zap.Error(err))
		s.metrics.SignatureChecked("invalid")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid signature"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "unreadable body"})
		return
	}

	activity, err := activitypub.Parse(body)
	switch {
	case errors.Is(err, activitypub.ErrUnsupportedActivity):
		s.metrics.SignatureChecked("ok")
		s.log.Debug("Ignoring activity", zap.Error(err))
		c.Status(http.StatusAccepted)
		return
	case err != nil:
		s.metrics.SignatureChecked("ok")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "malformed activity"})
		return
	}

	if owner := activitypub.KeyOwner(keyID); owner != activity.Header().Actor {
		s.metrics.SignatureChecked("actor_mismatch")
		s.log.Warn("Signer is not the actor",
			zap.String("key", keyID), zap.String("actor", activity.Header().Actor))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "signer does not match actor"})
		return
	}
	s.metrics.SignatureChecked("ok")

	id, err := s.inbox.EnqueueInbound(c.Request.Context(), body)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.log.Debug("Queued activity",
		zap.String("message", id.String()),
		zap.String("type", activity.Header().Type),
		zap.String("actor", activity.Header().Actor))
	c.Status(http.StatusAccepted)
}

// actorURI maps a stored handle to the URI remote servers know it by.
func (s *Server) actorURI(ctx context.Context, handle string) string {
	if !strings.Contains(handle, "@") {
		return s.urls.ActorURI(handle)
	}
	actor, err := s.service.GetActor(ctx, handle)
	if err != nil {
		s.log.Warn("Dropping unknown actor from collection", zap.String("handle", handle), zap.Error(err))
		return ""
	}
	return actor.ActorURI
}

func pageRequest(c *gin.Context) (cursor string, paged bool) {
	cursor = c.Query("cursor")
	_, page := c.GetQuery("page")
	return cursor, page || cursor != ""
}

func collectionSummary(id string, total int) *OrderedCollection {
	return &OrderedCollection{
		Context:    activitypub.ActivityStreamsContext,
		ID:         id,
		Type:       "OrderedCollection",
		TotalItems: &total,
		First:      id + "?page=true",
	}
}

func collectionPageOf(id, cursor, next string, items []any) *OrderedCollection {
	page := &OrderedCollection{
		Context:      activitypub.ActivityStreamsContext,
		ID:           id + "?page=true",
		Type:         "OrderedCollectionPage",
		PartOf:       id,
		OrderedItems: items,
	}
	if cursor != "" {
		page.ID = id + "?cursor=" + url.QueryEscape(cursor)
	}
	if next != "" {
		page.Next = id + "?cursor=" + url.QueryEscape(next)
	}
	return page
}
