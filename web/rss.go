package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/feeds"
)

const (
	feedLength      = 50
	rssContentType  = "application/xml; charset=utf-8"
	feedTitleFormat = "2006-01-02 15:04"
)

// GetRSS renders the newest public posts, or those of one author when
// username is set.
func (s *Server) GetRSS(ctx context.Context, username string) (string, error) {
	link := s.urls.Base() + "/feed"
	title := fmt.Sprintf("%s - public timeline", s.urls.Domain)
	author := &feeds.Author{Name: "everyone"}

	var page *domain.Page[domain.Post]
	var err error
	if username != "" {
		actor, aerr := s.service.GetLocalActor(ctx, username)
		if aerr != nil {
			return "", aerr
		}
		page, err = s.service.GetPostsByAuthor(ctx, actor.Handle, feedLength, "")
		title = fmt.Sprintf("%s - %s", s.urls.Domain, actor.Username)
		author = feedAuthor(s, actor.Handle)
		link += "?username=" + actor.Username
	} else {
		page, err = s.service.GetTimeline(ctx, domain.PublicTimeline, feedLength, "")
	}
	if err != nil {
		return "", fmt.Errorf("read posts: %w", err)
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: link},
		Description: util.GetNameAndVersion(),
		Author:      author,
		Created:     time.Now(),
	}
	for i := range page.Items {
		feed.Items = append(feed.Items, s.feedItem(&page.Items[i]))
	}
	return feed.ToRss()
}

// GetRSSItem renders a feed holding the single post id.
func (s *Server) GetRSSItem(ctx context.Context, id uuid.UUID) (string, error) {
	post, err := s.service.GetPost(ctx, id)
	if err != nil {
		return "", err
	}
	item := s.feedItem(post)
	feed := &feeds.Feed{
		Title:   item.Title,
		Link:    item.Link,
		Author:  item.Author,
		Created: post.CreatedAt,
		Items:   []*feeds.Item{item},
	}
	return feed.ToRss()
}

func (s *Server) feedItem(post *domain.Post) *feeds.Item {
	return &feeds.Item{
		Id:      post.ObjectURI,
		Title:   post.CreatedAt.Format(feedTitleFormat),
		Link:    &feeds.Link{Href: s.urls.Base() + "/feed/" + post.Id.String()},
		Content: util.MarkdownLinksToHTML(post.Content),
		Author:  feedAuthor(s, post.Author),
		Created: post.CreatedAt,
	}
}

func feedAuthor(s *Server, handle string) *feeds.Author {
	name, host := domain.SplitHandle(handle)
	if host == "" {
		host = s.urls.Domain
	}
	return &feeds.Author{Name: name, Email: name + "@" + host}
}

func (s *Server) handleFeed(c *gin.Context) {
	rss, err := s.GetRSS(c.Request.Context(), c.Query("username"))
	if errors.Is(err, domain.ErrActorNotFound) {
		c.Data(http.StatusNotFound, rssContentType, nil)
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, rssContentType, []byte(rss))
}

func (s *Server) handleFeedItem(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Data(http.StatusNotFound, rssContentType, nil)
		return
	}
	rss, err := s.GetRSSItem(c.Request.Context(), id)
	if err != nil {
		c.Data(http.StatusNotFound, rssContentType, nil)
		return
	}
	c.Data(http.StatusOK, rssContentType, []byte(rss))
}
