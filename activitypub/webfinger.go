package activitypub

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// NewWebfingerResponse describes a local actor.
func NewWebfingerResponse(urls URLs, username string) *WebfingerResponse {
	return &WebfingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", username, urls.Domain),
		Aliases: []string{urls.ActorURI(username)},
		Links: []WebfingerLink{{
			Rel:  "self",
			Type: ContentType,
			Href: urls.ActorURI(username),
		}},
	}
}

// ParseResource extracts user and domain from "acct:user@domain".
func ParseResource(resource string) (username, host string, err error) {
	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok {
		return "", "", fmt.Errorf("resource %q is not an acct URI", resource)
	}
	username, host, ok = strings.Cut(strings.TrimPrefix(acct, "@"), "@")
	if !ok || username == "" || host == "" {
		return "", "", fmt.Errorf("resource %q is not user@domain", resource)
	}
	return username, host, nil
}

// webfinger looks up the actor URI of user@host.
func (r *Resolver) webfinger(ctx context.Context, username, host string) (string, error) {
	q := url.Values{"resource": {fmt.Sprintf("acct:%s@%s", username, host)}}
	endpoint := fmt.Sprintf("https://%s/.well-known/webfinger?%s", host, q.Encode())

	var wf WebfingerResponse
	if err := r.getJSON(ctx, endpoint, "application/jrd+json, application/json", &wf); err != nil {
		return "", err
	}
	for _, link := range wf.Links {
		if link.Rel != "self" || link.Href == "" {
			continue
		}
		if link.Type == ContentType || strings.Contains(link.Type, "activitystreams") {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("webfinger for %s@%s has no ActivityPub self link", username, host)
}
