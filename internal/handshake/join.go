package handshake

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/a-essam23/tablelink/pkg/state"
	"golang.org/x/net/html"
)

// JoinPage is what the unauthenticated join endpoint reveals.
type JoinPage struct {
	// Setup is true when no world is running.
	Setup     bool
	CSRFToken string
	// Users lists the options of the user picker, when the page renders one.
	Users     []state.UserSummary
	SessionID string
}

// FetchJoin performs the join handshake, capturing cookies on the way.
func (c *Client) FetchJoin(ctx context.Context) (*JoinPage, error) {
	resp, err := c.do(ctx, http.MethodGet, "/join", nil)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.status >= 300 && resp.status < 400:
		if isSetupLocation(resp.location) {
			return &JoinPage{Setup: true, SessionID: c.jar.SessionID()}, nil
		}
		return nil, &HTTPError{Method: http.MethodGet, Path: "/join", Status: resp.status}
	case resp.status != http.StatusOK:
		return nil, &HTTPError{Method: http.MethodGet, Path: "/join", Status: resp.status}
	}

	page, err := ParseJoinPage(resp.body)
	if err != nil {
		return nil, err
	}
	page.SessionID = c.jar.SessionID()
	return page, nil
}

func isSetupLocation(loc string) bool {
	return strings.Contains(loc, "/setup") || strings.Contains(loc, "/auth") || strings.Contains(loc, "/license")
}

// ParseJoinPage scrapes the csrf token, the user picker and setup markers.
func ParseJoinPage(body []byte) (*JoinPage, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse join page: %w", err)
	}
	page := &JoinPage{}
	var walk func(n *html.Node, inPicker bool)
	walk = func(n *html.Node, inPicker bool) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				if attr(n, "name") == "csrf-token" {
					page.CSRFToken = attr(n, "content")
				}
			case "input":
				if attr(n, "name") == "csrf-token" && page.CSRFToken == "" {
					page.CSRFToken = attr(n, "value")
				}
			case "select":
				inPicker = attr(n, "name") == "userid"
			case "option":
				if id := attr(n, "value"); inPicker && id != "" {
					page.Users = append(page.Users, state.UserSummary{
						ID:     id,
						Name:   strings.TrimSpace(text(n)),
						Active: hasAttr(n, "disabled"),
					})
				}
			case "body", "form":
				if strings.HasPrefix(attr(n, "id"), "setup") || hasClass(n, "setup") {
					page.Setup = true
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child, inPicker)
		}
	}
	walk(doc, false)
	return page, nil
}

// FindUser resolves a user id by name, exact match first.
func FindUser(users []state.UserSummary, name string) (state.UserSummary, error) {
	for _, u := range users {
		if u.Name == name {
			return u, nil
		}
	}
	for _, u := range users {
		if strings.EqualFold(u.Name, name) {
			return u, nil
		}
	}
	return state.UserSummary{}, fmt.Errorf("%w: '%s'", ErrUnknownUser, name)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func text(n *html.Node) string {
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return sb.String()
}
