// Package handshake implements the HTTP side of talking to the remote
// server: join page scraping, login, the authenticated game page, status
// probing and world lifecycle requests.
package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const maxBody = 16 << 20

// Client performs handshake requests against one remote server. Redirects
// are never followed: a 302 is a meaningful answer on every endpoint.
type Client struct {
	base   *url.URL
	http   *http.Client
	jar    *Jar
	logger *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url '%s': scheme must be http or https", baseURL)
	}
	return &Client{
		base: base,
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		jar:    NewJar(),
		logger: logger.With(slog.String("component", "handshake")),
	}, nil
}

func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) HTTPClient() *http.Client { return c.http }

func (c *Client) Jar() *Jar { return c.jar }

// UseCookie replaces the jar contents with a previously captured Cookie
// header.
func (c *Client) UseCookie(header string) {
	c.jar.Load(header)
}

type response struct {
	status   int
	location string
	body     []byte
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie := c.jar.Header(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.jar.Absorb(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", path, err)
	}
	c.logger.Debug("Handshake request", slog.String("method", method), slog.String("path", path), slog.Int("status", resp.StatusCode))
	return &response{status: resp.StatusCode, location: resp.Header.Get("Location"), body: data}, nil
}

// PostLogin submits credentials. 200 and 302 are success; anything else,
// or a JSON body reporting failure, is an AuthError.
func (c *Client) PostLogin(ctx context.Context, userID, password, csrf string) error {
	resp, err := c.do(ctx, http.MethodPost, "/join", map[string]string{
		"userid":     userID,
		"password":   password,
		"action":     "join",
		"csrf-token": csrf,
	})
	if err != nil {
		return err
	}
	if resp.status != http.StatusOK && resp.status != http.StatusFound {
		return &AuthError{Status: resp.status, Body: truncate(resp.body)}
	}
	if gjson.ValidBytes(resp.body) && gjson.GetBytes(resp.body, "status").String() == "failed" {
		return &AuthError{Status: resp.status, Body: truncate(resp.body)}
	}
	return nil
}

// LaunchWorld asks the setup screen to start a world.
func (c *Client) LaunchWorld(ctx context.Context, worldID, adminPassword string) error {
	resp, err := c.do(ctx, http.MethodPost, "/setup", map[string]string{
		"action":        "launchWorld",
		"world":         worldID,
		"adminPassword": adminPassword,
	})
	if err != nil {
		return err
	}
	if resp.status >= 300 && resp.status != http.StatusFound {
		return &HTTPError{Method: http.MethodPost, Path: "/setup", Status: resp.status}
	}
	return nil
}

// Shutdown returns the server to the setup screen.
func (c *Client) Shutdown(ctx context.Context, adminPassword string) error {
	resp, err := c.do(ctx, http.MethodPost, "/join", map[string]string{
		"action":        "shutdown",
		"adminPassword": adminPassword,
	})
	if err != nil {
		return err
	}
	if resp.status >= 300 && resp.status != http.StatusFound {
		return &HTTPError{Method: http.MethodPost, Path: "/join", Status: resp.status}
	}
	return nil
}

// Logout ends the remote session and clears the jar.
func (c *Client) Logout(ctx context.Context) error {
	defer c.jar.Reset()
	resp, err := c.do(ctx, http.MethodGet, "/logout", nil)
	if err != nil {
		return err
	}
	if resp.status >= 400 {
		return &HTTPError{Method: http.MethodGet, Path: "/logout", Status: resp.status}
	}
	return nil
}
