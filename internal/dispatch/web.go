package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/flow/ports"
)

const (
	maxResponseBody = 100 * 1024
	maxHTMLInput    = 1 << 20
	userAgent       = "nodeflow/1.0"
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true,
}

type httpRequestAction struct {
	client *http.Client
	tokens ports.TokenProvider
}

func (a *httpRequestAction) ID() string { return flow.ActionHTTPRequest }

func (a *httpRequestAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.HTTPRequestConfig)
	method := strings.ToUpper(c.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("unsupported HTTP method %q", c.Method)
	}
	if c.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	var body io.Reader
	if c.Body != "" {
		body = strings.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	tok, err := token(ctx, a.tokens, c.CredentialID)
	if err != nil {
		return nil, err
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	truncated := len(raw) > maxResponseBody
	if truncated {
		raw = raw[:maxResponseBody]
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s returned %d: %s", method, c.URL, resp.StatusCode, snippet(raw))
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":    resp.StatusCode,
		"headers":   headers,
		"body":      decodeBody(resp.Header.Get("Content-Type"), raw),
		"truncated": truncated,
	}, nil
}

// scrapeAction selects elements from an HTML page with a CSS selector.
type scrapeAction struct {
	client *http.Client
}

func (a *scrapeAction) ID() string { return flow.ActionHTTPScrape }

func (a *scrapeAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.HTTPScrapeConfig)
	resp, err := fetch(ctx, a.client, c.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxHTMLInput))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	sel := c.Selector
	if sel == "" {
		sel = "body"
	}
	limit := c.Limit
	if limit <= 0 {
		limit = 30
	}

	items := []any{}
	doc.Find(sel).EachWithBreak(func(i int, s *goquery.Selection) bool {
		if len(items) >= limit {
			return false
		}
		var val string
		if c.Attribute != "" {
			val, _ = s.Attr(c.Attribute)
		} else {
			val = strings.Join(strings.Fields(s.Text()), " ")
		}
		if val != "" {
			items = append(items, val)
		}
		return true
	})

	return map[string]any{
		"url":   c.URL,
		"title": strings.TrimSpace(doc.Find("title").First().Text()),
		"items": items,
		"count": len(items),
	}, nil
}

// pageTextAction returns the readable text of a page.
type pageTextAction struct {
	client *http.Client
}

func (a *pageTextAction) ID() string { return flow.ActionHTTPPageText }

func (a *pageTextAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.PageTextConfig)
	resp, err := fetch(ctx, a.client, c.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	title, text := readableText(io.LimitReader(resp.Body, maxHTMLInput))
	truncated := len(text) > maxResponseBody
	if truncated {
		text = text[:maxResponseBody]
	}
	return map[string]any{
		"url":       c.URL,
		"title":     title,
		"text":      text,
		"truncated": truncated,
	}, nil
}

var skipTags = map[string]bool{"script": true, "style": true, "noscript": true, "svg": true, "template": true}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// readableText walks the token stream once, collecting the title and the
// visible text with block elements turned into line breaks. Malformed input
// ends the walk and keeps what was read.
func readableText(r io.Reader) (string, string) {
	z := html.NewTokenizer(r)
	var (
		title, body strings.Builder
		inTitle     bool
		skipDepth   int
	)
	newline := func() {
		if body.Len() > 0 && !strings.HasSuffix(body.String(), "\n") {
			body.WriteByte('\n')
		}
	}
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(title.String()), strings.TrimSpace(body.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "title":
				inTitle = true
			case skipTags[tag]:
				skipDepth++
			case blockTags[tag]:
				newline()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "title":
				inTitle = false
			case skipTags[tag] && skipDepth > 0:
				skipDepth--
			case blockTags[tag]:
				newline()
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			if inTitle {
				title.WriteString(text)
				continue
			}
			if body.Len() > 0 && !strings.HasSuffix(body.String(), "\n") {
				body.WriteByte(' ')
			}
			body.WriteString(text)
		}
	}
}

// feedAction reads an RSS, Atom or JSON feed.
type feedAction struct {
	client *http.Client
}

func (a *feedAction) ID() string { return flow.ActionFeedFetch }

func (a *feedAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.FeedConfig)
	if c.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	var since time.Time
	if c.SinceDate != "" {
		t, err := time.Parse(time.RFC3339, c.SinceDate)
		if err != nil {
			return nil, fmt.Errorf("invalid sinceDate (use RFC3339): %w", err)
		}
		since = t
	}

	fp := gofeed.NewParser()
	fp.Client = a.client
	fp.UserAgent = userAgent
	feed, err := fp.ParseURLWithContext(c.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	items := []any{}
	for _, it := range feed.Items {
		if !since.IsZero() && (it.PublishedParsed == nil || it.PublishedParsed.Before(since)) {
			continue
		}
		published := it.Published
		if it.PublishedParsed != nil {
			published = it.PublishedParsed.UTC().Format(time.RFC3339)
		}
		author := ""
		if it.Author != nil {
			author = it.Author.Name
		}
		items = append(items, map[string]any{
			"title":     it.Title,
			"link":      it.Link,
			"published": published,
			"summary":   it.Description,
			"author":    author,
		})
		if c.MaxItems > 0 && len(items) >= c.MaxItems {
			break
		}
	}
	return map[string]any{
		"feedTitle": feed.Title,
		"feedLink":  feed.Link,
		"items":     items,
		"count":     len(items),
	}, nil
}

func fetch(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
	}
	return resp, nil
}
