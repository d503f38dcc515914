package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/tmc/langchaingo/tools/duckduckgo"
)

// Source gathers raw evidence for an analyst. The query is a search string
// or a URL depending on the source.
type Source interface {
	Name() string
	Fetch(ctx context.Context, query string) (string, error)
}

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxContentChars  = 20000
)

// noResults is what the DuckDuckGo tool returns instead of an error.
const noResults = "No good DuckDuckGo Search Results"

type SearchSource struct {
	client *duckduckgo.Tool
}

func NewSearchSource(maxResults int) (*SearchSource, error) {
	ddg, err := duckduckgo.New(maxResults, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &SearchSource{client: ddg}, nil
}

func (s *SearchSource) Name() string { return "search" }

func (s *SearchSource) Fetch(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", Errorf(CodeInvalidInput, "empty search query")
	}
	res, err := s.client.Call(ctx, query)
	if err != nil {
		return "", networkError("search failed", err)
	}
	if strings.HasPrefix(res, noResults) {
		return "", Errorf(CodeNoData, "no search results for %q", query)
	}
	return res, nil
}

// ArticleSource fetches a web page and extracts its readable text.
type ArticleSource struct {
	UserAgent string
	Client    *http.Client
}

func NewArticleSource() *ArticleSource {
	return &ArticleSource{
		UserAgent: defaultUserAgent,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *ArticleSource) Name() string { return "article" }

func (s *ArticleSource) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Host == "" {
		return "", Errorf(CodeInvalidInput, "invalid article url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", Wrap(CodeInvalidInput, "failed to create request", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", networkError("failed to fetch article", err)
	}
	defer resp.Body.Close()

	if werr := FromHTTPStatus(resp, "article "+parsedURL.Host); werr != nil {
		return "", werr
	}
	return extractArticle(resp.Body, parsedURL)
}

func extractArticle(r io.Reader, pageURL *url.URL) (string, error) {
	article, err := readability.FromReader(r, pageURL)
	if err != nil {
		return "", Wrap(CodeNoData, "failed to parse article", err)
	}

	sanitized := strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(article.TextContent))
	if sanitized == "" {
		return "", Errorf(CodeNoData, "article %s has no readable content", pageURL)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "TITLE: %s\n", article.Title)
	if article.Excerpt != "" {
		fmt.Fprintf(&b, "EXCERPT: %s\n", article.Excerpt)
	}
	b.WriteString("\n-- CONTENT --\n")
	b.WriteString(truncate(sanitized, maxContentChars))
	return b.String(), nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// NewsSource searches and then reads the first article the search links to.
type NewsSource struct {
	Search  Source
	Article Source
}

func (s *NewsSource) Name() string { return "news" }

func (s *NewsSource) Fetch(ctx context.Context, query string) (string, error) {
	results, err := s.Search.Fetch(ctx, query)
	if err != nil {
		return "", err
	}
	link := urlPattern.FindString(results)
	if link == "" {
		return results, nil
	}
	article, err := s.Article.Fetch(ctx, link)
	if err != nil {
		// The search snippets are still evidence.
		return results, nil
	}
	return results + "\n\n" + article, nil
}

// RenderedSource loads JavaScript-heavy pages in a headless browser.
type RenderedSource struct {
	Timeout time.Duration

	mu            sync.Mutex
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewRenderedSource() *RenderedSource {
	return &RenderedSource{Timeout: 60 * time.Second}
}

func (b *RenderedSource) Name() string { return "rendered" }

func (b *RenderedSource) initBrowser() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return b.browserCtx, nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.UserAgent(defaultUserAgent),
	)

	var allocCtx context.Context
	allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(allocCtx)

	if err := chromedp.Run(b.browserCtx); err != nil {
		b.cleanup()
		return nil, err
	}
	return b.browserCtx, nil
}

func (b *RenderedSource) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
}

// Close shuts the browser down.
func (b *RenderedSource) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
}

func (b *RenderedSource) Fetch(ctx context.Context, rawURL string) (string, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil || pageURL.Host == "" {
		return "", Errorf(CodeInvalidInput, "invalid page url %q", rawURL)
	}
	browserCtx, err := b.initBrowser()
	if err != nil {
		return "", Wrap(CodeUnavailable, "failed to initialize browser", err)
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	actionCtx, cancel := context.WithTimeout(tabCtx, b.Timeout)
	defer cancel()
	// Stop the tab when the phase is cancelled.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err = chromedp.Run(actionCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", Wrap(CodeTimeout, "page render timed out", err)
		}
		return "", Wrap(CodeUnavailable, "page render failed", err)
	}
	return extractArticle(strings.NewReader(html), pageURL)
}

// URLSource turns a query into a URL from a template before fetching it.
type URLSource struct {
	Template string
	Fetcher  Source
}

func (s *URLSource) Name() string { return s.Fetcher.Name() }

func (s *URLSource) Fetch(ctx context.Context, query string) (string, error) {
	return s.Fetcher.Fetch(ctx, fmt.Sprintf(s.Template, url.QueryEscape(query)))
}

func networkError(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Wrap(CodeTimeout, msg, err)
	}
	return Wrap(CodeUnavailable, msg, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (content truncated) ..."
}
