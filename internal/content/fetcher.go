package content

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/linkloom/linkloom/internal/log"
)

// Page is a fetched page reduced to its title and structural text blocks.
type Page struct {
	URL    string
	Title  string
	Blocks []Block
}

// FetcherConfig controls outbound HTTP behavior.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration

	// Delay is the minimum interval between requests to the same run.
	Delay time.Duration
}

// Fetcher crawls sitemaps and fetches pages. All requests go through a rate
// limiter so seeding a large sitemap stays polite.
type Fetcher struct {
	cfg     FetcherConfig
	limiter *rate.Limiter
	logger  log.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig, logger log.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	return &Fetcher{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

func (f *Fetcher) newCollector() *colly.Collector {
	opts := []colly.CollectorOption{colly.MaxDepth(1)}
	if f.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(f.cfg.Timeout)
	return c
}

// DiscoverPages fetches a sitemap and returns the page URLs it lists.
// Sitemap index files are followed one level deep.
func (f *Fetcher) DiscoverPages(ctx context.Context, sitemapURL string) ([]string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var (
		pages   []string
		nested  []string
		visitEr error
	)

	c := f.newCollector()
	c.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		if u := strings.TrimSpace(e.Text); u != "" {
			pages = append(pages, u)
		}
	})
	c.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		if u := strings.TrimSpace(e.Text); u != "" {
			nested = append(nested, u)
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		visitEr = err
	})

	if err := c.Visit(sitemapURL); err != nil {
		return nil, fmt.Errorf("fetching sitemap %s: %w", sitemapURL, err)
	}
	c.Wait()
	if visitEr != nil {
		return nil, fmt.Errorf("fetching sitemap %s: %w", sitemapURL, visitEr)
	}

	for _, child := range nested {
		childPages, err := f.DiscoverPages(ctx, child)
		if err != nil {
			f.logger.Warn("skipping nested sitemap", "url", child, "error", err)
			continue
		}
		pages = append(pages, childPages...)
	}

	f.logger.Debug("sitemap discovered", "url", sitemapURL, "pages", len(pages))
	return pages, nil
}

// chrome elements stripped before block extraction.
const strippedSelectors = "script, style, noscript, header, footer, nav, form, aside"

// FetchPage fetches a page and extracts its title and text blocks. When the
// structural extraction finds nothing (script-rendered pages, unusual
// markup), the readability algorithm provides a plain-text fallback.
func (f *Fetcher) FetchPage(ctx context.Context, pageURL string) (*Page, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var (
		body    []byte
		visitEr error
	)

	c := f.newCollector()
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnError(func(_ *colly.Response, err error) {
		visitEr = err
	})

	if err := c.Visit(pageURL); err != nil {
		return nil, fmt.Errorf("fetching page %s: %w", pageURL, err)
	}
	c.Wait()
	if visitEr != nil {
		return nil, fmt.Errorf("fetching page %s: %w", pageURL, visitEr)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("fetching page %s: empty response", pageURL)
	}

	page, err := ExtractPage(pageURL, body)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// ExtractPage parses HTML into a Page. Exported separately from FetchPage so
// extraction is testable without a network.
func ExtractPage(pageURL string, html []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing page %s: %w", pageURL, err)
	}

	page := &Page{
		URL:   pageURL,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}

	doc.Find(strippedSelectors).Remove()
	doc.Find("h1, h2, h3, h4, h5, h6, p, li").Each(func(_ int, sel *goquery.Selection) {
		text := Normalize(sel.Text())
		if text == "" {
			return
		}
		name := goquery.NodeName(sel)
		page.Blocks = append(page.Blocks, Block{
			Text:    text,
			Heading: strings.HasPrefix(name, "h"),
		})
	})

	if len(page.Blocks) > 0 {
		return page, nil
	}

	// Readability fallback for pages without usable structure.
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing page URL %s: %w", pageURL, err)
	}
	article, err := readability.FromReader(bytes.NewReader(html), parsed)
	if err != nil {
		return nil, fmt.Errorf("extracting page %s: %w", pageURL, err)
	}
	if page.Title == "" {
		page.Title = article.Title
	}
	if text := Normalize(article.TextContent); text != "" {
		page.Blocks = append(page.Blocks, Block{Text: text})
	}
	return page, nil
}
