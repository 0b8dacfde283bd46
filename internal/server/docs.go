package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

//go:embed docs/*.md
var docsFS embed.FS

// DocPage holds a single rendered documentation page.
type DocPage struct {
	Slug  string
	Title string
	Order int
	HTML  template.HTML
}

// DocSite holds all documentation pages, rendered at startup.
type DocSite struct {
	Pages  []DocPage
	BySlug map[string]*DocPage
}

// newDocSite renders every embedded .md file once. Pages are ordered by
// their numeric filename prefix, which is dropped from the slug.
func newDocSite() *DocSite {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.Table,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)

	site := &DocSite{BySlug: map[string]*DocPage{}}

	entries, err := docsFS.ReadDir("docs")
	if err != nil {
		return site
	}

	for i, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}

		data, err := docsFS.ReadFile(path.Join("docs", e.Name()))
		if err != nil {
			continue
		}

		// "01-overview.md" -> "overview"
		name := strings.TrimSuffix(e.Name(), ".md")
		slug := name
		if parts := strings.SplitN(name, "-", 2); len(parts) == 2 {
			slug = parts[1]
		}

		title := slug
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "# ") {
				title = strings.TrimPrefix(line, "# ")
				break
			}
		}

		var buf bytes.Buffer
		if err := md.Convert(data, &buf); err != nil {
			log.Warnw("doc render failed", "file", e.Name(), "err", err)
			continue
		}

		site.Pages = append(site.Pages, DocPage{
			Slug:  slug,
			Title: title,
			Order: i,
			HTML:  template.HTML(buf.String()),
		})
	}

	sort.Slice(site.Pages, func(i, j int) bool {
		return site.Pages[i].Order < site.Pages[j].Order
	})
	for idx := range site.Pages {
		site.BySlug[site.Pages[idx].Slug] = &site.Pages[idx]
	}

	return site
}

type docsVM struct {
	Title   string
	Pages   []DocPage
	Current *DocPage
	Prev    *DocPage
	Next    *DocPage
}

var docsTmpl = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} · callhub</title>
<style>
body{font-family:system-ui,sans-serif;margin:0;display:flex;color:#222}
nav{width:14rem;padding:1.5rem;background:#f6f8fa;min-height:100vh}
nav a{display:block;padding:.25rem 0;color:#0366d6;text-decoration:none}
nav a.active{font-weight:600;color:#222}
main{max-width:48rem;padding:1.5rem 2.5rem}
pre{padding:1rem;overflow:auto;border-radius:4px}
table{border-collapse:collapse}td,th{border:1px solid #ddd;padding:.3rem .6rem}
footer{margin-top:3rem;display:flex;justify-content:space-between}
</style>
</head>
<body>
<nav>
{{range .Pages}}<a href="/docs/{{.Slug}}"{{if eq .Slug $.Current.Slug}} class="active"{{end}}>{{.Title}}</a>
{{end}}</nav>
<main>
{{.Current.HTML}}
<footer>
<span>{{with .Prev}}<a href="/docs/{{.Slug}}">&larr; {{.Title}}</a>{{end}}</span>
<span>{{with .Next}}<a href="/docs/{{.Slug}}">{{.Title}} &rarr;</a>{{end}}</span>
</footer>
</main>
</body>
</html>
`))

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	slug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/docs"), "/")
	if slug == "" {
		if len(s.docs.Pages) == 0 {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/docs/"+s.docs.Pages[0].Slug, http.StatusFound)
		return
	}

	page, ok := s.docs.BySlug[slug]
	if !ok {
		http.NotFound(w, r)
		return
	}

	var prev, next *DocPage
	for i, p := range s.docs.Pages {
		if p.Slug == slug {
			if i > 0 {
				prev = &s.docs.Pages[i-1]
			}
			if i < len(s.docs.Pages)-1 {
				next = &s.docs.Pages[i+1]
			}
			break
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := docsTmpl.Execute(w, docsVM{
		Title:   page.Title,
		Pages:   s.docs.Pages,
		Current: page,
		Prev:    prev,
		Next:    next,
	}); err != nil {
		log.Warnw("docs render failed", "slug", slug, "err", err)
	}
}
