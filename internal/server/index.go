package server

import (
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
)

// indexTemplate renders a minimal directory listing, directories first.
var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<table>
<tr><th align="left">Name</th><th align="right">Size</th><th align="left">Modified</th></tr>
{{if ne .Path "/"}}<tr><td><a href="../">../</a></td><td></td><td></td></tr>{{end}}
{{range .Entries}}<tr>
<td><a href="{{.Href}}">{{.Name}}</a></td>
<td align="right">{{.Size}}</td>
<td>{{.Modified}}</td>
</tr>
{{end}}</table>
</body>
</html>
`))

type indexEntry struct {
	Name     string
	Href     string
	Size     string
	Modified string
}

type indexData struct {
	Path    string
	Entries []indexEntry
}

// serveIndex renders an HTML listing of the directory at fsPath, which has
// already had any configured prefix stripped. The page title keeps the
// path the client requested.
func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request, fsPath string) {
	handle, err := s.fs.OpenFile(r.Context(), fsPath, os.O_RDONLY, 0)
	if err != nil {
		writeFSError(w, err)

		return
	}
	defer func() { _ = handle.Close() }()

	infos, err := handle.Readdir(-1)
	if err != nil {
		writeFSError(w, err)

		return
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].IsDir() != infos[j].IsDir() {
			return infos[i].IsDir()
		}

		return infos[i].Name() < infos[j].Name()
	})

	data := indexData{Path: path.Clean("/" + r.URL.Path)}
	for _, info := range infos {
		entry := indexEntry{
			Name:     info.Name(),
			Href:     escapeHref(info.Name()),
			Modified: info.ModTime().Format("2006-01-02 15:04"),
		}

		if info.IsDir() {
			entry.Name += "/"
			entry.Href += "/"
			entry.Size = "-"
		} else {
			entry.Size = formatSize(info.Size())
		}

		data.Entries = append(data.Entries, entry)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.Debug("rendering index failed",
			"path", r.URL.Path,
			"error", err.Error(),
		)
	}
}

func escapeHref(name string) string {
	u := url.URL{Path: name}

	return u.EscapedPath()
}

// formatSize renders a byte count with a binary unit suffix.
func formatSize(n int64) string {
	const unit = 1024

	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
