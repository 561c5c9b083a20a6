package server

import (
	"errors"
	"io/fs"
	"net/http"
	"net/url"
)

var errMissingDestination = errors.New("server: missing or invalid Destination header")

// parseDestination extracts the target path from a COPY/MOVE Destination
// header, which may be an absolute URL or an absolute path.
func parseDestination(r *http.Request) (string, error) {
	raw := r.Header.Get("Destination")
	if raw == "" {
		return "", errMissingDestination
	}

	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "", errMissingDestination
	}

	return u.Path, nil
}

// writeFSError maps a filesystem error to its HTTP status.
func writeFSError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, fs.ErrExist):
		http.Error(w, "destination exists", http.StatusPreconditionFailed)
	case errors.Is(err, fs.ErrPermission):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
