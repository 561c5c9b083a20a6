package vfs

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"net/url"
	"strconv"
	"time"
)

// urlExpiryLeeway treats a presigned URL as expired this long before the
// embedded timestamp, so a URL never dies between the check and the GET.
const urlExpiryLeeway = 60 * time.Second

// urlExpired reports whether a presigned URL's x-oss-expires query parameter
// (Unix seconds) falls within the leeway window. URLs without the parameter
// are treated as non-expiring.
func urlExpired(rawURL string, now time.Time) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}

	expires := u.Query().Get("x-oss-expires")
	if expires == "" {
		return false
	}

	sec, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return true
	}

	return time.Unix(sec, 0).Before(now.Add(urlExpiryLeeway))
}

// preferHTTP rewrites an https presigned URL to plain http, for clients
// that cannot terminate TLS. The OSS signature does not cover the scheme.
func preferHTTP(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" {
		return rawURL
	}

	u.Scheme = "http"

	return u.String()
}

// assembleLivp downloads every stream of a Live Photo container and packs
// them into an in-memory ZIP using the stored (no compression) method, which
// is what the container format expects. Entries are named `<base>.<type>`.
// CRC and sizes are computed up front and the entries written raw, so no
// data descriptors are emitted and the byte count stays equal to the size
// advertised in metadata: 30+name+data per local entry, 46+name per central
// directory entry, plus the 22-byte end record.
func (f *openFile) assembleLivp(ctx context.Context, streams map[string]string) ([]byte, error) {
	base := trimExt(f.file.Name, ".livp")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for typ, streamURL := range streams {
		data, err := f.fs.drive.Download(ctx, streamURL, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("vfs: downloading %s stream: %w", typ, err)
		}

		w, err := zw.CreateRaw(&zip.FileHeader{
			Name:               fmt.Sprintf("%s.%s", base, typ),
			Method:             zip.Store,
			CRC32:              crc32.ChecksumIEEE(data),
			CompressedSize64:   uint64(len(data)),
			UncompressedSize64: uint64(len(data)),
		})
		if err != nil {
			return nil, fmt.Errorf("vfs: creating zip entry: %w", err)
		}

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("vfs: writing zip entry: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("vfs: finalizing zip: %w", err)
	}

	return buf.Bytes(), nil
}

// trimExt strips a suffix extension from a name if present.
func trimExt(name, ext string) string {
	if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}

	return name
}
