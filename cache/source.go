package cache

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
)

// SourceID derives a stable identifier for a media URL. YouTube links map to
// their video id so different URL spellings share cached artifacts; anything
// else is identified by the md5 of the URL.
func SourceID(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if u, err := url.Parse(rawURL); err == nil {
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		switch {
		case host == "youtu.be":
			if id := strings.Trim(u.Path, "/"); id != "" {
				return id
			}
		case host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
			if v := u.Query().Get("v"); v != "" {
				return v
			}
			if id, ok := strings.CutPrefix(u.Path, "/shorts/"); ok && id != "" {
				return strings.Trim(id, "/")
			}
		}
	}

	hash := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(hash[:])
}
