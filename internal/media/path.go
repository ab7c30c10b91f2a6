package media

import (
	"crypto/sha1"
	"encoding/hex"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileStem returns the deterministic file name of an image without its
// extension: <rank>_<sha1(url)[:12]>.
func FileStem(rank int, imageURL string) string {
	sum := sha1.Sum([]byte(imageURL))
	return strconv.Itoa(rank) + "_" + hex.EncodeToString(sum[:])[:12]
}

// ImagePath returns <imgRoot>/<marketKey>/<stem>.<ext>.
func ImagePath(imgRoot, marketKey string, rank int, imageURL, ext string) string {
	return filepath.Join(imgRoot, marketKey, FileStem(rank, imageURL)+"."+ext)
}

// ExtForContentType maps an image Content-Type to a file extension,
// falling back to "bin".
func ExtForContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "bin"
	}
}

// existingFile returns a non-empty file in dir named stem.<any ext>, or "".
func existingFile(dir, stem string) string {
	matches, err := filepath.Glob(filepath.Join(dir, stem+".*"))
	if err != nil {
		return ""
	}
	for _, m := range matches {
		if strings.HasSuffix(m, ".tmp") {
			continue
		}
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return m
		}
	}
	return ""
}
