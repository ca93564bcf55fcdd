// Package model holds the image record shared by the API, the workers, and
// the repository, plus the zoom-level and path arithmetic everything else
// hangs off.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	// RangeMin and RangeMax bound the zoom levels ever generated.
	RangeMin = 2
	RangeMax = 5
	// DefaultZoom is the level a viewer lands on, so it is generated first.
	DefaultZoom = 3
	// TileSize is the edge length of every tile in pixels.
	TileSize = 256
	// FileIDLength is the fixed length of public image identifiers.
	FileIDLength = 9

	DefaultExtension = "png"
)

// Image represents a row in the images table.
type Image struct {
	FileID      string    `json:"fileid"`
	Owner       string    `json:"owner"`
	Source      string    `json:"source,omitempty"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	ContentType string    `json:"contentType"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Size        int64     `json:"size,omitempty"`
	Ranges      []int     `json:"ranges,omitempty"`
	CDNDomain   *string   `json:"cdnDomain,omitempty"`
	Date        time.Time `json:"date"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Age reports how long ago the image record was created.
func (i *Image) Age(now time.Time) time.Duration {
	return now.Sub(i.Date)
}

// Extension maps the stored content type to a file extension, defaulting to
// png for anything unrecognized.
func (i *Image) Extension() string {
	switch i.ContentType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	}
	return DefaultExtension
}

// ShardPath splits a 9-character fileid into the 3-level directory layout
// (c0 / c1c2 / c3..c8) used for both URLs and the filesystem. The split keeps
// per-directory fan-out bounded.
func ShardPath(fileid string) string {
	return fileid[:1] + "/" + fileid[1:3] + "/" + fileid[3:]
}

// FileIDFromShard is the inverse of ShardPath.
func FileIDFromShard(shard string) string {
	return strings.ReplaceAll(shard, "/", "")
}

// ZoomWidth is the pixel width spanned by the full grid at level zoom.
func ZoomWidth(zoom int) int {
	return TileSize * (1 << uint(zoom))
}

// ExtraRowsCols reports how many rows/cols a level overscans beyond the
// nominal grid. Levels above the minimum get one extra tile per axis so
// non-integer scale factors never clip the edge.
func ExtraRowsCols(zoom int) int {
	if zoom == RangeMin {
		return 0
	}
	return 1
}

// GridExtent returns the rows and cols of the tile grid at a zoom level.
// The grid is always square.
func GridExtent(zoom int) (rows, cols int) {
	n := ExtraRowsCols(zoom) + ZoomWidth(zoom)/TileSize
	return n, n
}

// TileDir is the directory holding all tiles for one zoom level.
func TileDir(root, shard string, size, zoom int) string {
	return filepath.Join(root, "tiles", shard, fmt.Sprintf("%d", size), fmt.Sprintf("%d", zoom))
}

// TilePath is the on-disk location of a single tile.
func TilePath(root, shard string, size, zoom, row, col int, extension string) string {
	return filepath.Join(TileDir(root, shard, size, zoom), fmt.Sprintf("%d,%d.%s", row, col, extension))
}

// TilesRoot is the directory holding every tile of an image across levels.
func TilesRoot(root, shard string) string {
	return filepath.Join(root, "tiles", shard)
}

// ThumbnailPath is the on-disk location of a thumbnail of the given width.
func ThumbnailPath(root, shard string, width int, extension string) string {
	return filepath.Join(root, "thumbnails", shard, fmt.Sprintf("%d.%s", width, extension))
}

// ThumbnailDir is the directory holding every thumbnail of an image.
func ThumbnailDir(root, shard string) string {
	return filepath.Join(root, "thumbnails", shard)
}

// OriginalPath is the on-disk location of the downloaded source file.
func OriginalPath(root, fileid, extension string) string {
	return filepath.Join(root, "uploads", fileid[:1], fileid[1:3], fileid[3:]+"."+extension)
}

// ResizedPath is where the resize worker leaves the per-level base image. It
// is derived from the original's path so the tiling worker can find it
// without any coordination.
func ResizedPath(originalPath string, zoom int) string {
	ext := filepath.Ext(originalPath)
	base := strings.TrimSuffix(originalPath, ext)
	return fmt.Sprintf("%s-%d%s", base, zoom, ext)
}
