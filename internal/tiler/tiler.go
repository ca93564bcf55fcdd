// Package tiler implements the pixel-level worker functions: resizing a
// source to per-level base images, cutting tiles, rendering thumbnails and
// recompressing artifacts. The orchestrator treats these as opaque; only the
// path contract matters to the rest of the system.
package tiler

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/gigapix/gigapix/internal/model"
)

// Resize produces the resized base image for one zoom level next to the
// original and returns its path. An existing artifact is reused: files on
// disk are immutable once written.
func Resize(sourcePath string, zoom int) (string, error) {
	out := model.ResizedPath(sourcePath, zoom)
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}
	src, err := imaging.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	dst := imaging.Resize(src, model.ZoomWidth(zoom), 0, imaging.Lanczos)
	if err := imaging.Save(dst, out); err != nil {
		return "", fmt.Errorf("save resized image: %w", err)
	}
	return out, nil
}

// MakeTile cuts a single tile and returns its path. Tiles that overscan the
// image bounds come out as blank canvas; existing tiles are reused.
func MakeTile(root, shard string, size, zoom, row, col int, extension string) (string, error) {
	out := model.TilePath(root, shard, size, zoom, row, col, extension)
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}
	base, err := openBase(root, shard, zoom, extension)
	if err != nil {
		return "", err
	}
	tile := cutTile(base, size, row, col)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("create tile dir: %w", err)
	}
	if err := imaging.Save(tile, out); err != nil {
		return "", fmt.Errorf("save tile: %w", err)
	}
	return out, nil
}

// MakeTiles cuts the full rows x cols grid for one zoom level, skipping tiles
// already on disk.
func MakeTiles(root, shard string, size, zoom, rows, cols int, extension string) error {
	base, err := openBase(root, shard, zoom, extension)
	if err != nil {
		return err
	}
	dir := model.TileDir(root, shard, size, zoom)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tile dir: %w", err)
	}
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			out := model.TilePath(root, shard, size, zoom, row, col, extension)
			if _, err := os.Stat(out); err == nil {
				continue
			}
			if err := imaging.Save(cutTile(base, size, row, col), out); err != nil {
				return fmt.Errorf("save tile %d,%d: %w", row, col, err)
			}
		}
	}
	return nil
}

// MakeThumbnail renders (or reuses) the thumbnail of the given width and
// returns its path.
func MakeThumbnail(root, shard string, width int, extension string) (string, error) {
	out := model.ThumbnailPath(root, shard, width, extension)
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}
	original := model.OriginalPath(root, model.FileIDFromShard(shard), extension)
	src, err := imaging.Open(original)
	if err != nil {
		return "", fmt.Errorf("open original: %w", err)
	}
	thumb := imaging.Resize(src, width, 0, imaging.Lanczos)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("create thumbnail dir: %w", err)
	}
	if err := imaging.Save(thumb, out); err != nil {
		return "", fmt.Errorf("save thumbnail: %w", err)
	}
	return out, nil
}

// OptimizeTiles recompresses every tile of one zoom level in place.
func OptimizeTiles(root, shard string, zoom int, extension string) error {
	dir := model.TileDir(root, shard, model.TileSize, zoom)
	return optimizeDir(dir, extension)
}

// OptimizeThumbnails recompresses every thumbnail of an image in place.
func OptimizeThumbnails(root, shard, extension string) error {
	return optimizeDir(model.ThumbnailDir(root, shard), extension)
}

// DeleteImage removes every artifact of an image from disk: tiles,
// thumbnails, the original and its per-level resized copies.
func DeleteImage(root, shard string) error {
	if err := os.RemoveAll(model.TilesRoot(root, shard)); err != nil {
		return fmt.Errorf("remove tiles: %w", err)
	}
	if err := os.RemoveAll(model.ThumbnailDir(root, shard)); err != nil {
		return fmt.Errorf("remove thumbnails: %w", err)
	}
	fileid := model.FileIDFromShard(shard)
	uploads := filepath.Dir(model.OriginalPath(root, fileid, "png"))
	matches, err := filepath.Glob(filepath.Join(uploads, fileid[3:]+"*"))
	if err != nil {
		return fmt.Errorf("glob originals: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove original: %w", err)
		}
	}
	return nil
}

// CountAllTiles counts the tile files currently on disk for an image, across
// all zoom levels.
func CountAllTiles(root, fileid string) (int, error) {
	count := 0
	err := filepath.Walk(model.TilesRoot(root, model.ShardPath(fileid)), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("walk tiles: %w", err)
	}
	return count, nil
}

// openBase loads the resized artifact for a zoom level, falling back to the
// original scaled in-process. The fallback tolerates the race where tiling
// was dispatched before the resize job wrote its output.
func openBase(root, shard string, zoom int, extension string) (image.Image, error) {
	original := model.OriginalPath(root, model.FileIDFromShard(shard), extension)
	resized := model.ResizedPath(original, zoom)
	if img, err := imaging.Open(resized); err == nil {
		return img, nil
	}
	src, err := imaging.Open(original)
	if err != nil {
		return nil, fmt.Errorf("open original: %w", err)
	}
	return imaging.Resize(src, model.ZoomWidth(zoom), 0, imaging.Lanczos), nil
}

// cutTile crops one size x size tile anchored at (col, row). Regions beyond
// the image bounds stay blank so overscan tiles are valid images.
func cutTile(base image.Image, size, row, col int) *image.NRGBA {
	rect := image.Rect(col*size, row*size, (col+1)*size, (row+1)*size)
	cropped := imaging.Crop(base, rect)
	canvas := imaging.New(size, size, color.NRGBA{})
	return imaging.Paste(canvas, cropped, image.Pt(0, 0))
}

func optimizeDir(dir, extension string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != "."+extension {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		img, err := imaging.Open(path)
		if err != nil {
			continue
		}
		if err := imaging.Save(img, path, imaging.JPEGQuality(80)); err != nil {
			return fmt.Errorf("optimize %s: %w", path, err)
		}
	}
	return nil
}
