package tiler

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/gigapix/gigapix/internal/model"
)

const testFileID = "a1b2c3d4e"

// writeOriginal drops a small gradient source image where OriginalPath
// expects it and returns its path.
func writeOriginal(t *testing.T, root string, width, height int) string {
	t.Helper()
	img := imaging.New(width, height, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	path := model.OriginalPath(root, testFileID, "png")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestResize(t *testing.T) {
	root := t.TempDir()
	source := writeOriginal(t, root, 2000, 1000)

	out, err := Resize(source, model.RangeMin)
	require.NoError(t, err)
	require.Equal(t, model.ResizedPath(source, model.RangeMin), out)

	resized, err := imaging.Open(out)
	require.NoError(t, err)
	require.Equal(t, model.ZoomWidth(model.RangeMin), resized.Bounds().Dx())

	// A second call reuses the artifact instead of re-rendering it.
	info1, err := os.Stat(out)
	require.NoError(t, err)
	_, err = Resize(source, model.RangeMin)
	require.NoError(t, err)
	info2, err := os.Stat(out)
	require.NoError(t, err)
	require.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestMakeTileDimensions(t *testing.T) {
	root := t.TempDir()
	writeOriginal(t, root, 1200, 600)
	shard := model.ShardPath(testFileID)

	out, err := MakeTile(root, shard, model.TileSize, model.RangeMin, 0, 0, "png")
	require.NoError(t, err)

	tile, err := imaging.Open(out)
	require.NoError(t, err)
	require.Equal(t, model.TileSize, tile.Bounds().Dx())
	require.Equal(t, model.TileSize, tile.Bounds().Dy())
}

func TestMakeTileOverscanIsBlankCanvas(t *testing.T) {
	root := t.TempDir()
	writeOriginal(t, root, 1200, 600)
	shard := model.ShardPath(testFileID)

	// Row 100 is far outside the source; the tile must still be a full-size
	// valid image.
	out, err := MakeTile(root, shard, model.TileSize, model.RangeMin, 100, 100, "png")
	require.NoError(t, err)
	tile, err := imaging.Open(out)
	require.NoError(t, err)
	require.Equal(t, model.TileSize, tile.Bounds().Dx())
	require.Equal(t, model.TileSize, tile.Bounds().Dy())
}

func TestMakeTilesCoversGrid(t *testing.T) {
	root := t.TempDir()
	writeOriginal(t, root, 1200, 600)
	shard := model.ShardPath(testFileID)

	rows, cols := model.GridExtent(model.RangeMin)
	require.NoError(t, MakeTiles(root, shard, model.TileSize, model.RangeMin, rows, cols, "png"))

	count, err := CountAllTiles(root, testFileID)
	require.NoError(t, err)
	require.Equal(t, rows*cols, count)
}

func TestMakeThumbnail(t *testing.T) {
	root := t.TempDir()
	writeOriginal(t, root, 1200, 600)
	shard := model.ShardPath(testFileID)

	out, err := MakeThumbnail(root, shard, 100, "png")
	require.NoError(t, err)
	thumb, err := imaging.Open(out)
	require.NoError(t, err)
	require.Equal(t, 100, thumb.Bounds().Dx())
}

func TestDeleteImageRemovesEverything(t *testing.T) {
	root := t.TempDir()
	source := writeOriginal(t, root, 1200, 600)
	shard := model.ShardPath(testFileID)

	_, err := Resize(source, model.RangeMin)
	require.NoError(t, err)
	_, err = MakeTile(root, shard, model.TileSize, model.RangeMin, 0, 0, "png")
	require.NoError(t, err)
	_, err = MakeThumbnail(root, shard, 100, "png")
	require.NoError(t, err)

	require.NoError(t, DeleteImage(root, shard))

	count, err := CountAllTiles(root, testFileID)
	require.NoError(t, err)
	require.Zero(t, count)
	_, err = os.Stat(source)
	require.True(t, os.IsNotExist(err), "original should be gone")
	_, err = os.Stat(model.ResizedPath(source, model.RangeMin))
	require.True(t, os.IsNotExist(err), "resized copy should be gone")
}

func TestCountAllTilesMissingDir(t *testing.T) {
	count, err := CountAllTiles(t.TempDir(), testFileID)
	require.NoError(t, err)
	require.Zero(t, count)
}
