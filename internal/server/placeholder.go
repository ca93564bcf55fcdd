package server

import (
	"bytes"
	"image/color"
	"log"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/gigapix/gigapix/internal/model"
)

// Placeholder images served when an artifact cannot be produced in time.
// They go out with max-age=0 so clients retry instead of caching the failure.
var (
	placeholderOnce sync.Once
	brokenTilePNG   []byte
	brokenThumbPNG  []byte
)

func renderPlaceholders() {
	brokenTilePNG = renderPlaceholder(model.TileSize, model.TileSize)
	brokenThumbPNG = renderPlaceholder(100, 100)
}

func renderPlaceholder(width, height int) []byte {
	img := imaging.New(width, height, color.NRGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		log.Printf("render placeholder: %v", err)
		return nil
	}
	return buf.Bytes()
}

func brokenTile() []byte {
	placeholderOnce.Do(renderPlaceholders)
	return brokenTilePNG
}

func brokenThumbnail() []byte {
	placeholderOnce.Do(renderPlaceholders)
	return brokenThumbPNG
}
