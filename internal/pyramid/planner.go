// Package pyramid plans which zoom levels an image needs and orchestrates the
// resize/tile/thumbnail/optimize stages that build them.
package pyramid

import "github.com/gigapix/gigapix/internal/model"

// PlanRanges computes the zoom levels to generate for an image whose full
// dimensions are known. Starting at the minimum level it keeps adding levels
// until the aspect-adjusted area covered by a level meets the image's true
// pixel area, or the maximum level is reached. The default zoom is moved to
// the front because it is the level a viewer sees first and must be
// generated before the others.
func PlanRanges(width, height int) []int {
	area := float64(width) * float64(height)
	ratio := float64(width) / float64(height)

	var ranges []int
	zoom := model.RangeMin
	for {
		ranges = append(ranges, zoom)
		rangeWidth := float64(model.ZoomWidth(zoom))
		rangeArea := rangeWidth * (rangeWidth / ratio)
		if zoom >= model.RangeMax {
			break
		}
		if rangeArea > area {
			break
		}
		zoom++
	}
	return prioritizeDefault(ranges)
}

// ApproximateRanges is the width-only fallback used at serve time when an
// image predates persisted ranges. It assumes square-ish framing, is never
// used for generation scheduling, and keeps the natural ascending order.
func ApproximateRanges(width int) []int {
	var ranges []int
	zoom := model.RangeMin
	for {
		ranges = append(ranges, zoom)
		if model.ZoomWidth(zoom) > width || zoom >= model.RangeMax {
			break
		}
		zoom++
	}
	return ranges
}

func prioritizeDefault(ranges []int) []int {
	out := make([]int, 0, len(ranges)+1)
	out = append(out, model.DefaultZoom)
	for _, z := range ranges {
		if z != model.DefaultZoom {
			out = append(out, z)
		}
	}
	return out
}
