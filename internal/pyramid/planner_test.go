package pyramid

import (
	"reflect"
	"testing"

	"github.com/gigapix/gigapix/internal/model"
)

func TestPlanRangesDefaultZoomFirst(t *testing.T) {
	for width := 1024; width <= 20000; width += 997 {
		ranges := PlanRanges(width, width/2)
		if len(ranges) == 0 {
			t.Fatalf("no ranges planned for width %d", width)
		}
		if ranges[0] != model.DefaultZoom {
			t.Fatalf("width %d: ranges %v do not start with the default zoom", width, ranges)
		}
	}
}

func TestPlanRangesWideImage(t *testing.T) {
	got := PlanRanges(2000, 1000)
	want := []int{3, 2}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("PlanRanges(2000, 1000) = %v, want %v", got, want)
	}
}

func TestPlanRangesHugeImageCapsAtMax(t *testing.T) {
	ranges := PlanRanges(100000, 100000)
	for _, z := range ranges {
		if z < model.RangeMin || z > model.RangeMax {
			t.Fatalf("planned zoom %d outside [%d,%d]", z, model.RangeMin, model.RangeMax)
		}
	}
	if len(ranges) != model.RangeMax-model.RangeMin+1 {
		t.Fatalf("expected every level for a huge image, got %v", ranges)
	}
}

func TestApproximateRangesAscending(t *testing.T) {
	got := ApproximateRanges(3000)
	want := []int{2, 3, 4}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ApproximateRanges(3000) = %v, want %v", got, want)
	}
}

func TestApproximateRangesNeverEmpty(t *testing.T) {
	if got := ApproximateRanges(0); len(got) == 0 {
		t.Fatalf("expected at least the minimum level")
	}
}
