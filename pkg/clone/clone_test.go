package clone

import "testing"

type point struct {
	X, Y int
}

type withSlice struct {
	Items []int
}

func (w withSlice) Clone() withSlice {
	cp := make([]int, len(w.Items))
	copy(cp, w.Items)
	return withSlice{Items: cp}
}

type immutableTag struct {
	label string
}

func (immutableTag) ImmutableMarker() {}

func TestClassifyPrimitives(t *testing.T) {
	if mode, err := Classify(42); err != nil || mode != NoClone {
		t.Errorf("int: got (%v, %v), want (NoClone, nil)", mode, err)
	}
	if mode, err := Classify("hello"); err != nil || mode != NoClone {
		t.Errorf("string: got (%v, %v), want (NoClone, nil)", mode, err)
	}
}

func TestClassifyStructOfNoCloneFieldsFoldsToNoClone(t *testing.T) {
	mode, err := Classify(point{1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != NoClone {
		t.Errorf("got %v, want NoClone", mode)
	}
}

func TestClassifyDeepClone(t *testing.T) {
	mode, err := Classify(withSlice{Items: []int{1, 2, 3}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != DeepClone {
		t.Errorf("got %v, want DeepClone", mode)
	}
}

func TestClassifyImmutableMarker(t *testing.T) {
	mode, err := Classify(immutableTag{label: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != NoClone {
		t.Errorf("got %v, want NoClone", mode)
	}
}

func TestClassifyUnsupported(t *testing.T) {
	type refHolder struct {
		M map[string]int
	}
	_, err := Classify(refHolder{M: map[string]int{}})
	if err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestClassifyCachesDecision(t *testing.T) {
	Classify(point{1, 2})
	before := len(cache)
	Classify(point{3, 4})
	after := len(cache)
	if before != after {
		t.Errorf("classification was not cached: cache grew from %d to %d", before, after)
	}
}
