package txdict

import (
	"testing"

	"github.com/mnohosten/gostm/pkg/stm"
)

func intHash(k int) uint64 { return uint64(k) }

func newIntDict(t *testing.T, capacity int) *TxDict[int, string] {
	t.Helper()
	var d *TxDict[int, string]
	_, err := stm.RunAtomic(func() (struct{}, error) {
		var allocErr error
		d, allocErr = New[int, string](capacity, intHash)
		return struct{}{}, allocErr
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func TestSetAndGet(t *testing.T) {
	d := newIntDict(t, 8)

	_, err := stm.RunAtomic(func() (struct{}, error) {
		return struct{}{}, d.Set(1, "one")
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := stm.RunAtomic(func() (string, error) {
		v, found, err := d.Get(1)
		if err != nil {
			return "", err
		}
		if !found {
			t.Fatal("expected key 1 to be present")
		}
		return v, nil
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "one" {
		t.Errorf("expected \"one\", got %q", val)
	}
}

func TestGetMissingKey(t *testing.T) {
	d := newIntDict(t, 8)

	found, err := stm.RunAtomic(func() (bool, error) {
		_, found, err := d.Get(42)
		return found, err
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Error("expected key 42 to be absent")
	}
}

func TestSetOverwritesExisting(t *testing.T) {
	d := newIntDict(t, 8)

	_, err := stm.RunAtomic(func() (struct{}, error) {
		if err := d.Set(1, "one"); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, d.Set(1, "uno")
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, _, err := getOnce(t, d, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "uno" {
		t.Errorf("expected \"uno\", got %q", val)
	}

	size := d.SizeCommitted()
	if size != 1 {
		t.Errorf("expected size 1 after overwrite, got %d", size)
	}
}

func TestRemove(t *testing.T) {
	d := newIntDict(t, 8)

	_, err := stm.RunAtomic(func() (struct{}, error) {
		return struct{}{}, d.Set(1, "one")
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	removed, err := stm.RunAtomic(func() (bool, error) {
		return d.Remove(1)
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed {
		t.Error("expected Remove to report true")
	}

	_, found, err := getOnce(t, d, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Error("expected key 1 to be gone after Remove")
	}
	if size := d.SizeCommitted(); size != 0 {
		t.Errorf("expected size 0 after remove, got %d", size)
	}
}

func TestRemoveMissingKeyReportsFalse(t *testing.T) {
	d := newIntDict(t, 8)

	removed, err := stm.RunAtomic(func() (bool, error) {
		return d.Remove(99)
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if removed {
		t.Error("expected Remove on a missing key to report false")
	}
}

// TestCellarChainSurvivesRemoveOfHome exercises the hoist-on-remove path:
// force two keys to collide on the same home slot, then remove the home
// occupant and verify the cellar successor becomes reachable directly
// from the home address afterward.
func TestCellarChainSurvivesRemoveOfHome(t *testing.T) {
	collidingHash := func(k int) uint64 { return 0 }
	var d *TxDict[int, string]
	_, err := stm.RunAtomic(func() (struct{}, error) {
		var allocErr error
		d, allocErr = New[int, string](8, collidingHash)
		return struct{}{}, allocErr
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = stm.RunAtomic(func() (struct{}, error) {
		if err := d.Set(1, "one"); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, d.Set(2, "two")
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	removed, err := stm.RunAtomic(func() (bool, error) {
		return d.Remove(1)
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed {
		t.Fatal("expected key 1 to be removed")
	}

	val, found, err := getOnce(t, d, 2)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || val != "two" {
		t.Errorf("expected key 2 to still resolve to \"two\" after hoist, got %q found=%v", val, found)
	}
	if size := d.SizeCommitted(); size != 1 {
		t.Errorf("expected size 1 after removing one of two colliding keys, got %d", size)
	}
}

func TestForEachVisitsAllEntries(t *testing.T) {
	d := newIntDict(t, 16)

	_, err := stm.RunAtomic(func() (struct{}, error) {
		for i := 0; i < 5; i++ {
			if err := d.Set(i, "v"); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	seen := map[int]bool{}
	_, err = stm.RunAtomic(func() (struct{}, error) {
		return struct{}{}, d.ForEach(func(key int, value string) bool {
			seen[key] = true
			return true
		})
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 entries visited, got %d", len(seen))
	}
}

func TestClearResetsSizeAndEntries(t *testing.T) {
	d := newIntDict(t, 8)

	_, err := stm.RunAtomic(func() (struct{}, error) {
		for i := 0; i < 3; i++ {
			if err := d.Set(i, "v"); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	_, err = stm.RunAtomic(func() (struct{}, error) {
		return struct{}{}, d.Clear()
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if size := d.SizeCommitted(); size != 0 {
		t.Errorf("expected size 0 after Clear, got %d", size)
	}
	_, found, err := getOnce(t, d, 0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Error("expected no entries to survive Clear")
	}
}

func TestContainsKey(t *testing.T) {
	d := newIntDict(t, 8)

	_, err := stm.RunAtomic(func() (struct{}, error) {
		return struct{}{}, d.Set(7, "seven")
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	present, err := stm.RunAtomic(func() (bool, error) {
		return d.ContainsKey(7)
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("ContainsKey failed: %v", err)
	}
	if !present {
		t.Error("expected key 7 to be reported present")
	}
}

func getOnce(t *testing.T, d *TxDict[int, string], key int) (string, bool, error) {
	t.Helper()
	type result struct {
		val   string
		found bool
	}
	r, err := stm.RunAtomic(func() (result, error) {
		val, found, err := d.Get(key)
		return result{val: val, found: found}, err
	}, stm.DefaultOptions(), stm.DefaultRetryPolicy())
	return r.val, r.found, err
}
