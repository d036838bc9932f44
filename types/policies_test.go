package types

import "testing"

func TestBoundedRandomPolicy(t *testing.T) {
	bounds := [][2]float64{{-1, 1}, {0, 5}, {2, 2}}
	p := NewBoundedRandomPolicy(bounds, 7)

	for i := 0; i < 100; i++ {
		action, ok := p.NextAction(i, nil)
		if !ok {
			t.Fatalf("policy refused to act")
		}
		if len(action) != len(bounds) {
			t.Fatalf("action length wrong: %d", len(action))
		}
		for j, b := range bounds {
			if action[j] < b[0] || action[j] > b[1] {
				t.Fatalf("dimension %d out of bounds: %f", j, action[j])
			}
		}
	}

	// a degenerate interval always yields its single value
	action, _ := p.NextAction(0, nil)
	if action[2] != 2 {
		t.Errorf("degenerate bound wrong: %f", action[2])
	}

	// equal seeds replay the same sequence
	a1, _ := NewBoundedRandomPolicy(bounds, 13).NextAction(0, nil)
	a2, _ := NewBoundedRandomPolicy(bounds, 13).NextAction(0, nil)
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Errorf("seeded draws diverge at %d: %f vs %f", i, a1[i], a2[i])
		}
	}
}
