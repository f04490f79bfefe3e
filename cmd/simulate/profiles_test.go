package main

import (
	"testing"
)

func TestGeneratorWeights(t *testing.T) {
	gen := NewGenerator(42, 50)

	counts := make(map[string]int)
	const n = 10000
	for i := 0; i < n; i++ {
		counts[gen.Pick().Name]++
	}

	for _, p := range Profiles {
		got := float64(counts[p.Name]) / n * 100
		if diff := got - float64(p.Weight); diff < -3 || diff > 3 {
			t.Errorf("%s: expected ~%d%%, got %.1f%%", p.Name, p.Weight, got)
		}
	}
}

func TestGeneratorRanges(t *testing.T) {
	gen := NewGenerator(7, 50)

	for i := 0; i < 1000; i++ {
		in, p := gen.Next()
		if err := in.Validate(); err != nil {
			t.Fatalf("generated invalid transaction: %v", err)
		}
		tx := in.Transaction
		if tx.Amount < p.MinAmount-0.01 || tx.Amount > p.MaxAmount+0.01 {
			t.Errorf("%s: amount %.2f outside [%.0f,%.0f]", p.Name, tx.Amount, p.MinAmount, p.MaxAmount)
		}
		if in.RawScore < p.MinScore-0.011 || in.RawScore > p.MaxScore+0.011 {
			t.Errorf("%s: score %.2f outside [%.2f,%.2f]", p.Name, in.RawScore, p.MinScore, p.MaxScore)
		}
	}
}

func TestGeneratorIsDeterministic(t *testing.T) {
	a := NewGenerator(99, 50)
	b := NewGenerator(99, 50)

	for i := 0; i < 20; i++ {
		x, _ := a.Next()
		y, _ := b.Next()
		if x.Transaction.Amount != y.Transaction.Amount || x.RawScore != y.RawScore || x.Transaction.ExternalUserID != y.Transaction.ExternalUserID {
			t.Fatalf("draw %d differs for the same seed", i)
		}
	}
}
