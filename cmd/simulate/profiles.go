package main

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Profile is one kind of simulated traffic.
type Profile struct {
	Name       string
	Weight     int
	MinAmount  float64
	MaxAmount  float64
	MinScore   float64
	MaxScore   float64
	Categories []string
	Merchants  []string
	Countries  []string
}

// Profiles are weighted 70/20/10 and calibrated so SAFE mostly allows,
// SUSPECT mostly lands on review and FRAUD trips the high tier.
var Profiles = []Profile{
	{
		Name:       "SAFE",
		Weight:     70,
		MinAmount:  5,
		MaxAmount:  150,
		MinScore:   0.01,
		MaxScore:   0.30,
		Categories: []string{"food", "books", "clothing", "transport"},
		Merchants:  []string{"Uber", "Fnac", "Carrefour", "SNCF", "Amazon"},
		Countries:  []string{"FR", "DE", "ES", "BE"},
	},
	{
		Name:       "SUSPECT",
		Weight:     20,
		MinAmount:  800,
		MaxAmount:  1900,
		MinScore:   0.40,
		MaxScore:   0.65,
		Categories: []string{"travel", "services", "gambling"},
		Merchants:  []string{"Air France", "BetClic", "Western Union"},
		Countries:  []string{"FR", "MA", "TR"},
	},
	{
		Name:       "FRAUD",
		Weight:     10,
		MinAmount:  2500,
		MaxAmount:  9000,
		MinScore:   0.70,
		MaxScore:   0.99,
		Categories: []string{"electronics", "jewelry"},
		Merchants:  []string{"Apple Store", "Rolex", "CryptoBinance"},
		Countries:  []string{"RU", "NG", "KP"},
	},
}

// Generator draws scored transactions from the weighted profiles.
type Generator struct {
	rng      *rand.Rand
	profiles []Profile
	total    int
	users    int
}

// NewGenerator creates a generator over users distinct user ids.
func NewGenerator(seed uint64, users int) *Generator {
	total := 0
	for _, p := range Profiles {
		total += p.Weight
	}
	if users <= 0 {
		users = 900
	}
	return &Generator{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		profiles: Profiles,
		total:    total,
		users:    users,
	}
}

// Pick returns a profile with probability proportional to its weight.
func (g *Generator) Pick() Profile {
	n := g.rng.IntN(g.total)
	for _, p := range g.profiles {
		if n < p.Weight {
			return p
		}
		n -= p.Weight
	}
	return g.profiles[len(g.profiles)-1]
}

// Next builds one scored transaction and reports the profile it came from.
func (g *Generator) Next() (*domain.ScoredTransaction, Profile) {
	p := g.Pick()
	amount := p.MinAmount + g.rng.Float64()*(p.MaxAmount-p.MinAmount)
	score := p.MinScore + g.rng.Float64()*(p.MaxScore-p.MinScore)

	tx := domain.Transaction{
		ID:             uuid.NewString(),
		Amount:         math.Round(amount*100) / 100,
		Currency:       "EUR",
		ExternalUserID: fmt.Sprintf("user_%d", 100+g.rng.IntN(g.users)),
		Merchant: domain.MerchantInfo{
			Name:     p.Merchants[g.rng.IntN(len(p.Merchants))],
			Category: p.Categories[g.rng.IntN(len(p.Categories))],
		},
		IPAddress: fmt.Sprintf("%d.%d.%d.%d", 10+g.rng.IntN(191), g.rng.IntN(256), g.rng.IntN(256), g.rng.IntN(256)),
		IPCountry: p.Countries[g.rng.IntN(len(p.Countries))],
		DeviceID:  "device_" + uuid.NewString()[:8],
	}
	return &domain.ScoredTransaction{
		Transaction:  tx,
		RawScore:     math.Round(score*100) / 100,
		ModelVersion: "simulator",
	}, p
}
