package scorer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buyer-fit/internal/model"
)

func ptrFloat64(v float64) *float64 { return &v }

func newTestEngine() *Engine {
	return New(DefaultScorerConfig(), nil)
}

// westCoastBuyer targets CA/NV, $2M-$10M revenue, HVAC and plumbing.
func westCoastBuyer() model.BuyerCriteria {
	return model.BuyerCriteria{
		TargetGeographies:    []string{"CA", "NV"},
		MinRevenue:           ptrFloat64(2_000_000),
		MaxRevenue:           ptrFloat64(10_000_000),
		TargetServices:       []string{"HVAC", "Plumbing"},
		OwnerGoalPreferences: []string{"retirement"},
		ThesisConfidence:     "high",
	}
}

func matchingDeal(location string) model.DealAttributes {
	return model.DealAttributes{
		Location:   location,
		Revenue:    ptrFloat64(5_000_000),
		Services:   []string{"Heating & Cooling", "plumbing"},
		OwnerGoals: []string{"Retire"},
	}
}

func TestScore_ExampleCaliforniaDealIsTierA(t *testing.T) {
	res := newTestEngine().Score(westCoastBuyer(), matchingDeal("CA"), model.DefaultWeights())

	assert.GreaterOrEqual(t, res.Composite, 80.0)
	assert.Equal(t, model.TierA, res.Tier)
	assert.False(t, res.Disqualified)
	assert.Equal(t, model.CompletenessHigh, res.DataCompleteness)
	assert.Empty(t, res.MissingFactors)
	assert.InDelta(t, 100, res.Factors.Geography, 0.001)
	assert.InDelta(t, 95, res.Factors.Size, 0.001)
	assert.InDelta(t, 100, res.Factors.Service, 0.001)
	assert.InDelta(t, 100, res.Factors.OwnerGoals, 0.001)
	assert.Equal(t, model.ScoringVersion, res.ScoringVersion)
}

func TestScore_ExampleTexasDealIsLowButNotDisqualified(t *testing.T) {
	buyer := westCoastBuyer()
	buyer.ThesisConfidence = ""
	eng := newTestEngine()

	ca := eng.Score(buyer, matchingDeal("CA"), model.DefaultWeights())
	tx := eng.Score(buyer, matchingDeal("TX"), model.DefaultWeights())

	assert.False(t, tx.Disqualified)
	assert.Greater(t, tx.Factors.Geography, 0.0)
	assert.InDelta(t, geoOutsideTarget, tx.Factors.Geography, 0.001)
	assert.Less(t, tx.Composite, ca.Composite)
	assert.NotEqual(t, model.TierA, tx.Tier)
	assert.InDelta(t, 70.75, tx.Composite, 0.001)
}

func TestScore_Deterministic(t *testing.T) {
	eng := newTestEngine()
	buyer := westCoastBuyer()
	buyer.ExcludedGeographies = []string{"south"}
	deal := matchingDeal("AZ")
	deal.EBITDA = ptrFloat64(700_000)
	buyer.MinEBITDA = ptrFloat64(500_000)
	buyer.MaxEBITDA = ptrFloat64(1_500_000)
	w := model.WeightSet{Geography: 3.3, Size: 1.7, Service: 2.9, OwnerGoals: 0.7}

	first := eng.Score(buyer, deal, w)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, eng.Score(buyer, deal, w))
	}
}

func TestScore_DisqualificationForcesTierD(t *testing.T) {
	buyer := westCoastBuyer()
	buyer.TargetGeographies = nil
	buyer.ExcludedGeographies = []string{"TX"}

	res := newTestEngine().Score(buyer, matchingDeal("TX"), model.DefaultWeights())

	assert.True(t, res.Disqualified)
	assert.Equal(t, model.TierD, res.Tier)
	assert.Zero(t, res.Factors.Geography)
	assert.Contains(t, res.DisqualificationReason, "TX")
	// The composite is still reported; the tier override is explicit.
	assert.Greater(t, res.Composite, tierCMin)
}

func TestScore_DisqualificationByRegion(t *testing.T) {
	buyer := westCoastBuyer()
	buyer.ExcludedGeographies = []string{"South"}

	res := newTestEngine().Score(buyer, matchingDeal("FL"), model.DefaultWeights())
	assert.True(t, res.Disqualified)
	assert.Equal(t, model.TierD, res.Tier)
}

func TestScore_DisqualificationPenalty(t *testing.T) {
	cfg := DefaultScorerConfig()
	cfg.DisqualificationPenalty = 20
	buyer := westCoastBuyer()
	buyer.ThesisConfidence = ""
	buyer.ExcludedGeographies = []string{"CA"}

	plain := New(DefaultScorerConfig(), nil).Score(buyer, matchingDeal("CA"), model.DefaultWeights())
	penalized := New(cfg, nil).Score(buyer, matchingDeal("CA"), model.DefaultWeights())

	assert.InDelta(t, plain.Composite-20, penalized.Composite, 0.001)
	assert.InDelta(t, 20, penalized.Bonuses.DisqualificationPenalty, 0.001)
}

func TestScore_MissingFactorsExcludedFromDenominator(t *testing.T) {
	buyer := model.BuyerCriteria{TargetGeographies: []string{"CA"}}
	deal := model.DealAttributes{Location: "CA"}

	res := newTestEngine().Score(buyer, deal, model.DefaultWeights())

	// Geography 100 (w35) and neutral owner goals 50 (w15); size and service drop out.
	assert.InDelta(t, (35*100.0+15*50.0)/50.0, res.Composite, 0.001)
	assert.ElementsMatch(t, []model.Factor{model.FactorSize, model.FactorService}, res.MissingFactors)
	assert.Equal(t, model.CompletenessLow, res.DataCompleteness)
}

func TestScore_NoDataAtAll(t *testing.T) {
	res := newTestEngine().Score(model.BuyerCriteria{}, model.DealAttributes{}, model.DefaultWeights())

	assert.InDelta(t, ownerGoalsNeutral, res.Composite, 0.001)
	assert.ElementsMatch(t, []model.Factor{model.FactorGeography, model.FactorSize, model.FactorService}, res.MissingFactors)
	assert.Equal(t, model.CompletenessLow, res.DataCompleteness)
	assert.False(t, res.Disqualified)
}

func TestScore_OneMissingIsMedium(t *testing.T) {
	deal := matchingDeal("CA")
	deal.Revenue = nil

	res := newTestEngine().Score(westCoastBuyer(), deal, model.DefaultWeights())
	assert.Equal(t, model.CompletenessMedium, res.DataCompleteness)
	assert.Equal(t, []model.Factor{model.FactorSize}, res.MissingFactors)
}

func TestScore_NeutralOwnerGoalsKeepCompletenessHigh(t *testing.T) {
	deal := matchingDeal("CA")
	deal.OwnerGoals = nil

	res := newTestEngine().Score(westCoastBuyer(), deal, model.DefaultWeights())
	assert.Equal(t, model.CompletenessHigh, res.DataCompleteness)
	assert.Empty(t, res.MissingFactors)
	assert.InDelta(t, ownerGoalsNeutral, res.Factors.OwnerGoals, 0.001)
}

// A buyer and deal with no owner goals on either side, scored with the
// default weights and no thesis bonus.
func TestScore_WestCoastBuyerWithoutOwnerGoals(t *testing.T) {
	buyer := model.BuyerCriteria{
		TargetGeographies: []string{"CA", "NV"},
		MinRevenue:        ptrFloat64(2_000_000),
		MaxRevenue:        ptrFloat64(10_000_000),
		TargetServices:    []string{"HVAC", "Plumbing"},
	}
	deal := func(state string) model.DealAttributes {
		return model.DealAttributes{
			Location: state,
			Revenue:  ptrFloat64(5_000_000),
			Services: []string{"HVAC", "Plumbing"},
		}
	}
	eng := newTestEngine()

	ca := eng.Score(buyer, deal("CA"), model.DefaultWeights())
	// (35*100 + 25*95 + 25*100 + 15*50) / 100
	assert.InDelta(t, 91.25, ca.Composite, 0.001)
	assert.Equal(t, model.TierA, ca.Tier)
	assert.False(t, ca.Disqualified)
	assert.Equal(t, model.CompletenessHigh, ca.DataCompleteness)
	assert.Empty(t, ca.MissingFactors)

	tx := eng.Score(buyer, deal("TX"), model.DefaultWeights())
	assert.InDelta(t, 63.25, tx.Composite, 0.001)
	assert.Equal(t, model.TierC, tx.Tier)
	assert.InDelta(t, geoOutsideTarget, tx.Factors.Geography, 0.001)
	assert.False(t, tx.Disqualified)
	assert.Equal(t, model.CompletenessHigh, tx.DataCompleteness)
}

func TestScore_WeightsAreNormalized(t *testing.T) {
	eng := newTestEngine()
	buyer := westCoastBuyer()
	buyer.ThesisConfidence = ""
	deal := matchingDeal("AZ")

	base := eng.Score(buyer, deal, model.DefaultWeights())
	scaled := eng.Score(buyer, deal, model.WeightSet{Geography: 0.35, Size: 0.25, Service: 0.25, OwnerGoals: 0.15})
	assert.InDelta(t, base.Composite, scaled.Composite, 0.01)
}

func TestScore_ThesisBonusRequiresServiceFit(t *testing.T) {
	eng := newTestEngine()
	buyer := westCoastBuyer()
	deal := matchingDeal("CA")
	deal.Services = []string{"roofing"}

	res := eng.Score(buyer, deal, model.DefaultWeights())
	assert.Zero(t, res.Factors.Service)
	assert.Zero(t, res.Bonuses.ThesisBonus)

	res = eng.Score(buyer, matchingDeal("CA"), model.DefaultWeights())
	assert.InDelta(t, 10, res.Bonuses.ThesisBonus, 0.001)
}

func TestScore_ThesisBonusCapped(t *testing.T) {
	cfg := DefaultScorerConfig()
	cfg.ThesisBonus["high"] = 80
	eng := New(cfg, nil)
	assert.InDelta(t, 50, eng.thesisBonus("High"), 0.001)
	assert.InDelta(t, 5, eng.thesisBonus("medium"), 0.001)
	assert.Zero(t, eng.thesisBonus("unknown"))
}

func TestScore_CompositeClampedAndRounded(t *testing.T) {
	res := newTestEngine().Score(westCoastBuyer(), matchingDeal("CA"), model.DefaultWeights())
	assert.InDelta(t, 100, res.Composite, 0.0001)

	res = newTestEngine().Score(westCoastBuyer(), matchingDeal("AZ"), model.WeightSet{Geography: 1, Size: 1, Service: 1, OwnerGoals: 0})
	assert.Equal(t, round2(res.Composite), res.Composite)
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		composite float64
		want      model.Tier
	}{
		{100, model.TierA},
		{80.0, model.TierA},
		{79.99, model.TierB},
		{65.0, model.TierB},
		{64.99, model.TierC},
		{50.0, model.TierC},
		{49.99, model.TierD},
		{0, model.TierD},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFor(tt.composite), "composite %.2f", tt.composite)
	}
}

func TestCompletenessFor(t *testing.T) {
	assert.Equal(t, model.CompletenessHigh, CompletenessFor(0))
	assert.Equal(t, model.CompletenessMedium, CompletenessFor(1))
	assert.Equal(t, model.CompletenessLow, CompletenessFor(2))
	assert.Equal(t, model.CompletenessLow, CompletenessFor(4))
}

func TestScoreGeography(t *testing.T) {
	eng := newTestEngine()
	tests := []struct {
		name       string
		targets    []string
		exclusions []string
		location   string
		want       float64
		ok         bool
		dq         bool
	}{
		{"target state", []string{"CA", "NV"}, nil, "CA", 100, true, false},
		{"state by name", []string{"CA"}, nil, "California", 100, true, false},
		{"target region", []string{"West"}, nil, "OR", 100, true, false},
		{"national", []string{"national"}, nil, "ME", 100, true, false},
		{"same region", []string{"CA", "NV"}, nil, "AZ", 60, true, false},
		{"outside", []string{"CA", "NV"}, nil, "TX", 20, true, false},
		{"profile region", []string{"Pacific Northwest"}, nil, "WA", 100, true, false},
		{"excluded", []string{"CA"}, []string{"CA"}, "CA", 0, true, true},
		{"excluded region", nil, []string{"northeast"}, "NY", 0, true, true},
		{"exclusions only", nil, []string{"TX"}, "CA", 100, true, false},
		{"exclusions only unknown location", nil, []string{"TX"}, "Ontario", 20, true, false},
		{"unknown location", []string{"CA"}, nil, "Ontario", 20, true, false},
		{"no location", []string{"CA"}, nil, "", 0, false, false},
		{"no buyer data", nil, nil, "CA", 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, dq, _ := eng.scoreGeography(tt.targets, tt.exclusions, tt.location)
			assert.InDelta(t, tt.want, got, 0.001)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.dq, dq)
		})
	}
}

func TestScoreBand(t *testing.T) {
	tests := []struct {
		name   string
		x      *float64
		lo, hi *float64
		want   float64
		ok     bool
	}{
		{"center", ptrFloat64(6e6), ptrFloat64(2e6), ptrFloat64(10e6), 100, true},
		{"inside off center", ptrFloat64(5e6), ptrFloat64(2e6), ptrFloat64(10e6), 95, true},
		{"at edge", ptrFloat64(2e6), ptrFloat64(2e6), ptrFloat64(10e6), 80, true},
		{"below within tolerance", ptrFloat64(1.75e6), ptrFloat64(2e6), ptrFloat64(10e6), 30, true},
		{"above within tolerance", ptrFloat64(11e6), ptrFloat64(2e6), ptrFloat64(10e6), 36, true},
		{"beyond tolerance", ptrFloat64(1e6), ptrFloat64(2e6), ptrFloat64(10e6), 0, true},
		{"at tolerance", ptrFloat64(1.5e6), ptrFloat64(2e6), ptrFloat64(10e6), 0, true},
		{"open upper", ptrFloat64(50e6), ptrFloat64(2e6), nil, 100, true},
		{"open lower", ptrFloat64(1e6), nil, ptrFloat64(2e6), 100, true},
		{"degenerate band", ptrFloat64(3e6), ptrFloat64(3e6), ptrFloat64(3e6), 100, true},
		{"no value", nil, ptrFloat64(2e6), ptrFloat64(10e6), 0, false},
		{"no band", ptrFloat64(5e6), nil, nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := scoreBand(tt.x, tt.lo, tt.hi, 0.25)
			assert.InDelta(t, tt.want, got, 0.001)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestScoreSize_AveragesBands(t *testing.T) {
	got, ok := scoreSize(
		ptrFloat64(6e6), ptrFloat64(2e6), ptrFloat64(10e6),
		ptrFloat64(2e6), ptrFloat64(1e6), ptrFloat64(1.5e6),
		0.25,
	)
	require.True(t, ok)
	// Revenue at center (100); EBITDA 33% above max, beyond tolerance (0).
	assert.InDelta(t, 50, got, 0.001)

	_, ok = scoreSize(nil, nil, nil, nil, nil, nil, 0.25)
	assert.False(t, ok)
}

func TestScoreService(t *testing.T) {
	eng := newTestEngine()
	tests := []struct {
		name     string
		targets  []string
		breakers []string
		deal     []string
		want     float64
		ok       bool
	}{
		{"full coverage via synonym", []string{"HVAC", "Plumbing"}, nil, []string{"Heating & Cooling", "plumbing"}, 100, true},
		{"partial coverage floored", []string{"hvac"}, nil, []string{"hvac", "roofing", "electrical"}, 50, true},
		{"half coverage", []string{"hvac"}, nil, []string{"hvac", "roofing"}, 50, true},
		{"containment", []string{"hvac"}, nil, []string{"Commercial HVAC"}, 100, true},
		{"no match", []string{"accounting"}, nil, []string{"roofing"}, 0, true},
		{"deal breaker", []string{"hvac"}, []string{"roofing"}, []string{"hvac", "roofing", "electrical"}, 0, true},
		{"breakers only", nil, []string{"roofing"}, []string{"plumbing"}, 100, true},
		{"no deal services", []string{"hvac"}, nil, nil, 0, false},
		{"no buyer services", nil, nil, []string{"hvac"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := eng.scoreService(tt.targets, tt.breakers, tt.deal)
			assert.InDelta(t, tt.want, got, 0.001)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestScoreOwnerGoals(t *testing.T) {
	eng := newTestEngine()
	tests := []struct {
		name    string
		prefs   []string
		goals   []string
		want  float64
	}{
		{"equal via alias", []string{"retire"}, []string{"Retirement"}, 100},
		{"compatible", []string{"retirement"}, []string{"full sale"}, 70},
		{"best pair wins", []string{"growth", "retirement"}, []string{"retiring"}, 100},
		{"mismatch", []string{"growth"}, []string{"retirement"}, 25},
		{"no prefs", nil, []string{"retirement"}, 50},
		{"no goals", []string{"retirement"}, nil, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, eng.scoreOwnerGoals(tt.prefs, tt.goals), 0.001)
		})
	}
}

func TestNormalizeToken(t *testing.T) {
	tests := map[string]string{
		"Heating & Cooling":   "heating and cooling",
		"  Multi   Space  ":   "multi space",
		"Café Services!":      "cafe services",
		"Pacific-Northwest":   "pacific northwest",
		"HVAC/R":              "hvac r",
		"":                    "",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeToken(in), "input %q", in)
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	content := `
profile:
  regions:
    Four Corners: [AZ, CO, NM, UT]
  service_synonyms:
    pest control: [exterminator]
  owner_goal_aliases:
    cash out: full exit
  owner_goal_compatibility:
    - [retirement, growth capital]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	eng := New(DefaultScorerConfig(), p)

	geo, ok, _, _ := eng.scoreGeography([]string{"four corners"}, nil, "CO")
	require.True(t, ok)
	assert.InDelta(t, 100, geo, 0.001)

	svc, ok := eng.scoreService([]string{"Pest Control"}, nil, []string{"Exterminator"})
	require.True(t, ok)
	assert.InDelta(t, 100, svc, 0.001)

	assert.InDelta(t, 70, eng.scoreOwnerGoals([]string{"retirement"}, []string{"growth"}), 0.001)
	assert.InDelta(t, 100, eng.scoreOwnerGoals([]string{"full exit"}, []string{"Cash Out"}), 0.001)

	// Built-in tables are kept.
	svc, _ = eng.scoreService([]string{"hvac"}, nil, []string{"air conditioning"})
	assert.InDelta(t, 100, svc, 0.001)
}

func TestLoadProfile_Errors(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profile: [oops"), 0o644))
	_, err = LoadProfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scorer: parse profile")
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(DefaultScorerConfig()))

	cfg := DefaultScorerConfig()
	cfg.SizeTolerance = 0
	cfg.MaxThesisBonus = 60
	cfg.ThesisBonus["low"] = -1
	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size_tolerance must be > 0")
	assert.Contains(t, err.Error(), "max_thesis_bonus")
	assert.Contains(t, err.Error(), "thesis_bonus.low")
}

func TestValidateWeights(t *testing.T) {
	assert.NoError(t, ValidateWeights(model.DefaultWeights()))
	assert.NoError(t, ValidateWeights(model.WeightSet{Geography: 1}))

	err := ValidateWeights(model.WeightSet{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weight sum must be > 0")

	err = ValidateWeights(model.WeightSet{Geography: -1, Size: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "geography weight must be >= 0")
}
