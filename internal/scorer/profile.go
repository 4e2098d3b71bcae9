package scorer

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Profile holds the vocabulary tables the engine matches free-text criteria
// against. A profile file extends the built-in tables without a code change.
type Profile struct {
	// Regions maps a custom region name to its state codes.
	Regions map[string][]string `yaml:"regions"`
	// ServiceSynonyms maps a canonical service to its alternate spellings.
	ServiceSynonyms map[string][]string `yaml:"service_synonyms"`
	// OwnerGoalAliases maps free-text owner goals to a canonical goal.
	OwnerGoalAliases map[string]string `yaml:"owner_goal_aliases"`
	// OwnerGoalCompatibility lists pairs of distinct goals that fit each other.
	OwnerGoalCompatibility [][2]string `yaml:"owner_goal_compatibility"`

	serviceCanon map[string]string
	compat       map[[2]string]bool
}

// DefaultProfile returns the built-in vocabulary.
func DefaultProfile() *Profile {
	p := &Profile{
		Regions: map[string][]string{
			"new england":       {"CT", "ME", "MA", "NH", "RI", "VT"},
			"mid atlantic":      {"NJ", "NY", "PA"},
			"southeast":         {"AL", "FL", "GA", "MS", "NC", "SC", "TN"},
			"southwest":         {"AZ", "NM", "OK", "TX"},
			"pacific northwest": {"WA", "OR", "ID"},
			"mountain":          {"AZ", "CO", "ID", "MT", "NV", "NM", "UT", "WY"},
			"pacific":           {"AK", "CA", "HI", "OR", "WA"},
			"great lakes":       {"IL", "IN", "MI", "MN", "OH", "WI"},
		},
		ServiceSynonyms: map[string][]string{
			"hvac":        {"heating and cooling", "air conditioning", "heating ventilation and air conditioning"},
			"plumbing":    {"plumber", "drain services"},
			"electrical":  {"electrician", "electrical contracting"},
			"roofing":     {"roof repair", "roofer"},
			"landscaping": {"lawn care", "landscape maintenance", "grounds maintenance"},
			"accounting":  {"bookkeeping", "cpa services", "tax preparation"},
		},
		OwnerGoalAliases: map[string]string{
			"retire":              "retirement",
			"retiring":            "retirement",
			"full sale":           "full exit",
			"sell 100":            "full exit",
			"clean exit":          "full exit",
			"recap":               "partial exit",
			"recapitalization":    "partial exit",
			"minority sale":       "partial exit",
			"majority sale":       "partial exit",
			"growth":              "growth capital",
			"stay on":             "stay involved",
			"remain involved":     "stay involved",
			"management rollover": "stay involved",
			"transition period":   "transition",
			"preserve legacy":     "legacy",
			"keep employees":      "legacy",
		},
		OwnerGoalCompatibility: [][2]string{
			{"retirement", "full exit"},
			{"retirement", "transition"},
			{"full exit", "transition"},
			{"partial exit", "growth capital"},
			{"partial exit", "stay involved"},
			{"growth capital", "stay involved"},
			{"legacy", "transition"},
			{"legacy", "stay involved"},
		},
	}
	p.compile()
	return p
}

// LoadProfile reads a profile file and merges it over the built-in tables.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: read profile %s", path)
	}

	var wrapper struct {
		Profile Profile `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "scorer: parse profile")
	}

	p := DefaultProfile()
	p.merge(&wrapper.Profile)
	p.compile()
	return p, nil
}

func (p *Profile) merge(o *Profile) {
	for k, v := range o.Regions {
		p.Regions[normalizeToken(k)] = v
	}
	for k, v := range o.ServiceSynonyms {
		p.ServiceSynonyms[normalizeToken(k)] = append(p.ServiceSynonyms[normalizeToken(k)], v...)
	}
	for k, v := range o.OwnerGoalAliases {
		p.OwnerGoalAliases[normalizeToken(k)] = v
	}
	p.OwnerGoalCompatibility = append(p.OwnerGoalCompatibility, o.OwnerGoalCompatibility...)
}

// compile builds the normalized lookup tables. Region and alias keys are
// normalized in place.
func (p *Profile) compile() {
	regions := make(map[string][]string, len(p.Regions))
	for k, v := range p.Regions {
		regions[normalizeToken(k)] = v
	}
	p.Regions = regions

	aliases := make(map[string]string, len(p.OwnerGoalAliases))
	for k, v := range p.OwnerGoalAliases {
		aliases[normalizeToken(k)] = v
	}
	p.OwnerGoalAliases = aliases

	p.serviceCanon = make(map[string]string)
	for canon, syns := range p.ServiceSynonyms {
		c := normalizeToken(canon)
		p.serviceCanon[c] = c
		for _, s := range syns {
			p.serviceCanon[normalizeToken(s)] = c
		}
	}

	p.compat = make(map[[2]string]bool, 2*len(p.OwnerGoalCompatibility))
	for _, pair := range p.OwnerGoalCompatibility {
		a, b := normalizeToken(pair[0]), normalizeToken(pair[1])
		p.compat[[2]string{a, b}] = true
		p.compat[[2]string{b, a}] = true
	}
}

func (p *Profile) compatible(a, b string) bool {
	return p.compat[[2]string{a, b}]
}
