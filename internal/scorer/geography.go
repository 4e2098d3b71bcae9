package scorer

import (
	"fmt"
	"strings"
)

// Census regions keyed by normalized name.
var censusRegions = map[string][]string{
	"northeast": {"CT", "ME", "MA", "NH", "RI", "VT", "NJ", "NY", "PA"},
	"midwest":   {"IL", "IN", "MI", "OH", "WI", "IA", "KS", "MN", "MO", "NE", "ND", "SD"},
	"south": {
		"DE", "DC", "FL", "GA", "MD", "NC", "SC", "VA", "WV",
		"AL", "KY", "MS", "TN", "AR", "LA", "OK", "TX",
	},
	"west": {"AZ", "CO", "ID", "MT", "NV", "NM", "UT", "WY", "AK", "CA", "HI", "OR", "WA"},
}

var stateNames = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR", "california": "CA",
	"colorado": "CO", "connecticut": "CT", "delaware": "DE", "district of columbia": "DC",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID", "illinois": "IL",
	"indiana": "IN", "iowa": "IA", "kansas": "KS", "kentucky": "KY", "louisiana": "LA",
	"maine": "ME", "maryland": "MD", "massachusetts": "MA", "michigan": "MI", "minnesota": "MN",
	"mississippi": "MS", "missouri": "MO", "montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM", "new york": "NY",
	"north carolina": "NC", "north dakota": "ND", "ohio": "OH", "oklahoma": "OK", "oregon": "OR",
	"pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC", "south dakota": "SD",
	"tennessee": "TN", "texas": "TX", "utah": "UT", "vermont": "VT", "virginia": "VA",
	"washington": "WA", "west virginia": "WV", "wisconsin": "WI", "wyoming": "WY",
}

var nationalTokens = map[string]bool{
	"national": true, "nationwide": true, "us": true, "usa": true, "united states": true,
}

// Geography sub-scores.
const (
	geoTargetMatch   = 100.0
	geoSameRegion    = 60.0
	geoOutsideTarget = 20.0
)

// regionOf maps every state code to its census region.
var regionOf = func() map[string]string {
	m := make(map[string]string, 51)
	for region, states := range censusRegions {
		for _, st := range states {
			m[st] = region
		}
	}
	return m
}()

// stateCode resolves a location token to a two-letter state code, or "".
func stateCode(tok string) string {
	up := strings.ToUpper(strings.TrimSpace(tok))
	if _, ok := regionOf[up]; ok {
		return up
	}
	if code, ok := stateNames[normalizeToken(tok)]; ok {
		return code
	}
	return ""
}

// geoArea is a resolved geography token: either everywhere or a set of states.
type geoArea struct {
	national bool
	states   map[string]bool
}

func (a geoArea) contains(state string) bool {
	return a.national || a.states[state]
}

// resolveArea expands a geography token (state, region, profile alias, or
// national) into the states it covers. Unknown tokens cover nothing.
func (e *Engine) resolveArea(tok string) geoArea {
	n := normalizeToken(tok)
	if nationalTokens[n] {
		return geoArea{national: true}
	}
	if st := stateCode(tok); st != "" {
		return geoArea{states: map[string]bool{st: true}}
	}
	states, ok := censusRegions[n]
	if !ok {
		states, ok = e.profile.Regions[n]
	}
	if !ok {
		return geoArea{}
	}
	out := make(map[string]bool, len(states))
	for _, st := range states {
		if code := stateCode(st); code != "" {
			out[code] = true
		}
	}
	return geoArea{states: out}
}

// scoreGeography returns the geography sub-score and whether the deal is
// disqualified by an exclusion. ok is false when there is no data to score.
func (e *Engine) scoreGeography(targets, exclusions []string, location string) (score float64, ok, disqualified bool, reason string) {
	if strings.TrimSpace(location) == "" || (len(targets) == 0 && len(exclusions) == 0) {
		return 0, false, false, ""
	}
	state := stateCode(location)

	for _, ex := range exclusions {
		if state != "" && e.resolveArea(ex).contains(state) {
			return 0, true, true, fmt.Sprintf("excluded geography: %s", strings.TrimSpace(ex))
		}
	}

	if state == "" {
		return geoOutsideTarget, true, false, ""
	}
	if len(targets) == 0 {
		return geoTargetMatch, true, false, ""
	}

	targetRegions := make(map[string]bool)
	for _, t := range targets {
		area := e.resolveArea(t)
		if area.contains(state) {
			return geoTargetMatch, true, false, ""
		}
		for st := range area.states {
			targetRegions[regionOf[st]] = true
		}
	}
	if targetRegions[regionOf[state]] {
		return geoSameRegion, true, false, ""
	}
	return geoOutsideTarget, true, false, ""
}
