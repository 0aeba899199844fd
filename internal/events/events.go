// Package events turns free-text play descriptions into classified game
// events and price impacts.
//
// Classification and scalars are deterministic; only the base magnitude of
// an impact is drawn at random, so tests can pin it with Impact.
package events

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/model"
)

// UnknownPlayer is what ExtractPlayerName returns when no name is found.
const UnknownPlayer = "unknown"

// Base impact range in dollars before the class scalar is applied.
const (
	BaseMin = 5.0
	BaseMax = 15.0
)

// Class is the fixed behaviour attached to one event kind.
type Class struct {
	Kind model.EventKind
	// Multiplier is the flash/volatility tier for the event.
	Multiplier float64
	// Scalar converts the base magnitude into a signed price impact.
	Scalar float64
}

var classes = map[model.EventKind]Class{
	model.EventThreePointer: {model.EventThreePointer, 2.5, 1.2},
	model.EventDunk:         {model.EventDunk, 1.8, 1.0},
	model.EventSteal:        {model.EventSteal, 3.2, 0.9},
	model.EventBlock:        {model.EventBlock, 2.2, 0.8},
	model.EventAssist:       {model.EventAssist, 1.5, 0.6},
	model.EventRebound:      {model.EventRebound, 1.3, 0.5},
	model.EventMiss:         {model.EventMiss, 0.5, -0.5},
	model.EventTurnover:     {model.EventTurnover, 0.4, -0.8},
	model.EventFoul:         {model.EventFoul, 0.8, 0.3},
	model.EventBasket:       {model.EventBasket, 1.0, 0.7},
}

// ClassOf returns the class for kind, defaulting to basket.
func ClassOf(kind model.EventKind) Class {
	if c, ok := classes[kind]; ok {
		return c
	}
	return classes[model.EventBasket]
}

// keyword rules in priority order. Misses are checked first so "misses
// three point jumper" is a miss, not a three.
var rules = []struct {
	kind     model.EventKind
	keywords []string
}{
	{model.EventMiss, []string{"miss"}},
	{model.EventThreePointer, []string{"three point", "three-point", "3pt", "3-pt", "three"}},
	{model.EventDunk, []string{"dunk"}},
	{model.EventSteal, []string{"steal"}},
	{model.EventBlock, []string{"block"}},
	{model.EventAssist, []string{"assist"}},
	{model.EventRebound, []string{"rebound"}},
	{model.EventTurnover, []string{"turnover", "bad pass", "lost ball", "traveling"}},
	{model.EventFoul, []string{"foul"}},
}

// Classify maps a play description to a GameEvent.
func Classify(text string) model.GameEvent {
	lower := strings.ToLower(text)
	kind := model.EventBasket
	for _, r := range rules {
		if containsAny(lower, r.keywords) {
			kind = r.kind
			break
		}
	}
	return model.GameEvent{Kind: kind, PlayerRef: ExtractPlayerName(text), RawText: text}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// nameRegex matches a leading run of two or more capitalized words, with an
// optional suffix: "LeBron James", "De'Aaron Fox", "Jaren Jackson Jr.".
var nameRegex = regexp.MustCompile(
	`^\s*([A-Z][A-Za-z'.\-]+(?:\s+[A-Z][A-Za-z'.\-]+)+(?:\s+(?:Jr\.|Sr\.|II|III|IV))?)`,
)

// ExtractPlayerName pulls the acting player's name from the start of a play
// description. It returns UnknownPlayer when the text does not start with a
// capitalized multi-word name.
func ExtractPlayerName(text string) string {
	m := nameRegex.FindStringSubmatch(text)
	if m == nil {
		return UnknownPlayer
	}
	return m[1]
}

// Rand is the random source for base magnitudes and synthetic plays.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// RandomBase draws a base magnitude in [BaseMin, BaseMax].
func RandomBase(rnd Rand) float64 {
	return BaseMin + rnd.Float64()*(BaseMax-BaseMin)
}

// Impact is base * scalar for the event's class, rounded to cents.
func Impact(ev model.GameEvent, base float64) decimal.Decimal {
	return decimal.NewFromFloat(base * ClassOf(ev.Kind).Scalar).Round(model.MoneyScale)
}

// EventImpact is a classified play and the price change it causes.
type EventImpact struct {
	Event       model.GameEvent
	Multiplier  float64
	PriceImpact decimal.Decimal
}

// Map classifies text and sizes its impact with a random base.
func Map(text string, rnd Rand) EventImpact {
	ev := Classify(text)
	return EventImpact{
		Event:       ev,
		Multiplier:  ClassOf(ev.Kind).Multiplier,
		PriceImpact: Impact(ev, RandomBase(rnd)),
	}
}

// Describe renders a feed line for an applied event.
func Describe(ev model.GameEvent, name string) string {
	label := strings.ReplaceAll(string(ev.Kind), "_", " ")
	if name == "" {
		name = ev.PlayerRef
	}
	return fmt.Sprintf("%s: %s", name, label)
}

var templates = []struct {
	kind   model.EventKind
	weight int
	text   string
}{
	{model.EventBasket, 20, "%s makes 14-foot pullup jumper"},
	{model.EventThreePointer, 14, "%s makes 26-foot three point jumper"},
	{model.EventDunk, 8, "%s makes driving dunk"},
	{model.EventAssist, 12, "%s with the assist on the layup"},
	{model.EventRebound, 14, "%s defensive rebound"},
	{model.EventSteal, 5, "%s steals the inbound pass"},
	{model.EventBlock, 5, "%s blocks the layup at the rim"},
	{model.EventMiss, 12, "%s misses 18-foot jumper"},
	{model.EventTurnover, 5, "%s turnover on the drive"},
	{model.EventFoul, 5, "%s shooting foul"},
}

var templateWeight = func() int {
	total := 0
	for _, t := range templates {
		total += t.weight
	}
	return total
}()

// SyntheticEvent generates a plausible play description for name. Used
// when no play-by-play feed is available.
func SyntheticEvent(rnd Rand, name string) string {
	pick := rnd.Intn(templateWeight)
	for _, t := range templates {
		if pick < t.weight {
			return fmt.Sprintf(t.text, name)
		}
		pick -= t.weight
	}
	return fmt.Sprintf(templates[0].text, name)
}
