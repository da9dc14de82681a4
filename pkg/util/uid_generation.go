package util

import (
	"strings"

	"github.com/google/uuid"
)

var adjectives = [...]string{
	"Autumn", "Hidden", "Bitter", "Misty", "Silent", "Empty", "Dry", "Dark", "Summer", "Icy",
	"Delicate", "Quiet", "White", "Cool", "Spring", "Winter", "Patient", "Twilight", "Dawn",
	"Crimson", "Wispy", "Weathered", "Blue", "Billowing", "Broken", "Cold", "Damp", "Falling",
	"Frosty", "Green", "Long", "Late", "Lingering", "Bold", "Little", "Morning", "Muddy", "Old",
	"Red", "Rough", "Still", "Small", "Sparkling", "Wandering", "Withered", "Wild", "Black",
	"Young", "Holy", "Solitary", "Fragrant", "Aged", "Snowy", "Proud", "Floral", "Restless",
	"Divine", "Polished", "Ancient", "Purple", "Lively", "Nameless"}
var nouns = [...]string{
	"Waterfall", "River", "Breeze", "Moon", "Rain", "Wind", "Sea", "Morning", "Snow", "Lake",
	"Sunset", "Pine", "Shadow", "Leaf", "Dawn", "Glitter", "Forest", "Hill", "Cloud", "Meadow",
	"Sun", "Glade", "Bird", "Brook", "Butterfly", "Bush", "Dew", "Dust", "Field", "Fire",
	"Flower", "Firefly", "Feather", "Grass", "Haze", "Mountain", "Night", "Pond", "Darkness",
	"Snowflake", "Silence", "Sound", "Sky", "Shape", "Surf", "Thunder", "Violet", "Water",
	"Wildflower", "Wave", "Resonance", "Wood", "Dream", "Cherry", "Tree", "Fog",
	"Frost", "Voice", "Paper", "Frog", "Smoke", "Star"}

// GetUniqueName deterministically maps a number to an adjective-noun pair (eg: Misty-River).
// offset rotates the name indecies so two deployments using the same numbers pick different names.
func GetUniqueName(num uint32, offset uint32) string {
	n := uint64(num) + uint64(offset)
	adjective := adjectives[n%uint64(len(adjectives))]
	noun := nouns[(n/uint64(len(adjectives)))%uint64(len(nouns))]
	return adjective + "-" + noun
}

// NewIdentity builds a relay identity from base plus a random suffix.
// With memorable set the suffix is an adjective-noun name, otherwise the first block of a uuid.
func NewIdentity(base string, memorable bool) string {
	id := uuid.New()
	if memorable {
		num := uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
		return base + GetUniqueName(num, 0)
	}
	return base + strings.SplitN(id.String(), "-", 2)[0]
}
