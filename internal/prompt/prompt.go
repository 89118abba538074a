package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Genres maps preset names to the tag strings fed to the text encoder.
var Genres = map[string]string{
	"pop_latino":   "pop, latin pop, tropical, catchy, upbeat, spanish",
	"reggaeton":    "reggaeton, urban latin, dembow, perreo, trap latino",
	"balada":       "ballad, romantic, slow, emotional, acoustic guitar, piano",
	"rock_espanol": "rock en español, rock latino, guitar, drums, energetic",
	"cumbia":       "cumbia, tropical, accordion, dance, festive, colombian",
	"salsa":        "salsa, tropical, brass, piano, percussion, dance",
	"bachata":      "bachata, romantic, guitar, dominican, sensual",
	"flamenco":     "flamenco, spanish guitar, passionate, rhythmic, andalusian",
	"mariachi":     "mariachi, mexican, trumpet, violin, traditional",
	"tango":        "tango, argentine, bandoneon, dramatic, passionate",
	"urbano":       "urban, trap, hip hop latino, 808, autotune",
	"folclore":     "folk, acoustic, traditional, spanish, guitar",
}

// TagsFor resolves a genre preset to its tag string.
func TagsFor(genre string) (string, error) {
	tags, ok := Genres[genre]
	if !ok {
		names := make([]string, 0, len(Genres))
		for g := range Genres {
			names = append(names, g)
		}
		sort.Strings(names)
		return "", fmt.Errorf("unknown genre %q, available: %s", genre, strings.Join(names, ", "))
	}
	return tags, nil
}

var sections = []string{"[verse]", "[chorus]", "[bridge]", "[intro]", "[outro]"}

// ValidateLyrics checks the structural format the lyric encoder
// expects: at least one section header and four lines of text.
func ValidateLyrics(lyrics string) error {
	if strings.TrimSpace(lyrics) == "" {
		return errors.New("lyrics must not be empty")
	}
	lower := strings.ToLower(lyrics)
	found := false
	for _, s := range sections {
		if strings.Contains(lower, s) {
			found = true
			break
		}
	}
	if !found {
		return errors.New("lyrics must contain at least one section header ([verse], [chorus], ...)")
	}
	lines := 0
	for _, l := range strings.Split(lyrics, "\n") {
		l = strings.TrimSpace(l)
		if l != "" && !strings.HasPrefix(l, "[") {
			lines++
		}
	}
	if lines < 4 {
		return fmt.Errorf("lyrics must contain at least 4 text lines, got %d", lines)
	}
	return nil
}
