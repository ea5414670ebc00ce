// Package voices maps client-facing skin identifiers onto the bounded set
// of voices the upstream realtime service accepts.
package voices

import (
	"fmt"
	"sort"
	"strings"
)

// Skin is one selectable companion appearance with its bound voice.
type Skin struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Gender      string `json:"gender"`
	Voice       string `json:"voice"`
	Description string `json:"description"`
}

var skins = map[int]Skin{
	1:  {ID: 1, Name: "Alex", Gender: "male", Voice: "echo", Description: "Clear and articulate male voice"},
	2:  {ID: 2, Name: "Maya", Gender: "female", Voice: "shimmer", Description: "Warm and expressive female voice"},
	3:  {ID: 3, Name: "Robo", Gender: "neutral", Voice: "alloy", Description: "Balanced and robotic neutral voice"},
	4:  {ID: 4, Name: "Ash", Gender: "male", Voice: "ash", Description: "Strong and confident male voice"},
	5:  {ID: 5, Name: "Melody", Gender: "female", Voice: "ballad", Description: "Lyrical and musical female voice"},
	6:  {ID: 6, Name: "Coral", Gender: "female", Voice: "coral", Description: "Bright and cheerful female voice"},
	7:  {ID: 7, Name: "Sage", Gender: "male", Voice: "sage", Description: "Wise and calm male voice"},
	8:  {ID: 8, Name: "Aria", Gender: "female", Voice: "verse", Description: "Poetic and artistic female voice"},
	9:  {ID: 9, Name: "Marina", Gender: "female", Voice: "marin", Description: "Calm and flowing female voice"},
	10: {ID: 10, Name: "Cedar", Gender: "male", Voice: "cedar", Description: "Deep and grounded male voice"},
}

var validVoices = map[string]struct{}{
	"alloy": {}, "ash": {}, "ballad": {}, "coral": {}, "echo": {},
	"sage": {}, "shimmer": {}, "verse": {}, "marin": {}, "cedar": {},
}

// IsValidVoice reports whether the upstream service accepts the voice name.
func IsValidVoice(voice string) bool {
	_, ok := validVoices[voice]
	return ok
}

// ValidVoiceList returns the accepted voice names in stable order, for
// client-facing error messages.
func ValidVoiceList() string {
	names := make([]string, 0, len(validVoices))
	for v := range validVoices {
		names = append(names, v)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// SkinForVoice finds the skin bound to a voice name, for persisting a
// bare voice choice as the equivalent skin.
func SkinForVoice(voice string) (Skin, bool) {
	for _, s := range skins {
		if s.Voice == voice {
			return s, true
		}
	}
	return Skin{}, false
}

// ResolveSkin looks up the voice bound to a skin identifier.
func ResolveSkin(skinID int) (Skin, error) {
	s, ok := skins[skinID]
	if !ok {
		return Skin{}, fmt.Errorf("invalid skin_id: %d", skinID)
	}
	return s, nil
}

// All returns the full catalogue ordered by skin id.
func All() []Skin {
	out := make([]Skin, 0, len(skins))
	for _, s := range skins {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
