package voices

import "testing"

func TestResolveSkin(t *testing.T) {
	s, err := ResolveSkin(2)
	if err != nil {
		t.Fatalf("ResolveSkin(2) error = %v", err)
	}
	if s.Voice != "shimmer" || s.Name != "Maya" {
		t.Fatalf("ResolveSkin(2) = %+v, want Maya/shimmer", s)
	}

	if _, err := ResolveSkin(99); err == nil {
		t.Fatalf("ResolveSkin(99) expected error")
	}
}

func TestEverySkinVoiceIsValid(t *testing.T) {
	for _, s := range All() {
		if !IsValidVoice(s.Voice) {
			t.Errorf("skin %d (%s) maps to invalid voice %q", s.ID, s.Name, s.Voice)
		}
	}
}

func TestIsValidVoice(t *testing.T) {
	if !IsValidVoice("alloy") {
		t.Fatalf("alloy should be valid")
	}
	if IsValidVoice("robotic") {
		t.Fatalf("robotic should not be valid")
	}
}

func TestSkinForVoice(t *testing.T) {
	s, ok := SkinForVoice("coral")
	if !ok {
		t.Fatalf("SkinForVoice(coral) not found")
	}
	if s.ID != 6 || s.Name != "Coral" {
		t.Fatalf("SkinForVoice(coral) = %+v, want Coral/6", s)
	}

	if _, ok := SkinForVoice("robotic"); ok {
		t.Fatalf("SkinForVoice(robotic) expected no match")
	}
}

func TestAllOrderedByID(t *testing.T) {
	all := All()
	if len(all) != 10 {
		t.Fatalf("catalogue size = %d, want 10", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Fatalf("catalogue not ordered at index %d", i)
		}
	}
}
