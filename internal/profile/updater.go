package profile

import (
	"context"
	"fmt"
	"log/slog"
)

// Updater merges newly extracted facts into stored profiles without
// clobbering good data with bad.
type Updater struct {
	store     Store
	extractor *Extractor
	logger    *slog.Logger
}

func NewUpdater(store Store, extractor *Extractor, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{store: store, extractor: extractor, logger: logger}
}

// UpdateFromTurn extracts profile facts from one exchange and persists
// whatever passes validation. Returns the fields that changed.
func (u *Updater) UpdateFromTurn(ctx context.Context, userID, userText, assistantText string) (*Profile, []string, error) {
	extracted, err := u.extractor.ExtractFromTurn(ctx, userText, assistantText)
	if err != nil {
		return nil, nil, err
	}
	if extracted.Empty() {
		return nil, nil, nil
	}

	p, err := u.store.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	changed := u.apply(p, extracted)
	if len(changed) == 0 {
		return p, nil, nil
	}

	if err := u.store.Save(ctx, p); err != nil {
		return nil, nil, fmt.Errorf("persist profile update: %w", err)
	}
	u.logger.Info("profile updated", "user_id", userID, "fields", changed)
	return p, changed, nil
}

// apply mutates p in place and returns the changed field names.
func (u *Updater) apply(p *Profile, ex Extraction) []string {
	var changed []string

	if shouldUpdateName(p.Name, ex.Name) {
		p.Name = ex.Name
		changed = append(changed, "name")
	}
	if ex.Age != 0 && ex.Age != p.Age {
		if p.Age != 0 {
			u.logger.Warn("age changed", "user_id", p.UserID, "from", p.Age, "to", ex.Age)
		}
		p.Age = ex.Age
		changed = append(changed, "age")
	}
	// Gender is set once; later contradictions are ignored.
	if p.Gender == "" && ex.Gender != "" {
		p.Gender = ex.Gender
		changed = append(changed, "gender")
	}

	return changed
}

// shouldUpdateName keeps an existing valid name over any new candidate.
func shouldUpdateName(current, extracted string) bool {
	if extracted == "" || !isValidName(extracted) {
		return false
	}
	if current == "" {
		return true
	}
	return !isValidName(current)
}
