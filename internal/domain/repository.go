package domain

// Repository is one git repository participating in the merge queue.
// Every repository carrying a given branch takes part in each staging of
// that branch, even when no PR in the batch set touches it.
type Repository struct {
	Name     string   `toml:"name" json:"name"`
	Branches []string `toml:"branches" json:"branches"`
}

func (r Repository) HasBranch(name string) bool {
	for _, b := range r.Branches {
		if b == name {
			return true
		}
	}
	return false
}
