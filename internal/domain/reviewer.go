package domain

import "errors"

var ErrInvalidLogin = errors.New("invalid reviewer login")

// Reviewer is the identity recorded in Signed-off-by trailers. The display
// name starts out equal to the login and is refreshed from the forge when a
// better one becomes available.
type Reviewer struct {
	Login string
	Name  string
	Email string
}

func NewReviewer(login, email string) (*Reviewer, error) {
	if login == "" {
		return nil, ErrInvalidLogin
	}
	return &Reviewer{Login: login, Name: login, Email: email}, nil
}

// SignOff renders the trailer value, "Name <email>" or just the name when no
// email is known.
func (r *Reviewer) SignOff() string {
	if r.Email == "" {
		return r.Name
	}
	return r.Name + " <" + r.Email + ">"
}
