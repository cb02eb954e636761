package auth

import "github.com/nhle/familytree/internal/model"

// authPayload is the union of the shapes returned by the login, signup
// and refresh endpoints: {user, tokens: {accessToken, refreshToken}},
// {token, user} and {accessToken[, refreshToken]}.
type authPayload struct {
	User   model.UserSummary `json:"user"`
	Tokens struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	} `json:"tokens"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Token        string `json:"token"`
}

func (p authPayload) access() string {
	switch {
	case p.Tokens.AccessToken != "":
		return p.Tokens.AccessToken
	case p.AccessToken != "":
		return p.AccessToken
	default:
		return p.Token
	}
}

func (p authPayload) refresh() string {
	if p.Tokens.RefreshToken != "" {
		return p.Tokens.RefreshToken
	}
	return p.RefreshToken
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// profilePayload is the GET /user/profile body: {user: {...}}.
type profilePayload struct {
	User model.UserSummary `json:"user"`
}
