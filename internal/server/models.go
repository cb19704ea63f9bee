package server

// HTTPError is the unified error envelope.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type CreateSessionRequest struct {
	Topic       string                 `json:"topic"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
	Template    string                 `json:"template,omitempty"`
}
