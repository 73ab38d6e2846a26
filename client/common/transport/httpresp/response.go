package httpresp

// Envelopes the backend is known to answer with. The gateway decodes error
// bodies into these tolerantly; none of the fields are guaranteed present.

const (
	StatusFirebaseNotConfigured = "firebase_not_configured"
	HealthUp                    = "UP"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// StatusResponse is returned with a 2xx by endpoints whose optional backing
// service is switched off.
type StatusResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	Type      string `json:"type"`
	ID        ID     `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type RegisterResponse struct {
	Message string `json:"message"`
	UserID  ID     `json:"userId"`
}

type SendMessageResponse struct {
	MessageID ID     `json:"messageId"`
	Message   string `json:"message"`
	Status    string `json:"status"`
}

type HealthComponent struct {
	Status string `json:"status"`
}

type HealthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]HealthComponent `json:"components,omitempty"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewMessageResponse(message string) MessageResponse {
	return MessageResponse{Message: message}
}

func NewHealthResponse(status string, components map[string]string) HealthResponse {
	out := HealthResponse{Status: status}
	if len(components) > 0 {
		out.Components = make(map[string]HealthComponent, len(components))
		for name, st := range components {
			out.Components[name] = HealthComponent{Status: st}
		}
	}
	return out
}
