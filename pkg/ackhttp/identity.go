package ackhttp

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

// Identity is who clicked the acknowledgement link.
type Identity struct {
	DisplayName string
	Upn         string
	Email       string
}

// BestHandle picks the most specific identifier for the audit trail.
func (i *Identity) BestHandle() string {
	if i.Upn != "" {
		return i.Upn
	}
	return i.Email
}

// HeaderNames configures the trusted front-proxy headers.
type HeaderNames struct {
	Email string
	Name  string
	Upn   string
}

func DefaultHeaderNames() HeaderNames {
	return HeaderNames{Email: "X-User-Email", Name: "X-User-Name", Upn: "X-User-UPN"}
}

// IdentityResolver extracts the caller's identity from the request. Three
// sources are tried in order: the platform-injected principal header
// (X-MS-CLIENT-PRINCIPAL), a bearer JWT, and trusted front-proxy headers.
// Returns nil when none yields a display name or address.
type IdentityResolver struct {
	headers HeaderNames
}

func NewIdentityResolver(headers HeaderNames) *IdentityResolver {
	if headers == (HeaderNames{}) {
		headers = DefaultHeaderNames()
	}
	return &IdentityResolver{headers: headers}
}

func (r *IdentityResolver) Resolve(req *http.Request) *Identity {
	if id := fromClientPrincipal(req); id != nil {
		return id
	}
	if id := fromBearer(req); id != nil {
		return id
	}
	return r.fromProxyHeaders(req)
}

func (r *IdentityResolver) fromProxyHeaders(req *http.Request) *Identity {
	id := &Identity{
		Email:       req.Header.Get(r.headers.Email),
		DisplayName: req.Header.Get(r.headers.Name),
		Upn:         req.Header.Get(r.headers.Upn),
	}
	if id.DisplayName == "" && id.Email == "" && id.Upn == "" {
		return nil
	}
	if id.DisplayName == "" {
		id.DisplayName = id.BestHandle()
	}
	return id
}

// fromClientPrincipal decodes the base64 JSON principal the hosting
// platform injects after its own authentication.
func fromClientPrincipal(req *http.Request) *Identity {
	raw := req.Header.Get("X-MS-CLIENT-PRINCIPAL")
	if raw == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}
	var principal struct {
		Claims []struct {
			Typ string `json:"typ"`
			Val string `json:"val"`
		} `json:"claims"`
	}
	if err := json.Unmarshal(data, &principal); err != nil {
		return nil
	}

	id := &Identity{}
	for _, c := range principal.Claims {
		switch strings.ToLower(c.Typ) {
		case "name", "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name":
			id.DisplayName = c.Val
		case "preferred_username", "upn", "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/upn":
			id.Upn = c.Val
		case "email", "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress":
			id.Email = c.Val
		}
	}
	if id.DisplayName == "" && id.Upn == "" && id.Email == "" {
		return nil
	}
	if id.DisplayName == "" {
		id.DisplayName = id.BestHandle()
	}
	return id
}

// fromBearer reads the standard claims out of a bearer JWT. The platform in
// front of this service has already validated the token; only the payload
// is decoded here.
func fromBearer(req *http.Request) *Identity {
	authz := req.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(authz, "Bearer "), ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var claims struct {
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
		Upn               string `json:"upn"`
		Email             string `json:"email"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}

	id := &Identity{DisplayName: claims.Name, Email: claims.Email, Upn: claims.Upn}
	if id.Upn == "" {
		id.Upn = claims.PreferredUsername
	}
	if id.DisplayName == "" && id.Upn == "" && id.Email == "" {
		return nil
	}
	if id.DisplayName == "" {
		id.DisplayName = id.BestHandle()
	}
	return id
}
