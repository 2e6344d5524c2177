package server

import (
	"tasksift/internal/credentials"
	"tasksift/internal/domain"
)

// Request payloads

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type BoardTokenRequest struct {
	Token string `json:"token"`
}

type ClassifierRequest struct {
	Provider string `json:"provider" enum:"anthropic,openai,deepseek,gemini,ollama,bedrock"`
	APIKey   string `json:"api_key,omitempty"`
}

type ProjectRefRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateConnectionRequest struct {
	Source ProjectRefRequest `json:"source"`
	Dest   ProjectRefRequest `json:"dest"`
}

type ReviewRequest struct {
	Action  string `json:"action" enum:"approve,reject"`
	Comment string `json:"comment,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

// CredentialStatusResponse never carries key material.
type CredentialStatusResponse struct {
	BoardConnected       bool   `json:"board_connected"`
	ClassifierConfigured bool   `json:"classifier_configured"`
	Provider             string `json:"provider,omitempty"`
}

type BoardConnectedResponse struct {
	User domain.BoardUser `json:"user"`
	CredentialStatusResponse
}

type BoardAuthorizeResponse struct {
	AuthorizeURL string `json:"authorize_url" format:"uri"`
}

type SkillHistoryResponse struct {
	Items []domain.Skill `json:"items"`
}

type CandidateListResponse struct {
	Items []domain.Candidate `json:"items"`
}

type WorkspaceListResponse struct {
	Items []domain.Workspace `json:"items"`
}

func credentialStatus(s credentials.Static) CredentialStatusResponse {
	res := CredentialStatusResponse{}
	_, res.BoardConnected = s.BoardToken()
	if cls, ok := s.Classifier(); ok {
		res.ClassifierConfigured = true
		res.Provider = cls.Provider
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
