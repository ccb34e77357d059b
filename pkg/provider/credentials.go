package provider

import (
	"github.com/shouni/go-utils/envutil"
)

// プロバイダー資格情報の環境変数名です。
const (
	EnvGeminiAPIKey      = "GEMINI_API_KEY"
	EnvOpenRouterAPIKey  = "OPENROUTER_API_KEY"
	EnvTogetherAPIKey    = "TOGETHER_API_KEY"
	EnvHuggingFaceAPIKey = "HF_TOKEN"
)

var envKeyByProvider = map[Provider]string{
	ProviderGemini:      EnvGeminiAPIKey,
	ProviderOpenRouter:  EnvOpenRouterAPIKey,
	ProviderTogether:    EnvTogetherAPIKey,
	ProviderHuggingFace: EnvHuggingFaceAPIKey,
}

// EnvCredentialStore は環境変数を資格情報源とする CredentialStore の実装です。
// ローカルランタイムは認証不要のため常に authenticated 扱いなのだ。
type EnvCredentialStore struct{}

// NewEnvCredentialStore は EnvCredentialStore を生成します。
func NewEnvCredentialStore() *EnvCredentialStore {
	return &EnvCredentialStore{}
}

// IsAuthenticated は該当プロバイダーの資格情報が存在するかを返します。
func (s *EnvCredentialStore) IsAuthenticated(p Provider) bool {
	if p == ProviderLocal {
		return true
	}
	_, ok := s.BearerToken(p)
	return ok
}

// BearerToken は該当プロバイダーの Bearer トークンを返します。
func (s *EnvCredentialStore) BearerToken(p Provider) (string, bool) {
	key, ok := envKeyByProvider[p]
	if !ok {
		return "", false
	}
	token := envutil.GetEnv(key, "")
	return token, token != ""
}
