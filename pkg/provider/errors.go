package provider

import (
	"errors"
	"fmt"
)

// ErrorKind はプロバイダーエラーの分類です。
// オーケストレーターはこれを見てフォールバック・再試行・即時失敗を判断します。
type ErrorKind string

const (
	// ErrKindTransport はネットワーク・サーバー起因の一時的な失敗です。
	ErrKindTransport ErrorKind = "transport"
	// ErrKindAuth は認証・認可の失敗です。
	ErrKindAuth ErrorKind = "auth"
	// ErrKindGuardrail はプロバイダー側の安全フィルターによる出力拒絶です。
	// 同じ入力での再試行は行わず、ユーザーに言い換えを促します。
	ErrKindGuardrail ErrorKind = "guardrail"
	// ErrKindMalformed は応答が期待した構造にパースできなかった失敗です。
	ErrKindMalformed ErrorKind = "malformed"
	// ErrKindUnavailable はプロバイダー自体が利用できない状態です。
	ErrKindUnavailable ErrorKind = "unavailable"
)

// ProviderError はどのバックエンドで何が起きたかを分類付きで保持するエラーです。
type ProviderError struct {
	Provider  Provider
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (retryable=%t): %v", e.Provider, e.Kind, e.Retryable, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewTransportError は一時的な通信失敗を表すエラーを生成します。
func NewTransportError(p Provider, err error) *ProviderError {
	return &ProviderError{Provider: p, Kind: ErrKindTransport, Retryable: true, Err: err}
}

// NewAuthError は認証失敗を表すエラーを生成します。フォールバック先があれば続行可能です。
func NewAuthError(p Provider, err error) *ProviderError {
	return &ProviderError{Provider: p, Kind: ErrKindAuth, Retryable: true, Err: err}
}

// NewGuardrailError は安全フィルターによる拒絶を表すエラーを生成するのだ。
// 同じ入力での再試行は無意味なので Retryable は false なのだ。
func NewGuardrailError(p Provider, err error) *ProviderError {
	return &ProviderError{Provider: p, Kind: ErrKindGuardrail, Retryable: false, Err: err}
}

// NewMalformedError は応答のパース失敗を表すエラーを生成します。
func NewMalformedError(p Provider, err error) *ProviderError {
	return &ProviderError{Provider: p, Kind: ErrKindMalformed, Retryable: true, Err: err}
}

// NewUnavailableError はプロバイダー自体が使えない状態を表すエラーを生成します。
func NewUnavailableError(p Provider, err error) *ProviderError {
	return &ProviderError{Provider: p, Kind: ErrKindUnavailable, Retryable: false, Err: err}
}

// IsRetryable はフォールバック・変種エスカレーションによる再試行が有効かを判定します。
// 分類不能なエラー（ctx キャンセル等を除く）は安全側に倒して再試行可能とみなします。
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// IsGuardrail は安全フィルター拒絶かどうかを判定します。
func IsGuardrail(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == ErrKindGuardrail
	}
	return false
}

// KindOf はエラーの分類を返します。分類不能な場合は transport を返すのだ。
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrKindTransport
}
