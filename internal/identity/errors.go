package identity

import (
	"errors"
	"strings"
)

// プロバイダーエラーコード。auth/ 名前空間に正規化した値を使う。
const (
	CodeUserNotFound       = "auth/user-not-found"
	CodeWrongPassword      = "auth/wrong-password"
	CodeInvalidEmail       = "auth/invalid-email"
	CodeUserDisabled       = "auth/user-disabled"
	CodeEmailAlreadyInUse  = "auth/email-already-in-use"
	CodeWeakPassword       = "auth/weak-password"
	CodeInvalidCredential  = "auth/invalid-credential"
	CodeInvalidLogin       = "auth/invalid-login-credentials"
	CodeTooManyRequests    = "auth/too-many-requests"
	CodeUserTokenExpired   = "auth/user-token-expired"
	CodePopupClosedByUser  = "auth/popup-closed-by-user"
	CodeRequiresRecentAuth = "auth/requires-recent-login"
	CodeNetworkFailed      = "auth/network-request-failed"
	CodeInternal           = "auth/internal-error"
)

// Error はIdentity Providerが返したエラー。
// Codeは正規化済みのauth/コード、Messageはプロバイダー由来の表示用メッセージ。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError はコードから既定メッセージ付きのErrorを生成する。
func NewError(code string) *Error {
	return &Error{Code: code, Message: "Identity provider error (" + code + ")."}
}

// CodeOf はerrがErrorを含む場合にそのコードを返す。含まない場合は空文字列。
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// providerCodes はREST APIのエラー識別子からauth/コードへの対応表。
var providerCodes = map[string]string{
	"EMAIL_NOT_FOUND":             CodeUserNotFound,
	"USER_NOT_FOUND":              CodeUserNotFound,
	"INVALID_PASSWORD":            CodeWrongPassword,
	"INVALID_EMAIL":               CodeInvalidEmail,
	"MISSING_EMAIL":               CodeInvalidEmail,
	"USER_DISABLED":               CodeUserDisabled,
	"EMAIL_EXISTS":                CodeEmailAlreadyInUse,
	"WEAK_PASSWORD":               CodeWeakPassword,
	"MISSING_PASSWORD":            CodeWeakPassword,
	"INVALID_LOGIN_CREDENTIALS":   CodeInvalidLogin,
	"INVALID_IDP_RESPONSE":        CodeInvalidCredential,
	"TOO_MANY_ATTEMPTS_TRY_LATER": CodeTooManyRequests,
	"TOKEN_EXPIRED":               CodeUserTokenExpired,
	"INVALID_REFRESH_TOKEN":       CodeUserTokenExpired,
	"INVALID_ID_TOKEN":            CodeUserTokenExpired,

	"CREDENTIAL_TOO_OLD_LOGIN_AGAIN": CodeRequiresRecentAuth,
}

// normalizeProviderError はREST APIのエラーメッセージ（例: "WEAK_PASSWORD : Password should be at least 6 characters"）
// をErrorに変換する。
func normalizeProviderError(raw string) *Error {
	key, detail, _ := strings.Cut(raw, ":")
	key = strings.TrimSpace(key)
	detail = strings.TrimSpace(detail)

	code, ok := providerCodes[key]
	if !ok {
		code = CodeInternal
	}

	msg := "Identity provider error (" + code + ")."
	if detail != "" {
		msg = detail + " (" + code + ")."
	}
	return &Error{Code: code, Message: msg}
}
