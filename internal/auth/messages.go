package auth

import (
	"github.com/hitoshi/tradehub/internal/identity"
)

// userMessages はプロバイダーのエラーコードからフォーム表示用の文言への対応表。
var userMessages = map[string]string{
	identity.CodeUserNotFound:      "Email not found. Please sign up first.",
	identity.CodeWrongPassword:     "Invalid password. Please try again.",
	identity.CodeInvalidLogin:      "Invalid email or password.",
	identity.CodeInvalidCredential: "Sign-in could not be verified. Please try again.",
	identity.CodeInvalidEmail:      "Invalid email format",
	identity.CodeUserDisabled:      "This account has been disabled",
	identity.CodePopupClosedByUser: "Login cancelled",
	identity.CodeEmailAlreadyInUse: "Email already in use",
}

// UserMessage はエラーをフォームに表示する文言に変換する。
// 対応表にないコードの場合はプロバイダーのメッセージをそのまま返す。
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := userMessages[identity.CodeOf(err)]; ok {
		return msg
	}
	return err.Error()
}
