package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: config, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrorKind はディスクリプタ生成の失敗種別。閉じた集合として扱う。
type ErrorKind string

const (
	KindConfiguration      ErrorKind = "configuration"
	KindUpstreamTransport  ErrorKind = "upstream_transport"
	KindUpstreamHTTP       ErrorKind = "upstream_http"
	KindUpstreamDecode     ErrorKind = "upstream_decode"
	KindEmptyResult        ErrorKind = "empty_result"
	KindIdentifierNotFound ErrorKind = "identifier_not_found"
	KindMissingCode        ErrorKind = "missing_code"
	KindInvalidDescriptor  ErrorKind = "invalid_descriptor"
)

// ConnectError はパートナーAPI連携で発生したエラー。
// StatusCode と Body は KindUpstreamHTTP の場合のみ設定される。
type ConnectError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Body       string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap は原因エラーを返す。
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// KindOf はエラーチェーンに含まれるConnectErrorの種別を返す。
// ConnectErrorを含まない場合は空文字列を返す。
func KindOf(err error) ErrorKind {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind はエラーが指定された種別のConnectErrorかを判定する。
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// NewConfigurationError は必須設定値の欠落エラーを生成する。
func NewConfigurationError(missing []string) *ConnectError {
	return &ConnectError{
		Kind:    KindConfiguration,
		Message: "required configuration values are not set: " + strings.Join(missing, ", "),
	}
}

// NewUpstreamTransportError はネットワークレベルの失敗を表すエラーを生成する。
func NewUpstreamTransportError(method, url string, err error) *ConnectError {
	return &ConnectError{
		Kind:    KindUpstreamTransport,
		Message: fmt.Sprintf("%s %s failed", method, url),
		Err:     err,
	}
}

// NewUpstreamHTTPError は2xx以外のレスポンスを表すエラーを生成する。
func NewUpstreamHTTPError(method, url string, statusCode int, body string) *ConnectError {
	return &ConnectError{
		Kind:       KindUpstreamHTTP,
		Message:    fmt.Sprintf("%s %s returned an error status", method, url),
		StatusCode: statusCode,
		Body:       body,
	}
}

// NewUpstreamDecodeError はJSONとして解釈できないレスポンスのエラーを生成する。
func NewUpstreamDecodeError(method, url string, err error) *ConnectError {
	return &ConnectError{
		Kind:    KindUpstreamDecode,
		Message: fmt.Sprintf("%s %s returned a non-JSON body", method, url),
		Err:     err,
	}
}

// NewEmptyResultError はページが1件も返されなかった場合のエラーを生成する。
func NewEmptyResultError() *ConnectError {
	return &ConnectError{
		Kind:    KindEmptyResult,
		Message: "no pages available",
	}
}

// NewIdentifierNotFoundError は拡張機能IDを特定できなかった場合のエラーを生成する。
func NewIdentifierNotFoundError(loginURI string) *ConnectError {
	return &ConnectError{
		Kind:    KindIdentifierNotFound,
		Message: fmt.Sprintf("no extension identifier in login_uri %q", loginURI),
	}
}

// NewMissingCodeError はログイン交換のレスポンスにcodeが含まれない場合のエラーを生成する。
func NewMissingCodeError() *ConnectError {
	return &ConnectError{
		Kind:    KindMissingCode,
		Message: `"code" not in response JSON`,
	}
}

// NewInvalidDescriptorError は組み立てたURLが不正な場合のエラーを生成する。
func NewInvalidDescriptorError(err error) *ConnectError {
	return &ConnectError{
		Kind:    KindInvalidDescriptor,
		Message: "composed iframe URL is not a valid absolute URL",
		Err:     err,
	}
}

// 定義済みエラーコード
const (
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
	ErrCodeNoPages       = "NO_PAGES_AVAILABLE"
	ErrCodeLoginExchange = "LOGIN_EXCHANGE_FAILED"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMIT_EXCEEDED"
)

// ToAPIError はエラーをHTTPステータスと統一エラーフォーマットに変換する。
// 設定不備は500、パートナーAPI起因の失敗は502とする。
// 詳細なエラー内容はログにのみ記録し、レスポンスには含めない。
func ToAPIError(err error) (int, *APIError) {
	switch KindOf(err) {
	case KindConfiguration:
		return http.StatusInternalServerError, &APIError{
			Code:     ErrCodeConfiguration,
			Message:  "サーバーの設定が不足しています。",
			Category: "config",
			Action:   "API_HOST、API_KEY、TIER_ACCOUNT_ID の設定を確認してください。",
		}
	case KindUpstreamTransport, KindUpstreamHTTP, KindUpstreamDecode:
		return http.StatusBadGateway, &APIError{
			Code:     ErrCodeUpstream,
			Message:  "パートナーAPIの呼び出しに失敗しました。",
			Category: "upstream",
			Action:   "しばらく待ってから再度お試しください。",
		}
	case KindEmptyResult:
		return http.StatusBadGateway, &APIError{
			Code:     ErrCodeNoPages,
			Message:  "利用可能なページがありません。",
			Category: "upstream",
			Action:   "アカウントに拡張機能のページが公開されているか確認してください。",
		}
	case KindIdentifierNotFound, KindMissingCode, KindInvalidDescriptor:
		return http.StatusBadGateway, &APIError{
			Code:     ErrCodeLoginExchange,
			Message:  "拡張機能へのログイン情報を取得できませんでした。",
			Category: "upstream",
			Action:   "拡張機能の設定を確認してください。",
		}
	default:
		return http.StatusInternalServerError, &APIError{
			Code:     ErrCodeInternal,
			Message:  "内部エラーが発生しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}
}
