// Package model はドメインモデルを定義する。
package model

// Extension はページに紐づくパートナー拡張機能の情報を表す。
// ID は新しいAPIスキーマでのみ返されるため空の場合がある。
type Extension struct {
	ID       string `json:"id,omitempty"`
	Hostname string `json:"hostname"`
	Domain   string `json:"domain"`
	LoginURI string `json:"login_uri"`
}

// Page はテナントに公開されているインテグレーション画面を表す。
// パートナーAPIの GET /public/v1/devops/pages が返す配列の1要素。
type Page struct {
	Label     string    `json:"label"`
	URL       string    `json:"url"`
	Icon      string    `json:"icon,omitempty"`
	Extension Extension `json:"extension"`
}

// IframeDescriptor はフロントエンドがiframeに埋め込むための情報。
type IframeDescriptor struct {
	URL   string `json:"url"`
	Label string `json:"label"`
	Icon  string `json:"icon"`
}
