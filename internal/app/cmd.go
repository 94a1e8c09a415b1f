package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTPサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandDescribe はiframeディスクリプタを1件生成して標準出力に書き出すことを示す。
	CommandDescribe Command = "describe"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "healthcheck":
		return CommandHealthcheck
	case "describe":
		return CommandDescribe
	default:
		return CommandServe
	}
}

// describeTenant はdescribeサブコマンドに渡されたテナントIDを返す。
// 省略された場合は空文字列（設定済みのテナント）を返す。
func describeTenant(args []string) string {
	if len(args) < 2 {
		return ""
	}
	return args[1]
}
