package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandStub は開発用スタブバックエンドを起動することを示す。
	CommandStub Command = "stub"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandStubを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandStub
	}

	switch args[0] {
	case "stub":
		return CommandStub
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandStub
	}
}
